package store

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

var errInvalidCursor = errors.New("invalid cursor")

// Cursors encode the last row of the previous page as "<startedAtNanos>:<id>",
// base64 so callers treat them as opaque.
func encodeCursor(ns int64, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(ns, 10) + ":" + id))
}

func decodeCursor(cursor string) (int64, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, "", errInvalidCursor
	}
	nsStr, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return 0, "", errInvalidCursor
	}
	ns, err := strconv.ParseInt(nsStr, 10, 64)
	if err != nil {
		return 0, "", errInvalidCursor
	}
	return ns, id, nil
}
