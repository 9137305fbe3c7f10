package cronspec

import (
	"errors"
	"testing"
	"time"
)

func mustUTC(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad test timestamp %q: %v", s, err)
	}
	return ts
}

func TestNextComputesStrictlyLaterFire(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		expr  string
		tz    string
		after string
		want  string
	}{
		{name: "daily midnight skips same day", expr: "0 0 * * *", tz: "UTC", after: "2024-01-01T08:00:00Z", want: "2024-01-02T00:00:00Z"},
		{name: "quarter hour steps", expr: "*/15 * * * *", tz: "UTC", after: "2024-01-01T00:07:00Z", want: "2024-01-01T00:15:00Z"},
		{name: "exact boundary is excluded", expr: "*/15 * * * *", tz: "UTC", after: "2024-01-01T00:15:00Z", want: "2024-01-01T00:30:00Z"},
		{name: "midnight in new york", expr: "0 0 * * *", tz: "America/New_York", after: "2024-06-01T00:00:00Z", want: "2024-06-01T04:00:00Z"},
		{name: "dom and dow are or-ed", expr: "0 0 13 * 5", tz: "UTC", after: "2024-09-14T00:00:00Z", want: "2024-09-20T00:00:00Z"},
		{name: "comma list", expr: "30 9 * * 1,5", tz: "UTC", after: "2024-01-01T10:00:00Z", want: "2024-01-05T09:30:00Z"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(tt.expr, tt.tz, mustUTC(t, tt.after))
			if err != nil {
				t.Fatalf("Next(%q, %q) error: %v", tt.expr, tt.tz, err)
			}
			want := mustUTC(t, tt.want)
			if !got.Equal(want) {
				t.Fatalf("Next(%q, %q, %s) = %s, want %s", tt.expr, tt.tz, tt.after, got.UTC().Format(time.RFC3339), tt.want)
			}
		})
	}
}

func TestNextNeverStalls(t *testing.T) {
	t.Parallel()
	exprs := []string{"* * * * *", "*/5 * * * *", "0 0 * * *", "0 0 1 * *"}
	for _, expr := range exprs {
		after := mustUTC(t, "2024-03-01T00:00:00Z")
		for i := 0; i < 10; i++ {
			next, err := Next(expr, "UTC", after)
			if err != nil {
				t.Fatalf("Next(%q) error: %v", expr, err)
			}
			if !next.After(after) {
				t.Fatalf("Next(%q) = %s, not after %s", expr, next, after)
			}
			after = next
		}
	}
}

func TestInvalidExpressions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		expr string
	}{
		{name: "minute out of range", expr: "61 * * * *"},
		{name: "hour out of range", expr: "0 24 * * *"},
		{name: "too few fields", expr: "* * * *"},
		{name: "too many fields", expr: "* * * * * *"},
		{name: "descriptor", expr: "@daily"},
		{name: "empty", expr: ""},
		{name: "tz prefix", expr: "CRON_TZ=UTC 0 0 * * *"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.expr, "UTC"); !errors.Is(err, ErrInvalidExpression) {
				t.Fatalf("Validate(%q) = %v, want ErrInvalidExpression", tt.expr, err)
			}
			if _, err := Next(tt.expr, "UTC", time.Now()); !errors.Is(err, ErrInvalidExpression) {
				t.Fatalf("Next(%q) = %v, want ErrInvalidExpression", tt.expr, err)
			}
		})
	}
}

func TestInvalidTimezone(t *testing.T) {
	t.Parallel()
	if err := Validate("0 0 * * *", "Mars/Olympus"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("Validate = %v, want ErrInvalidTimezone", err)
	}
}

func TestEmptyTimezoneDefaultsToUTC(t *testing.T) {
	t.Parallel()
	got, err := Next("0 0 * * *", "", mustUTC(t, "2024-01-01T08:00:00Z"))
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := mustUTC(t, "2024-01-02T00:00:00Z"); !got.Equal(want) {
		t.Fatalf("Next = %s, want %s", got, want)
	}
}

func TestNeverFiringExpression(t *testing.T) {
	t.Parallel()
	_, err := Next("0 0 30 2 *", "UTC", mustUTC(t, "2024-01-01T00:00:00Z"))
	if !errors.Is(err, ErrNeverFires) {
		t.Fatalf("Next = %v, want ErrNeverFires", err)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		want string
	}{
		{expr: "* * * * *", want: "every minute"},
		{expr: "*/15 * * * *", want: "every 15 minutes"},
		{expr: "5 * * * *", want: "hourly at minute 5"},
		{expr: "0 0 * * *", want: "daily at 00:00"},
		{expr: "30 9 * * 1,5", want: "at 09:30 on Monday, Friday"},
		{expr: "0 12 1 * *", want: "at 12:00 on day 1 of the month"},
		// Anything we cannot phrase comes back verbatim.
		{expr: "0 0 * 6 *", want: "0 0 * 6 *"},
		{expr: "not a cron", want: "not a cron"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.expr, func(t *testing.T) {
			if got := Describe(tt.expr); got != tt.want {
				t.Fatalf("Describe(%q) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}
