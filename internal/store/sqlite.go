package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dockcron/internal/schedule"
	logx "dockcron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the engine's write rate is tiny.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleCols = `id, name, description, container_name, action, action_params, cron_expr, timezone,
	enabled, status, last_run_at, last_run_status, last_run_error, next_run_at, run_count, created_at, updated_at`

const executionCols = `id, schedule_id, schedule_name, container_name, action, status,
	started_at, completed_at, duration_ns, output, err`

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc *schedule.Schedule) error {
	params, err := marshalParams(sc.ActionParams)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.Name, sc.Description, sc.ContainerName, string(sc.Action), params,
		sc.CronExpr, sc.Timezone, boolInt(sc.Enabled), string(sc.Status),
		nsOrNil(sc.LastRunAt), string(sc.LastRunStatus), sc.LastRunError,
		nsOrNil(sc.NextRunAt), sc.RunCount, sc.CreatedAt.UnixNano(), sc.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, id string, mutate func(*schedule.Schedule) error) (*schedule.Schedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanSchedule(tx.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := mutate(cur); err != nil {
		return nil, err
	}
	cur.ID = id

	params, err := marshalParams(cur.ActionParams)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE schedules SET name=?, description=?, container_name=?, action=?, action_params=?,
		 cron_expr=?, timezone=?, enabled=?, status=?, last_run_at=?, last_run_status=?,
		 last_run_error=?, next_run_at=?, run_count=?, updated_at=? WHERE id=?`,
		cur.Name, cur.Description, cur.ContainerName, string(cur.Action), params,
		cur.CronExpr, cur.Timezone, boolInt(cur.Enabled), string(cur.Status),
		nsOrNil(cur.LastRunAt), string(cur.LastRunStatus), cur.LastRunError,
		nsOrNil(cur.NextRunAt), cur.RunCount, cur.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	sc, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, schedule.ErrNotFound)
	}
	return sc, err
}

func (s *sqliteStore) ListSchedules(ctx context.Context, f ListFilter) ([]*schedule.Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM schedules`
	var conds []string
	var args []any
	if f.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}
	if f.ContainerName != "" {
		conds = append(conds, "container_name = ?")
		args = append(args, f.ContainerName)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendExecution(ctx context.Context, e *schedule.Execution) error {
	status := e.Status
	if status == "" {
		status = schedule.ExecRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions(`+executionCols+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.ScheduleID, e.ScheduleName, e.ContainerName, string(e.Action), string(status),
		e.StartedAt.UnixNano(), nsOrNil(e.CompletedAt), int64(e.Duration), e.Output, e.Error,
	)
	return err
}

func (s *sqliteStore) CompleteExecution(ctx context.Context, id string, out schedule.Outcome, completedAt time.Time) (*schedule.Execution, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	e, err := scanExecution(tx.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, schedule.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if e.Status != schedule.ExecRunning {
		return nil, fmt.Errorf("execution %s is %s: %w", id, e.Status, schedule.ErrInvalidTransition)
	}

	e.Status = out.Status
	e.Output = out.Output
	e.Error = out.Error
	e.CompletedAt = &completedAt
	e.Duration = 0
	if d := completedAt.Sub(e.StartedAt); d > 0 {
		e.Duration = d
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE executions SET status=?, completed_at=?, duration_ns=?, output=?, err=?
		 WHERE id=? AND status=?`,
		string(e.Status), completedAt.UnixNano(), int64(e.Duration), e.Output, e.Error,
		id, string(schedule.ExecRunning),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("execution %s: %w", id, schedule.ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (*schedule.Execution, error) {
	e, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionCols+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, schedule.ErrNotFound)
	}
	return e, err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, scheduleID string, limit int, cursor string) ([]*schedule.Execution, string, error) {
	limit = clampLimit(limit)

	q := `SELECT ` + executionCols + ` FROM executions`
	var conds []string
	var args []any
	if scheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, scheduleID)
	}
	if cursor != "" {
		ns, lastID, err := decodeCursor(cursor)
		if err != nil {
			return nil, "", err
		}
		conds = append(conds, "(started_at < ? OR (started_at = ? AND id < ?))")
		args = append(args, ns, ns, lastID)
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var out []*schedule.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) > limit {
		out = out[:limit]
		last := out[limit-1]
		next = encodeCursor(last.StartedAt.UnixNano(), last.ID)
	}
	return out, next, nil
}

func (s *sqliteStore) MarkInterrupted(ctx context.Context, reason string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status=?, err=?, completed_at=?, duration_ns=MAX(0, ? - started_at)
		 WHERE status=?`,
		string(schedule.ExecFailed), reason, at.UnixNano(), at.UnixNano(), string(schedule.ExecRunning),
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (*schedule.Schedule, error) {
	var (
		sc                         schedule.Schedule
		action, status, lastStatus string
		params                     string
		enabled                    int
		lastRun, nextRun           sql.NullInt64
		createdNS, updatedNS       int64
	)
	err := r.Scan(&sc.ID, &sc.Name, &sc.Description, &sc.ContainerName, &action, &params,
		&sc.CronExpr, &sc.Timezone, &enabled, &status, &lastRun, &lastStatus,
		&sc.LastRunError, &nextRun, &sc.RunCount, &createdNS, &updatedNS)
	if err != nil {
		return nil, err
	}
	sc.Action = schedule.Action(action)
	sc.Status = schedule.Status(status)
	sc.LastRunStatus = schedule.RunStatus(lastStatus)
	sc.Enabled = enabled != 0
	sc.LastRunAt = timePtr(lastRun)
	sc.NextRunAt = timePtr(nextRun)
	sc.CreatedAt = time.Unix(0, createdNS)
	sc.UpdatedAt = time.Unix(0, updatedNS)
	m, err := unmarshalParams(params)
	if err != nil {
		return nil, err
	}
	sc.ActionParams = m
	return &sc, nil
}

func scanExecution(r rowScanner) (*schedule.Execution, error) {
	var (
		e              schedule.Execution
		action, status string
		startedNS      int64
		completed      sql.NullInt64
		durNS          int64
	)
	err := r.Scan(&e.ID, &e.ScheduleID, &e.ScheduleName, &e.ContainerName, &action, &status,
		&startedNS, &completed, &durNS, &e.Output, &e.Error)
	if err != nil {
		return nil, err
	}
	e.Action = schedule.Action(action)
	e.Status = schedule.ExecStatus(status)
	e.StartedAt = time.Unix(0, startedNS)
	e.CompletedAt = timePtr(completed)
	e.Duration = time.Duration(durNS)
	return &e, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nsOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func marshalParams(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalParams(s string) (map[string]string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "{}" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
