package storage

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
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"conductor/internal/autoscaler"
	"conductor/internal/queue"
	logx "conductor/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  time.Duration
	opCount    atomic.Uint64
	pruneEvery uint64
}

// Open returns the configured store, or a no-op store when persistence
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if !cfg.Enabled {
		return nopStore{}, nil
	}
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 500}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) SaveTask(ctx context.Context, t queue.Task) error {
	payload, err := marshalOpt(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result, err := marshalOpt(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, payload, priority, status, retry_count, result, err, created_at, started_at, completed_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, retry_count=excluded.retry_count,
		   result=excluded.result, err=excluded.err,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		t.ID, payload, int(t.Priority), string(t.Status), t.RetryCount,
		result, nullStr(t.Error),
		t.CreatedAt.Format(time.RFC3339Nano), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		s.prune(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentTasks(ctx context.Context, limit int) ([]queue.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, priority, status, retry_count, result, err, created_at, started_at, completed_at
		 FROM tasks ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []queue.Task
	for rows.Next() {
		var (
			t                  queue.Task
			payload, result    sql.NullString
			errStr             sql.NullString
			prio               int
			status             string
			created            string
			started, completed sql.NullString
		)
		if err := rows.Scan(&t.ID, &payload, &prio, &status, &t.RetryCount,
			&result, &errStr, &created, &started, &completed); err != nil {
			return nil, err
		}
		t.Priority = queue.Priority(prio)
		t.Status = queue.Status(status)
		t.Error = errStr.String
		if payload.Valid {
			_ = json.Unmarshal([]byte(payload.String), &t.Payload)
		}
		if result.Valid {
			_ = json.Unmarshal([]byte(result.String), &t.Result)
		}
		t.CreatedAt = parseTime(created)
		if started.Valid {
			t.StartedAt = parseTime(started.String)
		}
		if completed.Valid {
			t.CompletedAt = parseTime(completed.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveScalingEvent(ctx context.Context, ev autoscaler.ScalingEvent) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scaling_events(previous, new_count, rule, reason, at) VALUES(?,?,?,?,?)`,
		ev.Previous, ev.New, ev.Rule, nullStr(ev.Reason), ev.Time.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) RecentScalingEvents(ctx context.Context, limit int) ([]autoscaler.ScalingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT previous, new_count, rule, reason, at FROM scaling_events ORDER BY at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []autoscaler.ScalingEvent
	for rows.Next() {
		var (
			ev     autoscaler.ScalingEvent
			reason sql.NullString
			at     string
		)
		if err := rows.Scan(&ev.Previous, &ev.New, &ev.Rule, &reason, &at); err != nil {
			return nil, err
		}
		ev.Reason = reason.String
		ev.Time = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqliteStore) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention).Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE completed_at < ?`, cutoff); err != nil {
		s.log.Warn("prune tasks failed", logx.Err(err))
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM scaling_events WHERE at < ?`, cutoff); err != nil {
		s.log.Warn("prune scaling events failed", logx.Err(err))
	}
}

func marshalOpt(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
