// Package usagestore persists the budget ledger in SQLite.
package usagestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/gibbonas/MemAgent/pkg/budget"
)

type SQLiteUsageStore struct {
	db *sql.DB
}

var _ budget.Ledger = &SQLiteUsageStore{}

// SQLiteUsageDSNForFile builds a DSN with WAL and a busy timeout so that
// concurrent sessions can append while readers aggregate.
func SQLiteUsageDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite usage store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path), nil
}

func NewSQLiteUsageStore(dsn string) (*SQLiteUsageStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite usage store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteUsageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteUsageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteUsageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite usage store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS token_usage (
			id TEXT NOT NULL PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			memory_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			operation TEXT NOT NULL DEFAULT '',
			tokens_used INTEGER NOT NULL,
			timestamp_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS token_usage_by_session ON token_usage(session_id, agent_name);`,
		`CREATE INDEX IF NOT EXISTS token_usage_by_user_time ON token_usage(user_id, timestamp_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite usage store: migrate")
		}
	}
	return nil
}

func (s *SQLiteUsageStore) Append(ctx context.Context, e budget.Entry) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite usage store: db is nil")
	}
	if strings.TrimSpace(e.ID) == "" {
		return errors.New("sqlite usage store: empty entry id")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage(id, user_id, session_id, memory_id, agent_name, operation, tokens_used, timestamp_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.SessionID, e.MemoryID, e.Agent, e.Operation, e.Units, e.At.UTC().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite usage store: insert")
	}
	return nil
}

func (s *SQLiteUsageStore) sum(ctx context.Context, query string, args ...any) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("sqlite usage store: db is nil")
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, errors.Wrap(err, "sqlite usage store: aggregate")
	}
	return int(total), nil
}

func (s *SQLiteUsageStore) SessionTotal(ctx context.Context, sessionID string) (int, error) {
	return s.sum(ctx, `SELECT COALESCE(SUM(tokens_used), 0) FROM token_usage WHERE session_id = ?`, sessionID)
}

func (s *SQLiteUsageStore) DailyTotal(ctx context.Context, userID string, dayStart time.Time) (int, error) {
	from, to := dayBounds(dayStart)
	return s.sum(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0) FROM token_usage
		WHERE user_id = ? AND timestamp_ms >= ? AND timestamp_ms < ?
	`, userID, from, to)
}

func (s *SQLiteUsageStore) AgentTotal(ctx context.Context, sessionID, agent string) (int, error) {
	return s.sum(ctx, `
		SELECT COALESCE(SUM(tokens_used), 0) FROM token_usage
		WHERE session_id = ? AND agent_name = ?
	`, sessionID, agent)
}

func (s *SQLiteUsageStore) CountOperations(ctx context.Context, userID, operation string, dayStart time.Time) (int, error) {
	from, to := dayBounds(dayStart)
	return s.sum(ctx, `
		SELECT COUNT(*) FROM token_usage
		WHERE user_id = ? AND operation = ? AND timestamp_ms >= ? AND timestamp_ms < ?
	`, userID, operation, from, to)
}

// SessionBreakdown returns per-agent totals for a session, used by the usage
// command.
func (s *SQLiteUsageStore) SessionBreakdown(ctx context.Context, sessionID string) (map[string]int, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite usage store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_name, SUM(tokens_used) FROM token_usage
		WHERE session_id = ?
		GROUP BY agent_name
		ORDER BY agent_name
	`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite usage store: breakdown")
	}
	defer func() { _ = rows.Close() }()

	out := map[string]int{}
	for rows.Next() {
		var agent string
		var total int64
		if err := rows.Scan(&agent, &total); err != nil {
			return nil, errors.Wrap(err, "sqlite usage store: scan breakdown")
		}
		out[agent] = int(total)
	}
	return out, rows.Err()
}

func dayBounds(dayStart time.Time) (int64, int64) {
	from := dayStart.UTC().UnixMilli()
	return from, from + (24 * time.Hour).Milliseconds()
}
