package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const defaultTopTools = 10

// SQLiteStore writes usage to a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// OpenSQLite opens (creating if needed) the usage database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "usage")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("usage store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tool_usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			user_email TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL,
			arguments TEXT NOT NULL,
			result TEXT,
			timestamp TEXT NOT NULL,
			execution_time_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error_message TEXT,
			FOREIGN KEY (user_id) REFERENCES users(user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_tool_usage_user_id ON tool_usage_logs(user_id);
		CREATE INDEX IF NOT EXISTS idx_tool_usage_timestamp ON tool_usage_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_tool_usage_tool_name ON tool_usage_logs(tool_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertUser creates the user or refreshes name, email and last_seen.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user User) error {
	return s.upsertUser(ctx, s.db, user, s.now())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) upsertUser(ctx context.Context, db execer, user User, at time.Time) error {
	if user.ID == "" {
		return fmt.Errorf("user id required")
	}
	ts := at.UTC().Format(time.RFC3339Nano)
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (user_id, email, name, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END,
			last_seen = excluded.last_seen
	`, user.ID, user.Email, user.Name, ts, ts)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

// Record stores one invocation, upserting the user in the same transaction.
func (s *SQLiteStore) Record(ctx context.Context, user User, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}
	if entry.Arguments == "" {
		entry.Arguments = "{}"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertUser(ctx, tx, user, entry.Timestamp); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tool_usage_logs (
			id, user_id, user_email, tool_name, arguments, result,
			timestamp, execution_time_ms, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		user.ID,
		user.Email,
		entry.ToolName,
		entry.Arguments,
		nullString(entry.Result),
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.ExecutionTime.Milliseconds(),
		entry.Success,
		nullString(entry.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("inserting usage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing usage: %w", err)
	}

	s.logger.Debug("recorded tool usage", "tool", entry.ToolName, "user_id", user.ID, "success", entry.Success)
	return nil
}

// UserHistory returns the newest entries for a user, optionally filtered by tool.
func (s *SQLiteStore) UserHistory(ctx context.Context, userID, toolName string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, user_id, user_email, tool_name, arguments, result,
		       timestamp, execution_time_ms, success, error_message
		FROM tool_usage_logs
		WHERE user_id = ?
	`
	args := []any{userID}
	if toolName != "" {
		query += " AND tool_name = ?"
		args = append(args, toolName)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying usage history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			result     sql.NullString
			errMsg     sql.NullString
			ts         string
			durationMS int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserEmail, &e.ToolName, &e.Arguments, &result,
			&ts, &durationMS, &e.Success, &errMsg); err != nil {
			return nil, fmt.Errorf("scanning usage row: %w", err)
		}
		e.Result = result.String
		e.ErrorMessage = errMsg.String
		e.ExecutionTime = time.Duration(durationMS) * time.Millisecond
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating usage rows: %w", err)
	}
	return entries, nil
}

// Stats returns totals, the success rate and the most used tools.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&st.TotalUsers); err != nil {
		return Stats{}, fmt.Errorf("counting users: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0)
		FROM tool_usage_logs
	`).Scan(&st.TotalCalls, &st.SuccessfulCalls); err != nil {
		return Stats{}, fmt.Errorf("counting calls: %w", err)
	}
	if st.TotalCalls > 0 {
		st.SuccessRate = float64(st.SuccessfulCalls) / float64(st.TotalCalls)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, COUNT(*) AS count
		FROM tool_usage_logs
		GROUP BY tool_name
		ORDER BY count DESC, tool_name ASC
		LIMIT ?
	`, defaultTopTools)
	if err != nil {
		return Stats{}, fmt.Errorf("querying top tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var tc ToolCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return Stats{}, fmt.Errorf("scanning top tools: %w", err)
		}
		st.TopTools = append(st.TopTools, tc)
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterating top tools: %w", err)
	}
	return st, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
