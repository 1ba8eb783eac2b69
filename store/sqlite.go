package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tracepipe/tracepipe/message"
)

/*
SQLite Schema:

	CREATE TABLE IF NOT EXISTS messages (
	    message_id   INTEGER PRIMARY KEY,
	    message_type TEXT NOT NULL,
	    message_json TEXT NOT NULL,
	    status       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
*/

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
  message_id   INTEGER PRIMARY KEY,
  message_type TEXT NOT NULL,
  message_json TEXT NOT NULL,
  status       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);
`

// SQLiteStore is the embedded, crash-surviving store backing the pipeline
// by default. One file on disk per SDK instance; the unique primary key on
// message_id gives insert-or-replace upsert semantics.
type SQLiteStore struct {
	db        *sql.DB
	tableName string
}

// NewSQLiteStore creates a store on an already-open SQLite connection.
// The default table name is "messages".
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{
		db:        db,
		tableName: "messages",
	}
}

// OpenSQLite opens (or creates) the database file at path and returns a
// store on it. Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A staged-message store has one writer at a time per operation;
	// a single connection sidesteps SQLITE_BUSY between pool members.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db), nil
}

// WithTableName sets a custom table name.
//
// Returns the store for method chaining.
func (s *SQLiteStore) WithTableName(name string) *SQLiteStore {
	s.tableName = name
	return s
}

// Init creates the messages table and its status index if absent.
func (s *SQLiteStore) Init(ctx context.Context) error {
	schema := strings.ReplaceAll(sqliteSchema, "messages", s.tableName)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Upsert inserts or replaces records keyed by message id in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT OR REPLACE INTO %s (message_id, message_type, message_json, status)
		VALUES (?, ?, ?, ?)
	`, s.tableName)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, rec.MessageID, string(rec.Kind), string(rec.Payload), string(rec.Status)); err != nil {
			return fmt.Errorf("upsert message %d: %w", rec.MessageID, err)
		}
	}

	return tx.Commit()
}

// UpdateStatus sets the status of the given ids in one transaction.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, ids []int64, status Status) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		UPDATE %s SET status = ? WHERE message_id IN (%s)
	`, s.tableName, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// Delete removes the rows for the given ids in one statement.
func (s *SQLiteStore) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		DELETE FROM %s WHERE message_id IN (%s)
	`, s.tableName, placeholders(len(ids)))

	if _, err := s.db.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// Get retrieves a single record by id.
func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Record, error) {
	query := fmt.Sprintf(`
		SELECT message_id, message_type, message_json, status
		FROM %s WHERE message_id = ?
	`, s.tableName)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	return rec, nil
}

// GetMany retrieves the records for the given ids, ascending by message id.
func (s *SQLiteStore) GetMany(ctx context.Context, ids []int64) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := fmt.Sprintf(`
		SELECT message_id, message_type, message_json, status
		FROM %s WHERE message_id IN (%s)
		ORDER BY message_id
	`, s.tableName, placeholders(len(ids)))

	rows, err := s.db.QueryContext(ctx, query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, *rec)
	}

	return records, rows.Err()
}

// FailedIDs returns the ids of all failed rows, ascending.
func (s *SQLiteStore) FailedIDs(ctx context.Context) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT message_id FROM %s WHERE status = ? ORDER BY message_id
	`, s.tableName)

	rows, err := s.db.QueryContext(ctx, query, string(StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list failed messages: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan failed id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// FailedCount returns the number of failed rows.
func (s *SQLiteStore) FailedCount(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s WHERE status = ?
	`, s.tableName)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, string(StatusFailed)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count failed messages: %w", err)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec     Record
		kind    string
		payload string
		status  string
	)
	if err := row.Scan(&rec.MessageID, &kind, &payload, &status); err != nil {
		return nil, err
	}
	rec.Kind = message.Kind(kind)
	rec.Payload = []byte(payload)
	rec.Status = Status(status)
	return &rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// Compile-time check
var _ Store = (*SQLiteStore)(nil)
