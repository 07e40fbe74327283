// Package sqlstore is the development backend's SQLite persistence for tasks
// and their execution records.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// ErrNotFound is returned when a task or record does not exist.
var ErrNotFound = errors.New("not found")

// Task is a stored task.
type Task struct {
	ID        int64
	Title     string
	CreatedAt time.Time
	Records   int
}

// Store persists tasks and records. Sequence ids are the record table's
// rowids, so they grow monotonically across every task.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. ":memory:" opens a private
// in-memory database.
func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if p != ":memory:" {
		p = filepath.Clean(p)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, title string) (Task, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO tasks (title, created_at_unix_ms) VALUES (?, ?)`, title, now.UnixMilli())
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, err
	}
	return Task{ID: id, Title: title, CreatedAt: time.UnixMilli(now.UnixMilli()).UTC()}, nil
}

// GetTask returns a task with its record count.
func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT t.id, t.title, t.created_at_unix_ms, COUNT(r.sequence_id)
FROM tasks t LEFT JOIN records r ON r.task_id = t.id
WHERE t.id = ?
GROUP BY t.id
`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.id, t.title, t.created_at_unix_ms, COUNT(r.sequence_id)
FROM tasks t LEFT JOIN records r ON r.task_id = t.id
GROUP BY t.id
ORDER BY t.id DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendRecord stores r under its task and returns it with the assigned
// sequence id.
func (s *Store) AppendRecord(ctx context.Context, r messages.Record) (messages.Record, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = messages.RecordCompleted
	}
	var senderID, senderName string
	if r.Sender != nil {
		senderID, senderName = r.Sender.UserID, r.Sender.UserName
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO records (task_id, role, content, exec_id, status, error, sender_id, sender_name, attachments, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, int64(r.TaskID), string(r.Role), r.Content, r.ExecID, string(r.Status), r.Error,
		senderID, senderName, nullableJSON(r.Attachments), r.CreatedAt.UnixMilli())
	if err != nil {
		return messages.Record{}, fmt.Errorf("insert record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return messages.Record{}, err
	}
	r.SequenceID = seq
	r.ID = seq
	r.CreatedAt = time.UnixMilli(r.CreatedAt.UnixMilli()).UTC()
	return r, nil
}

// FinishRecord settles the record of an execution with its final content
// and status.
func (s *Store) FinishRecord(ctx context.Context, execID string, content string, status messages.RecordStatus, errText string) (messages.Record, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE records SET content = ?, status = ?, error = ?
WHERE exec_id = ? AND role = ?
`, content, string(status), errText, execID, string(messages.RoleAssistant))
	if err != nil {
		return messages.Record{}, fmt.Errorf("update record %s: %w", execID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return messages.Record{}, fmt.Errorf("record %s: %w", execID, ErrNotFound)
	}
	row := s.db.QueryRowContext(ctx, selectRecords+` WHERE exec_id = ? AND role = ?`, execID, string(messages.RoleAssistant))
	return scanRecord(row)
}

// ListRecords returns up to limit records of a task with a sequence id below
// before (0 means no bound), oldest first. limit <= 0 returns every record.
func (s *Store) ListRecords(ctx context.Context, taskID int64, before int64, limit int) ([]messages.Record, error) {
	args := []any{taskID}
	where := ""
	if before > 0 {
		where = "AND sequence_id < ?"
		args = append(args, before)
	}
	lim := ""
	if limit > 0 {
		lim = "LIMIT ?"
		args = append(args, limit)
	}

	q := fmt.Sprintf(`
SELECT * FROM (%s WHERE task_id = ? %s ORDER BY sequence_id DESC %s)
ORDER BY sequence_id ASC
`, selectRecords, where, lim)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]messages.Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectRecords = `
SELECT sequence_id, task_id, role, content, exec_id, status, error, sender_id, sender_name, attachments, created_at_unix_ms
FROM records`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(sc scanner) (Task, error) {
	var t Task
	var ms int64
	if err := sc.Scan(&t.ID, &t.Title, &ms, &t.Records); err != nil {
		return Task{}, err
	}
	t.CreatedAt = time.UnixMilli(ms).UTC()
	return t, nil
}

func scanRecord(sc scanner) (messages.Record, error) {
	var (
		r           messages.Record
		taskID      int64
		role        string
		status      string
		senderID    string
		senderName  string
		attachments sql.NullString
		ms          int64
	)
	if err := sc.Scan(&r.SequenceID, &taskID, &role, &r.Content, &r.ExecID, &status, &r.Error,
		&senderID, &senderName, &attachments, &ms); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return messages.Record{}, ErrNotFound
		}
		return messages.Record{}, err
	}
	r.ID = r.SequenceID
	r.TaskID = messages.TaskID(taskID)
	r.Role = messages.Role(role)
	r.Status = messages.RecordStatus(status)
	r.CreatedAt = time.UnixMilli(ms).UTC()
	if senderID != "" {
		r.Sender = &messages.Sender{UserID: senderID, UserName: senderName}
	}
	if attachments.Valid && attachments.String != "" {
		r.Attachments = []byte(attachments.String)
	}
	return r, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return fmt.Errorf("pragma foreign_keys: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  title TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create tasks: %w", err)
	}
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS records (
  sequence_id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  exec_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  sender_id TEXT NOT NULL DEFAULT '',
  sender_name TEXT NOT NULL DEFAULT '',
  attachments TEXT,
  created_at_unix_ms INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("create records: %w", err)
	}
	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_records_task_seq ON records(task_id, sequence_id);`); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d;`, targetVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
