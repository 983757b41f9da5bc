// Package sqlite implements queue.Store on an embedded SQLite database.
//
// SQLite serialises writers, and every primitive here is a single statement,
// so FindOneAndUpdate needs no row locks. Timestamps are stored as unix
// nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/pkg/logger"
)

// Compile-time check that SQLiteStore implements queue.Store.
var _ queue.Store = (*SQLiteStore)(nil)

//go:embed schema.sql
var schema string

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

var dialect = store.Dialect{
	Placeholder: func(int) string { return "?" },
	Time:        func(t time.Time) any { return t.UnixNano() },
}

const sqlColumns = `id, payload, visible_at, ack, done, tries, created_at, updated_at`

// Open opens (creating if needed) the database file at path and applies the
// schema. The handle is limited to one connection so writers from this
// process never contend for the database lock.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: path not set")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("sqlite: create directory: %w", err)
	}

	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	logger.Debug("sqlite database ready", zap.String("path", path))
	return db, nil
}

// SQLiteStore keeps one queue's messages in the shared messages table.
type SQLiteStore struct {
	db    *sql.DB
	queue string
	now   func() time.Time
}

func New(db *sql.DB, queueName string) *SQLiteStore {
	return &SQLiteStore{db: db, queue: queueName, now: time.Now}
}

// InsertMany inserts every record inside one transaction.
func (s *SQLiteStore) InsertMany(ctx context.Context, records []queue.Record) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("insert messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages (queue, payload, visible_at, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("insert messages: %w", err)
	}
	defer stmt.Close()

	now := s.now().UnixNano()
	ids := make([]string, len(records))
	for i, r := range records {
		res, err := stmt.ExecContext(ctx, s.queue, []byte(r.Payload), r.VisibleAt.UnixNano(), now, now)
		if err != nil {
			return nil, fmt.Errorf("insert messages: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert messages: %w", err)
		}
		ids[i] = strconv.FormatInt(id, 10)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("insert messages: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) FindOneAndUpdate(ctx context.Context, f queue.Filter, srt queue.Sort, u queue.Update) (*queue.Message, error) {
	q := store.NewQuery(dialect)
	set := q.Set(u, s.now())
	queueArg := q.Arg(s.queue)
	where := q.Where(f)

	query := `UPDATE messages SET ` + set + `
WHERE id = (
  SELECT id FROM messages
  WHERE queue = ` + queueArg + ` AND ` + where + store.OrderBy(srt) + `
  LIMIT 1
)
RETURNING ` + sqlColumns

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, q.Args()...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find and update: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) DeleteMany(ctx context.Context, f queue.Filter) (int64, error) {
	q := store.NewQuery(dialect)
	query := `DELETE FROM messages WHERE queue = ` + q.Arg(s.queue) + ` AND ` + q.Where(f)

	res, err := s.db.ExecContext(ctx, query, q.Args()...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Count(ctx context.Context, f queue.Filter) (int64, error) {
	q := store.NewQuery(dialect)
	query := `SELECT count(*) FROM messages WHERE queue = ` + q.Arg(s.queue) + ` AND ` + q.Where(f)

	var n int64
	if err := s.db.QueryRowContext(ctx, query, q.Args()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// scanMessage scans a Message from a single sql.Row.
func scanMessage(row *sql.Row) (*queue.Message, error) {
	var (
		m                               queue.Message
		id                              int64
		payload                         []byte
		ack                             sql.NullString
		visibleAt, createdAt, updatedAt int64
	)
	err := row.Scan(&id, &payload, &visibleAt, &ack, &m.Done, &m.Tries, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.Payload = payload
	m.Ack = ack.String
	m.VisibleAt = time.Unix(0, visibleAt)
	m.CreatedAt = time.Unix(0, createdAt)
	m.UpdatedAt = time.Unix(0, updatedAt)
	return &m, nil
}
