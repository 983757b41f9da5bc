package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store"
)

// Ensure *PostgresStore implements queue.Store at compile time.
var _ queue.Store = (*PostgresStore)(nil)

//go:embed schema.sql
var schema string

var dialect = store.Dialect{
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	Time:        func(t time.Time) any { return t },
	Precision:   time.Microsecond,
}

// PostgresStore keeps one queue's messages in the shared messages table,
// discriminated by the queue column.
type PostgresStore struct {
	pool  *pgxpool.Pool
	queue string
	now   func() time.Time
}

func New(pool *pgxpool.Pool, queueName string) *PostgresStore {
	return &PostgresStore{pool: pool, queue: queueName, now: time.Now}
}

// EnsureSchema creates the messages table and its indexes if missing.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// SQL templates
const (
	sqlInsert = `
INSERT INTO messages (queue, payload, visible_at)
VALUES ($1, $2, $3)
RETURNING id;`

	sqlColumns = `id, payload, visible_at, ack, done, tries, created_at, updated_at`
)

// InsertMany inserts every record in one transaction. Batch results come back
// in queue order, which keeps ids aligned with the input.
func (p *PostgresStore) InsertMany(ctx context.Context, records []queue.Record) ([]string, error) {
	ids := make([]string, len(records))

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(sqlInsert, p.queue, []byte(r.Payload), dialect.Deadline(r.VisibleAt))
		}

		br := tx.SendBatch(ctx, batch)
		for i := range records {
			var id int64
			if err := br.QueryRow().Scan(&id); err != nil {
				_ = br.Close()
				return err
			}
			ids[i] = strconv.FormatInt(id, 10)
		}
		return br.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("insert messages: %w", err)
	}
	return ids, nil
}

// FindOneAndUpdate locks the selected row inside the same statement that
// updates it. Oldest-first selection skips rows another claimant holds, so
// concurrent claims fan out instead of queueing on one row.
func (p *PostgresStore) FindOneAndUpdate(ctx context.Context, f queue.Filter, s queue.Sort, u queue.Update) (*queue.Message, error) {
	q := store.NewQuery(dialect)
	set := q.Set(u, p.now())
	queueArg := q.Arg(p.queue)
	where := q.Where(f)

	lock := " FOR UPDATE"
	if s == queue.SortOldestFirst {
		lock = " FOR UPDATE SKIP LOCKED"
	}

	sql := `UPDATE messages SET ` + set + `
WHERE id = (
  SELECT id FROM messages
  WHERE queue = ` + queueArg + ` AND ` + where + store.OrderBy(s) + `
  LIMIT 1` + lock + `
)
RETURNING ` + sqlColumns

	m, err := scanMessage(p.pool.QueryRow(ctx, sql, q.Args()...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find and update: %w", err)
	}
	return m, nil
}

func (p *PostgresStore) DeleteMany(ctx context.Context, f queue.Filter) (int64, error) {
	q := store.NewQuery(dialect)
	sql := `DELETE FROM messages WHERE queue = ` + q.Arg(p.queue) + ` AND ` + q.Where(f)

	tag, err := p.pool.Exec(ctx, sql, q.Args()...)
	if err != nil {
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PostgresStore) Count(ctx context.Context, f queue.Filter) (int64, error) {
	q := store.NewQuery(dialect)
	sql := `SELECT count(*) FROM messages WHERE queue = ` + q.Arg(p.queue) + ` AND ` + q.Where(f)

	var n int64
	if err := p.pool.QueryRow(ctx, sql, q.Args()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.Row) (*queue.Message, error) {
	var (
		m       queue.Message
		id      int64
		payload []byte
		ack     *string
	)
	// NOTE: Column order must match sqlColumns.
	err := row.Scan(
		&id,
		&payload,
		&m.VisibleAt,
		&ack,
		&m.Done,
		&m.Tries,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.Payload = payload
	if ack != nil {
		m.Ack = *ack
	}
	return &m, nil
}
