// Package memory is an in-process queue.Store. It keeps every record behind a
// single mutex, which makes FindOneAndUpdate trivially atomic.
package memory

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
)

var _ queue.Store = (*Store)(nil)

type Store struct {
	mu      sync.Mutex
	seq     int64
	records []*queue.Message
	now     func() time.Time
}

// New returns an empty store. Bookkeeping timestamps come from time.Now.
func New() *Store {
	return &Store{now: time.Now}
}

func (s *Store) InsertMany(ctx context.Context, records []queue.Record) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ids := make([]string, 0, len(records))
	for _, r := range records {
		s.seq++
		id := strconv.FormatInt(s.seq, 10)
		s.records = append(s.records, &queue.Message{
			ID:        id,
			Payload:   slices.Clone(r.Payload),
			VisibleAt: r.VisibleAt,
			CreatedAt: now,
			UpdatedAt: now,
		})
		ids = append(ids, id)
	}
	return ids, nil
}

// FindOneAndUpdate walks records in insertion order, which is creation order,
// so the first match is also the oldest.
func (s *Store) FindOneAndUpdate(ctx context.Context, f queue.Filter, _ queue.Sort, u queue.Update) (*queue.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.records {
		if !f.Matches(m) {
			continue
		}
		u.Apply(m)
		m.UpdatedAt = s.now()
		return clone(m), nil
	}
	return nil, nil
}

func (s *Store) DeleteMany(ctx context.Context, f queue.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, f.Matches)
	return int64(before - len(s.records)), nil
}

func (s *Store) Count(ctx context.Context, f queue.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, m := range s.records {
		if f.Matches(m) {
			n++
		}
	}
	return n, nil
}

func clone(m *queue.Message) *queue.Message {
	c := *m
	c.Payload = slices.Clone(m.Payload)
	return &c
}
