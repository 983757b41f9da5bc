package queue

import (
	"context"
	"time"
)

// Store is the storage-agnostic contract the engine runs on. Implementations
// bind to a single queue.
type Store interface {
	// InsertMany stores the records and returns their ids in input order.
	InsertMany(ctx context.Context, records []Record) ([]string, error)

	// FindOneAndUpdate selects the first record matching f (ordered by s),
	// applies u and returns the updated record, as one indivisible step.
	// It returns nil, nil when nothing matches.
	FindOneAndUpdate(ctx context.Context, f Filter, s Sort, u Update) (*Message, error)

	// DeleteMany removes every record matching f.
	DeleteMany(ctx context.Context, f Filter) (int64, error)

	// Count returns the number of records matching f.
	Count(ctx context.Context, f Filter) (int64, error)
}

// Sort selects which matching record FindOneAndUpdate picks.
type Sort int

const (
	// SortNone leaves the choice to the store. Used when the filter pins a
	// single record (by ack).
	SortNone Sort = iota
	// SortOldestFirst picks the earliest created record; ties go to the
	// store-assigned insertion order.
	SortOldestFirst
)

// Filter is a conjunction of conditions. Zero-valued fields do not constrain.
type Filter struct {
	Ack               string
	HasAck            bool
	Done              *bool
	VisibleAtOrBefore time.Time
	VisibleAfter      time.Time
}

// Matches reports whether m satisfies every condition in f. Stores that
// evaluate filters in Go use it directly; the others must agree with it.
func (f Filter) Matches(m *Message) bool {
	if f.Ack != "" && m.Ack != f.Ack {
		return false
	}
	if f.HasAck && m.Ack == "" {
		return false
	}
	if f.Done != nil && m.Done != *f.Done {
		return false
	}
	if !f.VisibleAtOrBefore.IsZero() && m.VisibleAt.After(f.VisibleAtOrBefore) {
		return false
	}
	if !f.VisibleAfter.IsZero() && !m.VisibleAt.After(f.VisibleAfter) {
		return false
	}
	return true
}

// Update lists the mutations FindOneAndUpdate applies. Zero-valued fields are
// left untouched.
type Update struct {
	IncTries  bool
	Ack       string
	VisibleAt time.Time
	MarkDone  bool
}

// Apply mutates m in place. UpdatedAt is bookkeeping and stays with the store.
func (u Update) Apply(m *Message) {
	if u.IncTries {
		m.Tries++
	}
	if u.Ack != "" {
		m.Ack = u.Ack
	}
	if !u.VisibleAt.IsZero() {
		m.VisibleAt = u.VisibleAt
	}
	if u.MarkDone {
		m.Done = true
	}
}

func boolPtr(b bool) *bool { return &b }

// pendingFilter selects messages that can be claimed at now.
func pendingFilter(now time.Time) Filter {
	return Filter{Done: boolPtr(false), VisibleAtOrBefore: now}
}

// leaseFilter selects the message holding a live lease under ack.
func leaseFilter(ack string, now time.Time) Filter {
	return Filter{Ack: ack, Done: boolPtr(false), VisibleAfter: now}
}

func inFlightFilter(now time.Time) Filter {
	return Filter{HasAck: true, Done: boolPtr(false), VisibleAfter: now}
}

func doneFilter() Filter {
	return Filter{Done: boolPtr(true)}
}
