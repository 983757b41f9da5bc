// Package store holds what the queue stores share: translating a
// queue.Filter and queue.Update into WHERE and SET clauses for a SQL dialect,
// and rounding timestamps to a backend's precision.
package store

import (
	"strings"
	"time"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Dialect describes how a SQL backend spells placeholders and timestamps.
type Dialect struct {
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Time converts a timestamp into the value stored in time columns.
	Time func(t time.Time) any
	// Precision is the resolution of time columns. Zero means exact.
	Precision time.Duration
}

// Deadline converts a visible_at value about to be stored, rounded up to the
// dialect's precision.
func (d Dialect) Deadline(t time.Time) any {
	return d.Time(CeilTime(t, d.Precision))
}

// bound converts a filter bound, rounded down to the dialect's precision.
func (d Dialect) bound(t time.Time) any {
	return d.Time(t.Truncate(d.Precision))
}

// CeilTime rounds t up to a multiple of p. Comparing rounded-up stored
// deadlines against rounded-down clock readings keeps "deadline <= now" from
// holding before now has actually reached the deadline.
func CeilTime(t time.Time, p time.Duration) time.Time {
	if p <= 0 {
		return t
	}
	c := t.Truncate(p)
	if c.Before(t) {
		c = c.Add(p)
	}
	return c
}

// Query accumulates bind arguments while clauses are rendered. Clauses must be
// rendered in the order they appear in the final statement, since some
// dialects bind positionally.
type Query struct {
	d    Dialect
	args []any
}

func NewQuery(d Dialect) *Query {
	return &Query{d: d}
}

// Arg binds v and returns its placeholder.
func (q *Query) Arg(v any) string {
	q.args = append(q.args, v)
	return q.d.Placeholder(len(q.args))
}

func (q *Query) Args() []any {
	return q.args
}

// Where renders f as a conjunction. An empty filter renders as "1=1".
func (q *Query) Where(f queue.Filter) string {
	var conds []string
	if f.Ack != "" {
		conds = append(conds, "ack = "+q.Arg(f.Ack))
	}
	if f.HasAck {
		conds = append(conds, "ack IS NOT NULL")
	}
	if f.Done != nil {
		conds = append(conds, "done = "+q.Arg(*f.Done))
	}
	if !f.VisibleAtOrBefore.IsZero() {
		conds = append(conds, "visible_at <= "+q.Arg(q.d.bound(f.VisibleAtOrBefore)))
	}
	if !f.VisibleAfter.IsZero() {
		conds = append(conds, "visible_at > "+q.Arg(q.d.bound(f.VisibleAfter)))
	}
	if len(conds) == 0 {
		return "1=1"
	}
	return strings.Join(conds, " AND ")
}

// Set renders u as a SET list. updated_at is always refreshed to now.
func (q *Query) Set(u queue.Update, now time.Time) string {
	var sets []string
	if u.IncTries {
		sets = append(sets, "tries = tries + 1")
	}
	if u.Ack != "" {
		sets = append(sets, "ack = "+q.Arg(u.Ack))
	}
	if !u.VisibleAt.IsZero() {
		sets = append(sets, "visible_at = "+q.Arg(q.d.Deadline(u.VisibleAt)))
	}
	if u.MarkDone {
		sets = append(sets, "done = "+q.Arg(true))
	}
	sets = append(sets, "updated_at = "+q.Arg(q.d.Time(now)))
	return strings.Join(sets, ", ")
}

// OrderBy renders the ORDER BY clause for s, including the leading space.
func OrderBy(s queue.Sort) string {
	if s == queue.SortOldestFirst {
		return " ORDER BY created_at, id"
	}
	return ""
}
