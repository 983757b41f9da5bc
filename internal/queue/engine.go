package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aridsondez/leaseq/pkg/logger"
)

const (
	DefaultVisibility = 30 * time.Second
	DefaultMaxRetries = 5
)

// DeadLetterSink receives messages whose retry budget is spent. *Engine
// satisfies it, so one queue can dead-letter into another.
type DeadLetterSink interface {
	Enqueue(ctx context.Context, payloads []json.RawMessage, opts EnqueueOptions) ([]string, error)
}

// Config is fixed at construction.
type Config struct {
	Name       string
	Visibility time.Duration
	Delay      time.Duration
	DeadLetter DeadLetterSink
	MaxRetries int
	Clock      func() time.Time
	Observer   Observer
}

// Engine implements the claim/lease state machine over a Store. It holds no
// locks and no mutable state; every transition is one predicate-guarded
// update sent to the store.
type Engine struct {
	store      Store
	name       string
	visibility time.Duration
	delay      time.Duration
	deadLetter DeadLetterSink
	maxRetries int
	now        func() time.Time
	observer   Observer
}

var _ DeadLetterSink = (*Engine)(nil)

// New builds an engine over s.
func New(s Store, cfg Config) (*Engine, error) {
	if s == nil {
		return nil, invalid("store", "is required")
	}
	if cfg.Visibility < 0 {
		return nil, invalid("visibility", "must not be negative")
	}
	if cfg.Delay < 0 {
		return nil, invalid("delay", "must not be negative")
	}
	if cfg.MaxRetries < 0 {
		return nil, invalid("max_retries", "must not be negative")
	}

	e := &Engine{
		store:      s,
		name:       cfg.Name,
		visibility: cfg.Visibility,
		delay:      cfg.Delay,
		deadLetter: cfg.DeadLetter,
		maxRetries: cfg.MaxRetries,
		now:        cfg.Clock,
		observer:   cfg.Observer,
	}
	if e.visibility == 0 {
		e.visibility = DefaultVisibility
	}
	if e.deadLetter != nil && e.maxRetries == 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.observer == nil {
		e.observer = NoopObserver{}
	}
	return e, nil
}

// Name returns the queue name the engine was configured with.
func (e *Engine) Name() string { return e.name }

// Enqueue stores one message per payload and returns their ids in order.
// Every message in the batch becomes visible at the same instant.
func (e *Engine) Enqueue(ctx context.Context, payloads []json.RawMessage, opts EnqueueOptions) ([]string, error) {
	if len(payloads) == 0 {
		return nil, invalid("payloads", "batch must not be empty")
	}
	if opts.Delay < 0 {
		return nil, invalid("delay", "must not be negative")
	}
	for i, p := range payloads {
		if len(p) == 0 {
			return nil, invalid(fmt.Sprintf("payloads[%d]", i), "is empty")
		}
		if !json.Valid(p) {
			return nil, invalid(fmt.Sprintf("payloads[%d]", i), "is not valid JSON")
		}
	}

	delay := opts.Delay
	if delay == 0 {
		delay = e.delay
	}
	visibleAt := e.now().Add(delay)

	records := make([]Record, len(payloads))
	for i, p := range payloads {
		records[i] = Record{Payload: p, VisibleAt: visibleAt}
	}

	ids, err := e.store.InsertMany(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	e.observer.Enqueued(e.name, len(ids))
	return ids, nil
}

// EnqueueOne is Enqueue for a single payload.
func (e *Engine) EnqueueOne(ctx context.Context, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	ids, err := e.Enqueue(ctx, []json.RawMessage{payload}, opts)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// Claim leases the oldest eligible message. It returns nil, nil when nothing
// is claimable.
//
// With a dead-letter sink configured, a claim that pushes Tries past
// MaxRetries forwards the message to the sink, completes it here and moves on
// to the next candidate. Each pass consumes one exhausted message, so the loop
// ends once the queue runs out of them.
func (e *Engine) Claim(ctx context.Context, opts ClaimOptions) (*Message, error) {
	if opts.Visibility < 0 {
		return nil, invalid("visibility", "must not be negative")
	}
	visibility := opts.Visibility
	if visibility == 0 {
		visibility = e.visibility
	}

	for {
		now := e.now()
		msg, err := e.store.FindOneAndUpdate(ctx, pendingFilter(now), SortOldestFirst, Update{
			IncTries:  true,
			Ack:       newAck(),
			VisibleAt: now.Add(visibility),
		})
		if err != nil {
			return nil, fmt.Errorf("claim: %w", err)
		}
		if msg == nil {
			return nil, nil
		}
		e.observer.Claimed(e.name)

		if e.deadLetter == nil || msg.Tries <= e.maxRetries {
			return msg, nil
		}
		if err := e.escalate(ctx, msg); err != nil {
			return nil, err
		}
	}
}

func (e *Engine) escalate(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	if _, err := e.deadLetter.Enqueue(ctx, []json.RawMessage{body}, EnqueueOptions{}); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	if _, err := e.Complete(ctx, msg.Ack); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}

	e.observer.DeadLettered(e.name)
	logger.Info("message dead-lettered",
		zap.String("queue", e.name),
		zap.String("id", msg.ID),
		zap.Int("tries", msg.Tries),
		zap.Int("max_retries", e.maxRetries),
	)
	return nil
}

// Renew extends a live lease and returns the message id.
func (e *Engine) Renew(ctx context.Context, ack string, opts RenewOptions) (string, error) {
	if opts.Visibility < 0 {
		return "", invalid("visibility", "must not be negative")
	}
	if ack == "" {
		return "", &UnknownAckError{Op: "renew", Ack: ack}
	}
	visibility := opts.Visibility
	if visibility == 0 {
		visibility = e.visibility
	}

	now := e.now()
	msg, err := e.store.FindOneAndUpdate(ctx, leaseFilter(ack, now), SortNone, Update{
		VisibleAt: now.Add(visibility),
	})
	if err != nil {
		return "", fmt.Errorf("renew: %w", err)
	}
	if msg == nil {
		return "", &UnknownAckError{Op: "renew", Ack: ack}
	}
	e.observer.Renewed(e.name)
	return msg.ID, nil
}

// Complete marks the message under a live lease as done and returns its id.
// A lapsed lease cannot be completed: another consumer may own it by now.
func (e *Engine) Complete(ctx context.Context, ack string) (string, error) {
	if ack == "" {
		return "", &UnknownAckError{Op: "complete", Ack: ack}
	}
	msg, err := e.store.FindOneAndUpdate(ctx, leaseFilter(ack, e.now()), SortNone, Update{
		MarkDone: true,
	})
	if err != nil {
		return "", fmt.Errorf("complete: %w", err)
	}
	if msg == nil {
		return "", &UnknownAckError{Op: "complete", Ack: ack}
	}
	e.observer.Completed(e.name)
	return msg.ID, nil
}

// Reap deletes every done message.
func (e *Engine) Reap(ctx context.Context) (ReapResult, error) {
	n, err := e.store.DeleteMany(ctx, doneFilter())
	if err != nil {
		return ReapResult{}, fmt.Errorf("reap: %w", err)
	}
	e.observer.Reaped(e.name, n)
	return ReapResult{DeletedCount: n}, nil
}

// Total counts every message regardless of state.
func (e *Engine) Total(ctx context.Context) (int64, error) {
	return e.count(ctx, "total", Filter{})
}

// Size counts messages that are claimable right now.
func (e *Engine) Size(ctx context.Context) (int64, error) {
	return e.count(ctx, "size", pendingFilter(e.now()))
}

// InFlight counts messages under a live lease.
func (e *Engine) InFlight(ctx context.Context) (int64, error) {
	return e.count(ctx, "in-flight", inFlightFilter(e.now()))
}

// Done counts completed messages awaiting Reap.
func (e *Engine) Done(ctx context.Context) (int64, error) {
	return e.count(ctx, "done", doneFilter())
}

// Stats collects the four counters. They are read separately, so under load
// the numbers need not add up to Total.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Total, err = e.Total(ctx); err != nil {
		return Stats{}, err
	}
	if s.Size, err = e.Size(ctx); err != nil {
		return Stats{}, err
	}
	if s.InFlight, err = e.InFlight(ctx); err != nil {
		return Stats{}, err
	}
	if s.Done, err = e.Done(ctx); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (e *Engine) count(ctx context.Context, what string, f Filter) (int64, error) {
	n, err := e.store.Count(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", what, err)
	}
	return n, nil
}

// newAck returns 32 random hex characters.
func newAck() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
