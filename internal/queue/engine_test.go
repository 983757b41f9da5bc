package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/queuetest"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
)

// failingStore fails every call with err.
type failingStore struct{ err error }

func (f failingStore) InsertMany(context.Context, []queue.Record) ([]string, error) {
	return nil, f.err
}
func (f failingStore) FindOneAndUpdate(context.Context, queue.Filter, queue.Sort, queue.Update) (*queue.Message, error) {
	return nil, f.err
}
func (f failingStore) DeleteMany(context.Context, queue.Filter) (int64, error) { return 0, f.err }
func (f failingStore) Count(context.Context, queue.Filter) (int64, error)      { return 0, f.err }

// countingStore records how many times the store was reached.
type countingStore struct {
	queue.Store
	mu    sync.Mutex
	calls int
}

func (c *countingStore) InsertMany(ctx context.Context, r []queue.Record) ([]string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.Store.InsertMany(ctx, r)
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *recordingObserver) add(e string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

func (o *recordingObserver) Enqueued(q string, n int) { o.add("enqueued") }
func (o *recordingObserver) Claimed(q string)         { o.add("claimed") }
func (o *recordingObserver) Renewed(q string)         { o.add("renewed") }
func (o *recordingObserver) Completed(q string)       { o.add("completed") }
func (o *recordingObserver) DeadLettered(q string)    { o.add("dead-lettered") }
func (o *recordingObserver) Reaped(q string, n int64) { o.add("reaped") }

type sinkFunc func(ctx context.Context, payloads []json.RawMessage, opts queue.EnqueueOptions) ([]string, error)

func (f sinkFunc) Enqueue(ctx context.Context, payloads []json.RawMessage, opts queue.EnqueueOptions) ([]string, error) {
	return f(ctx, payloads, opts)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		store queue.Store
		cfg   queue.Config
		field string
	}{
		{name: "nil store", store: nil, field: "store"},
		{name: "negative visibility", store: memory.New(), cfg: queue.Config{Visibility: -time.Second}, field: "visibility"},
		{name: "negative delay", store: memory.New(), cfg: queue.Config{Delay: -time.Second}, field: "delay"},
		{name: "negative retries", store: memory.New(), cfg: queue.Config{MaxRetries: -1}, field: "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := queue.New(tt.store, tt.cfg)
			assert.Nil(t, e)
			var verr *queue.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.ErrorIs(t, err, queue.ErrValidation)
		})
	}
}

func TestEnqueue_ValidationHappensBeforeStore(t *testing.T) {
	ctx := context.Background()
	s := &countingStore{Store: memory.New()}
	e, err := queue.New(s, queue.Config{})
	require.NoError(t, err)

	tests := []struct {
		name     string
		payloads []json.RawMessage
		opts     queue.EnqueueOptions
	}{
		{name: "empty batch", payloads: []json.RawMessage{}},
		{name: "nil batch", payloads: nil},
		{name: "empty payload", payloads: []json.RawMessage{json.RawMessage(`1`), nil}},
		{name: "invalid json", payloads: []json.RawMessage{json.RawMessage(`{`)}},
		{name: "negative delay", payloads: []json.RawMessage{json.RawMessage(`1`)}, opts: queue.EnqueueOptions{Delay: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := e.Enqueue(ctx, tt.payloads, tt.opts)
			assert.Nil(t, ids)
			assert.ErrorIs(t, err, queue.ErrValidation)
		})
	}
	assert.Equal(t, 0, s.calls)
}

func TestClaim_EmptyQueue(t *testing.T) {
	e, err := queue.New(memory.New(), queue.Config{})
	require.NoError(t, err)

	msg, err := e.Claim(context.Background(), queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestClaim_DefaultVisibility(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock()
	e, err := queue.New(memory.New(), queue.Config{Clock: clock.Now})
	require.NoError(t, err)

	_, err = e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, clock.Now().Add(queue.DefaultVisibility), msg.VisibleAt)
}

func TestRenewAndComplete_EmptyAck(t *testing.T) {
	ctx := context.Background()
	e, err := queue.New(memory.New(), queue.Config{})
	require.NoError(t, err)

	// An in-flight message must not be reachable through an empty token.
	_, err = e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)

	_, err = e.Renew(ctx, "", queue.RenewOptions{})
	assert.ErrorIs(t, err, queue.ErrUnknownAck)
	_, err = e.Complete(ctx, "")
	assert.ErrorIs(t, err, queue.ErrUnknownAck)
}

func TestStoreErrorsPropagate(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	e, err := queue.New(failingStore{err: boom}, queue.Config{})
	require.NoError(t, err)

	_, err = e.EnqueueOne(ctx, json.RawMessage(`1`), queue.EnqueueOptions{})
	assert.ErrorIs(t, err, boom)
	_, err = e.Claim(ctx, queue.ClaimOptions{})
	assert.ErrorIs(t, err, boom)
	_, err = e.Renew(ctx, "ack", queue.RenewOptions{})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, queue.ErrUnknownAck)
	_, err = e.Complete(ctx, "ack")
	assert.ErrorIs(t, err, boom)
	_, err = e.Reap(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = e.Stats(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestClaim_DeadLetterSinkFailureLeavesMessageLeased(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock()
	boom := errors.New("sink down")
	e, err := queue.New(memory.New(), queue.Config{
		Clock:      clock.Now,
		Visibility: time.Second,
		MaxRetries: 1,
		DeadLetter: sinkFunc(func(context.Context, []json.RawMessage, queue.EnqueueOptions) ([]string, error) {
			return nil, boom
		}),
	})
	require.NoError(t, err)

	_, err = e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	assert.Nil(t, msg)
	require.ErrorIs(t, err, boom)

	// Not completed: once the lease lapses the escalation is retried.
	n, err := e.Done(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestClaim_DeadLetterDefaultsMaxRetries(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock()

	var (
		mu        sync.Mutex
		forwarded []json.RawMessage
	)
	sink := sinkFunc(func(_ context.Context, p []json.RawMessage, _ queue.EnqueueOptions) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, p...)
		return []string{"dl-1"}, nil
	})
	e, err := queue.New(memory.New(), queue.Config{Clock: clock.Now, Visibility: time.Second, DeadLetter: sink})
	require.NoError(t, err)

	_, err = e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)

	for k := 1; k <= queue.DefaultMaxRetries; k++ {
		msg, err := e.Claim(ctx, queue.ClaimOptions{})
		require.NoError(t, err)
		require.NotNil(t, msg, "claim %d", k)
		clock.Advance(time.Second)
	}
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, msg)
	require.Len(t, forwarded, 1)

	var view queue.Message
	require.NoError(t, json.Unmarshal(forwarded[0], &view))
	assert.Equal(t, queue.DefaultMaxRetries+1, view.Tries)
}

func TestObserver(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	e, err := queue.New(memory.New(), queue.Config{Observer: obs})
	require.NoError(t, err)

	_, err = e.EnqueueOne(ctx, json.RawMessage(`1`), queue.EnqueueOptions{})
	require.NoError(t, err)
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	_, err = e.Renew(ctx, msg.Ack, queue.RenewOptions{})
	require.NoError(t, err)
	_, err = e.Complete(ctx, msg.Ack)
	require.NoError(t, err)
	_, err = e.Reap(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"enqueued", "claimed", "renewed", "completed", "reaped"}, obs.events)
}

func TestFilterMatches(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	notDone := false
	msg := &queue.Message{Ack: "a", VisibleAt: now}

	assert.True(t, queue.Filter{}.Matches(msg))
	assert.True(t, queue.Filter{Done: &notDone, VisibleAtOrBefore: now}.Matches(msg))
	assert.False(t, queue.Filter{VisibleAfter: now}.Matches(msg), "visible_at > now is strict")
	assert.True(t, queue.Filter{VisibleAfter: now.Add(-time.Nanosecond)}.Matches(msg))
	assert.False(t, queue.Filter{Ack: "b"}.Matches(msg))
	assert.False(t, queue.Filter{HasAck: true}.Matches(&queue.Message{}))
}
