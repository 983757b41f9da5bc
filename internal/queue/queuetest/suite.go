package queuetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/leaseq/internal/queue"
)

// Factory returns an empty store for the named queue. Stores returned for
// different names must not see each other's messages.
type Factory func(t *testing.T, name string) queue.Store

// Run exercises the lease state machine end to end over stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Walkthrough", func(t *testing.T) { testWalkthrough(t, newStore) })
	t.Run("Batch", func(t *testing.T) { testBatch(t, newStore) })
	t.Run("PayloadBytes", func(t *testing.T) { testPayloadBytes(t, newStore) })
	t.Run("FIFO", func(t *testing.T) { testFIFO(t, newStore) })
	t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, newStore) })
	t.Run("RetryCounting", func(t *testing.T) { testRetryCounting(t, newStore) })
	t.Run("Renew", func(t *testing.T) { testRenew(t, newStore) })
	t.Run("CompletionFinality", func(t *testing.T) { testCompletionFinality(t, newStore) })
	t.Run("LateCompleteAfterReclaim", func(t *testing.T) { testLateComplete(t, newStore) })
	t.Run("Delay", func(t *testing.T) { testDelay(t, newStore) })
	t.Run("SubPrecisionLease", func(t *testing.T) { testSubPrecisionLease(t, newStore) })
	t.Run("Reap", func(t *testing.T) { testReap(t, newStore) })
	t.Run("DeadLetter", func(t *testing.T) { testDeadLetter(t, newStore) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, newStore) })
}

func newEngine(t *testing.T, s queue.Store, clock *Clock, cfg queue.Config) *queue.Engine {
	t.Helper()
	cfg.Clock = clock.Now
	e, err := queue.New(s, cfg)
	require.NoError(t, err)
	return e
}

func payloads(vs ...string) []json.RawMessage {
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		out[i] = json.RawMessage(v)
	}
	return out
}

func requireStats(t *testing.T, e *queue.Engine, want queue.Stats) {
	t.Helper()
	got, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testWalkthrough(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "walkthrough"), clock, queue.Config{Visibility: 24 * time.Hour})

	ids, err := e.Enqueue(ctx, payloads(`"Hello, World!"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	requireStats(t, e, queue.Stats{Total: 1, Size: 1, InFlight: 0, Done: 0})

	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, ids[0], msg.ID)
	assert.Equal(t, 1, msg.Tries)
	assert.Len(t, msg.Ack, 32)
	assert.False(t, msg.Done)
	assert.JSONEq(t, `"Hello, World!"`, string(msg.Payload))
	assert.True(t, msg.VisibleAt.Equal(clock.Now().Add(24*time.Hour)))
	requireStats(t, e, queue.Stats{Total: 1, Size: 0, InFlight: 1, Done: 0})

	id, err := e.Renew(ctx, msg.Ack, queue.RenewOptions{})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)

	id, err = e.Complete(ctx, msg.Ack)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)
	requireStats(t, e, queue.Stats{Total: 1, Size: 0, InFlight: 0, Done: 1})

	res, err := e.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedCount)
	requireStats(t, e, queue.Stats{})
}

func testBatch(t *testing.T, newStore Factory) {
	ctx := context.Background()
	e := newEngine(t, newStore(t, "batch"), NewClock(), queue.Config{})

	ids, err := e.Enqueue(ctx, payloads(`1`, `{"n":2}`, `[3]`), queue.EnqueueOptions{})
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.NotEqual(t, ids[0], ids[1])
	assert.NotEqual(t, ids[1], ids[2])
	requireStats(t, e, queue.Stats{Total: 3, Size: 3})

	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, ids[0], msg.ID)
	requireStats(t, e, queue.Stats{Total: 3, Size: 2, InFlight: 1})

	_, err = e.Complete(ctx, msg.Ack)
	require.NoError(t, err)
	requireStats(t, e, queue.Stats{Total: 3, Size: 2, InFlight: 0, Done: 1})
}

// Payloads are opaque: key order, whitespace and duplicate keys survive.
func testPayloadBytes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	e := newEngine(t, newStore(t, "bytes"), NewClock(), queue.Config{})

	raw := `{ "z": 1,  "a": [ 2 ], "z": 3 }`
	_, err := e.EnqueueOne(ctx, json.RawMessage(raw), queue.EnqueueOptions{})
	require.NoError(t, err)

	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, raw, string(msg.Payload))
}

func testFIFO(t *testing.T, newStore Factory) {
	ctx := context.Background()
	e := newEngine(t, newStore(t, "fifo"), NewClock(), queue.Config{})

	var want []string
	for _, p := range []string{`"a"`, `"b"`, `"c"`, `"d"`} {
		id, err := e.EnqueueOne(ctx, json.RawMessage(p), queue.EnqueueOptions{})
		require.NoError(t, err)
		want = append(want, id)
	}

	var got []string
	for {
		msg, err := e.Claim(ctx, queue.ClaimOptions{})
		require.NoError(t, err)
		if msg == nil {
			break
		}
		got = append(got, msg.ID)
	}
	assert.Equal(t, want, got)
}

func testLeaseExpiry(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "expiry"), clock, queue.Config{})

	id, err := e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)

	first, err := e.Claim(ctx, queue.ClaimOptions{Visibility: 10 * time.Second})
	require.NoError(t, err)
	require.NotNil(t, first)

	clock.Advance(9 * time.Second)
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, msg, "lease still live")

	clock.Advance(time.Second)
	second, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, id, second.ID)
	assert.Equal(t, 2, second.Tries)
	assert.NotEqual(t, first.Ack, second.Ack)
}

func testRetryCounting(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "retries"), clock, queue.Config{Visibility: 5 * time.Second})

	_, err := e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)

	for k := 1; k <= 4; k++ {
		msg, err := e.Claim(ctx, queue.ClaimOptions{})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, k, msg.Tries)
		clock.Advance(5 * time.Second)
	}
}

func testRenew(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "renew"), clock, queue.Config{Visibility: 10 * time.Second})

	_, err := e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)

	clock.Advance(8 * time.Second)
	_, err = e.Renew(ctx, msg.Ack, queue.RenewOptions{Visibility: 10 * time.Second})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	other, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, other, "renewed lease must hide the message")

	n, err := e.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = e.Complete(ctx, msg.Ack)
	require.NoError(t, err)

	_, err = e.Renew(ctx, "never-issued", queue.RenewOptions{})
	assert.True(t, errors.Is(err, queue.ErrUnknownAck))
}

func testCompletionFinality(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "finality"), clock, queue.Config{Visibility: 10 * time.Second})

	_, err := e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	_, err = e.Complete(ctx, msg.Ack)
	require.NoError(t, err)

	_, err = e.Complete(ctx, msg.Ack)
	var unknown *queue.UnknownAckError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "complete", unknown.Op)

	_, err = e.Renew(ctx, msg.Ack, queue.RenewOptions{})
	require.ErrorIs(t, err, queue.ErrUnknownAck)

	clock.Advance(time.Hour)
	again, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, again)
	requireStats(t, e, queue.Stats{Total: 1, Done: 1})
}

func testLateComplete(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "late"), clock, queue.Config{Visibility: 10 * time.Second})

	_, err := e.EnqueueOne(ctx, json.RawMessage(`"x"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	slow, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, slow)

	clock.Advance(10 * time.Second)
	_, err = e.Complete(ctx, slow.Ack)
	require.ErrorIs(t, err, queue.ErrUnknownAck, "expired lease must not complete")

	fast, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, fast)
	assert.Equal(t, slow.ID, fast.ID)

	_, err = e.Renew(ctx, slow.Ack, queue.RenewOptions{})
	require.ErrorIs(t, err, queue.ErrUnknownAck)

	_, err = e.Complete(ctx, fast.Ack)
	require.NoError(t, err)
}

func testDelay(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	e := newEngine(t, newStore(t, "delay"), clock, queue.Config{Delay: 30 * time.Second})

	_, err := e.EnqueueOne(ctx, json.RawMessage(`"default delay"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = e.EnqueueOne(ctx, json.RawMessage(`"long delay"`), queue.EnqueueOptions{Delay: time.Minute})
	require.NoError(t, err)
	requireStats(t, e, queue.Stats{Total: 2})

	clock.Advance(30 * time.Second)
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.JSONEq(t, `"default delay"`, string(msg.Payload))

	none, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = e.Complete(ctx, msg.Ack)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	msg, err = e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.JSONEq(t, `"long delay"`, string(msg.Payload))
}

// testSubPrecisionLease runs a lease whose instants fall between the
// backends' timestamp ticks (milliseconds in Redis, microseconds in
// Postgres). The lease must hold until its exact end.
func testSubPrecisionLease(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClockAt(time.Unix(1_700_000_000, 900_500).UTC())
	e := newEngine(t, newStore(t, "subprecision"), clock, queue.Config{Visibility: 10 * time.Second})

	_, err := e.Enqueue(ctx, payloads(`"first"`, `"second"`), queue.EnqueueOptions{})
	require.NoError(t, err)
	clock.Advance(time.Millisecond)

	first, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, first)
	claimedAt := clock.Now()

	clock.Advance(10*time.Second - 500*time.Microsecond)
	next, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.NotEqual(t, first.ID, next.ID, "live lease was handed out again")

	clock.Advance(500*time.Microsecond - 250)
	require.True(t, clock.Now().Before(claimedAt.Add(10*time.Second)))
	none, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	assert.Nil(t, none)

	id, err := e.Complete(ctx, first.Ack)
	require.NoError(t, err, "holder must be able to complete a live lease")
	assert.Equal(t, first.ID, id)

	clock.Advance(11 * time.Second)
	again, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, next.ID, again.ID)
	assert.Equal(t, 2, again.Tries)
}

func testReap(t *testing.T, newStore Factory) {
	ctx := context.Background()
	e := newEngine(t, newStore(t, "reap"), NewClock(), queue.Config{})

	_, err := e.Enqueue(ctx, payloads(`1`, `2`, `3`), queue.EnqueueOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		msg, err := e.Claim(ctx, queue.ClaimOptions{})
		require.NoError(t, err)
		require.NotNil(t, msg)
		if i == 0 {
			_, err = e.Complete(ctx, msg.Ack)
			require.NoError(t, err)
		}
	}

	res, err := e.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.DeletedCount)
	requireStats(t, e, queue.Stats{Total: 2, Size: 1, InFlight: 1})

	res, err = e.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.DeletedCount)
}

func testDeadLetter(t *testing.T, newStore Factory) {
	ctx := context.Background()
	clock := NewClock()
	dead := newEngine(t, newStore(t, "dead"), clock, queue.Config{Name: "dead"})
	e := newEngine(t, newStore(t, "source"), clock, queue.Config{
		Name:       "source",
		Visibility: 10 * time.Second,
		DeadLetter: dead,
		MaxRetries: 2,
	})

	poison, err := e.EnqueueOne(ctx, json.RawMessage(`{"job":"poison"}`), queue.EnqueueOptions{})
	require.NoError(t, err)

	for k := 1; k <= 2; k++ {
		msg, err := e.Claim(ctx, queue.ClaimOptions{})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, k, msg.Tries)
		clock.Advance(10 * time.Second)
	}

	healthy, err := e.EnqueueOne(ctx, json.RawMessage(`{"job":"healthy"}`), queue.EnqueueOptions{})
	require.NoError(t, err)

	// The third claim exhausts the poison message and falls through to the next one.
	msg, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, healthy, msg.ID)
	assert.Equal(t, 1, msg.Tries)

	requireStats(t, e, queue.Stats{Total: 2, InFlight: 1, Done: 1})
	requireStats(t, dead, queue.Stats{Total: 1, Size: 1})

	forwarded, err := dead.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, forwarded)

	var view queue.Message
	require.NoError(t, json.Unmarshal(forwarded.Payload, &view))
	assert.Equal(t, poison, view.ID)
	assert.Equal(t, 3, view.Tries)
	assert.NotEmpty(t, view.Ack)
	assert.JSONEq(t, `{"job":"poison"}`, string(view.Payload))

	clock.Advance(time.Hour)
	_, err = e.Complete(ctx, msg.Ack)
	require.ErrorIs(t, err, queue.ErrUnknownAck)
	again, err := e.Claim(ctx, queue.ClaimOptions{})
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, healthy, again.ID, "the poison message never comes back")
}

func testConcurrentClaims(t *testing.T, newStore Factory) {
	ctx := context.Background()
	e := newEngine(t, newStore(t, "concurrent"), NewClock(), queue.Config{Visibility: time.Hour})

	const total = 40
	in := make([]json.RawMessage, total)
	for i := range in {
		in[i] = json.RawMessage(`"job"`)
	}
	ids, err := e.Enqueue(ctx, in, queue.EnqueueOptions{})
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for {
				msg, err := e.Claim(gctx, queue.ClaimOptions{})
				if err != nil {
					return err
				}
				if msg == nil {
					return nil
				}
				mu.Lock()
				claimed[msg.ID]++
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, claimed, total)
	for _, id := range ids {
		assert.Equal(t, 1, claimed[id], "message %s claimed more than once", id)
	}
}
