package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
)

type brokenTarget struct{ err error }

func (b brokenTarget) Name() string { return "broken" }
func (b brokenTarget) Reap(context.Context) (queue.ReapResult, error) {
	return queue.ReapResult{}, b.err
}

// newDoneEngine returns an engine holding n completed messages.
func newDoneEngine(t *testing.T, name string, n int) *queue.Engine {
	t.Helper()
	ctx := context.Background()
	e, err := queue.New(memory.New(), queue.Config{Name: name})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		_, err := e.EnqueueOne(ctx, json.RawMessage(`1`), queue.EnqueueOptions{})
		require.NoError(t, err)
		msg, err := e.Claim(ctx, queue.ClaimOptions{})
		require.NoError(t, err)
		_, err = e.Complete(ctx, msg.Ack)
		require.NoError(t, err)
	}
	return e
}

func TestNew_InvalidSchedule(t *testing.T) {
	_, err := New("every now and then")
	assert.Error(t, err)
}

func TestNew_DefaultSchedule(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, r.spec)
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()
	orders := newDoneEngine(t, "orders", 2)
	emails := newDoneEngine(t, "emails", 1)
	boom := errors.New("store down")

	r, err := New("@every 1h", orders, brokenTarget{err: boom}, emails)
	require.NoError(t, err)

	n, err := r.RunOnce(ctx)
	assert.Equal(t, int64(3), n)
	assert.ErrorIs(t, err, boom)

	total, err := orders.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestStart_ReapsOnScheduleUntilStopped(t *testing.T) {
	ctx := context.Background()
	e := newDoneEngine(t, "orders", 1)

	r, err := New("@every 1s", e)
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		n, err := e.Total(ctx)
		return err == nil && n == 0
	}, 3*time.Second, 20*time.Millisecond)

	r.Stop()
	r.Stop()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestStart_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := New("@every 1h")
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
