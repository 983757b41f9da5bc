package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/queuetest"
)

func TestStore_Suite(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, _ string) queue.Store {
		return New()
	})
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.InsertMany(ctx, []queue.Record{{Payload: []byte(`"a"`)}})
	require.NoError(t, err)

	m, err := s.FindOneAndUpdate(ctx, queue.Filter{}, queue.SortOldestFirst, queue.Update{IncTries: true})
	require.NoError(t, err)
	require.NotNil(t, m)
	m.Tries = 99
	m.Payload[0] = 'x'

	again, err := s.FindOneAndUpdate(ctx, queue.Filter{}, queue.SortOldestFirst, queue.Update{IncTries: true})
	require.NoError(t, err)
	assert.Equal(t, 2, again.Tries)
	assert.Equal(t, `"a"`, string(again.Payload))
}

func TestStore_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Count(ctx, queue.Filter{})
	assert.ErrorIs(t, err, context.Canceled)
}
