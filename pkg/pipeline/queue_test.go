package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioFrame(turn uint64) *Frame {
	return &Frame{
		Kind:   KindAudioInput,
		TurnID: turn,
		Audio:  &AudioData{PCM: make([]byte, 640), SampleRate: 16000, Channels: 1},
	}
}

func TestQueueSendRecv(t *testing.T) {
	q := NewQueue("test", 4, Block)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, audioFrame(1)))
	require.NoError(t, q.Send(ctx, audioFrame(2)))

	f, err := q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.TurnID)

	f, err = q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), f.TurnID)
}

func TestQueueBlockBackpressure(t *testing.T) {
	q := NewQueue("test", 1, Block)
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, audioFrame(1)))

	sendCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := q.Send(sendCtx, audioFrame(2))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// After draining, the producer can make progress again.
	_, err = q.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Send(ctx, audioFrame(3)))
}

func TestQueueDropOldest(t *testing.T) {
	q := NewQueue("test", 2, DropOldest)
	ctx := context.Background()

	var dropped []*Frame
	q.OnDrop(func(f *Frame) { dropped = append(dropped, f) })

	for i := uint64(1); i <= 4; i++ {
		require.NoError(t, q.Send(ctx, audioFrame(i)))
	}

	require.Len(t, dropped, 2)
	assert.Equal(t, uint64(1), dropped[0].TurnID)
	assert.Equal(t, uint64(2), dropped[1].TurnID)

	f, err := q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), f.TurnID)
	f, err = q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), f.TurnID)
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue("test", 8, Block)
	ctx := context.Background()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, q.Send(ctx, audioFrame(i)))
	}
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, 5, q.Drain())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.Drain())
}

func TestQueueClose(t *testing.T) {
	q := NewQueue("test", 2, Block)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, audioFrame(1)))
	q.Close()

	// Buffered frames stay readable after close.
	f, err := q.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.TurnID)

	_, err = q.Recv(ctx)
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Send(ctx, audioFrame(2)), ErrQueueClosed)
}
