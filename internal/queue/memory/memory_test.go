package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/photothumb/internal/queue"
)

func run(t *testing.T, b *Broker, name string, h queue.Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, name, h) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("subscriber did not stop")
		}
	})
}

func TestBrokerAck(t *testing.T) {
	b := New(3)
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, "images"))
	require.NoError(t, b.DeclareQueue(ctx, "images"))

	got := make(chan queue.Delivery, 2)
	run(t, b, "images", func(ctx context.Context, d queue.Delivery) {
		require.NoError(t, d.Ack(ctx))
		got <- d
	})

	require.NoError(t, b.Publish(ctx, "images", []byte("a1")))
	require.NoError(t, b.Publish(ctx, "images", []byte("b2")))

	first, second := <-got, <-got
	assert.Equal(t, "a1", string(first.Payload))
	assert.Equal(t, "b2", string(second.Payload))
	assert.Eventually(t, func() bool { return len(b.Acked("images")) == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Pending("images"))
}

func TestBrokerNackAndDeadLetter(t *testing.T) {
	b := New(2)
	ctx := context.Background()

	attempts := make(chan int, 4)
	run(t, b, "images", func(ctx context.Context, d queue.Delivery) {
		attempts <- d.Attempt
		require.NoError(t, d.Nack(ctx))
	})
	require.NoError(t, b.Publish(ctx, "images", []byte("abc123")))

	assert.Equal(t, 0, <-attempts)
	assert.Equal(t, 1, <-attempts)
	assert.Eventually(t, func() bool {
		return len(b.Payloads(queue.DeadLetterQueue("images"))) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Len("images"))
	assert.Zero(t, b.Pending("images"))
}

func TestBrokerUnsettledStaysPending(t *testing.T) {
	b := New(3)
	ctx := context.Background()

	seen := make(chan struct{}, 1)
	run(t, b, "images", func(context.Context, queue.Delivery) { seen <- struct{}{} })
	require.NoError(t, b.Publish(ctx, "images", []byte("abc123")))

	<-seen
	assert.Equal(t, 1, b.Pending("images"))
}

func TestBrokerClosed(t *testing.T) {
	b := New(1)
	require.NoError(t, b.Close())
	ctx := context.Background()
	assert.ErrorIs(t, b.Publish(ctx, "images", nil), queue.ErrClosed)
	assert.ErrorIs(t, b.Ping(ctx), queue.ErrClosed)
	assert.ErrorIs(t, b.Subscribe(ctx, "images", nil), queue.ErrClosed)
}
