package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startBus(t *testing.T) (*Bus[string, int], context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := NewBus[string, int](zap.NewNop())
	require.NoError(t, b.Start(ctx))
	return b, ctx
}

func receive(t *testing.T, ch <-chan Message[string, int]) Message[string, int] {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("expected a message")
		return Message[string, int]{}
	}
}

func TestGlobalSubscriber(t *testing.T) {
	b, ctx := startBus(t)
	sub := b.Subscribe(ctx)

	b.Publish(ctx, "a", 1)
	b.Publish(ctx, "b", 2)

	first := receive(t, sub)
	second := receive(t, sub)
	assert.Equal(t, Message[string, int]{Key: "a", Message: 1}, first)
	assert.Equal(t, Message[string, int]{Key: "b", Message: 2}, second)
}

func TestKeyScopedSubscriber(t *testing.T) {
	b, ctx := startBus(t)
	sub := b.Subscribe(ctx, "a")

	b.Publish(ctx, "b", 1)
	b.Publish(ctx, "a", 2)

	msg := receive(t, sub)
	assert.Equal(t, "a", msg.Key)
	assert.Equal(t, 2, msg.Message)
}

func TestCreatePublisher(t *testing.T) {
	b, ctx := startBus(t)
	sub := b.Subscribe(ctx, "backend")
	pub := b.CreatePublisher("backend")

	pub(ctx, 42)
	msg := receive(t, sub)
	assert.Equal(t, 42, msg.Message)
}

func TestSubscriberChannelClosedOnCancel(t *testing.T) {
	b, ctx := startBus(t)
	subCtx, cancel := context.WithCancel(ctx)
	sub := b.Subscribe(subCtx, "a")

	cancel()
	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel was not closed")
	}
}

func TestCancelledSubscriberDoesNotBlockDelivery(t *testing.T) {
	b, ctx := startBus(t)

	stalledCtx, cancelStalled := context.WithCancel(ctx)
	stalled := b.Subscribe(stalledCtx, "a")
	active := b.Subscribe(ctx, "a")

	// The stalled subscriber never reads and its context is gone; the
	// active subscriber must still receive everything.
	cancelStalled()
	for i := 0; i < 10; i++ {
		b.Publish(ctx, "a", i)
	}
	for i := 0; i < 10; i++ {
		msg := receive(t, active)
		assert.Equal(t, i, msg.Message)
	}

	select {
	case _, ok := <-stalled:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stalled subscriber channel was not closed")
	}
}

func TestUnsubscribeDuringPublishStorm(t *testing.T) {
	b, ctx := startBus(t)

	subCtx, cancel := context.WithCancel(ctx)
	sub := b.Subscribe(subCtx, "a")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			b.Publish(ctx, "a", i)
		}
	}()
	// Drain a few messages, then unsubscribe mid-stream.
	for i := 0; i < 5; i++ {
		receive(t, sub)
	}
	cancel()
	for range sub {
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked after unsubscribe")
	}
}

func TestPublishAfterContextCancelDoesNotBlock(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBus[string, int](zap.NewNop())
	require.NoError(t, b.Start(ctx))
	cancel()

	done := make(chan struct{})
	go func() {
		b.Publish(ctx, "a", 1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after cancellation")
	}
}
