package feed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/realtime"
)

type fakeFeed struct {
	onEvent  func(core.ActivityEvent)
	onError  func(error)
	released bool
	err      error
	// during runs inside SubscribeActivityFeed.
	during func()
}

func (f *fakeFeed) SubscribeActivityFeed(_ context.Context, onEvent func(core.ActivityEvent), onError func(error)) (*realtime.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.onEvent, f.onError = onEvent, onError
	if f.during != nil {
		f.during()
	}
	return realtime.NewSubscription(realtime.ActivityFeedChannel, func(context.Context) error {
		f.released = true
		return nil
	}), nil
}

func TestConsumerAttach(t *testing.T) {
	ctx := context.Background()
	src := &fakeFeed{}
	c := NewConsumer(Options{Capacity: 2})
	require.NoError(t, c.Attach(ctx, src))
	assert.Error(t, c.Attach(ctx, src), "attach twice")

	src.onEvent(event("a"))
	src.onError(&core.ParseError{Kind: "activity", Field: "type", Reason: "missing"})
	src.onEvent(event("b"))
	src.onEvent(event("c"))

	s := c.Snapshot()
	assert.Equal(t, []string{"c", "b"}, ids(s.Events))
	assert.Equal(t, 1, s.Errors)
	assert.True(t, s.AtTop)
	assert.Zero(t, s.Pending)

	require.NoError(t, c.Close(ctx))
	assert.True(t, src.released)
	require.NoError(t, c.Close(ctx))

	c.Push(event("d"))
	assert.Equal(t, []string{"c", "b"}, ids(c.Snapshot().Events))
}

func TestConsumerAttachError(t *testing.T) {
	boom := errors.New("boom")
	c := NewConsumer(Options{})
	assert.ErrorIs(t, c.Attach(context.Background(), &fakeFeed{err: boom}), boom)
}

func TestConsumerCloseWhileAttaching(t *testing.T) {
	ctx := context.Background()
	c := NewConsumer(Options{})
	src := &fakeFeed{}
	src.during = func() { require.NoError(t, c.Close(ctx)) }

	assert.Error(t, c.Attach(ctx, src))
	assert.True(t, src.released)
}

func TestConsumerAttachIsExclusive(t *testing.T) {
	ctx := context.Background()
	c := NewConsumer(Options{})
	src := &fakeFeed{}
	var nested error
	src.during = func() { nested = c.Attach(ctx, &fakeFeed{}) }

	require.NoError(t, c.Attach(ctx, src))
	assert.Error(t, nested)
	require.NoError(t, c.Close(ctx))
	assert.True(t, src.released)
}

func TestConsumerAttachAfterFailedAttach(t *testing.T) {
	ctx := context.Background()
	c := NewConsumer(Options{})
	require.Error(t, c.Attach(ctx, &fakeFeed{err: errors.New("boom")}))
	require.NoError(t, c.Attach(ctx, &fakeFeed{}))
}

func TestConsumerScrollGate(t *testing.T) {
	c := NewConsumer(Options{ScrollThreshold: 10})

	c.Push(event("a"))
	assert.Zero(t, c.Snapshot().Pending)

	c.OnScroll(10)
	assert.True(t, c.Snapshot().AtTop, "threshold is inclusive")

	c.OnScroll(400)
	c.Push(event("b"))
	c.Push(event("c"))
	c.Push(event("b")) // duplicate, not new
	s := c.Snapshot()
	assert.False(t, s.AtTop)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.Events))

	c.OnScroll(0)
	s = c.Snapshot()
	assert.True(t, s.AtTop)
	assert.Zero(t, s.Pending)
}

func TestConsumerUpdatesKeepLatest(t *testing.T) {
	c := NewConsumer(Options{})
	c.Push(event("a"))
	c.Push(event("b"))
	c.Push(event("c"))

	s := <-c.Updates()
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.Events))
	select {
	case <-c.Updates():
		t.Fatal("only the latest snapshot is kept")
	default:
	}

	require.NoError(t, c.Close(context.Background()))
	_, ok := <-c.Updates()
	assert.False(t, ok)
}
