package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/realtime"
)

// DefaultScrollThreshold is the offset at or below which the view counts
// as scrolled to the top.
const DefaultScrollThreshold = 100

// Subscriber is the part of realtime.Manager the consumer needs.
type Subscriber interface {
	SubscribeActivityFeed(ctx context.Context, onEvent func(core.ActivityEvent), onError func(error)) (*realtime.Subscription, error)
}

// Options configures a Consumer.
type Options struct {
	Capacity        int
	ScrollThreshold int
}

// Snapshot is the state a view renders.
type Snapshot struct {
	Events []core.ActivityEvent
	// Pending counts events that arrived while scrolled away from the top.
	Pending int
	AtTop   bool
	// Errors counts payloads that failed to parse.
	Errors int
}

// Consumer feeds a Buffer from the activity feed and tracks the auto-scroll
// gate. New events never move a view that is scrolled away; they are
// counted as pending until the view returns to the top.
type Consumer struct {
	threshold int
	log       *log.Logger

	mu      sync.Mutex
	buf     *Buffer
	atTop   bool
	pending int
	errs    int
	sub     *realtime.Subscription
	updates chan Snapshot
	closed  bool

	attaching bool
}

func NewConsumer(opts Options) *Consumer {
	if opts.ScrollThreshold <= 0 {
		opts.ScrollThreshold = DefaultScrollThreshold
	}
	return &Consumer{
		threshold: opts.ScrollThreshold,
		log:       log.ForService("feed"),
		buf:       NewBuffer(opts.Capacity),
		atTop:     true,
		updates:   make(chan Snapshot, 1),
	}
}

// Attach subscribes the consumer to the activity feed of sub. A consumer
// attaches once. A Close that lands while subscribing releases the new
// subscription.
func (c *Consumer) Attach(ctx context.Context, sub Subscriber) error {
	c.mu.Lock()
	if c.sub != nil || c.attaching || c.closed {
		c.mu.Unlock()
		return errors.New("feed consumer already attached or closed")
	}
	c.attaching = true
	c.mu.Unlock()

	s, err := sub.SubscribeActivityFeed(ctx, c.Push, c.reportError)

	c.mu.Lock()
	c.attaching = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		if err := s.Unsubscribe(ctx); err != nil {
			c.log.Warnf("releasing feed subscription: %v", err)
		}
		return errors.New("feed consumer closed while attaching")
	}
	c.sub = s
	c.mu.Unlock()
	return nil
}

// Push adds an event as if it was received from the feed.
func (c *Consumer) Push(e core.ActivityEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.buf.Add(e) && !c.atTop {
		c.pending++
	}
	c.publishLocked()
}

func (c *Consumer) reportError(err error) {
	c.log.Warnf("dropping activity payload: %v", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.errs++
	c.publishLocked()
}

// OnScroll records the scroll offset of the view. Returning to the top
// clears the pending counter.
func (c *Consumer) OnScroll(offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	atTop := offset <= c.threshold
	if atTop == c.atTop {
		return
	}
	c.atTop = atTop
	if atTop {
		c.pending = 0
	}
	if !c.closed {
		c.publishLocked()
	}
}

// Snapshot returns the current state.
func (c *Consumer) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Updates delivers a snapshot after every change. Only the latest snapshot
// is kept for a slow reader. The channel is closed by Close.
func (c *Consumer) Updates() <-chan Snapshot {
	return c.updates
}

// Close detaches from the feed and closes Updates.
func (c *Consumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	close(c.updates)
	c.mu.Unlock()

	if sub != nil {
		return sub.Unsubscribe(ctx)
	}
	return nil
}

func (c *Consumer) snapshotLocked() Snapshot {
	return Snapshot{
		Events:  c.buf.Items(),
		Pending: c.pending,
		AtTop:   c.atTop,
		Errors:  c.errs,
	}
}

func (c *Consumer) publishLocked() {
	s := c.snapshotLocked()
	select {
	case <-c.updates:
	default:
	}
	c.updates <- s
}
