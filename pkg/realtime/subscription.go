package realtime

import (
	"context"
	"sync"
)

// Subscription is the handle returned by the Manager subscribe operations.
// Unsubscribe detaches the handler immediately; a frame already being
// dispatched may still reach it once.
type Subscription struct {
	channel string
	release func(ctx context.Context) error

	once sync.Once
	err  error
}

// NewSubscription builds a handle for channel whose teardown runs release
// once.
func NewSubscription(channel string, release func(ctx context.Context) error) *Subscription {
	return &Subscription{channel: channel, release: release}
}

// Channel returns the channel name the subscription is bound to.
func (s *Subscription) Channel() string {
	return s.channel
}

// Unsubscribe releases the subscription. Further calls return the first
// result.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		if s.release != nil {
			s.err = s.release(ctx)
		}
	})
	return s.err
}
