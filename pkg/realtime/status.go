package realtime

import (
	"context"
	"sync"
)

// Status is the connection status shown to users.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusOffline      Status = "offline"
)

// StatusTracker holds the current Status and fans changes out to watchers.
// Each watcher has a small buffer; a watcher that falls behind misses
// intermediate values but Current is always exact.
type StatusTracker struct {
	mu       sync.RWMutex
	current  Status
	watchers map[uint64]chan Status
	nextID   uint64
}

func NewStatusTracker(initial Status) *StatusTracker {
	return &StatusTracker{
		current:  initial,
		watchers: make(map[uint64]chan Status),
	}
}

// Current returns the latest status.
func (t *StatusTracker) Current() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Set updates the status and notifies watchers when it changed.
func (t *StatusTracker) Set(s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == t.current {
		return
	}
	t.current = s
	for _, ch := range t.watchers {
		select {
		case ch <- s:
		default:
			// Drop for slow watcher.
		}
	}
}

// Watch returns a channel that first yields the current status and then
// every change until ctx is done, when it is closed.
func (t *StatusTracker) Watch(ctx context.Context) <-chan Status {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	ch := make(chan Status, 8)
	ch <- t.current
	t.watchers[id] = ch
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.watchers, id)
		close(ch)
		t.mu.Unlock()
	}()
	return ch
}
