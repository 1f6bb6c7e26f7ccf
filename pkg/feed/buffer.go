// Package feed turns the activity stream into a bounded, newest-first list
// for display.
package feed

import "github.com/rubiojr/pulse/pkg/core"

// DefaultCapacity is the number of events kept when no capacity is given.
const DefaultCapacity = 50

// Buffer holds at most Cap events, newest first, each id at most once.
// It is not safe for concurrent use.
type Buffer struct {
	capacity int
	items    []core.ActivityEvent
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{capacity: capacity, items: make([]core.ActivityEvent, 0, capacity)}
}

// Add inserts e at the front. An event whose id is already buffered
// replaces the old entry in place and Add returns false.
func (b *Buffer) Add(e core.ActivityEvent) bool {
	for i := range b.items {
		if b.items[i].ID == e.ID {
			b.items[i] = e
			return false
		}
	}

	if len(b.items) < b.capacity {
		b.items = append(b.items, core.ActivityEvent{})
	}
	copy(b.items[1:], b.items)
	b.items[0] = e
	return true
}

// Items returns a copy of the buffered events, newest first.
func (b *Buffer) Items() []core.ActivityEvent {
	return append([]core.ActivityEvent(nil), b.items...)
}

func (b *Buffer) Len() int { return len(b.items) }
func (b *Buffer) Cap() int { return b.capacity }

// Reset drops every event.
func (b *Buffer) Reset() {
	b.items = b.items[:0]
}
