// Package presence keeps "who is viewing what" counts on top of the
// presence channels of a realtime.Manager.
package presence

import (
	"context"
	"sync"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/realtime"
)

// Subscriber is the part of realtime.Manager the tracker needs.
type Subscriber interface {
	SubscribePresence(ctx context.Context, scope realtime.PresenceScope, onUpdate func(realtime.PresenceEvent)) (*realtime.Subscription, error)
}

// Tracker flattens presence syncs into viewer lists. Only sync events
// change the lists; join and leave are logged.
type Tracker struct {
	sub Subscriber
	log *log.Logger

	mu      sync.RWMutex
	viewers map[string][]core.PresenceState
}

func NewTracker(sub Subscriber) *Tracker {
	return &Tracker{
		sub:     sub,
		log:     log.ForService("presence"),
		viewers: make(map[string][]core.PresenceState),
	}
}

// Watch subscribes to the presence channel of scope. onPresenceUpdate
// receives the full viewer list after every sync, ordered by session key.
func (t *Tracker) Watch(ctx context.Context, scope realtime.PresenceScope, onPresenceUpdate func([]core.PresenceState)) (*realtime.Subscription, error) {
	name := realtime.PresenceChannel(scope)

	sub, err := t.sub.SubscribePresence(ctx, scope, func(ev realtime.PresenceEvent) {
		switch ev.Kind {
		case realtime.PresenceJoin:
			t.log.Debugf("%s: %s joined", name, ev.Key)
		case realtime.PresenceLeave:
			t.log.Debugf("%s: %s left", name, ev.Key)
		case realtime.PresenceSync:
			list := t.flatten(name, ev.State)
			t.mu.Lock()
			t.viewers[name] = list
			t.mu.Unlock()
			if onPresenceUpdate != nil {
				onPresenceUpdate(append([]core.PresenceState(nil), list...))
			}
		}
	})
	if err != nil {
		return nil, err
	}

	return realtime.NewSubscription(name, func(ctx context.Context) error {
		t.mu.Lock()
		delete(t.viewers, name)
		t.mu.Unlock()
		return sub.Unsubscribe(ctx)
	}), nil
}

// flatten keeps one state per session key, the most recent meta winning.
func (t *Tracker) flatten(name string, snapshot realtime.PresenceSnapshot) []core.PresenceState {
	list := make([]core.PresenceState, 0, len(snapshot))
	for _, key := range snapshot.Keys() {
		metas := snapshot[key]
		if len(metas) == 0 {
			continue
		}
		state, err := core.ParsePresence(metas[len(metas)-1])
		if err != nil {
			t.log.Warnf("%s: ignoring presence for %s: %v", name, key, err)
			continue
		}
		list = append(list, state)
	}
	return list
}

// Viewers returns the last synced viewer list of a presence channel.
func (t *Tracker) Viewers(name string) []core.PresenceState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]core.PresenceState(nil), t.viewers[name]...)
}

// Count returns the number of viewers of a presence channel.
func (t *Tracker) Count(name string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.viewers[name])
}
