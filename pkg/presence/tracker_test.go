package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/realtime"
)

type fakeSubscriber struct {
	scope    realtime.PresenceScope
	onUpdate func(realtime.PresenceEvent)
	released bool
}

func (f *fakeSubscriber) SubscribePresence(_ context.Context, scope realtime.PresenceScope, onUpdate func(realtime.PresenceEvent)) (*realtime.Subscription, error) {
	f.scope = scope
	f.onUpdate = onUpdate
	return realtime.NewSubscription(realtime.PresenceChannel(scope), func(context.Context) error {
		f.released = true
		return nil
	}), nil
}

func meta(t *testing.T, ref string, s core.PresenceState) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	m["phx_ref"] = ref
	raw, err = json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func TestWatchThreeJoinsOneSync(t *testing.T) {
	fake := &fakeSubscriber{}
	tr := NewTracker(fake)

	var calls [][]core.PresenceState
	sub, err := tr.Watch(context.Background(), realtime.PresenceScope{Page: "home"}, func(list []core.PresenceState) {
		calls = append(calls, list)
	})
	require.NoError(t, err)
	assert.Equal(t, "presence:home", sub.Channel())

	state := realtime.PresenceSnapshot{}
	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("session-%d", i)
		m := meta(t, fmt.Sprint(i), core.PresenceState{UserID: fmt.Sprintf("u%d", i), CurrentPage: "home"})
		state[key] = []json.RawMessage{m}
		fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceJoin, Key: key, Metas: []json.RawMessage{m}})
	}
	fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceSync, State: state})

	require.Len(t, calls, 1)
	require.Len(t, calls[0], 3)
	for i, s := range calls[0] {
		assert.Equal(t, "home", s.CurrentPage)
		assert.Equal(t, fmt.Sprintf("u%d", i+1), s.UserID)
	}
	assert.Equal(t, 3, tr.Count("presence:home"))
}

func TestWatchSyncReplaces(t *testing.T) {
	fake := &fakeSubscriber{}
	tr := NewTracker(fake)

	var last []core.PresenceState
	_, err := tr.Watch(context.Background(), realtime.PresenceScope{Page: "docs"}, func(list []core.PresenceState) {
		last = list
	})
	require.NoError(t, err)

	a := meta(t, "1", core.PresenceState{UserID: "a", CurrentPage: "docs"})
	b := meta(t, "2", core.PresenceState{UserID: "b", CurrentPage: "docs"})
	fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceSync, State: realtime.PresenceSnapshot{"a": {a}, "b": {b}}})
	require.Len(t, last, 2)

	fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceLeave, Key: "a", Metas: []json.RawMessage{a}})
	assert.Len(t, last, 2, "leave alone does not change the list")

	fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceSync, State: realtime.PresenceSnapshot{"b": {b}}})
	require.Len(t, last, 1)
	assert.Equal(t, "b", last[0].UserID)
	assert.Equal(t, "b", tr.Viewers("presence:docs")[0].UserID)
}

func TestWatchDeduplicatesBySessionKey(t *testing.T) {
	fake := &fakeSubscriber{}
	tr := NewTracker(fake)
	_, err := tr.Watch(context.Background(), realtime.PresenceScope{Page: "home"}, nil)
	require.NoError(t, err)

	older := meta(t, "1", core.PresenceState{UserID: "a", CurrentPage: "home"})
	newer := meta(t, "2", core.PresenceState{UserID: "a", CurrentPage: "settings"})
	bad := json.RawMessage(`{"phx_ref":"3"}`)
	fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceSync, State: realtime.PresenceSnapshot{
		"a": {older, newer},
		"z": {bad},
	}})

	viewers := tr.Viewers("presence:home")
	require.Len(t, viewers, 1)
	assert.Equal(t, "settings", viewers[0].CurrentPage)
}

func TestWatchTargetScope(t *testing.T) {
	fake := &fakeSubscriber{}
	tr := NewTracker(fake)
	scope := realtime.PresenceScope{Page: "extension-detail", TargetID: "ext-42", TargetType: core.TargetExtension}

	sub, err := tr.Watch(context.Background(), scope, nil)
	require.NoError(t, err)
	assert.Equal(t, scope, fake.scope)
	assert.Equal(t, "presence:extension:ext-42", sub.Channel())

	m := meta(t, "1", core.PresenceState{CurrentPage: "extension-detail", TargetID: "ext-42", TargetType: core.TargetExtension})
	fake.onUpdate(realtime.PresenceEvent{Kind: realtime.PresenceSync, State: realtime.PresenceSnapshot{"k": {m}}})
	assert.Equal(t, 1, tr.Count(sub.Channel()))

	require.NoError(t, sub.Unsubscribe(context.Background()))
	assert.True(t, fake.released)
	assert.Zero(t, tr.Count(sub.Channel()))
}
