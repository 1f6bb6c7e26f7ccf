package realtime

import (
	"encoding/json"
	"sort"

	"github.com/rubiojr/pulse/pkg/phx"
)

// PresenceKind distinguishes presence events.
type PresenceKind string

const (
	// PresenceSync carries the full authoritative set.
	PresenceSync PresenceKind = "sync"
	// PresenceJoin and PresenceLeave are advisory.
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceSnapshot maps presence keys to the metas tracked under them.
type PresenceSnapshot map[string][]json.RawMessage

// Keys returns the presence keys in sorted order.
func (p PresenceSnapshot) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p PresenceSnapshot) clone() PresenceSnapshot {
	out := make(PresenceSnapshot, len(p))
	for k, metas := range p {
		out[k] = append([]json.RawMessage(nil), metas...)
	}
	return out
}

// PresenceEvent is delivered to OnPresence bindings. State is a copy of the
// set after the event was applied.
type PresenceEvent struct {
	Kind  PresenceKind
	Key   string
	Metas []json.RawMessage
	State PresenceSnapshot
}

// presenceSet mirrors the server presence for one channel. Diffs arriving
// before the first state after a join are held until the state lands.
type presenceSet struct {
	state   PresenceSnapshot
	synced  bool
	pending []phx.PresenceDiffPayload
}

func newPresenceSet() *presenceSet {
	return &presenceSet{state: PresenceSnapshot{}}
}

func (p *presenceSet) reset() {
	p.state = PresenceSnapshot{}
	p.synced = false
	p.pending = nil
}

func (p *presenceSet) snapshot() PresenceSnapshot {
	return p.state.clone()
}

func (p *presenceSet) applyState(raw json.RawMessage) ([]PresenceEvent, error) {
	var payload phx.PresenceStatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}

	next := make(PresenceSnapshot, len(payload))
	for key, entry := range payload {
		next[key] = append([]json.RawMessage(nil), entry.Metas...)
	}

	var events []PresenceEvent
	for _, key := range next.Keys() {
		if _, ok := p.state[key]; !ok {
			events = append(events, PresenceEvent{Kind: PresenceJoin, Key: key, Metas: next[key]})
		}
	}
	for _, key := range p.state.Keys() {
		if _, ok := next[key]; !ok {
			events = append(events, PresenceEvent{Kind: PresenceLeave, Key: key, Metas: p.state[key]})
		}
	}
	p.state = next
	p.synced = true

	pending := p.pending
	p.pending = nil
	for _, diff := range pending {
		events = append(events, p.merge(diff)...)
	}

	return p.finish(events), nil
}

func (p *presenceSet) applyDiff(raw json.RawMessage) ([]PresenceEvent, error) {
	var diff phx.PresenceDiffPayload
	if err := json.Unmarshal(raw, &diff); err != nil {
		return nil, err
	}
	if !p.synced {
		p.pending = append(p.pending, diff)
		return nil, nil
	}
	return p.finish(p.merge(diff)), nil
}

func (p *presenceSet) merge(diff phx.PresenceDiffPayload) []PresenceEvent {
	var events []PresenceEvent

	joinKeys := PresenceSnapshot{}
	for k, e := range diff.Joins {
		joinKeys[k] = e.Metas
	}
	for _, key := range joinKeys.Keys() {
		joined := joinKeys[key]
		refs := metaRefs(joined)
		kept := make([]json.RawMessage, 0, len(p.state[key])+len(joined))
		for _, m := range p.state[key] {
			if !refs[phx.MetaRef(m)] {
				kept = append(kept, m)
			}
		}
		p.state[key] = append(kept, joined...)
		events = append(events, PresenceEvent{Kind: PresenceJoin, Key: key, Metas: joined})
	}

	leaveKeys := PresenceSnapshot{}
	for k, e := range diff.Leaves {
		leaveKeys[k] = e.Metas
	}
	for _, key := range leaveKeys.Keys() {
		left := leaveKeys[key]
		current, ok := p.state[key]
		if !ok {
			continue
		}
		refs := metaRefs(left)
		remaining := current[:0:0]
		for _, m := range current {
			if !refs[phx.MetaRef(m)] {
				remaining = append(remaining, m)
			}
		}
		if len(remaining) == 0 {
			delete(p.state, key)
		} else {
			p.state[key] = remaining
		}
		events = append(events, PresenceEvent{Kind: PresenceLeave, Key: key, Metas: left})
	}
	return events
}

// finish stamps the resulting state on every event and appends the sync.
func (p *presenceSet) finish(events []PresenceEvent) []PresenceEvent {
	for i := range events {
		events[i].State = p.state.clone()
	}
	return append(events, PresenceEvent{Kind: PresenceSync, State: p.state.clone()})
}

func metaRefs(metas []json.RawMessage) map[string]bool {
	refs := make(map[string]bool, len(metas))
	for _, m := range metas {
		refs[phx.MetaRef(m)] = true
	}
	return refs
}
