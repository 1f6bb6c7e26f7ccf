package server

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rubiojr/pulse/pkg/phx"
)

// membership is one connection's join of one topic.
type membership struct {
	conn        *conn
	joinRef     string
	self        bool
	ack         bool
	presenceKey string
	// presenceRef is the phx_ref of the tracked meta, empty when untracked.
	presenceRef string
}

type topic struct {
	members map[*conn]*membership
	// presence key -> phx_ref -> meta
	presence map[string]map[string]json.RawMessage
}

// Hub is the in-memory topic registry. Fan-out is best effort: a frame for
// a connection whose send queue is full is dropped for that connection
// only.
type Hub struct {
	mu      sync.RWMutex
	topics  map[string]*topic
	metrics *metrics
}

func newHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

func (h *Hub) join(name string, m *membership) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		t = &topic{
			members:  make(map[*conn]*membership),
			presence: make(map[string]map[string]json.RawMessage),
		}
		h.topics[name] = t
	}
	t.members[m.conn] = m
}

// leave removes c from name and returns the presence metas it left behind.
func (h *Hub) leave(name string, c *conn) (key string, left []json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		return "", nil
	}
	m, ok := t.members[c]
	if !ok {
		return "", nil
	}
	delete(t.members, c)
	if m.presenceRef != "" {
		left = h.untrackLocked(t, m)
	}
	if len(t.members) == 0 {
		delete(h.topics, name)
	}
	return m.presenceKey, left
}

func (h *Hub) member(name string, c *conn) *membership {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[name]
	if !ok {
		return nil
	}
	return t.members[c]
}

// track stores meta for the membership, replacing any previous meta. It
// returns the replaced meta, if any.
func (h *Hub) track(name string, c *conn, ref string, meta json.RawMessage) (replaced []json.RawMessage, key string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, exists := h.topics[name]
	if !exists {
		return nil, "", false
	}
	m, exists := t.members[c]
	if !exists {
		return nil, "", false
	}
	if m.presenceRef != "" {
		replaced = h.untrackLocked(t, m)
	}
	metas, exists := t.presence[m.presenceKey]
	if !exists {
		metas = make(map[string]json.RawMessage)
		t.presence[m.presenceKey] = metas
	}
	metas[ref] = meta
	m.presenceRef = ref
	if h.metrics != nil {
		h.metrics.presenceTracked.Inc()
	}
	return replaced, m.presenceKey, true
}

func (h *Hub) untrack(name string, c *conn) (key string, left []json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		return "", nil
	}
	m, ok := t.members[c]
	if !ok || m.presenceRef == "" {
		return "", nil
	}
	return m.presenceKey, h.untrackLocked(t, m)
}

func (h *Hub) untrackLocked(t *topic, m *membership) []json.RawMessage {
	ref := m.presenceRef
	m.presenceRef = ""
	metas := t.presence[m.presenceKey]
	meta, ok := metas[ref]
	if !ok {
		return nil
	}
	delete(metas, ref)
	if len(metas) == 0 {
		delete(t.presence, m.presenceKey)
	}
	if h.metrics != nil {
		h.metrics.presenceTracked.Dec()
	}
	return []json.RawMessage{meta}
}

// presenceState returns the full presence set of name.
func (h *Hub) presenceState(name string) phx.PresenceStatePayload {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := phx.PresenceStatePayload{}
	t, ok := h.topics[name]
	if !ok {
		return out
	}
	for key, metas := range t.presence {
		refs := make([]string, 0, len(metas))
		for ref := range metas {
			refs = append(refs, ref)
		}
		sort.Strings(refs)
		entry := phx.PresenceEntry{}
		for _, ref := range refs {
			entry.Metas = append(entry.Metas, metas[ref])
		}
		out[key] = entry
	}
	return out
}

// members returns a snapshot of the memberships of name.
func (h *Hub) members(name string) []*membership {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.topics[name]
	if !ok {
		return nil
	}
	out := make([]*membership, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// fanout sends msg to every member of name, skipping from unless it asked
// for its own broadcasts. It returns the number of recipients.
func (h *Hub) fanout(name string, msg phx.Message, from *conn) int {
	data, err := msg.Encode()
	if err != nil {
		return 0
	}
	n := 0
	for _, m := range h.members(name) {
		if m.conn == from && !m.self {
			continue
		}
		m.conn.enqueue(data)
		n++
	}
	return n
}

// Topics returns the wire topics with at least one member, sorted.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.topics))
	for name := range h.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of topics (approximate).
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
