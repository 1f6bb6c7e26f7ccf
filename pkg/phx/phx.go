// Package phx defines the Phoenix channel frames exchanged with the realtime
// backend. Both the client (pkg/realtime) and the development server
// (pkg/server) encode and decode frames through this package so the two
// sides cannot drift apart.
//
// Every frame is a JSON object:
//
//	{"topic":"realtime:activity-feed","event":"broadcast","payload":{...},"ref":"7","join_ref":"3"}
//
// Channel names are prefixed with "realtime:" on the wire. Heartbeats travel
// on the reserved "phoenix" topic.
package phx

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rubiojr/pulse/pkg/version"
)

// Protocol version sent as the vsn query parameter.
const Version = version.Protocol

const (
	TopicPhoenix = "phoenix"
	TopicPrefix  = "realtime:"
)

const (
	EventJoin          = "phx_join"
	EventLeave         = "phx_leave"
	EventReply         = "phx_reply"
	EventError         = "phx_error"
	EventClose         = "phx_close"
	EventHeartbeat     = "heartbeat"
	EventBroadcast     = "broadcast"
	EventPresence      = "presence"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
	EventAccessToken   = "access_token"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is a single Phoenix frame.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Topic returns the wire topic for a channel name.
func Topic(name string) string {
	return TopicPrefix + name
}

// ChannelName strips the wire prefix from a topic.
func ChannelName(topic string) string {
	return strings.TrimPrefix(topic, TopicPrefix)
}

// NewMessage builds a frame, marshaling payload. A nil payload becomes {}.
func NewMessage(topic, event string, payload any, ref, joinRef string) (Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", event, err)
	}
	return Message{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     ref,
		JoinRef: joinRef,
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// Decode parses a frame. Phoenix sends null refs for server pushes; they
// decode to the empty string.
func Decode(data []byte) (Message, error) {
	var wire struct {
		Topic   string          `json:"topic"`
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
		Ref     *string         `json:"ref"`
		JoinRef *string         `json:"join_ref"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Message{}, fmt.Errorf("decoding frame: %w", err)
	}
	if wire.Topic == "" || wire.Event == "" {
		return Message{}, fmt.Errorf("decoding frame: missing topic or event")
	}
	m := Message{Topic: wire.Topic, Event: wire.Event, Payload: wire.Payload}
	if wire.Ref != nil {
		m.Ref = *wire.Ref
	}
	if wire.JoinRef != nil {
		m.JoinRef = *wire.JoinRef
	}
	return m, nil
}

// Encode serializes the frame.
func (m Message) Encode() ([]byte, error) {
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage(`{}`)
	}
	return json.Marshal(m)
}

// ReplyPayload is the payload of a phx_reply frame.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// ErrorResponse is the response body of an error reply.
type ErrorResponse struct {
	Reason string `json:"reason"`
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
	Private   bool            `json:"private"`
}

type BroadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type PresenceConfig struct {
	Key string `json:"key"`
}

// BroadcastPayload wraps an application event inside a broadcast frame.
type BroadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// PresencePush is sent by a client to track or untrack its own state.
type PresencePush struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	PresenceTrack   = "track"
	PresenceUntrack = "untrack"
)

// PresenceEntry holds the metas tracked under one presence key.
type PresenceEntry struct {
	Metas []json.RawMessage `json:"metas"`
}

// PresenceStatePayload is the full presence set pushed after a join.
type PresenceStatePayload map[string]PresenceEntry

// PresenceDiffPayload carries incremental joins and leaves.
type PresenceDiffPayload struct {
	Joins  map[string]PresenceEntry `json:"joins"`
	Leaves map[string]PresenceEntry `json:"leaves"`
}

// AccessTokenPayload refreshes the token of a joined channel.
type AccessTokenPayload struct {
	AccessToken string `json:"access_token"`
}

// MetaRef extracts the phx_ref of a presence meta.
func MetaRef(meta json.RawMessage) string {
	var m struct {
		Ref string `json:"phx_ref"`
	}
	if err := json.Unmarshal(meta, &m); err != nil {
		return ""
	}
	return m.Ref
}

// WithRef returns meta with phx_ref set to ref. meta must be a JSON object.
func WithRef(meta json.RawMessage, ref string) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &obj); err != nil {
			return nil, fmt.Errorf("presence meta is not an object: %w", err)
		}
	}
	refJSON, err := json.Marshal(ref)
	if err != nil {
		return nil, err
	}
	obj["phx_ref"] = refJSON
	return json.Marshal(obj)
}
