package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened in the directory.
type EventType string

const (
	EventExtensionAdded   EventType = "extension_added"
	EventMCPAdded         EventType = "mcp_added"
	EventRatingAdded      EventType = "rating_added"
	EventReviewAdded      EventType = "review_added"
	EventDownload         EventType = "download"
	EventUserJoined       EventType = "user_joined"
	EventMilestoneReached EventType = "milestone_reached"
)

// EventTypes lists every known event type in display order.
var EventTypes = []EventType{
	EventExtensionAdded,
	EventMCPAdded,
	EventRatingAdded,
	EventReviewAdded,
	EventDownload,
	EventUserJoined,
	EventMilestoneReached,
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// TargetType is the kind of directory entry an event refers to.
type TargetType string

const (
	TargetExtension TargetType = "extension"
	TargetMCP       TargetType = "mcp"
)

// Valid reports whether t is empty or a known target type.
func (t TargetType) Valid() bool {
	return t == "" || t == TargetExtension || t == TargetMCP
}

// ActivityEvent is a single entry of the global activity feed. The JSON
// field names are shared with every other producer of the feed.
type ActivityEvent struct {
	ID         string     `json:"id"`
	Type       EventType  `json:"type"`
	Timestamp  time.Time  `json:"timestamp"`
	UserID     string     `json:"userId,omitempty"`
	Username   string     `json:"username,omitempty"`
	TargetID   string     `json:"targetId,omitempty"`
	TargetName string     `json:"targetName,omitempty"`
	TargetType TargetType `json:"targetType,omitempty"`
	Metadata   Metadata   `json:"-"`
}

type activityAlias ActivityEvent

type activityWire struct {
	activityAlias
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// MarshalJSON encodes the event with its metadata variant inlined under
// "metadata".
func (e ActivityEvent) MarshalJSON() ([]byte, error) {
	w := activityWire{activityAlias: activityAlias(e)}
	if e.Metadata != nil {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encoding %s metadata: %w", e.Type, err)
		}
		w.Metadata = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the event and selects the metadata variant from the
// event type. It does not validate; use ParseActivity for untrusted input.
func (e *ActivityEvent) UnmarshalJSON(data []byte) error {
	var w activityWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = ActivityEvent(w.activityAlias)
	if !e.Type.Valid() {
		e.Metadata = nil
		return nil
	}
	md, err := DecodeMetadata(e.Type, w.Metadata)
	if err != nil {
		return err
	}
	e.Metadata = md
	return nil
}

// Validate checks the event shape.
func (e ActivityEvent) Validate() error {
	if e.ID == "" {
		return &ParseError{Kind: "activity", Field: "id", Reason: "missing"}
	}
	if e.Type == "" {
		return &ParseError{Kind: "activity", Field: "type", Reason: "missing"}
	}
	if !e.Type.Valid() {
		return &ParseError{Kind: "activity", Field: "type", Reason: fmt.Sprintf("unknown event type %q", e.Type)}
	}
	if e.Timestamp.IsZero() {
		return &ParseError{Kind: "activity", Field: "timestamp", Reason: "missing"}
	}
	if !e.TargetType.Valid() {
		return &ParseError{Kind: "activity", Field: "targetType", Reason: fmt.Sprintf("unknown target type %q", e.TargetType)}
	}
	if e.Metadata == nil {
		return &ParseError{Kind: "activity", Field: "metadata", Reason: "missing"}
	}
	if e.Metadata.EventType() != e.Type {
		return &ParseError{Kind: "activity", Field: "metadata", Reason: fmt.Sprintf("%s metadata on %s event", e.Metadata.EventType(), e.Type)}
	}
	if err := e.Metadata.Validate(); err != nil {
		return &ParseError{Kind: "activity", Field: "metadata", Reason: err.Error(), Err: err}
	}
	return nil
}

// Stamp returns a copy of e with a fresh id and timestamp. Missing metadata
// is replaced by the zero variant of the event type.
func (e ActivityEvent) Stamp(now time.Time) ActivityEvent {
	e.ID = uuid.NewString()
	e.Timestamp = now.UTC()
	if e.Metadata == nil {
		e.Metadata = EmptyMetadata(e.Type)
	}
	return e
}

// ParseActivity decodes and validates an activity payload. Any failure is
// returned as a *ParseError.
func ParseActivity(data []byte) (ActivityEvent, error) {
	var e ActivityEvent
	if err := json.Unmarshal(data, &e); err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return ActivityEvent{}, pe
		}
		return ActivityEvent{}, &ParseError{Kind: "activity", Reason: "malformed JSON", Err: err}
	}
	if err := e.Validate(); err != nil {
		return ActivityEvent{}, err
	}
	return e, nil
}

// ParseError reports a payload that does not match the expected shape.
type ParseError struct {
	Kind   string
	Field  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s payload: %s: %s", e.Kind, e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
