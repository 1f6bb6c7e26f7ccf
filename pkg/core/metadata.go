package core

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Metadata is the type-specific detail of an activity event. Each event
// type has exactly one variant.
type Metadata interface {
	EventType() EventType
	Validate() error
}

// ExtensionAdded is the metadata of extension_added events.
type ExtensionAdded struct {
	Category string `json:"category,omitempty"`
	Version  string `json:"version,omitempty"`
}

// MCPAdded is the metadata of mcp_added events.
type MCPAdded struct {
	Category string `json:"category,omitempty"`
	Version  string `json:"version,omitempty"`
}

// RatingAdded is the metadata of rating_added events.
type RatingAdded struct {
	Rating float64 `json:"rating"`
}

// ReviewAdded is the metadata of review_added events.
type ReviewAdded struct {
	ReviewID string  `json:"reviewId,omitempty"`
	Review   string  `json:"review"`
	Rating   float64 `json:"rating,omitempty"`
}

// Download is the metadata of download events.
type Download struct {
	Count   int    `json:"count"`
	Version string `json:"version,omitempty"`
}

// UserJoined is the metadata of user_joined events.
type UserJoined struct {
	Referrer string `json:"referrer,omitempty"`
}

// MilestoneReached is the metadata of milestone_reached events.
type MilestoneReached struct {
	Milestone string  `json:"milestone"`
	Value     float64 `json:"value,omitempty"`
}

func (ExtensionAdded) EventType() EventType   { return EventExtensionAdded }
func (MCPAdded) EventType() EventType         { return EventMCPAdded }
func (RatingAdded) EventType() EventType      { return EventRatingAdded }
func (ReviewAdded) EventType() EventType      { return EventReviewAdded }
func (Download) EventType() EventType         { return EventDownload }
func (UserJoined) EventType() EventType       { return EventUserJoined }
func (MilestoneReached) EventType() EventType { return EventMilestoneReached }

func (ExtensionAdded) Validate() error { return nil }
func (MCPAdded) Validate() error       { return nil }
func (UserJoined) Validate() error     { return nil }

func (m RatingAdded) Validate() error {
	return validRating(m.Rating, false)
}

func (m ReviewAdded) Validate() error {
	if m.Review == "" {
		return errors.New("review: missing")
	}
	return validRating(m.Rating, true)
}

func (m Download) Validate() error {
	if m.Count < 0 {
		return fmt.Errorf("count: must not be negative, got %d", m.Count)
	}
	return nil
}

func (m MilestoneReached) Validate() error {
	if m.Milestone == "" {
		return errors.New("milestone: missing")
	}
	return nil
}

func validRating(r float64, optional bool) error {
	if optional && r == 0 {
		return nil
	}
	if r < 1 || r > 5 {
		return fmt.Errorf("rating: must be between 1 and 5, got %g", r)
	}
	return nil
}

// EmptyMetadata returns the zero variant for t, or nil for unknown types.
func EmptyMetadata(t EventType) Metadata {
	switch t {
	case EventExtensionAdded:
		return ExtensionAdded{}
	case EventMCPAdded:
		return MCPAdded{}
	case EventRatingAdded:
		return RatingAdded{}
	case EventReviewAdded:
		return ReviewAdded{}
	case EventDownload:
		return Download{}
	case EventUserJoined:
		return UserJoined{}
	case EventMilestoneReached:
		return MilestoneReached{}
	}
	return nil
}

// DecodeMetadata decodes raw into the variant selected by t. Unknown keys
// are ignored. Absent metadata decodes to the zero variant.
func DecodeMetadata(t EventType, raw json.RawMessage) (Metadata, error) {
	if len(raw) == 0 || string(raw) == "null" {
		md := EmptyMetadata(t)
		if md == nil {
			return nil, &ParseError{Kind: "activity", Field: "type", Reason: fmt.Sprintf("unknown event type %q", t)}
		}
		return md, nil
	}

	var (
		md  Metadata
		err error
	)
	switch t {
	case EventExtensionAdded:
		md, err = decodeVariant[ExtensionAdded](raw)
	case EventMCPAdded:
		md, err = decodeVariant[MCPAdded](raw)
	case EventRatingAdded:
		md, err = decodeVariant[RatingAdded](raw)
	case EventReviewAdded:
		md, err = decodeVariant[ReviewAdded](raw)
	case EventDownload:
		md, err = decodeVariant[Download](raw)
	case EventUserJoined:
		md, err = decodeVariant[UserJoined](raw)
	case EventMilestoneReached:
		md, err = decodeVariant[MilestoneReached](raw)
	default:
		return nil, &ParseError{Kind: "activity", Field: "type", Reason: fmt.Sprintf("unknown event type %q", t)}
	}
	if err != nil {
		return nil, &ParseError{Kind: "activity", Field: "metadata", Reason: err.Error(), Err: err}
	}
	return md, nil
}

func decodeVariant[T Metadata](raw json.RawMessage) (Metadata, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
