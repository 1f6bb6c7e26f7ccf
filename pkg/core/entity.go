package core

import "encoding/json"

// EntityUpdate is a narrowly scoped change to a single directory entry,
// delivered on <entityType>:<entityId> channels.
type EntityUpdate struct {
	Event      string          `json:"event"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload"`
}

// Common entity update events.
const (
	EntityRatingChanged = "rating_changed"
	EntityReviewAdded   = "review_added"
	EntityUpdated       = "updated"
)

// Decode unmarshals the update payload into v.
func (u EntityUpdate) Decode(v any) error {
	if len(u.Payload) == 0 {
		return &ParseError{Kind: "entity update", Field: "payload", Reason: "missing"}
	}
	if err := json.Unmarshal(u.Payload, v); err != nil {
		return &ParseError{Kind: "entity update", Field: "payload", Reason: err.Error(), Err: err}
	}
	return nil
}
