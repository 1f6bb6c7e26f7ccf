package core

import (
	"encoding/json"
	"time"
)

// PresenceState is what a single client advertises on a presence channel.
type PresenceState struct {
	UserID      string     `json:"userId,omitempty"`
	Username    string     `json:"username,omitempty"`
	CurrentPage string     `json:"currentPage"`
	TargetID    string     `json:"targetId,omitempty"`
	TargetType  TargetType `json:"targetType,omitempty"`
	JoinedAt    time.Time  `json:"joinedAt"`
}

// Anonymous reports whether the viewer is not signed in.
func (p PresenceState) Anonymous() bool {
	return p.UserID == ""
}

// ParsePresence decodes one presence meta. Transport keys such as phx_ref
// are ignored.
func ParsePresence(data []byte) (PresenceState, error) {
	var p PresenceState
	if err := json.Unmarshal(data, &p); err != nil {
		return PresenceState{}, &ParseError{Kind: "presence", Reason: "malformed JSON", Err: err}
	}
	if p.CurrentPage == "" && p.TargetID == "" {
		return PresenceState{}, &ParseError{Kind: "presence", Field: "currentPage", Reason: "missing"}
	}
	return p, nil
}
