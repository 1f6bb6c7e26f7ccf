package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationInfo     NotificationType = "info"
	NotificationSuccess  NotificationType = "success"
	NotificationWarning  NotificationType = "warning"
	NotificationError    NotificationType = "error"
	NotificationActivity NotificationType = "activity"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationInfo, NotificationSuccess, NotificationWarning, NotificationError, NotificationActivity:
		return true
	}
	return false
}

// Notification is a per-user message delivered on notifications:<userId>.
type Notification struct {
	ID        string                `json:"id"`
	UserID    string                `json:"userId"`
	Type      NotificationType      `json:"type"`
	Title     string                `json:"title"`
	Message   string                `json:"message"`
	Read      bool                  `json:"read"`
	CreatedAt time.Time             `json:"createdAt"`
	Metadata  *NotificationMetadata `json:"metadata,omitempty"`
}

// NotificationMetadata links a notification to the activity that caused it.
type NotificationMetadata struct {
	ActivityType EventType  `json:"activityType,omitempty"`
	TargetID     string     `json:"targetId,omitempty"`
	TargetType   TargetType `json:"targetType,omitempty"`
}

// Stamp returns a copy of n ready to send: fresh id, creation time and
// unread.
func (n Notification) Stamp(now time.Time) Notification {
	n.ID = uuid.NewString()
	n.CreatedAt = now.UTC()
	n.Read = false
	if n.Type == "" {
		n.Type = NotificationInfo
	}
	return n
}

// Validate checks the notification shape.
func (n Notification) Validate() error {
	switch {
	case n.ID == "":
		return &ParseError{Kind: "notification", Field: "id", Reason: "missing"}
	case n.UserID == "":
		return &ParseError{Kind: "notification", Field: "userId", Reason: "missing"}
	case !n.Type.Valid():
		return &ParseError{Kind: "notification", Field: "type", Reason: fmt.Sprintf("unknown notification type %q", n.Type)}
	case n.Title == "" && n.Message == "":
		return &ParseError{Kind: "notification", Field: "title", Reason: "title and message are both empty"}
	case n.CreatedAt.IsZero():
		return &ParseError{Kind: "notification", Field: "createdAt", Reason: "missing"}
	}
	if n.Metadata != nil {
		if n.Metadata.ActivityType != "" && !n.Metadata.ActivityType.Valid() {
			return &ParseError{Kind: "notification", Field: "metadata.activityType", Reason: fmt.Sprintf("unknown event type %q", n.Metadata.ActivityType)}
		}
		if !n.Metadata.TargetType.Valid() {
			return &ParseError{Kind: "notification", Field: "metadata.targetType", Reason: fmt.Sprintf("unknown target type %q", n.Metadata.TargetType)}
		}
	}
	return nil
}

// ParseNotification decodes and validates a notification payload.
func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, &ParseError{Kind: "notification", Reason: "malformed JSON", Err: err}
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}
