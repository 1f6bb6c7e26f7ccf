package server

import (
	"encoding/json"
	"time"

	"github.com/rubiojr/pulse/pkg/core"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	Connections int       `json:"connections"`
	Channels    int       `json:"channels"`
}

// BroadcastRequest is the body of the REST broadcast endpoint. Topics are
// channel names without the realtime: prefix.
type BroadcastRequest struct {
	Messages []BroadcastMessage `json:"messages"`
}

type BroadcastMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Private bool            `json:"private,omitempty"`
}

type BroadcastResponse struct {
	Accepted   int `json:"accepted"`
	Recipients int `json:"recipients"`
}

type ActivityResponse struct {
	Events []core.ActivityEvent `json:"events"`
	Count  int                  `json:"count"`
}

type ChannelInfo struct {
	Name     string `json:"name"`
	Members  int    `json:"members"`
	Presence int    `json:"presence"`
}

type ChannelsResponse struct {
	Channels []ChannelInfo `json:"channels"`
	Count    int           `json:"count"`
}
