package realtime

import (
	"errors"
	"fmt"
)

// Environment variables holding the connection parameters.
const (
	EnvURL    = "PULSE_REALTIME_URL"
	EnvAPIKey = "PULSE_REALTIME_KEY"
)

var (
	// ErrTimeout is returned when the backend does not reply in time.
	ErrTimeout = errors.New("realtime: timed out waiting for reply")
	// ErrChannelClosed is returned when pushing on a channel that is not joined.
	ErrChannelClosed = errors.New("realtime: channel is not joined")
	// ErrNotConnected is returned when the socket has no live connection.
	ErrNotConnected = errors.New("realtime: socket not connected")
	// ErrRateLimited is returned when a broadcast exceeds the event rate cap.
	ErrRateLimited = errors.New("realtime: event rate limit exceeded")
)

// ConfigurationError reports a missing or invalid connection parameter. It
// is fatal: callers must not fall back to defaults.
type ConfigurationError struct {
	Variable string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("realtime: missing required configuration %s", e.Variable)
	}
	return fmt.Sprintf("realtime: invalid configuration %s: %s", e.Variable, e.Reason)
}

// ChannelError is a recoverable channel-level failure.
type ChannelError struct {
	Channel string
	Op      string
	Reason  string
	Err     error
}

func (e *ChannelError) Error() string {
	msg := fmt.Sprintf("channel %s: %s", e.Channel, e.Op)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
