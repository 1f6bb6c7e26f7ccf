package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestConnectionRequiresConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		variable string
	}{
		{"missing url", Options{APIKey: "k"}, EnvURL},
		{"blank url", Options{URL: "  ", APIKey: "k"}, EnvURL},
		{"missing key", Options{URL: "https://example.supabase.co"}, EnvAPIKey},
		{"bad scheme", Options{URL: "ftp://example.com", APIKey: "k"}, EnvURL},
		{"no host", Options{URL: "https://", APIKey: "k"}, EnvURL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvider(tt.opts).Connection()
			var ce *ConfigurationError
			require.True(t, errors.As(err, &ce), "expected *ConfigurationError, got %v", err)
			assert.Equal(t, tt.variable, ce.Variable)
			assert.Contains(t, err.Error(), tt.variable)
		})
	}
}

func TestConnectionIsMemoized(t *testing.T) {
	p := NewProvider(Options{URL: "https://example.supabase.co", APIKey: "anon"})
	a, err := p.Connection()
	require.NoError(t, err)
	b, err := p.Connection()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.False(t, p.Connected(), "connection dials lazily")
}

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://abc.supabase.co", "wss://abc.supabase.co/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
		{"http://127.0.0.1:4000/", "ws://127.0.0.1:4000/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
		{"ws://localhost:4000/socket", "ws://localhost:4000/socket/websocket?apikey=k&vsn=1.0.0"},
		{"wss://h/realtime/v1/websocket", "wss://h/realtime/v1/websocket?apikey=k&vsn=1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := endpointURL(tt.raw, "k")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, float64(DefaultEventsPerSecond), o.EventsPerSecond)
	assert.Equal(t, DefaultHeartbeatInterval, o.HeartbeatInterval)
	assert.Equal(t, DefaultTimeout, o.Timeout)
	require.NotNil(t, o.Dialer)
	assert.Equal(t, 15*time.Second, o.Dialer.HandshakeTimeout)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "wss://h/realtime/v1/websocket?apikey=redacted&vsn=1.0.0",
		redact("wss://h/realtime/v1/websocket?apikey=secret&vsn=1.0.0"))
}

type memSessions struct {
	tok   *oauth2.Token
	saved []*oauth2.Token
}

func (m *memSessions) LoadToken() (*oauth2.Token, error) { return m.tok, nil }
func (m *memSessions) SaveToken(t *oauth2.Token) error {
	m.saved = append(m.saved, t)
	m.tok = t
	return nil
}

type countingSource struct {
	calls int
	token string
}

func (c *countingSource) Token() (*oauth2.Token, error) {
	c.calls++
	return &oauth2.Token{AccessToken: c.token, Expiry: time.Now().Add(time.Hour)}, nil
}

func TestPersistingSourceRestoresValidToken(t *testing.T) {
	store := &memSessions{tok: &oauth2.Token{AccessToken: "stored", Expiry: time.Now().Add(time.Hour)}}
	up := &countingSource{token: "fresh"}
	src := newPersistingSource(up, store)

	tok, err := src.Token()
	require.NoError(t, err)
	assert.Equal(t, "stored", tok.AccessToken)
	assert.Equal(t, 0, up.calls)

	tok, err = src.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "fresh", store.saved[0].AccessToken)

	// Same token again is not saved twice.
	_, err = src.Token()
	require.NoError(t, err)
	assert.Len(t, store.saved, 1)
}

func TestPersistingSourceSkipsExpiredToken(t *testing.T) {
	store := &memSessions{tok: &oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)}}
	up := &countingSource{token: "fresh"}

	tok, err := newPersistingSource(up, store).Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Equal(t, 1, up.calls)
}

func TestChannelNames(t *testing.T) {
	home := PresenceChannel(PresenceScope{Page: "home"})
	assert.Equal(t, "presence:home", home)
	assert.Equal(t, home, PresenceChannel(PresenceScope{Page: "home"}))

	target := PresenceChannel(PresenceScope{Page: "extension-detail", TargetID: "ext-42", TargetType: "extension"})
	assert.Equal(t, "presence:extension:ext-42", target)
	assert.NotEqual(t, home, target)

	assert.Equal(t, "extension:ext-42", EntityChannel("extension", "ext-42"))
	assert.Equal(t, "notifications:u1", NotificationsChannel("u1"))
}

func TestChannelErrorUnwrap(t *testing.T) {
	err := &ChannelError{Channel: "activity-feed", Op: "join", Err: ErrTimeout}
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "channel activity-feed: join: "+ErrTimeout.Error(), err.Error())
}
