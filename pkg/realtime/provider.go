package realtime

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/rubiojr/pulse/pkg/phx"
)

const (
	DefaultEventsPerSecond   = 10
	DefaultHeartbeatInterval = 25 * time.Second
	DefaultTimeout           = 10 * time.Second
)

// Options configures a Provider.
type Options struct {
	// URL of the realtime endpoint (ws, wss, http or https). Required.
	URL string
	// APIKey is the public access key. Required.
	APIKey string

	// EventsPerSecond caps outgoing broadcasts. Defaults to 10.
	EventsPerSecond float64
	// HeartbeatInterval between heartbeats. A heartbeat not answered by
	// the next tick closes the connection.
	HeartbeatInterval time.Duration
	// Timeout for join, leave and acknowledged pushes.
	Timeout time.Duration

	// TokenSource supplies the user access token. When nil the API key
	// doubles as the access token.
	TokenSource oauth2.TokenSource
	// Sessions persists the access token across runs. Optional.
	Sessions SessionStore

	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.EventsPerSecond <= 0 {
		o.EventsPerSecond = DefaultEventsPerSecond
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			HandshakeTimeout: 15 * time.Second,
			Proxy:            websocket.DefaultDialer.Proxy,
		}
	}
	return o
}

// Provider hands out the single shared Socket for its options. Construct
// one per process and inject it where needed.
type Provider struct {
	opts Options

	mu     sync.Mutex
	socket *Socket
}

func NewProvider(opts Options) *Provider {
	return &Provider{opts: opts.withDefaults()}
}

// Connection returns the shared socket, constructing it on first use. It
// fails with *ConfigurationError when the URL or API key is missing. The
// socket dials lazily when the first channel subscribes.
func (p *Provider) Connection() (*Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.socket != nil {
		return p.socket, nil
	}
	if strings.TrimSpace(p.opts.URL) == "" {
		return nil, &ConfigurationError{Variable: EnvURL}
	}
	if strings.TrimSpace(p.opts.APIKey) == "" {
		return nil, &ConfigurationError{Variable: EnvAPIKey}
	}
	endpoint, err := endpointURL(p.opts.URL, p.opts.APIKey)
	if err != nil {
		return nil, err
	}

	var tokens oauth2.TokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: p.opts.APIKey})
	if p.opts.TokenSource != nil {
		tokens = p.opts.TokenSource
	}
	if p.opts.Sessions != nil {
		tokens = newPersistingSource(tokens, p.opts.Sessions)
	}
	tokens = oauth2.ReuseTokenSource(nil, tokens)

	burst := int(p.opts.EventsPerSecond)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(p.opts.EventsPerSecond), burst)

	p.socket = newSocket(endpoint, p.opts, tokens, limiter)
	return p.socket, nil
}

// Connected reports whether the shared socket currently has a live
// connection.
func (p *Provider) Connected() bool {
	p.mu.Lock()
	s := p.socket
	p.mu.Unlock()
	return s != nil && s.IsConnected()
}

// endpointURL normalizes the configured URL into the websocket endpoint:
// http(s) becomes ws(s), /websocket is appended and the apikey and vsn
// query parameters are set. A bare host gets the /realtime/v1 prefix.
func endpointURL(raw, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", &ConfigurationError{Variable: EnvURL, Reason: err.Error()}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", &ConfigurationError{Variable: EnvURL, Reason: "scheme must be ws, wss, http or https"}
	}
	if u.Host == "" {
		return "", &ConfigurationError{Variable: EnvURL, Reason: "missing host"}
	}

	path := strings.TrimSuffix(u.Path, "/")
	if path == "" {
		path = "/realtime/v1"
	}
	if !strings.HasSuffix(path, "/websocket") {
		path += "/websocket"
	}
	u.Path = path

	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", phx.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
