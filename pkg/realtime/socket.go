package realtime

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/phx"
)

// Socket is the websocket transport shared by every channel. It owns the
// read loop, the heartbeat loop and the topic routing table.
type Socket struct {
	endpoint string
	opts     Options
	dialer   *websocket.Dialer
	tokens   oauth2.TokenSource
	limiter  *rate.Limiter
	log      *log.Logger

	ref atomic.Uint64

	mu               sync.Mutex
	conn             *websocket.Conn
	done             chan struct{}
	pendingHeartbeat string
	accessToken      string

	writeMu sync.Mutex

	chanMu   sync.RWMutex
	channels map[string]*Channel // wire topic -> channel
}

func newSocket(endpoint string, opts Options, tokens oauth2.TokenSource, limiter *rate.Limiter) *Socket {
	return &Socket{
		endpoint: endpoint,
		opts:     opts,
		dialer:   opts.Dialer,
		tokens:   tokens,
		limiter:  limiter,
		log:      log.ForService("socket"),
		channels: make(map[string]*Channel),
	}
}

// Connect dials the endpoint unless a connection is already live.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing realtime endpoint: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}

	done := make(chan struct{})
	s.conn = conn
	s.done = done
	s.pendingHeartbeat = ""

	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)

	s.log.Infof("connected to %s", redact(s.endpoint))
	return nil
}

// Disconnect closes the live connection. Joined channels are not notified;
// callers leave them first.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil
	}
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	s.log.Infof("disconnected")
	return conn.Close()
}

// IsConnected reports whether a connection is live.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Channel creates a channel bound to this socket. A previous channel with
// the same name is replaced in the routing table.
func (s *Socket) Channel(name string, cfg ChannelConfig) *Channel {
	ch := newChannel(s, name, cfg)
	s.register(ch)
	return ch
}

func (s *Socket) register(ch *Channel) {
	s.chanMu.Lock()
	s.channels[ch.topic] = ch
	s.chanMu.Unlock()
}

// Topics returns the wire topics currently routed, sorted.
func (s *Socket) Topics() []string {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	topics := make([]string, 0, len(s.channels))
	for t := range s.channels {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (s *Socket) remove(ch *Channel) {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
}

func (s *Socket) lookup(topic string) *Channel {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	return s.channels[topic]
}

func (s *Socket) snapshot() []*Channel {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	out := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

// AccessToken returns the current access token, falling back to the API
// key when the token source fails.
func (s *Socket) AccessToken() string {
	tok, err := s.tokens.Token()
	if err != nil {
		s.log.Warnf("token source failed, using api key: %v", err)
		return s.opts.APIKey
	}
	s.mu.Lock()
	if s.accessToken == "" {
		s.accessToken = tok.AccessToken
	}
	s.mu.Unlock()
	return tok.AccessToken
}

// push writes a frame. Control frames are never rate limited.
func (s *Socket) push(msg phx.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout)); err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// The read loop notices the closed connection and errors the channels.
		conn.Close()
		return fmt.Errorf("writing %s frame: %w", msg.Event, err)
	}
	if log.DebugEnabledFor("socket") {
		s.log.Debugf("-> %s", data)
	}
	return nil
}

// pushBroadcast applies the event rate cap before writing.
func (s *Socket) pushBroadcast(msg phx.Message) error {
	if !s.limiter.Allow() {
		return ErrRateLimited
	}
	return s.push(msg)
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(2*s.opts.HeartbeatInterval + s.opts.Timeout)); err != nil {
			s.drop(conn, err)
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				// Disconnect already tore the connection down.
			default:
				s.drop(conn, err)
			}
			return
		}
		if log.DebugEnabledFor("socket") {
			s.log.Debugf("<- %s", data)
		}

		msg, err := phx.Decode(data)
		if err != nil {
			s.log.Warnf("ignoring undecodable frame: %v", err)
			continue
		}
		s.route(msg)
	}
}

func (s *Socket) route(msg phx.Message) {
	if msg.Topic == phx.TopicPhoenix {
		if msg.Event == phx.EventReply {
			s.mu.Lock()
			if msg.Ref != "" && msg.Ref == s.pendingHeartbeat {
				s.pendingHeartbeat = ""
			}
			s.mu.Unlock()
		}
		return
	}
	ch := s.lookup(msg.Topic)
	if ch == nil {
		s.log.Debugf("no channel for topic %s (event %s)", msg.Topic, msg.Event)
		return
	}
	ch.handle(msg)
}

// drop tears down conn after a transport failure and errors every channel.
func (s *Socket) drop(conn *websocket.Conn, cause error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	conn.Close()
	s.log.Warnf("connection lost: %v", cause)

	for _, ch := range s.snapshot() {
		ch.socketDropped(cause)
	}
}

func (s *Socket) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		if s.conn != conn {
			s.mu.Unlock()
			return
		}
		if s.pendingHeartbeat != "" {
			s.pendingHeartbeat = ""
			s.mu.Unlock()
			s.log.Warnf("heartbeat timeout, closing connection")
			// Unblocks ReadMessage; the read loop drops the connection.
			conn.Close()
			return
		}
		ref := s.makeRef()
		s.pendingHeartbeat = ref
		s.mu.Unlock()

		msg, _ := phx.NewMessage(phx.TopicPhoenix, phx.EventHeartbeat, nil, ref, "")
		if err := s.push(msg); err != nil {
			s.log.Warnf("heartbeat failed: %v", err)
			continue
		}
		s.refreshToken()
	}
}

// refreshToken pushes a changed access token to every joined channel.
func (s *Socket) refreshToken() {
	tok, err := s.tokens.Token()
	if err != nil {
		s.log.Warnf("token refresh failed: %v", err)
		return
	}
	s.mu.Lock()
	changed := s.accessToken != "" && tok.AccessToken != s.accessToken
	s.accessToken = tok.AccessToken
	s.mu.Unlock()
	if !changed {
		return
	}

	s.log.Infof("access token refreshed, updating joined channels")
	for _, ch := range s.snapshot() {
		if ch.State() != StateJoined {
			continue
		}
		if err := ch.pushAccessToken(tok.AccessToken); err != nil {
			s.log.Warnf("updating token on %s: %v", ch.Name(), err)
		}
	}
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("apikey") {
		q.Set("apikey", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
