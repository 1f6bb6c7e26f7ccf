// Package server is a development realtime broker speaking the same
// Phoenix channel protocol as the hosted backend. It supports broadcast
// fan-out, presence, heartbeats, a REST broadcast endpoint, health and
// Prometheus metrics, so the client can be exercised end to end locally.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/phx"
	"github.com/rubiojr/pulse/pkg/realtime"
)

// Archive stores activity seen on the global feed.
type Archive interface {
	SaveActivity(ctx context.Context, e core.ActivityEvent) error
	RecentActivity(ctx context.Context, limit int) ([]core.ActivityEvent, error)
}

type Config struct {
	// APIKeys accepted on handshake and REST calls. Empty accepts any key.
	APIKeys []string
	// IdleTimeout closes connections that send nothing, heartbeats
	// included, for this long. Defaults to 60s.
	IdleTimeout time.Duration
	// SendQueueSize bounds each connection's outbound queue. Defaults to 64.
	SendQueueSize int
	// Archive receives every valid activity broadcast. Optional.
	Archive Archive
}

type Server struct {
	cfg      Config
	hub      *Hub
	metrics  *metrics
	log      *log.Logger
	upgrader websocket.Upgrader
	started  time.Time

	keys atomic.Pointer[map[string]struct{}]

	mu    sync.Mutex
	conns map[*conn]struct{}
}

func New(cfg Config) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	s := &Server{
		cfg:     cfg,
		hub:     newHub(),
		log:     log.ForService("server"),
		started: time.Now(),
		conns:   make(map[*conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.metrics = newMetrics(func() float64 { return float64(s.hub.Size()) })
	s.hub.metrics = s.metrics
	s.SetAPIKeys(cfg.APIKeys)
	return s
}

// SetAPIKeys replaces the accepted keys. Open connections are kept.
func (s *Server) SetAPIKeys(keys []string) {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			set[k] = struct{}{}
		}
	}
	s.keys.Store(&set)
}

func (s *Server) authorized(r *http.Request) bool {
	keys := *s.keys.Load()
	if len(keys) == 0 {
		return true
	}
	key := r.URL.Query().Get("apikey")
	if key == "" {
		key = r.Header.Get("apikey")
	}
	if key == "" {
		key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	_, ok := keys[key]
	return ok
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CorsMiddleware(mux)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Close()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close drops every websocket connection.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) connect(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.Inc()
}

func (s *Server) disconnect(c *conn) {
	for _, name := range c.joinedTopics() {
		c.leaveTopic(name)
	}
	s.mu.Lock()
	_, ok := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()
	if ok {
		s.metrics.connections.Dec()
	}
}

// broadcast fans body out on topic and archives feed activity. from is nil
// for REST broadcasts.
func (s *Server) broadcast(topic string, body phx.BroadcastPayload, from *conn) int {
	out, err := phx.NewMessage(topic, phx.EventBroadcast, body, "", "")
	if err != nil {
		return 0
	}
	n := s.hub.fanout(topic, out, from)
	name := phx.ChannelName(topic)
	s.metrics.broadcastsTotal.WithLabelValues(channelLabel(name)).Inc()
	s.log.Debugf("broadcast %s on %s to %d subscribers", body.Event, name, n)

	if s.cfg.Archive != nil && name == realtime.ActivityFeedChannel && body.Event == realtime.ActivityEventName {
		e, err := core.ParseActivity(body.Payload)
		if err != nil {
			s.log.Debugf("not archiving invalid activity: %v", err)
			return n
		}
		if err := s.cfg.Archive.SaveActivity(context.Background(), e); err != nil {
			s.log.Warnf("archiving activity %s: %v", e.ID, err)
		}
	}
	return n
}

func (s *Server) presenceDiff(topic, joinKey string, joins []json.RawMessage, leaveKey string, leaves []json.RawMessage) {
	diff := phx.PresenceDiffPayload{
		Joins:  map[string]phx.PresenceEntry{},
		Leaves: map[string]phx.PresenceEntry{},
	}
	if len(joins) > 0 {
		diff.Joins[joinKey] = phx.PresenceEntry{Metas: joins}
	}
	if len(leaves) > 0 {
		diff.Leaves[leaveKey] = phx.PresenceEntry{Metas: leaves}
	}
	if len(diff.Joins) == 0 && len(diff.Leaves) == 0 {
		return
	}
	out, err := phx.NewMessage(topic, phx.EventPresenceDiff, diff, "", "")
	if err != nil {
		return
	}
	s.hub.fanout(topic, out, nil)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.writeJSON(w, status, response)
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, apikey")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
