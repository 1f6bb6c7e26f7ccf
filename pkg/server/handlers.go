package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rubiojr/pulse/pkg/phx"
	"github.com/rubiojr/pulse/pkg/version"
)

const maxBroadcastBody = 1 << 20

func (s *Server) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.metrics.rejectedHandshake.Inc()
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}
	if vsn := r.URL.Query().Get("vsn"); vsn != "" && vsn != phx.Version {
		s.writeError(w, http.StatusBadRequest, "unsupported_version", "protocol version "+vsn+" is not supported")
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	c := newConn(s, ws)
	s.connect(c)
	s.log.Debugf("connection %s from %s", c.id, r.RemoteAddr)
	go c.writeLoop()
	go c.readLoop()
}

func (s *Server) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}

	var req BroadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBroadcastBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid_body", "messages must not be empty")
		return
	}
	for _, m := range req.Messages {
		if m.Topic == "" || m.Event == "" {
			s.writeError(w, http.StatusBadRequest, "invalid_body", "every message needs a topic and an event")
			return
		}
	}

	resp := BroadcastResponse{}
	for _, m := range req.Messages {
		payload := m.Payload
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		body := phx.BroadcastPayload{Type: phx.EventBroadcast, Event: m.Event, Payload: payload}
		resp.Recipients += s.broadcast(phx.Topic(m.Topic), body, nil)
		resp.Accepted++
		s.metrics.restBroadcasts.Inc()
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) HandleActivity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Archive == nil {
		s.writeError(w, http.StatusNotImplemented, "no_archive", "activity archive is not enabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.cfg.Archive.RecentActivity(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "archive_error", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, ActivityResponse{Events: events, Count: len(events)})
}

func (s *Server) HandleChannels(w http.ResponseWriter, r *http.Request) {
	topics := s.hub.Topics()
	resp := ChannelsResponse{Channels: make([]ChannelInfo, 0, len(topics))}
	for _, t := range topics {
		presence := 0
		for _, entry := range s.hub.presenceState(t) {
			presence += len(entry.Metas)
		}
		resp.Channels = append(resp.Channels, ChannelInfo{
			Name:     phx.ChannelName(t),
			Members:  len(s.hub.members(t)),
			Presence: presence,
		})
	}
	resp.Count = len(resp.Channels)
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Version:     version.APIVersion(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Connections: s.Connections(),
		Channels:    s.hub.Size(),
	}

	s.writeJSON(w, http.StatusOK, health)
}
