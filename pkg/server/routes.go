package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// Realtime protocol
	mux.HandleFunc("GET /realtime/v1/websocket", s.HandleWebsocket)
	mux.HandleFunc("POST /realtime/v1/api/broadcast", s.HandleBroadcast)

	// Inspection
	mux.HandleFunc("GET /api/activity", s.HandleActivity)
	mux.HandleFunc("GET /api/channels", s.HandleChannels)
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
}
