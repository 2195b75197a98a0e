package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"
)

// startHTTPServer serves /ws, /health and /metrics on addr
func (s *Server) startHTTPServer(addr string) error {
	listener, err := listen(addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpListener = listener
	s.httpServer = srv
	s.mu.Unlock()

	log.Printf("HTTP server listening on %s (/ws, /health, /metrics)", listener.Addr())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// HTTPHandler routes the HTTP endpoints
func (s *Server) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HealthHandler)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"online_users":   s.sessions.CountOnline(),
		"connections":    s.sessions.CountConnections(),
		"chats":          s.store.Chats.Count(),
		"backend":        s.config.StorageBackend,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		log.Printf("Error encoding health JSON: %v", err)
	}
}
