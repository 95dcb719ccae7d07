// Package common holds small cross-cutting helpers shared by the binaries.
package common

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthServer exposes liveness and readiness probes over HTTP. Readiness
// flips once the supervisor has been fully wired; liveness answers as long
// as the process is serving.
type HealthServer struct {
	ready  *atomic.Bool
	server *http.Server
}

// NewHealthServer constructs a HealthServer bound to the default probe port.
// The server starts serving immediately in a background goroutine.
func NewHealthServer(ready *atomic.Bool) *HealthServer {
	hs := &HealthServer{ready: ready}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/health", hs.handleHealth)
	mux.HandleFunc("/v1/readiness", hs.handleReadiness)

	hs.server = &http.Server{
		Addr:         ":8081",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() { _ = hs.server.ListenAndServe() }()

	return hs
}

// Server returns the underlying HTTP server so callers can shut it down.
func (hs *HealthServer) Server() *http.Server { return hs.server }

func (hs *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (hs *HealthServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !hs.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
