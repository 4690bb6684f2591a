package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/surveyor/pkg/metrics"
	"github.com/cuemby/surveyor/pkg/storage"
)

// HealthServer provides HTTP health check endpoints alongside /metrics.
type HealthServer struct {
	store storage.Store
	mux   *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server.
func NewHealthServer(store storage.Store) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{store: store, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler is a simple liveness check: returns 200 if the process
// is alive.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	response := HealthResponse{Status: "healthy", Timestamp: time.Now()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler checks whether the backing store is reachable.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.store != nil {
		if _, err := hs.store.ListSuites(); err != nil {
			checks["store"] = "error: " + err.Error()
			ready = false
			message = "store not accessible"
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "not initialized"
		ready = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
