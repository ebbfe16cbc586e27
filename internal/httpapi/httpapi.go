// Package httpapi exposes the supervisor's introspection and failure-
// injection control surface over HTTP: per-node snapshots, aggregate
// complexity counters, and a manual failure trigger for demos and tests.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/sincronizacion-distribuida/naimi-trehel/internal/network"
	"github.com/sincronizacion-distribuida/naimi-trehel/internal/node"
)

// Server wraps a network.Supervisor with an HTTP surface.
type Server struct {
	supervisor *network.Supervisor
}

// NewServer builds a Server bound to the given supervisor.
func NewServer(supervisor *network.Supervisor) *Server {
	return &Server{supervisor: supervisor}
}

// Router builds the mux.Router for this server: GET /health, GET /status,
// GET /stats, POST /fail/{id}.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/stats", s.handleStats).Methods("GET")
	r.HandleFunc("/fail/{id}", s.handleFail).Methods("POST")
	return r
}

// handleHealth reports process liveness only — it never touches node
// state, so it stays cheap to poll from a container orchestrator.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
	})
}

// handleStatus returns every node's current snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshots := s.supervisor.Nodes()

	out := make(map[string]node.Snapshot, len(snapshots))
	for id, snap := range snapshots {
		out[strconv.FormatUint(id, 10)] = snap
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleStats reports the shared complexity counters without stopping
// the network.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.supervisor.Counters().Sample()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"messages_sent":   snap.MessagesSent,
		"requests_issued": snap.RequestsIssued,
	})
}

// handleFail injects a failure into the named node, for tests and demos
// that want a deterministic trigger instead of waiting on the exponential
// failure timer. It goes through Supervisor.Fail rather than calling
// node.Fail directly, so a manual trigger is subject to the same
// at-most-one-recovery-in-flight gate as the failure-injection loop.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}

	switch err := s.supervisor.Fail(id); {
	case errors.Is(err, network.ErrUnknownNode):
		http.Error(w, "unknown node id", http.StatusNotFound)
	case errors.Is(err, network.ErrRecoveryInProgress):
		http.Error(w, "another node is already recovering", http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
