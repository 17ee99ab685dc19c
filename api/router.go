// Package api is the orchestration core's HTTP surface: team CRUD,
// validation, triggering, streaming, cancellation, and log retrieval.
// Routed with the stdlib 1.22+ http.ServeMux method-and-wildcard patterns
// rather than a third-party router, with a small logging/CORS middleware
// chain wrapped around it.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/eventbus"
	"github.com/agentmesh/orchestrator/execution"
	"github.com/agentmesh/orchestrator/store"
	"github.com/agentmesh/orchestrator/topology"
)

// Server bundles the dependencies every handler needs.
type Server struct {
	Teams     store.Teams
	Manager   *execution.Manager
	Validator *topology.Validator
	Bus       *eventbus.Bus
	Logs      store.ExecutionLogs
	Logger    core.ComponentAwareLogger
}

// Handler builds the routed mux, wrapped in the logging and CORS
// middleware chain.
func (s *Server) Handler(devMode bool, corsOrigins []string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /teams", s.createTeam)
	mux.HandleFunc("GET /teams", s.listTeams)
	mux.HandleFunc("GET /teams/{id}", s.getTeam)
	mux.HandleFunc("PATCH /teams/{id}", s.updateTeam)
	mux.HandleFunc("DELETE /teams/{id}", s.deleteTeam)
	mux.HandleFunc("POST /teams/{id}/validate", s.validateTeam)
	mux.HandleFunc("POST /teams/{id}/executions", s.triggerExecution)
	mux.HandleFunc("GET /teams/{id}/executions", s.listTeamExecutions)

	mux.HandleFunc("GET /executions/{id}", s.getExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", s.cancelExecution)
	mux.HandleFunc("GET /executions/{id}/stream", s.streamExecution)
	mux.HandleFunc("GET /executions/{id}/logs", s.listExecutionLogs)

	var handler http.Handler = mux
	handler = core.LoggingMiddleware(s.Logger, devMode)(handler)
	handler = core.CORSMiddleware(&core.CORSConfig{Enabled: len(corsOrigins) > 0, AllowedOrigins: corsOrigins})(handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// writeError maps domain errors to status codes: validation/conflict ->
// 4xx, not-found -> 404, everything else -> 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := ""
	if fe, ok := err.(*core.FrameworkError); ok {
		kind = fe.Kind
		switch fe.Kind {
		case core.KindValidation:
			status = http.StatusBadRequest
		case core.KindNotFound:
			status = http.StatusNotFound
		case core.KindConflict, core.KindConcurrencyLimit:
			status = http.StatusConflict
		case core.KindCancelled, core.KindTimedOut:
			status = http.StatusGone
		}
	}
	switch {
	case err == core.ErrTeamNotActive:
		status = http.StatusConflict
	case err == core.ErrExecutionNotRunning:
		status = http.StatusConflict
	case err == core.ErrConcurrencyLimitExceeded:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind})
}
