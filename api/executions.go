package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/retention"
	"github.com/agentmesh/orchestrator/store"
)

type triggerRequest struct {
	Input          store.ExecutionInput `json:"input"`
	OutputSchema   json.RawMessage      `json:"output_schema,omitempty"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty"`
}

func (s *Server) triggerExecution(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewFrameworkError("api.triggerExecution", core.KindValidation, err))
		return
	}
	exec, err := s.Manager.Trigger(r.Context(), r.PathValue("id"), req.Input, req.OutputSchema, req.TimeoutSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	redacted := retention.RedactExecution(*exec)
	writeJSON(w, http.StatusAccepted, &redacted)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.Manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	redacted := retention.RedactExecution(*exec)
	writeJSON(w, http.StatusOK, &redacted)
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := s.Manager.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) listTeamExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{TeamID: r.PathValue("id")}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = store.ExecStatus(status)
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}
	execs, err := s.Manager.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	redacted := make([]*store.Execution, len(execs))
	for i, e := range execs {
		r := retention.RedactExecution(*e)
		redacted[i] = &r
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) listExecutionLogs(w http.ResponseWriter, r *http.Request) {
	filter := store.LogFilter{ExecutionID: r.PathValue("id")}
	if since, err := strconv.ParseInt(r.URL.Query().Get("since_sequence"), 10, 64); err == nil {
		filter.SinceSequence = since
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	logs, err := s.Logs.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	redacted := make([]store.ExecutionLog, len(logs))
	for i, l := range logs {
		redacted[i] = retention.RedactLog(*l)
	}
	writeJSON(w, http.StatusOK, redacted)
}

// streamExecution implements the resumable SSE subscription: replaying
// since_sequence then following the live event stream, flushing after
// every event written to the response.
func (s *Server) streamExecution(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	var since int64
	if v := r.URL.Query().Get("since_sequence"); v != "" {
		since, _ = strconv.ParseInt(v, 10, 64)
	}

	ch, err := s.Bus.Subscribe(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for log := range ch {
		redacted := retention.RedactLog(log)
		payload, err := json.Marshal(redacted)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", redacted.EventType, payload)
		flusher.Flush()
	}
}
