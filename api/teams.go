package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

type createTeamRequest struct {
	Name           string              `json:"name"`
	Description    string              `json:"description"`
	TimeoutSeconds int                 `json:"timeout_seconds"`
	MaxIterations  int                 `json:"max_iterations"`
	Topology       store.TopologyConfig `json:"topology"`
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	var req createTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewFrameworkError("api.createTeam", core.KindValidation, err))
		return
	}

	result := s.Validator.Validate(r.Context(), req.Topology)
	if !result.OK {
		writeJSON(w, http.StatusBadRequest, result)
		return
	}

	now := time.Now()
	team := &store.Team{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		Status:         store.TeamActive,
		TimeoutSeconds: req.TimeoutSeconds,
		MaxIterations:  req.MaxIterations,
		Topology:       req.Topology,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Teams.Create(r.Context(), team); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.Teams.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.Teams.List(r.Context(), 50, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, teams)
}

type updateTeamRequest struct {
	Description    *string               `json:"description"`
	Status         *store.TeamStatus     `json:"status"`
	TimeoutSeconds *int                  `json:"timeout_seconds"`
	MaxIterations  *int                  `json:"max_iterations"`
	Topology       *store.TopologyConfig `json:"topology"`
}

func (s *Server) updateTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.Teams.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req updateTeamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.NewFrameworkError("api.updateTeam", core.KindValidation, err))
		return
	}
	if req.Description != nil {
		team.Description = *req.Description
	}
	if req.Status != nil {
		team.Status = *req.Status
	}
	if req.TimeoutSeconds != nil {
		team.TimeoutSeconds = *req.TimeoutSeconds
	}
	if req.MaxIterations != nil {
		team.MaxIterations = *req.MaxIterations
	}
	if req.Topology != nil {
		result := s.Validator.Validate(r.Context(), *req.Topology)
		if !result.OK {
			writeJSON(w, http.StatusBadRequest, result)
			return
		}
		team.Topology = *req.Topology
	}

	if err := s.Teams.Update(r.Context(), team); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) deleteTeam(w http.ResponseWriter, r *http.Request) {
	if err := s.Teams.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) validateTeam(w http.ResponseWriter, r *http.Request) {
	team, err := s.Teams.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	result := s.Validator.Validate(r.Context(), team.Topology)
	status := http.StatusOK
	if !result.OK {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, result)
}
