package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// ExecuteRequest is the body of POST /v1/executions.
type ExecuteRequest struct {
	ProvisionerID string                 `json:"provisioner_id" validate:"required"`
	Command       string                 `json:"command" validate:"required"`
	Overrides     engine.CallerOverrides `json:"overrides"`

	// Timeout is a Go duration string and replaces Overrides.Timeout.
	Timeout string `json:"timeout,omitempty"`

	// Wait holds the response until the execution settles or the client
	// goes away.
	Wait bool `json:"wait,omitempty"`
}

// ExecuteResponse is returned by POST /v1/executions.
type ExecuteResponse struct {
	Handle  *engine.PendingHandle   `json:"handle"`
	Outcome *engine.TerminalOutcome `json:"outcome,omitempty"`
}

// SnapshotResponse is returned by GET /v1/snapshots/{entityID}.
type SnapshotResponse struct {
	EntityID string                      `json:"entity_id"`
	Snapshot *engine.ExecutionSnapshot   `json:"snapshot"`
	History  []*engine.ExecutionSnapshot `json:"history,omitempty"`
	Activity []telemetry.ActivityLine    `json:"activity,omitempty"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.deps.Checks))
	for name := range s.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.deps.Checks[name](ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "unavailable"
	}
	writeJSON(w, status, body)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	command, err := engine.ParseCommandKind(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid timeout: %q", req.Timeout))
			return
		}
		req.Overrides.Timeout = d
	}

	// Dispatch must not be cut short by the client disconnecting.
	handle, err := s.deps.Engine.Execute(context.WithoutCancel(r.Context()), req.ProvisionerID, command, req.Overrides)
	if err != nil {
		zerolog.Ctx(r.Context()).Warn().Err(err).Str("provisioner_id", req.ProvisionerID).Msg("execute rejected")
		writeEngineError(w, err)
		return
	}

	resp := ExecuteResponse{Handle: handle}
	if !req.Wait {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	outcome, err := s.deps.Engine.Wait(r.Context(), handle.CorrelationID)
	if err != nil {
		// The client gave up; the execution carries on.
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	resp.Outcome = outcome
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExecutionState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	state, ok := s.deps.Engine.State(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown correlation id: %s", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"correlation_id": id,
		"state":          string(state),
	})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationID")
	var result engine.ExecutionResult
	if err := decode(w, r, &result); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if result.CorrelationID != "" && result.CorrelationID != id {
		writeError(w, http.StatusBadRequest, "correlation id in body does not match path")
		return
	}
	result.CorrelationID = id
	if result.Status != engine.ResultSuccess && result.Status != engine.ResultFailure {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status: %q", result.Status))
		return
	}

	if !s.deps.Results.Deliver(id, result) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no pending execution for correlation id %s", id))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"correlation_id": id})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "entityID")

	resp := SnapshotResponse{EntityID: entityID}
	if v := r.URL.Query().Get("history"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "history must be a non-negative integer")
			return
		}
		history, err := s.deps.Snapshots.List(r.Context(), entityID, limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.History = history
		if len(history) > 0 {
			resp.Snapshot = history[0]
		}
	} else {
		snap, err := s.deps.Snapshots.FindLatest(r.Context(), entityID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		resp.Snapshot = snap
	}
	if s.deps.Activity != nil {
		resp.Activity = s.deps.Activity.Lines(entityID)
	}

	if resp.Snapshot == nil && len(resp.Activity) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no snapshot for entity %s", entityID))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	key := engine.HistoryKey{
		EntityID:            chi.URLParam(r, "entityID"),
		LegacyEntityID:      r.URL.Query().Get("legacy_entity_id"),
		WorkflowExecutionID: r.URL.Query().Get("workflow_execution_id"),
	}
	deleted, err := s.deps.Snapshots.Delete(r.Context(), key)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": key.EntityID,
		"deleted":   deleted,
	})
}
