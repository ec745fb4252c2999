package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/core"
	"github.com/hugo-lorenzo-mato/specflow-orchestrator/internal/service/orchestration"
)

// StartRequest is the body of POST /api/v1/executions. Config fields that
// are present override the server defaults.
type StartRequest struct {
	ProjectID   string          `json:"projectId"`
	ProjectPath string          `json:"projectPath,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// CancelRequest is the optional body of the cancel endpoint.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RecoverRequest is the body of the recover endpoint.
type RecoverRequest struct {
	Option string `json:"option"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := s.state.List(r.Context(), r.URL.Query().Get("project"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if execs == nil {
		execs = []*core.OrchestrationExecution{}
	}
	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ctx := r.Context()

	req.ProjectID = strings.TrimSpace(req.ProjectID)
	if req.ProjectID == "" {
		respondDomainError(w, core.ErrValidation(core.CodeInvalidConfig, "projectId is required"))
		return
	}

	path := req.ProjectPath
	if path == "" {
		if s.projects == nil {
			respondDomainError(w, core.ErrValidation(core.CodeInvalidConfig, "projectPath is required"))
			return
		}
		resolved, err := s.projects.ResolvePath(ctx, req.ProjectID)
		if err != nil {
			respondDomainError(w, err)
			return
		}
		path = resolved
	}

	cfg := s.defaults
	cfg.SkipSteps = append([]core.StepName(nil), s.defaults.SkipSteps...)
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			respondError(w, http.StatusBadRequest, "invalid config: "+err.Error())
			return
		}
	}

	startReq, err := orchestration.PrepareStart(req.ProjectID, path, cfg)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	exec, err := s.state.Start(ctx, startReq)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	s.kick(ctx, exec)
	respondJSON(w, http.StatusCreated, exec)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handleDecisionLog(w http.ResponseWriter, r *http.Request) {
	exec, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	entries := exec.DecisionLog
	if entries == nil {
		entries = []core.DecisionLogEntry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetActive(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	exec, err := s.state.GetActive(r.Context(), projectID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if exec == nil {
		respondDomainError(w, core.ErrNotFound("active execution", projectID))
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "pause", s.state.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "resume", s.state.Resume)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, "merge", s.state.TriggerMerge)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if err := decodeOptional(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.mutate(w, r, "cancel", func(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
		return s.state.Cancel(ctx, id, req.Reason)
	})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req RecoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	option, err := core.ParseRecoveryOption(req.Option)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	s.mutate(w, r, "recover", func(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error) {
		return s.state.Recover(ctx, id, option)
	})
}

// mutate loads the execution, applies fn and wakes its loop. A nil result
// from fn means the execution was not in a state that allows the operation.
func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, id core.ExecutionID) (*core.OrchestrationExecution, error)) {
	current, ok := s.loadExecution(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	updated, err := fn(ctx, current.ID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if updated == nil {
		latest, _ := s.state.Get(ctx, current.ID)
		if latest == nil {
			latest = current
		}
		respondDomainError(w, core.ErrState(core.CodeInvalidState,
			"cannot "+op+" an execution that is "+string(latest.Status)).
			WithDetail("status", string(latest.Status)))
		return
	}

	s.kick(ctx, updated)
	respondJSON(w, http.StatusOK, updated)
}

// kick makes sure a live execution has a loop and asks it to evaluate now.
func (s *Server) kick(ctx context.Context, exec *core.OrchestrationExecution) {
	if s.loops == nil {
		return
	}
	if s.loops.Running(exec.ID) {
		s.loops.Trigger(exec.ID)
		return
	}
	if exec.Status.IsTerminal() || exec.Status == core.StatusNeedsAttention {
		return
	}
	if err := s.loops.StartLoop(ctx, exec.ID); err != nil {
		s.logger.Warn("starting runner loop failed", "execution_id", exec.ID, "error", err)
	}
}

func (s *Server) loadExecution(w http.ResponseWriter, r *http.Request) (*core.OrchestrationExecution, bool) {
	id := core.ExecutionID(chi.URLParam(r, "executionID"))
	exec, err := s.state.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return nil, false
	}
	if exec == nil {
		respondDomainError(w, core.ErrNotFound("execution", string(id)))
		return nil, false
	}
	return exec, true
}

// decodeOptional decodes a JSON body that may be empty.
func decodeOptional(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
