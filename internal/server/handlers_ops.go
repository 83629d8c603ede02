package server

import (
	"errors"
	"net/http"

	"github.com/mnesis-ai/mnesis/internal/conflicts"
	"github.com/mnesis-ai/mnesis/internal/jobs"
	"github.com/mnesis-ai/mnesis/internal/mining"
	"github.com/mnesis-ai/mnesis/internal/model"
	"github.com/mnesis-ai/mnesis/internal/sessions"
	"github.com/mnesis-ai/mnesis/internal/store"
)

// HandleMiningRun handles POST /v1/mining/run. The pass runs synchronously;
// callers that cannot wait should set dry_run or poll /v1/mining/status.
func (h *Handlers) HandleMiningRun(w http.ResponseWriter, r *http.Request) {
	if h.miner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "mining not configured")
		return
	}

	var params model.MineParams
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &params, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}

	report, err := h.miner.Mine(r.Context(), params)
	if err != nil {
		if errors.Is(err, mining.ErrBusy) {
			writeError(w, r, http.StatusConflict, "analysis already running")
			return
		}
		h.writeInternalError(w, r, "mining run failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleMiningStatus handles GET /v1/mining/status.
func (h *Handlers) HandleMiningStatus(w http.ResponseWriter, r *http.Request) {
	if h.miner == nil {
		writeError(w, r, http.StatusServiceUnavailable, "mining not configured")
		return
	}

	running, last := h.miner.Status()
	resp := map[string]any{"running": running}
	if last != nil {
		resp["last_report"] = last
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListJobs handles GET /v1/jobs.
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, "job queue not configured")
		return
	}

	list, err := h.jobs.List(r.Context(), r.URL.Query().Get("status"), queryInt(r, "limit", 50))
	if err != nil {
		h.writeInternalError(w, r, "list jobs failed", err)
		return
	}
	counts, err := h.jobs.CountByStatus(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "list jobs failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"jobs":             list,
		"total":            len(list),
		"counts_by_status": counts,
	})
}

// HandleGetJob handles GET /v1/jobs/{id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, "job queue not configured")
		return
	}

	job, err := h.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		h.writeInternalError(w, r, "get job failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleCancelJob handles POST /v1/jobs/{id}/cancel. Only pending jobs
// change state; the response carries the job either way so the caller can
// see what it settled as.
func (h *Handlers) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, r, http.StatusServiceUnavailable, "job queue not configured")
		return
	}

	job, err := h.jobs.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		h.writeInternalError(w, r, "cancel job failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, job)
}

// HandleListConflicts handles GET /v1/conflicts.
func (h *Handlers) HandleListConflicts(w http.ResponseWriter, r *http.Request) {
	if h.workbench == nil {
		writeError(w, r, http.StatusServiceUnavailable, "conflict workbench not configured")
		return
	}

	pending, err := h.workbench.ListPending(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.writeInternalError(w, r, "list conflicts failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"conflicts": pending,
		"total":     len(pending),
	})
}

type resolveConflictRequest struct {
	Resolution    string `json:"resolution"`
	MergedContent string `json:"merged_content,omitempty"`
	ResolvedBy    string `json:"resolved_by,omitempty"`
}

// HandleResolveConflict handles POST /v1/conflicts/{id}/resolve.
func (h *Handlers) HandleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if h.workbench == nil {
		writeError(w, r, http.StatusServiceUnavailable, "conflict workbench not configured")
		return
	}

	var req resolveConflictRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	resolved, err := h.workbench.Resolve(r.Context(),
		r.PathValue("id"), model.Resolution(req.Resolution), req.MergedContent, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, conflicts.ErrUnknownResolution), errors.Is(err, conflicts.ErrMissingContent):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case errors.Is(err, conflicts.ErrNotPending):
			writeError(w, r, http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrNotFound):
			writeError(w, r, http.StatusNotFound, "conflict not found")
		default:
			h.writeInternalError(w, r, "resolve conflict failed", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}

// HandleListSessions handles GET /v1/sessions.
func (h *Handlers) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session tracking not configured")
		return
	}

	list, err := h.sessions.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		h.writeInternalError(w, r, "list sessions failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"sessions": list,
		"total":    len(list),
	})
}

type endSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// HandleEndSession handles POST /v1/sessions/{id}/end.
func (h *Handlers) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	if h.sessions == nil {
		writeError(w, r, http.StatusServiceUnavailable, "session tracking not configured")
		return
	}

	var req endSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "api_request"
	}

	id := r.PathValue("id")
	if err := h.sessions.End(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, sessions.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "session not found")
			return
		}
		h.writeInternalError(w, r, "end session failed", err)
		return
	}

	session, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "end session failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, session)
}
