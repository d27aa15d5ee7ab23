package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/api"
	"github.com/Liozhang/wishub-skill/scheduler"
	"github.com/Liozhang/wishub-skill/types"
)

// InvokeHandler serves invocation and execution-status lookups.
type InvokeHandler struct {
	scheduler *scheduler.Scheduler
	prefix    string
	logger    *zap.Logger
}

// NewInvokeHandler creates an InvokeHandler. prefix is the API base path
// used to build status URLs.
func NewInvokeHandler(sched *scheduler.Scheduler, prefix string, logger *zap.Logger) *InvokeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvokeHandler{
		scheduler: sched,
		prefix:    prefix,
		logger:    logger.With(zap.String("handler", "invoke")),
	}
}

// HandleInvoke serves POST /skill/invoke.
func (h *InvokeHandler) HandleInvoke(w http.ResponseWriter, r *http.Request) {
	var req api.InvokeRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.SkillID == "" {
		e := types.NewError(types.ErrValidationFailed, "skill_id is required")
		WriteJSON(w, types.StatusOf(e), api.InvokeResponse{
			Status: api.StatusError, Message: e.Message, Error: ErrorBodyOf(e),
		})
		return
	}

	res, err := h.scheduler.Invoke(r.Context(), scheduler.InvokeRequest{
		SkillID:        req.SkillID,
		Version:        req.SkillVersion,
		Inputs:         req.Inputs,
		TimeoutSeconds: req.Timeout,
		Async:          req.IsAsync,
	})
	if err != nil {
		e := types.AsError(err, types.ErrInvocationInternal)
		h.logger.Warn("invocation rejected",
			zap.String("skill_id", req.SkillID),
			zap.String("code", string(e.Code)),
			zap.Error(e.Cause))
		WriteJSON(w, types.StatusOf(e), api.InvokeResponse{
			Status: api.StatusError, Message: e.Message, Error: ErrorBodyOf(e),
		})
		return
	}

	if res.Async {
		WriteJSON(w, http.StatusAccepted, api.InvokeResponse{
			Status:      api.StatusPending,
			ExecutionID: res.ExecutionID,
			StatusURL:   h.prefix + "/skill/status/" + res.ExecutionID,
			Message:     "execution accepted",
		})
		return
	}

	rec := res.Record
	switch rec.State {
	case scheduler.StateCompleted:
		WriteJSON(w, http.StatusOK, api.InvokeResponse{
			Status:        api.StatusSuccess,
			ExecutionID:   rec.ExecutionID,
			State:         string(rec.State),
			Outputs:       rec.Result,
			ExecutionTime: rec.ElapsedSeconds,
		})
	default:
		e := rec.Error
		if e == nil {
			e = types.NewError(types.ErrInvocationInternal, "execution ended without a result")
		}
		WriteJSON(w, types.StatusOf(e), api.InvokeResponse{
			Status:        api.StatusError,
			ExecutionID:   rec.ExecutionID,
			State:         string(rec.State),
			ExecutionTime: rec.ElapsedSeconds,
			Message:       e.Message,
			Error:         ErrorBodyOf(e),
		})
	}
}

// HandleStatus serves GET /skill/status/{execution_id}. Async records are
// process-local; a restart forgets executions past the cache grace window.
func (h *InvokeHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")

	rec, err := h.scheduler.Status(r.Context(), executionID)
	if err != nil {
		e := types.AsError(err, types.ErrInvocationInternal)
		WriteJSON(w, types.StatusOf(e), api.StatusResponse{
			Status:      api.StatusError,
			ExecutionID: executionID,
			Message:     e.Message,
			Error:       ErrorBodyOf(e),
		})
		return
	}

	resp := api.StatusResponse{
		Status:        api.StatusSuccess,
		ExecutionID:   rec.ExecutionID,
		SkillID:       rec.SkillID,
		SkillVersion:  rec.SkillVersion,
		State:         string(rec.State),
		Outputs:       rec.Result,
		ExecutionTime: rec.ElapsedSeconds,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
	}
	if rec.Error != nil {
		resp.Error = ErrorBodyOf(rec.Error)
		resp.Message = rec.Error.Message
	}
	WriteJSON(w, http.StatusOK, resp)
}
