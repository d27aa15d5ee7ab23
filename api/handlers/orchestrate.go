package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/api"
	"github.com/Liozhang/wishub-skill/orchestrator"
	"github.com/Liozhang/wishub-skill/types"
)

// OrchestrateHandler serves workflow execution and workflow status.
type OrchestrateHandler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *zap.Logger
}

// NewOrchestrateHandler creates an OrchestrateHandler.
func NewOrchestrateHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *OrchestrateHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrchestrateHandler{
		orchestrator: orch,
		logger:       logger.With(zap.String("handler", "orchestrate")),
	}
}

// HandleOrchestrate serves POST /skill/orchestrate. The call blocks until
// the workflow reaches a terminal state.
func (h *OrchestrateHandler) HandleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req api.OrchestrateRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}
	if req.WorkflowID == "" {
		e := types.NewError(types.ErrInvalidWorkflow, "workflow_id is required")
		WriteJSON(w, types.StatusOf(e), api.OrchestrateResponse{
			Status: api.StatusError, Message: e.Message, Error: ErrorBodyOf(e),
		})
		return
	}

	res, err := h.orchestrator.Execute(r.Context(), &orchestrator.Workflow{
		WorkflowID:     req.WorkflowID,
		Nodes:          req.Nodes,
		Edges:          req.Edges,
		GlobalInputs:   req.GlobalInputs,
		TimeoutSeconds: req.Timeout,
	})
	if err != nil {
		e := types.AsError(err, types.ErrOrchestrationInternal)
		h.logger.Warn("workflow rejected",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("code", string(e.Code)),
			zap.Error(e.Cause))
		WriteJSON(w, types.StatusOf(e), api.OrchestrateResponse{
			Status:     api.StatusError,
			WorkflowID: req.WorkflowID,
			Message:    e.Message,
			Error:      ErrorBodyOf(e),
		})
		return
	}

	WriteJSON(w, statusCodeFor(res), toOrchestrateResponse(res))
}

// HandleWorkflowStatus serves GET /skill/workflow/{execution_id}.
func (h *OrchestrateHandler) HandleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")

	res, ok := h.orchestrator.Status(executionID)
	if !ok {
		e := types.NewError(types.ErrSkillNotFound, "workflow execution not found").
			WithDetails("unknown execution_id")
		WriteJSON(w, types.StatusOf(e), api.OrchestrateResponse{
			Status:      api.StatusError,
			ExecutionID: executionID,
			Message:     e.Message,
			Error:       ErrorBodyOf(e),
		})
		return
	}

	WriteJSON(w, http.StatusOK, toOrchestrateResponse(res))
}

func statusCodeFor(res *orchestrator.Result) int {
	if res.Status == "success" {
		return http.StatusOK
	}
	if res.Error != nil {
		return types.StatusOf(res.Error)
	}
	return http.StatusInternalServerError
}

func toOrchestrateResponse(res *orchestrator.Result) api.OrchestrateResponse {
	out := api.OrchestrateResponse{
		ExecutionID:   res.ExecutionID,
		WorkflowID:    res.WorkflowID,
		FailedNode:    res.FailedNode,
		ExecutionTime: res.ElapsedSeconds,
		Results:       make(map[string]api.NodeOutcome, len(res.Results)),
	}
	for id, nr := range res.Results {
		outcome := api.NodeOutcome{
			SkillID:     nr.SkillID,
			ExecutionID: nr.ExecutionID,
			State:       string(nr.State),
			Result:      nr.Result,
		}
		if nr.Error != nil {
			outcome.Error = ErrorBodyOf(nr.Error)
		}
		out.Results[id] = outcome
	}

	switch res.Status {
	case "success":
		out.Status = api.StatusSuccess
	case "running":
		out.Status = api.StatusPending
	default:
		out.Status = api.StatusError
		if res.Error != nil {
			out.Message = res.Error.Message
			out.Error = ErrorBodyOf(res.Error)
		}
	}
	return out
}
