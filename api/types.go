// Package api defines the wire types of the skill protocol HTTP surface.
// Response shapes are per-endpoint and intentionally not normalized; each
// mirrors its documented contract.
package api

import (
	"encoding/json"
	"time"

	"github.com/Liozhang/wishub-skill/orchestrator"
	"github.com/Liozhang/wishub-skill/skill"
)

// Envelope statuses.
const (
	StatusSuccess = "success"
	StatusPending = "pending"
	StatusError   = "error"
)

// ErrorBody is the error object of the envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// RegisterRequest is the POST /skill/register payload. Code is base64.
type RegisterRequest struct {
	SkillID      string          `json:"skill_id"`
	SkillName    string          `json:"skill_name"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version"`
	Language     string          `json:"language"`
	Code         string          `json:"code"`
	Dependencies []string        `json:"dependencies,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Timeout      int             `json:"timeout,omitempty"`
	Author       string          `json:"author,omitempty"`
	License      string          `json:"license,omitempty"`
	Category     string          `json:"category,omitempty"`
}

// RegisterResponse is flat: skill_id and version at the top level.
type RegisterResponse struct {
	Status           string     `json:"status"`
	SkillID          string     `json:"skill_id,omitempty"`
	Version          string     `json:"version,omitempty"`
	RegistrationTime string     `json:"registration_time,omitempty"`
	Message          string     `json:"message,omitempty"`
	Error            *ErrorBody `json:"error,omitempty"`
}

// InvokeRequest is the POST /skill/invoke payload.
type InvokeRequest struct {
	SkillID      string          `json:"skill_id"`
	SkillVersion string          `json:"skill_version,omitempty"`
	Inputs       json.RawMessage `json:"inputs"`
	Timeout      int             `json:"timeout,omitempty"`
	IsAsync      bool            `json:"is_async,omitempty"`
}

// InvokeResponse reports a terminal result (sync) or an accepted execution
// (async, with a status_url to poll).
type InvokeResponse struct {
	Status        string          `json:"status"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	State         string          `json:"state,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	StatusURL     string          `json:"status_url,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
}

// StatusResponse is the GET /skill/status/{execution_id} payload. Async
// execution state is process-local and kept for the life of the process;
// after a restart only records still in the optional cache (within its
// TTL) can be found.
type StatusResponse struct {
	Status        string          `json:"status"`
	ExecutionID   string          `json:"execution_id"`
	SkillID       string          `json:"skill_id,omitempty"`
	SkillVersion  string          `json:"skill_version,omitempty"`
	State         string          `json:"state,omitempty"`
	Outputs       json.RawMessage `json:"outputs,omitempty"`
	ExecutionTime float64         `json:"execution_time,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	Message       string          `json:"message,omitempty"`
	Error         *ErrorBody      `json:"error,omitempty"`
}

// SkillInfo is the discovery projection of one skill.
type SkillInfo struct {
	SkillID     string    `json:"skill_id"`
	SkillName   string    `json:"skill_name"`
	Description string    `json:"description,omitempty"`
	Version     string    `json:"version"`
	Category    string    `json:"category,omitempty"`
	Language    string    `json:"language"`
	Author      string    `json:"author,omitempty"`
	TotalCalls  int64     `json:"total_calls"`
	SuccessRate float64   `json:"success_rate"`
	Popularity  int64     `json:"popularity"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewSkillInfo projects a skill for discovery.
func NewSkillInfo(s *skill.Skill) SkillInfo {
	return SkillInfo{
		SkillID:     s.SkillID,
		SkillName:   s.SkillName,
		Description: s.Description,
		Version:     s.Version,
		Category:    s.Category,
		Language:    string(s.Language),
		Author:      s.Author,
		TotalCalls:  s.Stats.TotalCalls,
		SuccessRate: s.Stats.SuccessRate(),
		Popularity:  s.Stats.Popularity,
		CreatedAt:   s.CreatedAt,
	}
}

// DiscoveryResponse is the GET /skill/discovery payload.
type DiscoveryResponse struct {
	Status     string      `json:"status"`
	Skills     []SkillInfo `json:"skills"`
	Total      int         `json:"total"`
	TotalPages int         `json:"total_pages"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	Message    string      `json:"message,omitempty"`
	Error      *ErrorBody  `json:"error,omitempty"`
}

// SkillDetail is the full metadata view of one skill version.
type SkillDetail struct {
	SkillID      string          `json:"skill_id"`
	SkillName    string          `json:"skill_name"`
	Description  string          `json:"description,omitempty"`
	Version      string          `json:"version"`
	Language     string          `json:"language"`
	Dependencies []string        `json:"dependencies,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Timeout      int             `json:"timeout"`
	Author       string          `json:"author,omitempty"`
	License      string          `json:"license,omitempty"`
	Category     string          `json:"category,omitempty"`
	TotalCalls   int64           `json:"total_calls"`
	SuccessRate  float64         `json:"success_rate"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewSkillDetail projects a skill's full metadata.
func NewSkillDetail(s *skill.Skill) *SkillDetail {
	return &SkillDetail{
		SkillID:      s.SkillID,
		SkillName:    s.SkillName,
		Description:  s.Description,
		Version:      s.Version,
		Language:     string(s.Language),
		Dependencies: s.Dependencies,
		InputSchema:  s.InputSchema,
		OutputSchema: s.OutputSchema,
		Timeout:      s.TimeoutSeconds,
		Author:       s.Author,
		License:      s.License,
		Category:     s.Category,
		TotalCalls:   s.Stats.TotalCalls,
		SuccessRate:  s.Stats.SuccessRate(),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// DetailResponse nests the skill object, unlike the flat register shape.
type DetailResponse struct {
	Status  string       `json:"status"`
	Skill   *SkillDetail `json:"skill,omitempty"`
	Message string       `json:"message,omitempty"`
	Error   *ErrorBody   `json:"error,omitempty"`
}

// DeleteResponse acknowledges a delete. Deletes are idempotent.
type DeleteResponse struct {
	Status  string     `json:"status"`
	SkillID string     `json:"skill_id"`
	Message string     `json:"message,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// OrchestrateRequest is the POST /skill/orchestrate payload.
type OrchestrateRequest struct {
	WorkflowID   string              `json:"workflow_id"`
	Nodes        []orchestrator.Node `json:"nodes"`
	Edges        []orchestrator.Edge `json:"edges,omitempty"`
	GlobalInputs map[string]any      `json:"global_inputs,omitempty"`
	Timeout      int                 `json:"timeout,omitempty"`
}

// NodeOutcome is the per-node slice of an orchestration response.
type NodeOutcome struct {
	SkillID     string          `json:"skill_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	State       string          `json:"state"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *ErrorBody      `json:"error,omitempty"`
}

// OrchestrateResponse reports the workflow outcome. On failure, Results
// still carries the nodes completed before the stop.
type OrchestrateResponse struct {
	Status        string                 `json:"status"`
	ExecutionID   string                 `json:"execution_id,omitempty"`
	WorkflowID    string                 `json:"workflow_id,omitempty"`
	Results       map[string]NodeOutcome `json:"results,omitempty"`
	FailedNode    string                 `json:"failed_node,omitempty"`
	ExecutionTime float64                `json:"execution_time,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Error         *ErrorBody             `json:"error,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status       string            `json:"status"` // "healthy", "degraded"
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
	Timestamp    time.Time         `json:"timestamp"`
}
