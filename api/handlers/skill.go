package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/api"
	"github.com/Liozhang/wishub-skill/discovery"
	"github.com/Liozhang/wishub-skill/skill"
	"github.com/Liozhang/wishub-skill/types"
)

// SkillHandler serves registration, detail, delete, and discovery.
type SkillHandler struct {
	registry *skill.Registry
	index    discovery.Index
	logger   *zap.Logger
}

// NewSkillHandler creates a SkillHandler.
func NewSkillHandler(registry *skill.Registry, index discovery.Index, logger *zap.Logger) *SkillHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SkillHandler{
		registry: registry,
		index:    index,
		logger:   logger.With(zap.String("handler", "skill")),
	}
}

// HandleRegister serves POST /skill/register.
func (h *SkillHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if !DecodeJSONBody(w, r, &req, h.logger) {
		return
	}

	s, err := h.registry.Register(r.Context(), skill.RegisterRequest{
		SkillID:        req.SkillID,
		SkillName:      req.SkillName,
		Description:    req.Description,
		Version:        req.Version,
		Language:       skill.Language(req.Language),
		CodeBase64:     req.Code,
		TimeoutSeconds: req.Timeout,
		Dependencies:   req.Dependencies,
		InputSchema:    req.InputSchema,
		OutputSchema:   req.OutputSchema,
		Author:         req.Author,
		License:        req.License,
		Category:       req.Category,
	})
	if err != nil {
		e := types.AsError(err, types.ErrRegistryInternal)
		h.logger.Warn("registration rejected",
			zap.String("skill_id", req.SkillID),
			zap.String("code", string(e.Code)),
			zap.Error(e.Cause))
		WriteJSON(w, types.StatusOf(e), api.RegisterResponse{
			Status:  api.StatusError,
			Message: e.Message,
			Error:   ErrorBodyOf(e),
		})
		return
	}

	WriteJSON(w, http.StatusOK, api.RegisterResponse{
		Status:           api.StatusSuccess,
		SkillID:          s.SkillID,
		Version:          s.Version,
		RegistrationTime: s.CreatedAt.Format(time.RFC3339),
		Message:          "skill registered",
	})
}

// HandleDetail serves GET /skill/{skill_id}. The optional ?version query
// selects an exact version; the latest is returned otherwise.
func (h *SkillHandler) HandleDetail(w http.ResponseWriter, r *http.Request) {
	skillID := r.PathValue("skill_id")
	version := r.URL.Query().Get("version")

	s, err := h.registry.GetMeta(r.Context(), skillID, version)
	if err != nil {
		e := types.AsError(err, types.ErrRegistryInternal)
		WriteJSON(w, types.StatusOf(e), api.DetailResponse{
			Status:  api.StatusError,
			Message: e.Message,
			Error:   ErrorBodyOf(e),
		})
		return
	}

	WriteJSON(w, http.StatusOK, api.DetailResponse{
		Status: api.StatusSuccess,
		Skill:  api.NewSkillDetail(s),
	})
}

// HandleDelete serves DELETE /skill/{skill_id}. Deleting an absent skill
// succeeds; only an actual backend failure is an error.
func (h *SkillHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	skillID := r.PathValue("skill_id")

	if err := h.registry.Delete(r.Context(), skillID); err != nil {
		e := types.AsError(err, types.ErrRegistryInternal)
		WriteJSON(w, types.StatusOf(e), api.DeleteResponse{
			Status:  api.StatusError,
			SkillID: skillID,
			Message: e.Message,
			Error:   ErrorBodyOf(e),
		})
		return
	}

	WriteJSON(w, http.StatusOK, api.DeleteResponse{
		Status:  api.StatusSuccess,
		SkillID: skillID,
		Message: "skill deleted",
	})
}

// HandleDiscovery serves GET /skill/discovery with query params
// q, category, language, author, page, page_size, sort.
func (h *SkillHandler) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := discovery.Query{
		Q:        params.Get("q"),
		Category: params.Get("category"),
		Language: params.Get("language"),
		Author:   params.Get("author"),
		Sort:     params.Get("sort"),
	}
	q.Page, _ = strconv.Atoi(params.Get("page"))
	q.PageSize, _ = strconv.Atoi(params.Get("page_size"))

	switch q.Sort {
	case "", discovery.SortName, discovery.SortDate, discovery.SortPopularity:
	default:
		e := types.NewError(types.ErrValidationFailed,
			"sort must be one of: name, date, popularity")
		WriteJSON(w, types.StatusOf(e), api.DiscoveryResponse{
			Status:  api.StatusError,
			Message: e.Message,
			Error:   ErrorBodyOf(e),
		})
		return
	}

	res, err := h.index.Search(r.Context(), q)
	if err != nil {
		e := types.AsError(err, types.ErrRegistryInternal)
		h.logger.Error("discovery search failed", zap.Error(err))
		WriteJSON(w, types.StatusOf(e), api.DiscoveryResponse{
			Status:  api.StatusError,
			Message: "search failed",
			Error:   ErrorBodyOf(e),
		})
		return
	}

	infos := make([]api.SkillInfo, 0, len(res.Skills))
	for _, s := range res.Skills {
		infos = append(infos, api.NewSkillInfo(s))
	}

	page, _ := strconv.Atoi(params.Get("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(params.Get("page_size"))
	if pageSize < 1 {
		pageSize = discovery.DefaultPageSize
	}
	if pageSize > discovery.MaxPageSize {
		pageSize = discovery.MaxPageSize
	}

	WriteJSON(w, http.StatusOK, api.DiscoveryResponse{
		Status:     api.StatusSuccess,
		Skills:     infos,
		Total:      res.Total,
		TotalPages: res.TotalPages,
		Page:       page,
		PageSize:   pageSize,
	})
}
