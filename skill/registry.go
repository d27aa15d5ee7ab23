package skill

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/schema"
	"github.com/Liozhang/wishub-skill/types"
)

// Store sentinel errors. Implementations translate their backend errors to
// these; the registry maps them to wire codes.
var (
	ErrNotFound      = errors.New("skill not found")
	ErrAlreadyExists = errors.New("skill version already exists")
)

// MetadataStore is the relational collaborator holding skill metadata.
// PutSkill is write-once per (skill_id, version).
type MetadataStore interface {
	PutSkill(ctx context.Context, s *Skill) error
	GetSkill(ctx context.Context, skillID, version string) (*Skill, error)
	GetLatest(ctx context.Context, skillID string) (*Skill, error)
	ListVersions(ctx context.Context, skillID string) ([]*Skill, error)
	DeleteSkill(ctx context.Context, skillID string) error
	ListSkills(ctx context.Context, filter ListFilter) ([]*Skill, int64, error)
	IncrStats(ctx context.Context, skillID string, success bool) error
}

// BlobStore is the object-store collaborator holding code artifacts.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Publisher receives registry change notifications for discovery indexing.
type Publisher interface {
	Upsert(s *Skill)
	Remove(skillID string)
}

// ListFilter narrows and pages ListSkills.
type ListFilter struct {
	Category string
	Language Language
	Author   string
	Offset   int
	Limit    int
}

// RegisterRequest carries a decoded registration payload. Code arrives
// base64-encoded per the wire contract.
type RegisterRequest struct {
	SkillID        string          `json:"skill_id"`
	SkillName      string          `json:"skill_name"`
	Description    string          `json:"description"`
	Version        string          `json:"version"`
	Language       Language        `json:"language"`
	CodeBase64     string          `json:"code"`
	TimeoutSeconds int             `json:"timeout"`
	Dependencies   []string        `json:"dependencies"`
	InputSchema    json.RawMessage `json:"input_schema"`
	OutputSchema   json.RawMessage `json:"output_schema"`
	Author         string          `json:"author"`
	License        string          `json:"license"`
	Category       string          `json:"category"`
}

// Registry is the validated, immutable-per-version skill store (metadata,
// blobs, and the discovery feed).
type Registry struct {
	meta   MetadataStore
	blobs  BlobStore
	index  Publisher
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a Registry. index may be nil when discovery runs in
// store-scan mode.
func NewRegistry(meta MetadataStore, blobs BlobStore, index Publisher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		meta:   meta,
		blobs:  blobs,
		index:  index,
		logger: logger.With(zap.String("component", "registry")),
		now:    time.Now,
	}
}

// Register validates and persists one new skill version. Blob and
// metadata are written together; a metadata failure rolls the blob back.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*Skill, error) {
	code, err := r.validate(&req)
	if err != nil {
		return nil, err
	}
	if _, err := r.meta.GetSkill(ctx, req.SkillID, req.Version); err == nil {
		return nil, types.NewError(types.ErrDuplicateSkill,
			fmt.Sprintf("skill %s version %s is already registered", req.SkillID, req.Version))
	}

	now := r.now().UTC()
	s := &Skill{
		SkillID:        req.SkillID,
		SkillName:      req.SkillName,
		Description:    req.Description,
		Version:        req.Version,
		Language:       req.Language,
		Code:           code,
		CodeKey:        BlobKey(req.SkillID, req.Version),
		TimeoutSeconds: req.TimeoutSeconds,
		Dependencies:   req.Dependencies,
		InputSchema:    req.InputSchema,
		OutputSchema:   req.OutputSchema,
		Author:         req.Author,
		License:        req.License,
		Category:       req.Category,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.blobs.Put(ctx, s.CodeKey, code); err != nil {
		return nil, types.NewError(types.ErrRegistryInternal, "failed to store code blob").WithCause(err)
	}

	if err := r.meta.PutSkill(ctx, s); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil, types.NewError(types.ErrDuplicateSkill,
				fmt.Sprintf("skill %s version %s is already registered", s.SkillID, s.Version))
		}
		r.blobs.Delete(ctx, s.CodeKey)
		return nil, types.NewError(types.ErrRegistryInternal, "failed to store skill metadata").WithCause(err)
	}

	if r.index != nil {
		r.index.Upsert(s)
	}

	r.logger.Info("skill registered",
		zap.String("skill_id", s.SkillID),
		zap.String("version", s.Version),
		zap.String("language", string(s.Language)),
		zap.Int("code_bytes", len(code)))

	return s, nil
}

// validate applies the registration ladder and returns the decoded code.
func (r *Registry) validate(req *RegisterRequest) ([]byte, error) {
	if req.SkillID == "" || req.SkillName == "" || req.Version == "" || req.Language == "" || req.CodeBase64 == "" {
		return nil, types.NewError(types.ErrValidationFailed,
			"skill_id, skill_name, version, language and code are required")
	}
	if !SupportedLanguage(req.Language) {
		return nil, types.NewError(types.ErrValidationFailed,
			fmt.Sprintf("unsupported language %q", req.Language))
	}
	if _, err := ParseVersion(req.Version); err != nil {
		return nil, types.NewError(types.ErrValidationFailed,
			fmt.Sprintf("version %q is not a semantic version", req.Version)).WithCause(err)
	}

	code, err := base64.StdEncoding.DecodeString(req.CodeBase64)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCode, "code is not valid base64").WithCause(err)
	}
	if len(code) == 0 {
		return nil, types.NewError(types.ErrInvalidCode, "code is empty after decoding")
	}

	if _, err := schema.Compile(req.InputSchema); err != nil {
		return nil, types.NewError(types.ErrValidationFailed, "input_schema is not a valid JSON schema").WithCause(err)
	}
	if _, err := schema.Compile(req.OutputSchema); err != nil {
		return nil, types.NewError(types.ErrValidationFailed, "output_schema is not a valid JSON schema").WithCause(err)
	}

	if req.TimeoutSeconds == 0 {
		req.TimeoutSeconds = 30
	}
	if req.TimeoutSeconds < MinTimeoutSeconds || req.TimeoutSeconds > MaxTimeoutSeconds {
		return nil, types.NewError(types.ErrValidationFailed,
			fmt.Sprintf("timeout must be between %d and %d seconds", MinTimeoutSeconds, MaxTimeoutSeconds))
	}

	return code, nil
}

// Get returns one skill version, or the latest by semantic-version order
// when version is empty. The code blob is loaded alongside metadata.
func (r *Registry) Get(ctx context.Context, skillID, version string) (*Skill, error) {
	var (
		s   *Skill
		err error
	)
	if version == "" {
		s, err = r.meta.GetLatest(ctx, skillID)
	} else {
		s, err = r.meta.GetSkill(ctx, skillID, version)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.NewError(types.ErrSkillNotFound, fmt.Sprintf("skill %s not found", skillID))
		}
		return nil, types.NewError(types.ErrRegistryInternal, "failed to load skill").WithCause(err)
	}

	code, err := r.blobs.Get(ctx, s.CodeKey)
	if err != nil {
		return nil, types.NewError(types.ErrRegistryInternal, "failed to load code blob").WithCause(err)
	}
	s.Code = code
	return s, nil
}

// GetMeta returns skill metadata without touching the blob store.
func (r *Registry) GetMeta(ctx context.Context, skillID, version string) (*Skill, error) {
	var (
		s   *Skill
		err error
	)
	if version == "" {
		s, err = r.meta.GetLatest(ctx, skillID)
	} else {
		s, err = r.meta.GetSkill(ctx, skillID, version)
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, types.NewError(types.ErrSkillNotFound, fmt.Sprintf("skill %s not found", skillID))
		}
		return nil, types.NewError(types.ErrRegistryInternal, "failed to load skill").WithCause(err)
	}
	return s, nil
}

// Delete removes every version of a skill. Deleting an absent skill is a
// success; in-flight executions keep their already-loaded blobs.
func (r *Registry) Delete(ctx context.Context, skillID string) error {
	versions, err := r.meta.ListVersions(ctx, skillID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return types.NewError(types.ErrRegistryInternal, "failed to enumerate versions").WithCause(err)
	}

	for _, v := range versions {
		if err := r.blobs.Delete(ctx, v.CodeKey); err != nil {
			r.logger.Warn("failed to delete code blob",
				zap.String("key", v.CodeKey), zap.Error(err))
		}
	}

	if err := r.meta.DeleteSkill(ctx, skillID); err != nil && !errors.Is(err, ErrNotFound) {
		return types.NewError(types.ErrRegistryInternal, "failed to delete skill metadata").WithCause(err)
	}

	if r.index != nil {
		r.index.Remove(skillID)
	}

	r.logger.Info("skill deleted",
		zap.String("skill_id", skillID),
		zap.Int("versions", len(versions)))
	return nil
}

// List pages skill metadata, newest versions only per skill id.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]*Skill, int64, error) {
	skills, total, err := r.meta.ListSkills(ctx, filter)
	if err != nil {
		return nil, 0, types.NewError(types.ErrRegistryInternal, "failed to list skills").WithCause(err)
	}
	return skills, total, nil
}

// RecordInvocation folds one terminal invocation into the usage counters
// and refreshes the discovery projection.
func (r *Registry) RecordInvocation(ctx context.Context, skillID string, success bool) {
	if err := r.meta.IncrStats(ctx, skillID, success); err != nil {
		r.logger.Warn("failed to update usage stats",
			zap.String("skill_id", skillID), zap.Error(err))
		return
	}
	if r.index != nil {
		if s, err := r.meta.GetLatest(ctx, skillID); err == nil {
			r.index.Upsert(s)
		}
	}
}
