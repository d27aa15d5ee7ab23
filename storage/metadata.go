// Package storage implements the persistence collaborators: the relational
// metadata store, the code blob stores, and the redis execution cache.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Liozhang/wishub-skill/skill"
)

// skillRow is the relational shape of one skill version.
type skillRow struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	SkillID        string `gorm:"size:255;uniqueIndex:idx_skill_version;index"`
	Version        string `gorm:"size:64;uniqueIndex:idx_skill_version"`
	SkillName      string `gorm:"size:255;index"`
	Description    string
	Language       string `gorm:"size:32;index"`
	CodeKey        string `gorm:"size:512"`
	TimeoutSeconds int
	Dependencies   string
	InputSchema    string
	OutputSchema   string
	Author         string `gorm:"size:255;index"`
	License        string `gorm:"size:64"`
	Category       string `gorm:"size:128;index"`
	TotalCalls     int64
	SuccessCalls   int64
	Popularity     int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (skillRow) TableName() string { return "skills" }

// GormStore is the gorm-backed MetadataStore.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormStore wraps an open gorm connection and migrates the schema.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&skillRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate skills table: %w", err)
	}
	return &GormStore{
		db:     db,
		logger: logger.With(zap.String("component", "metadata_store")),
	}, nil
}

// PutSkill inserts one skill version. The unique (skill_id, version) index
// makes the write write-once.
func (g *GormStore) PutSkill(ctx context.Context, s *skill.Skill) error {
	row, err := toRow(s)
	if err != nil {
		return err
	}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return skill.ErrAlreadyExists
	}
	return nil
}

// GetSkill loads one exact (skill_id, version) row.
func (g *GormStore) GetSkill(ctx context.Context, skillID, version string) (*skill.Skill, error) {
	var row skillRow
	err := g.db.WithContext(ctx).
		Where("skill_id = ? AND version = ?", skillID, version).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, skill.ErrNotFound
		}
		return nil, err
	}
	return fromRow(&row)
}

// GetLatest loads the highest semantic version of a skill. Ordering is
// resolved in Go since lexicographic ordering misreads versions like
// 0.10.0 vs 0.9.0.
func (g *GormStore) GetLatest(ctx context.Context, skillID string) (*skill.Skill, error) {
	versions, err := g.ListVersions(ctx, skillID)
	if err != nil {
		return nil, err
	}
	latest := versions[0]
	for _, v := range versions[1:] {
		if skill.CompareVersions(v.Version, latest.Version) > 0 {
			latest = v
		}
	}
	return latest, nil
}

// ListVersions returns every version of a skill, unordered.
func (g *GormStore) ListVersions(ctx context.Context, skillID string) ([]*skill.Skill, error) {
	var rows []skillRow
	if err := g.db.WithContext(ctx).Where("skill_id = ?", skillID).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, skill.ErrNotFound
	}
	out := make([]*skill.Skill, 0, len(rows))
	for i := range rows {
		s, err := fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// DeleteSkill removes every version. Absent rows are not an error.
func (g *GormStore) DeleteSkill(ctx context.Context, skillID string) error {
	return g.db.WithContext(ctx).Where("skill_id = ?", skillID).Delete(&skillRow{}).Error
}

// ListSkills pages the newest version of each skill id matching the
// filter.
func (g *GormStore) ListSkills(ctx context.Context, filter skill.ListFilter) ([]*skill.Skill, int64, error) {
	var rows []skillRow
	if err := g.scopeFilter(ctx, filter).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	// Collapse to the newest version per skill id.
	newest := make(map[string]*skillRow, len(rows))
	for i := range rows {
		row := &rows[i]
		if cur, ok := newest[row.SkillID]; !ok || skill.CompareVersions(row.Version, cur.Version) > 0 {
			newest[row.SkillID] = row
		}
	}

	out := make([]*skill.Skill, 0, len(newest))
	for _, row := range newest {
		s, err := fromRow(row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	// Deterministic order so Offset/Limit paging is stable.
	sort.Slice(out, func(i, j int) bool { return out[i].SkillID < out[j].SkillID })
	total := int64(len(out))

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			out = nil
		} else {
			out = out[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, total, nil
}

func (g *GormStore) scopeFilter(ctx context.Context, filter skill.ListFilter) *gorm.DB {
	q := g.db.WithContext(ctx).Model(&skillRow{})
	if filter.Category != "" {
		q = q.Where("category = ?", filter.Category)
	}
	if filter.Language != "" {
		q = q.Where("language = ?", string(filter.Language))
	}
	if filter.Author != "" {
		q = q.Where("author = ?", filter.Author)
	}
	return q
}

// IncrStats atomically folds one terminal invocation into the counters of
// every version row of the skill.
func (g *GormStore) IncrStats(ctx context.Context, skillID string, success bool) error {
	updates := map[string]any{
		"total_calls": gorm.Expr("total_calls + 1"),
		"popularity":  gorm.Expr("popularity + 1"),
		"updated_at":  time.Now().UTC(),
	}
	if success {
		updates["success_calls"] = gorm.Expr("success_calls + 1")
	}
	return g.db.WithContext(ctx).Model(&skillRow{}).
		Where("skill_id = ?", skillID).
		Updates(updates).Error
}

// Ping checks database connectivity.
func (g *GormStore) Ping(ctx context.Context) error {
	db, err := g.db.DB()
	if err != nil {
		return err
	}
	return db.PingContext(ctx)
}

func toRow(s *skill.Skill) (*skillRow, error) {
	deps := ""
	if len(s.Dependencies) > 0 {
		b, err := json.Marshal(s.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("failed to encode dependencies: %w", err)
		}
		deps = string(b)
	}
	return &skillRow{
		SkillID:        s.SkillID,
		Version:        s.Version,
		SkillName:      s.SkillName,
		Description:    s.Description,
		Language:       string(s.Language),
		CodeKey:        s.CodeKey,
		TimeoutSeconds: s.TimeoutSeconds,
		Dependencies:   deps,
		InputSchema:    string(s.InputSchema),
		OutputSchema:   string(s.OutputSchema),
		Author:         s.Author,
		License:        s.License,
		Category:       s.Category,
		TotalCalls:     s.Stats.TotalCalls,
		SuccessCalls:   s.Stats.SuccessCalls,
		Popularity:     s.Stats.Popularity,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}, nil
}

func fromRow(row *skillRow) (*skill.Skill, error) {
	var deps []string
	if strings.TrimSpace(row.Dependencies) != "" {
		if err := json.Unmarshal([]byte(row.Dependencies), &deps); err != nil {
			return nil, fmt.Errorf("corrupt dependencies for %s@%s: %w", row.SkillID, row.Version, err)
		}
	}
	s := &skill.Skill{
		SkillID:        row.SkillID,
		SkillName:      row.SkillName,
		Description:    row.Description,
		Version:        row.Version,
		Language:       skill.Language(row.Language),
		CodeKey:        row.CodeKey,
		TimeoutSeconds: row.TimeoutSeconds,
		Dependencies:   deps,
		Author:         row.Author,
		License:        row.License,
		Category:       row.Category,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
		Stats: skill.UsageStats{
			TotalCalls:   row.TotalCalls,
			SuccessCalls: row.SuccessCalls,
			Popularity:   row.Popularity,
		},
	}
	if row.InputSchema != "" {
		s.InputSchema = json.RawMessage(row.InputSchema)
	}
	if row.OutputSchema != "" {
		s.OutputSchema = json.RawMessage(row.OutputSchema)
	}
	return s, nil
}
