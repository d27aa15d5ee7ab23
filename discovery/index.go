// Package discovery provides paginated search over skill metadata.
package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/Liozhang/wishub-skill/skill"
)

// Sort keys accepted by Search.
const (
	SortName       = "name"       // lexicographic ascending
	SortDate       = "date"       // created_at descending
	SortPopularity = "popularity" // descending
)

// Pagination bounds.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Query narrows and pages a search.
type Query struct {
	Q        string
	Category string
	Language string
	Author   string
	Sort     string
	Page     int
	PageSize int
}

// normalize clamps paging to the documented bounds.
func (q *Query) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if q.Sort == "" {
		q.Sort = SortName
	}
}

// Result is one page of matching skills.
type Result struct {
	Skills     []*skill.Skill
	Total      int
	TotalPages int
}

// Index is the discovery collaborator. The registry feeds it through the
// skill.Publisher side; Search serves read traffic.
type Index interface {
	skill.Publisher
	Search(ctx context.Context, q Query) (*Result, error)
}

// MemoryIndex is the in-process index: one entry per skill id, holding the
// latest-registered version's metadata. Updates from the registry are
// visible to Search immediately.
type MemoryIndex struct {
	mu     sync.RWMutex
	byID   map[string]*skill.Skill
	logger *zap.Logger
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex(logger *zap.Logger) *MemoryIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryIndex{
		byID:   make(map[string]*skill.Skill),
		logger: logger.With(zap.String("component", "discovery")),
	}
}

// Upsert projects one skill into the index, keeping the newest version.
func (m *MemoryIndex) Upsert(s *skill.Skill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[s.SkillID]; ok {
		if skill.CompareVersions(s.Version, cur.Version) < 0 {
			return
		}
	}
	cp := *s
	cp.Code = nil
	m.byID[s.SkillID] = &cp
}

// Remove drops a skill from the index.
func (m *MemoryIndex) Remove(skillID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, skillID)
}

// Search filters, sorts, and pages the indexed metadata.
func (m *MemoryIndex) Search(ctx context.Context, q Query) (*Result, error) {
	q.normalize()

	m.mu.RLock()
	candidates := make([]*skill.Skill, 0, len(m.byID))
	for _, s := range m.byID {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	return page(filterAndSort(candidates, q), q), nil
}

// StoreIndex serves discovery by linear scan over the metadata store; the
// downgrade path when no search backend is configured.
type StoreIndex struct {
	meta   skill.MetadataStore
	logger *zap.Logger
}

// NewStoreIndex creates a StoreIndex over the metadata store.
func NewStoreIndex(meta skill.MetadataStore, logger *zap.Logger) *StoreIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreIndex{
		meta:   meta,
		logger: logger.With(zap.String("component", "discovery")),
	}
}

// Upsert is a no-op: the store is already current.
func (s *StoreIndex) Upsert(*skill.Skill) {}

// Remove is a no-op: the store is already current.
func (s *StoreIndex) Remove(string) {}

// Search scans the metadata store and applies filters in process.
func (s *StoreIndex) Search(ctx context.Context, q Query) (*Result, error) {
	q.normalize()
	skills, _, err := s.meta.ListSkills(ctx, skill.ListFilter{})
	if err != nil {
		return nil, err
	}
	return page(filterAndSort(skills, q), q), nil
}

func filterAndSort(candidates []*skill.Skill, q Query) []*skill.Skill {
	matched := make([]*skill.Skill, 0, len(candidates))
	for _, s := range candidates {
		if q.Category != "" && s.Category != q.Category {
			continue
		}
		if q.Language != "" && string(s.Language) != q.Language {
			continue
		}
		if q.Author != "" && s.Author != q.Author {
			continue
		}
		if q.Q != "" && !matchesTokens(s, q.Q) {
			continue
		}
		matched = append(matched, s)
	}

	switch q.Sort {
	case SortDate:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		})
	case SortPopularity:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].Stats.Popularity > matched[j].Stats.Popularity
		})
	default:
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].SkillName < matched[j].SkillName
		})
	}
	return matched
}

// matchesTokens reports whether every query token appears in the skill's
// id, name, or description.
func matchesTokens(s *skill.Skill, query string) bool {
	haystack := strings.ToLower(s.SkillID + " " + s.SkillName + " " + s.Description)
	for _, token := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(haystack, token) {
			return false
		}
	}
	return true
}

func page(matched []*skill.Skill, q Query) *Result {
	total := len(matched)
	totalPages := (total + q.PageSize - 1) / q.PageSize
	startIdx := (q.Page - 1) * q.PageSize
	if startIdx >= total {
		return &Result{Skills: []*skill.Skill{}, Total: total, TotalPages: totalPages}
	}
	end := startIdx + q.PageSize
	if end > total {
		end = total
	}
	return &Result{Skills: matched[startIdx:end], Total: total, TotalPages: totalPages}
}
