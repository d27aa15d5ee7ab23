// Package skill defines the skill model and the validated, versioned
// registry over the metadata and blob stores.
package skill

import (
	"encoding/json"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Language is a sandbox-supported source language. The set mirrors what
// the sandbox can actually run.
type Language string

const (
	LangPython     Language = "python"
	LangTypeScript Language = "typescript"
	LangGo         Language = "go"
)

// SupportedLanguage reports whether lang is registerable.
func SupportedLanguage(lang Language) bool {
	switch lang {
	case LangPython, LangTypeScript, LangGo:
		return true
	}
	return false
}

// Timeout bounds for a registered skill, in seconds.
const (
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 600
)

// Skill is one immutable version of a registered code artifact. Identity
// is the (SkillID, Version) pair; everything except usage statistics is
// frozen at registration.
type Skill struct {
	SkillID     string   `json:"skill_id"`
	SkillName   string   `json:"skill_name"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version"`
	Language    Language `json:"language"`

	// Code is the decoded artifact. It is loaded on demand from the blob
	// store and never serialized with metadata.
	Code    []byte `json:"-"`
	CodeKey string `json:"-"`

	TimeoutSeconds int      `json:"timeout"`
	Dependencies   []string `json:"dependencies,omitempty"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`

	Author   string `json:"author,omitempty"`
	License  string `json:"license,omitempty"`
	Category string `json:"category,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Stats UsageStats `json:"stats"`
}

// UsageStats accumulates per-skill invocation counters. Updated only after
// a terminal invocation.
type UsageStats struct {
	TotalCalls   int64 `json:"total_calls"`
	SuccessCalls int64 `json:"success_calls"`
	Popularity   int64 `json:"popularity"`
}

// SuccessRate returns the completed fraction of all calls, 0 when unused.
func (s UsageStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessCalls) / float64(s.TotalCalls)
}

// ParseVersion parses a semantic version string.
func ParseVersion(v string) (*semver.Version, error) {
	return semver.StrictNewVersion(v)
}

// CompareVersions orders two already-validated semantic versions.
// Invalid versions sort first.
func CompareVersions(a, b string) int {
	va, errA := semver.StrictNewVersion(a)
	vb, errB := semver.StrictNewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return 0
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// BlobKey is the object-store key for a skill version's code.
func BlobKey(skillID, version string) string {
	return "skills/" + skillID + "/" + version
}
