package skill_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Liozhang/wishub-skill/discovery"
	"github.com/Liozhang/wishub-skill/skill"
	"github.com/Liozhang/wishub-skill/storage"
	"github.com/Liozhang/wishub-skill/types"
)

const squareSource = `def execute(inputs):
    return {"result": inputs["value"] ** 2}
`

func setupRegistry(t *testing.T) (*skill.Registry, *discovery.MemoryIndex) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	meta, err := storage.NewGormStore(db, nil)
	require.NoError(t, err)

	index := discovery.NewMemoryIndex(nil)
	return skill.NewRegistry(meta, storage.NewMemoryBlobStore(), index, nil), index
}

func validRequest() skill.RegisterRequest {
	return skill.RegisterRequest{
		SkillID:        "skill_square",
		SkillName:      "Square",
		Description:    "squares a number",
		Version:        "1.0.0",
		Language:       skill.LangPython,
		CodeBase64:     base64.StdEncoding.EncodeToString([]byte(squareSource)),
		TimeoutSeconds: 30,
		InputSchema:    json.RawMessage(`{"type":"object","required":["value"]}`),
		OutputSchema:   json.RawMessage(`{"type":"object","required":["result"]}`),
		Author:         "ada",
		Category:       "math",
	}
}

func errCode(t *testing.T, err error) types.ErrorCode {
	t.Helper()
	require.Error(t, err)
	return types.AsError(err, types.ErrRegistryInternal).Code
}

func TestRegister_RoundtripAndGet(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	registered, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)
	assert.False(t, registered.CreatedAt.IsZero())

	got, err := reg.Get(ctx, "skill_square", "1.0.0")
	require.NoError(t, err)

	req := validRequest()
	assert.Equal(t, req.SkillID, got.SkillID)
	assert.Equal(t, req.SkillName, got.SkillName)
	assert.Equal(t, req.Version, got.Version)
	assert.Equal(t, req.Language, got.Language)
	assert.Equal(t, []byte(squareSource), got.Code)
	assert.JSONEq(t, string(req.InputSchema), string(got.InputSchema))
	assert.JSONEq(t, string(req.OutputSchema), string(got.OutputSchema))
	assert.Equal(t, req.Author, got.Author)
	assert.Equal(t, req.Category, got.Category)
}

func TestRegister_DuplicateIdentity(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	// Identical identity with different content still collides.
	dup := validRequest()
	dup.CodeBase64 = base64.StdEncoding.EncodeToString([]byte("def execute(i): return {}"))
	_, err = reg.Register(ctx, dup)
	assert.Equal(t, types.ErrDuplicateSkill, errCode(t, err))

	// A new version registers cleanly.
	next := validRequest()
	next.Version = "1.0.1"
	_, err = reg.Register(ctx, next)
	assert.NoError(t, err)
}

func TestRegister_ValidationLadder(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	t.Run("missing required fields", func(t *testing.T) {
		req := validRequest()
		req.SkillName = ""
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))
	})

	t.Run("unsupported language", func(t *testing.T) {
		req := validRequest()
		req.Language = "cobol"
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))
	})

	t.Run("bad semver", func(t *testing.T) {
		req := validRequest()
		req.Version = "one-point-oh"
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))
	})

	t.Run("bad base64", func(t *testing.T) {
		req := validRequest()
		req.CodeBase64 = "!!!not-base64!!!"
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrInvalidCode, errCode(t, err))
	})

	t.Run("empty code", func(t *testing.T) {
		req := validRequest()
		req.CodeBase64 = base64.StdEncoding.EncodeToString(nil)
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))
	})

	t.Run("malformed input schema", func(t *testing.T) {
		req := validRequest()
		req.InputSchema = json.RawMessage(`[1,2,3]`)
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))
	})

	t.Run("timeout out of range", func(t *testing.T) {
		req := validRequest()
		req.TimeoutSeconds = 601
		_, err := reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))

		req.TimeoutSeconds = -1
		_, err = reg.Register(ctx, req)
		assert.Equal(t, types.ErrValidationFailed, errCode(t, err))
	})

	t.Run("prerelease version accepted", func(t *testing.T) {
		req := validRequest()
		req.SkillID = "skill_pre"
		req.Version = "1.0.0-beta.1"
		_, err := reg.Register(ctx, req)
		assert.NoError(t, err)
	})
}

func TestGet_LatestVersion(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	for _, v := range []string{"1.0.0", "1.2.0", "1.10.0"} {
		req := validRequest()
		req.Version = v
		_, err := reg.Register(ctx, req)
		require.NoError(t, err)
	}

	latest, err := reg.Get(ctx, "skill_square", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)
}

func TestGet_NotFound(t *testing.T) {
	reg, _ := setupRegistry(t)

	_, err := reg.Get(context.Background(), "skill_foo", "")
	assert.Equal(t, types.ErrSkillNotFound, errCode(t, err))
}

func TestDelete_IdempotentAndInvisible(t *testing.T) {
	reg, index := setupRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, "skill_square"))

	// Invocable no more.
	_, err = reg.Get(ctx, "skill_square", "")
	assert.Equal(t, types.ErrSkillNotFound, errCode(t, err))

	// Undiscoverable.
	res, err := index.Search(ctx, discovery.Query{Q: "square"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)

	// Second delete, and deleting the never-registered, both succeed.
	assert.NoError(t, reg.Delete(ctx, "skill_square"))
	assert.NoError(t, reg.Delete(ctx, "skill_never_existed"))
}

func TestRegister_PublishesToDiscovery(t *testing.T) {
	reg, index := setupRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	res, err := index.Search(ctx, discovery.Query{Q: "square"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "skill_square", res.Skills[0].SkillID)
}

func TestRecordInvocation_UpdatesStats(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, validRequest())
	require.NoError(t, err)

	reg.RecordInvocation(ctx, "skill_square", true)
	reg.RecordInvocation(ctx, "skill_square", false)

	s, err := reg.GetMeta(ctx, "skill_square", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Stats.TotalCalls)
	assert.Equal(t, int64(1), s.Stats.SuccessCalls)
}

func TestCompareVersions(t *testing.T) {
	assert.Positive(t, skill.CompareVersions("1.10.0", "1.9.0"))
	assert.Negative(t, skill.CompareVersions("1.0.0-alpha", "1.0.0"))
	assert.Zero(t, skill.CompareVersions("2.0.0", "2.0.0"))
}
