package orchestrator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawResults(pairs map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(pairs))
	for k, v := range pairs {
		out[k] = json.RawMessage(v)
	}
	return out
}

func decode(t *testing.T, raw json.RawMessage) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestCollectRefs(t *testing.T) {
	refs := collectRefs(map[string]any{
		"a": "${node1.result}",
		"b": []any{"${node2}", "plain"},
		"c": map[string]any{"d": "prefix ${node3.x.y} suffix"},
	})
	require.Len(t, refs, 3)

	nodes := make(map[string]bool)
	for _, r := range refs {
		nodes[r.Node] = true
	}
	assert.True(t, nodes["node1"] && nodes["node2"] && nodes["node3"])
}

func TestResolveInputs_StructuralSubstitution(t *testing.T) {
	results := rawResults(map[string]string{
		"node1": `{"result": 25, "items": [1, 2], "nested": {"deep": true}}`,
	})

	out, err := resolveInputs(map[string]any{
		"a":     "${node1.result}",
		"whole": "${node1}",
		"list":  "${node1.items}",
		"deep":  "${node1.nested.deep}",
	}, results, nil)
	require.NoError(t, err)

	resolved := decode(t, out)
	assert.Equal(t, float64(25), resolved["a"])
	assert.Equal(t, []any{float64(1), float64(2)}, resolved["list"])
	assert.Equal(t, true, resolved["deep"])
	assert.Equal(t, float64(25), resolved["whole"].(map[string]any)["result"])
}

func TestResolveInputs_TextualSubstitution(t *testing.T) {
	results := rawResults(map[string]string{
		"n": `{"count": 3, "name": "alpha", "obj": {"k": "v"}}`,
	})

	out, err := resolveInputs(map[string]any{
		"msg":  "found ${n.count} items in ${n.name}",
		"json": "payload=${n.obj}",
	}, results, nil)
	require.NoError(t, err)

	resolved := decode(t, out)
	assert.Equal(t, "found 3 items in alpha", resolved["msg"])
	assert.Equal(t, `payload={"k":"v"}`, resolved["json"])
}

func TestResolveInputs_GlobalInputs(t *testing.T) {
	out, err := resolveInputs(map[string]any{
		"user": "${global.user}",
		"all":  "${global}",
	}, nil, map[string]any{"user": "ada"})
	require.NoError(t, err)

	resolved := decode(t, out)
	assert.Equal(t, "ada", resolved["user"])
	assert.Equal(t, "ada", resolved["all"].(map[string]any)["user"])
}

func TestResolveInputs_MissingField(t *testing.T) {
	results := rawResults(map[string]string{"n": `{"present": 1}`})

	_, err := resolveInputs(map[string]any{"x": "${n.absent}"}, results, nil)
	require.Error(t, err)

	var refErr *referenceError
	require.ErrorAs(t, err, &refErr)
	assert.Contains(t, refErr.Error(), "reference_missing")
}

func TestResolveInputs_MissingNode(t *testing.T) {
	_, err := resolveInputs(map[string]any{"x": "${ghost.result}"}, nil, nil)
	var refErr *referenceError
	require.ErrorAs(t, err, &refErr)
}

func TestResolveInputs_NilTemplate(t *testing.T) {
	out, err := resolveInputs(nil, nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, "5", stringify(float64(5)))
	assert.Equal(t, "2.5", stringify(float64(2.5)))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, "null", stringify(nil))
	assert.Equal(t, `["a"]`, stringify([]any{"a"}))
}
