package orchestrator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches ${node} and ${node.field.subfield} tokens.
var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+(?:\.[A-Za-z0-9_-]+)*)\}`)

// ref is one parsed placeholder: a node id plus an optional field path
// into that node's result object.
type ref struct {
	Node string
	Path []string
}

func parseRef(token string) ref {
	parts := strings.Split(token, ".")
	return ref{Node: parts[0], Path: parts[1:]}
}

// collectRefs walks an inputs template and returns every placeholder.
func collectRefs(value any) []ref {
	var out []ref
	walkStrings(value, func(s string) {
		for _, m := range placeholderRe.FindAllStringSubmatch(s, -1) {
			out = append(out, parseRef(m[1]))
		}
	})
	return out
}

func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	}
}

// referenceError reports a placeholder that cannot be satisfied at
// resolution time. The owning node fails before its invocation.
type referenceError struct {
	Token  string
	Reason string
}

func (e *referenceError) Error() string {
	return fmt.Sprintf("reference_missing: %s (%s)", e.Token, e.Reason)
}

// resolveInputs materializes a node's inputs template against the
// accumulated results. A string that is exactly one placeholder is
// substituted structurally, preserving the referenced JSON value; a
// placeholder embedded in a longer string is substituted textually.
func resolveInputs(template map[string]any, results map[string]json.RawMessage, globals map[string]any) (json.RawMessage, error) {
	if template == nil {
		template = map[string]any{}
	}
	resolved, err := resolveValue(template, results, globals)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resolved inputs: %w", err)
	}
	return out, nil
}

func resolveValue(value any, results map[string]json.RawMessage, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, results, globals)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveValue(item, results, globals)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := resolveValue(item, results, globals)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}

func resolveString(s string, results map[string]json.RawMessage, globals map[string]any) (any, error) {
	// Whole-value placeholder: substitute the referenced value itself.
	if m := placeholderRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return lookupRef(parseRef(m[1]), m[0], results, globals)
	}

	// Embedded placeholders: substitute as text.
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		if firstErr != nil {
			return token
		}
		m := placeholderRe.FindStringSubmatch(token)
		val, err := lookupRef(parseRef(m[1]), token, results, globals)
		if err != nil {
			firstErr = err
			return token
		}
		return stringify(val)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func lookupRef(r ref, token string, results map[string]json.RawMessage, globals map[string]any) (any, error) {
	var root any
	if r.Node == globalRef {
		root = map[string]any{}
		if globals != nil {
			root = globals
		}
	} else {
		raw, ok := results[r.Node]
		if !ok {
			return nil, &referenceError{Token: token, Reason: "upstream node has no result"}
		}
		if err := json.Unmarshal(raw, &root); err != nil {
			return nil, &referenceError{Token: token, Reason: "upstream result is not valid JSON"}
		}
	}

	cur := root
	for _, seg := range r.Path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, &referenceError{Token: token, Reason: fmt.Sprintf("segment %q is not an object", seg)}
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, &referenceError{Token: token, Reason: fmt.Sprintf("field %q is absent", seg)}
		}
	}
	return cur, nil
}

// stringify renders a substituted value for embedding in a string. Scalars
// render bare; structured values render as compact JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	case float64:
		// Render integral floats without the trailing .0 JSON decoding adds.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case bool:
		return fmt.Sprintf("%t", v)
	default:
		data, _ := json.Marshal(v)
		return string(data)
	}
}
