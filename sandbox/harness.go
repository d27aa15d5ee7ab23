package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// resultSentinel prefixes the single stdout line that carries the guest
// envelope. Everything else on stdout/stderr is guest diagnostics.
const resultSentinel = "__WISHUB_RESULT__"

// guestEnvelope is the JSON document the harness emits after invoking the
// skill's execute entry point.
type guestEnvelope struct {
	OK        bool            `json:"ok"`
	Value     json.RawMessage `json:"value,omitempty"`
	Kind      FailureKind     `json:"kind,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Traceback string          `json:"traceback,omitempty"`
}

const pythonHarness = `import json, sys, traceback

def _main():
    raw = sys.stdin.read()
    try:
        inputs = json.loads(raw) if raw.strip() else {}
    except ValueError:
        inputs = {}
    if inputs is None:
        inputs = {}
    ns = {}
    try:
        with open("skill.py") as f:
            src = f.read()
        exec(compile(src, "skill.py", "exec"), ns)
        fn = ns.get("execute")
        if not callable(fn):
            raise RuntimeError("skill does not define an execute function")
        result = fn(inputs)
    except BaseException:
        print("__WISHUB_RESULT__" + json.dumps(
            {"ok": False, "kind": "execution_failed", "traceback": traceback.format_exc()}))
        return
    try:
        payload = json.dumps({"ok": True, "value": result})
    except (TypeError, ValueError) as e:
        print("__WISHUB_RESULT__" + json.dumps(
            {"ok": False, "kind": "marshalling_failed", "detail": str(e)}))
        return
    print("__WISHUB_RESULT__" + payload)

_main()
`

const nodeHarness = `const fs = require('fs');

const SENT = '__WISHUB_RESULT__';
function emit(env) {
  process.stdout.write('\n' + SENT + JSON.stringify(env) + '\n');
}

let inputs = {};
try {
  const raw = fs.readFileSync(0, 'utf8');
  if (raw.trim()) inputs = JSON.parse(raw);
  if (inputs === null) inputs = {};
} catch (err) {
  inputs = {};
}

Promise.resolve()
  .then(() => {
    const mod = require('./skill');
    const fn = mod.execute || mod.default;
    if (typeof fn !== 'function') {
      throw new Error('skill does not define an execute function');
    }
    return fn(inputs);
  })
  .then((result) => {
    let payload;
    try {
      payload = JSON.stringify({ ok: true, value: result === undefined ? null : result });
    } catch (err) {
      emit({ ok: false, kind: 'marshalling_failed', detail: String(err) });
      return;
    }
    process.stdout.write('\n' + SENT + payload + '\n');
  })
  .catch((err) => {
    emit({ ok: false, kind: 'execution_failed', traceback: (err && err.stack) || String(err) });
  });
`

// goHarness is compiled in the same main package as the user's skill file,
// which must define: func execute(inputs map[string]any) any
const goHarness = `package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

func main() {
	raw, _ := io.ReadAll(os.Stdin)
	inputs := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &inputs)
	}
	defer func() {
		if r := recover(); r != nil {
			env, _ := json.Marshal(map[string]any{
				"ok": false, "kind": "execution_failed", "traceback": fmt.Sprint(r),
			})
			fmt.Println("__WISHUB_RESULT__" + string(env))
		}
	}()
	result := execute(inputs)
	payload, err := json.Marshal(map[string]any{"ok": true, "value": result})
	if err != nil {
		env, _ := json.Marshal(map[string]any{
			"ok": false, "kind": "marshalling_failed", "detail": err.Error(),
		})
		fmt.Println("__WISHUB_RESULT__" + string(env))
		return
	}
	fmt.Println("__WISHUB_RESULT__" + string(payload))
}
`

// guestFiles returns the files to materialize in the sandbox working
// directory and the command to run, relative to that directory.
func guestFiles(lang Language, code []byte) (files map[string][]byte, command []string, err error) {
	switch lang {
	case LangPython:
		return map[string][]byte{
			"skill.py":   code,
			"harness.py": []byte(pythonHarness),
		}, []string{"python3", "harness.py"}, nil
	case LangTypeScript:
		return map[string][]byte{
			"skill.ts":   code,
			"harness.js": []byte(nodeHarness),
		}, []string{"npx", "-y", "ts-node", "-T", "harness.js"}, nil
	case LangGo:
		return map[string][]byte{
			"skill.go":   code,
			"harness.go": []byte(goHarness),
			"go.mod":     []byte("module skill\n\ngo 1.21\n"),
		}, []string{"go", "run", "."}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported language %q", lang)
	}
}

// parseGuestOutput extracts the guest envelope from captured stdout and
// applies the marshalling and output-size policies.
func parseGuestOutput(stdout, stderr string, maxOutputBytes int64) Outcome {
	if !utf8.ValidString(stdout) {
		return Failure(FailMarshallingFailed, "guest produced non-UTF-8 output")
	}

	idx := strings.LastIndex(stdout, resultSentinel)
	if idx < 0 {
		detail := "guest did not produce a result envelope"
		if tail := tailOf(stderr, 2048); tail != "" {
			return Outcome{Kind: FailExecutionFailed, Detail: detail, Traceback: tail}
		}
		return Failure(FailExecutionFailed, detail)
	}

	line := stdout[idx+len(resultSentinel):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}

	var env guestEnvelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Failure(FailMarshallingFailed, fmt.Sprintf("unparseable result envelope: %v", err))
	}

	if !env.OK {
		kind := env.Kind
		if kind == "" {
			kind = FailExecutionFailed
		}
		return Outcome{Kind: kind, Detail: env.Detail, Traceback: env.Traceback}
	}

	if maxOutputBytes > 0 && int64(len(env.Value)) > maxOutputBytes {
		// The result is discarded, not truncated.
		return Failure(FailOversizeOutput,
			fmt.Sprintf("output of %d bytes exceeds cap of %d bytes", len(env.Value), maxOutputBytes))
	}

	value := env.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return Outcome{OK: true, Value: value}
}

func tailOf(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
