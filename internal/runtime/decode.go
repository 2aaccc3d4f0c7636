package runtime

import (
	"fmt"

	"github.com/reach-labs/reachengine/internal/canon"
	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/policy"
)

// ParseRequestBytes parses canonical request bytes (step 1 of the
// runtime pipeline, spec.md §4.5). Errors from canon.Parse carry
// internal/canon's sentinels (canon.ErrStructural,
// canon.ErrDuplicateKey, ...); errors from decoding the parsed value
// into a Request wrap ErrParseStructural.
func ParseRequestBytes(b []byte) (Request, error) {
	v, err := canon.Parse(b)
	if err != nil {
		return Request{}, err
	}
	return decodeRequest(v)
}

func decodeRequest(v canon.Value) (Request, error) {
	if v.Kind != canon.KindObject {
		return Request{}, fmt.Errorf("%w: request must be an object", ErrParseStructural)
	}
	var r Request
	if cmd, ok := v.Obj["command"]; ok {
		if cmd.Kind != canon.KindString {
			return Request{}, fmt.Errorf("%w: command must be a string", ErrParseStructural)
		}
		r.Command = cmd.Str
	}
	if argv, ok := v.Obj["argv"]; ok {
		if argv.Kind != canon.KindArray {
			return Request{}, fmt.Errorf("%w: argv must be an array", ErrParseStructural)
		}
		for _, a := range argv.Arr {
			if a.Kind != canon.KindString {
				return Request{}, fmt.Errorf("%w: argv entries must be strings", ErrParseStructural)
			}
			r.Argv = append(r.Argv, a.Str)
		}
	}
	if env, ok := v.Obj["env"]; ok {
		if env.Kind != canon.KindObject {
			return Request{}, fmt.Errorf("%w: env must be an object", ErrParseStructural)
		}
		r.Env = make(map[string]string, len(env.Obj))
		for k, val := range env.Obj {
			if val.Kind != canon.KindString {
				return Request{}, fmt.Errorf("%w: env values must be strings", ErrParseStructural)
			}
			r.Env[k] = val.Str
		}
	}
	if ws, ok := v.Obj["workspace"]; ok {
		if ws.Kind != canon.KindString {
			return Request{}, fmt.Errorf("%w: workspace must be a string", ErrParseStructural)
		}
		r.Workspace = ws.Str
	}
	if inputs, ok := v.Obj["inputs"]; ok {
		if inputs.Kind != canon.KindObject {
			return Request{}, fmt.Errorf("%w: inputs must be an object", ErrParseStructural)
		}
		r.Inputs = make(map[string]digest.Digest, len(inputs.Obj))
		for name, val := range inputs.Obj {
			if val.Kind != canon.KindString {
				return Request{}, fmt.Errorf("%w: input digests must be strings", ErrParseStructural)
			}
			d, err := digest.Parse(val.Str)
			if err != nil {
				return Request{}, fmt.Errorf("%w: input %q: %v", ErrParseStructural, name, err)
			}
			r.Inputs[name] = d
		}
	}
	if pol, ok := v.Obj["policy"]; ok {
		p, err := decodePolicy(pol)
		if err != nil {
			return Request{}, err
		}
		r.Policy = p
	}
	if tid, ok := v.Obj["tenant_id"]; ok {
		if tid.Kind != canon.KindString {
			return Request{}, fmt.Errorf("%w: tenant_id must be a string", ErrParseStructural)
		}
		r.TenantID = tid.Str
	}
	if rid, ok := v.Obj["request_id"]; ok {
		if rid.Kind != canon.KindString {
			return Request{}, fmt.Errorf("%w: request_id must be a string", ErrParseStructural)
		}
		r.RequestID = rid.Str
	}
	return r, r.Validate()
}

func decodePolicy(v canon.Value) (policy.Policy, error) {
	if v.Kind != canon.KindObject {
		return policy.Policy{}, fmt.Errorf("%w: policy must be an object", ErrParseStructural)
	}
	var p policy.Policy
	getStr := func(key string) string {
		if f, ok := v.Obj[key]; ok && f.Kind == canon.KindString {
			return f.Str
		}
		return ""
	}
	getBool := func(key string) bool {
		if f, ok := v.Obj[key]; ok && f.Kind == canon.KindBool {
			return f.Bool
		}
		return false
	}
	getInt := func(key string) int64 {
		if f, ok := v.Obj[key]; ok && f.Kind == canon.KindInt {
			return f.Int
		}
		return 0
	}
	p.Mode = policy.Mode(getStr("mode"))
	p.TimeMode = policy.TimeMode(getStr("time_mode"))
	p.Deterministic = getBool("deterministic")
	p.AllowOutsideWorkspace = getBool("allow_outside_workspace")
	p.TimeoutMS = getInt("timeout_ms")
	p.MemoryLimitBytes = getInt("memory_limit_bytes")
	p.FDLimit = uint64(getInt("fd_limit"))
	p.NetworkIsolation = getBool("network_isolation")
	p.SeccompFilter = getBool("seccomp_filter")
	p.ProcessMitigation = getBool("process_mitigation")
	if lm := getStr("llm_mode"); lm != "" {
		p.LLMMode = policy.LLMMode(lm)
	} else {
		p.LLMMode = policy.LLMModeNone
	}
	return p, nil
}
