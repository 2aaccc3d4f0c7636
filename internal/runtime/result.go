package runtime

import (
	"time"

	"github.com/reach-labs/reachengine/internal/canon"
	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/policy"
	"github.com/reach-labs/reachengine/internal/sandbox"
)

// Result is the tuple described in spec.md §3. ResultDigest is a
// function of a canonical projection that excludes timestamps,
// duration, and request-id (and any nonce-like or sandbox-runtime
// diagnostic field) — see canonicalValue below.
type Result struct {
	OK                    bool                  `json:"ok"`
	ExitCode              int                   `json:"exit_code"`
	StdoutDigest          digest.Digest         `json:"stdout_digest"`
	StderrDigest          digest.Digest         `json:"stderr_digest"`
	Outputs               map[string]digest.Digest `json:"outputs"`
	SandboxApplied        sandbox.CapabilitySet `json:"sandbox_applied"`
	DeterminismConfidence policy.Confidence     `json:"determinism_confidence"`
	Duration              time.Duration         `json:"-"`
	DurationMS            int64                 `json:"duration_ms"`
	StartTimestamp        time.Time             `json:"start_timestamp"`
	EndTimestamp          time.Time             `json:"end_timestamp"`
	RequestDigest         digest.Digest         `json:"request_digest"`
	ResultDigest          digest.Digest         `json:"result_digest"`
	ErrorCode             string                `json:"error_code,omitempty"`
	CompatWarning         bool                  `json:"compat_warning,omitempty"`
}

func capSetCanonicalValue(c sandbox.CapabilitySet) canon.Value {
	return canon.Object(map[string]canon.Value{
		"enforced":    stringsToArray(c.Enforced),
		"unsupported": stringsToArray(c.Unsupported),
		"partial":     stringsToArray(c.Partial),
	})
}

func stringsToArray(ss []string) canon.Value {
	arr := make([]canon.Value, len(ss))
	for i, s := range ss {
		arr[i] = canon.String(s)
	}
	return canon.Array(arr...)
}

func confidenceCanonicalValue(c policy.Confidence) canon.Value {
	return canon.Object(map[string]canon.Value{
		"level":   canon.String(string(c.Level)),
		"score":   canon.Float(c.Score),
		"reasons": stringsToArray(c.Reasons),
	})
}

// canonicalValue is the result-digest projection: ok, exit_code,
// stdout_digest, stderr_digest, outputs, sandbox_applied (capability
// tags only, not raw runtime diagnostics), determinism_confidence,
// request_digest, and error_code. Timestamps, duration, request-id,
// and compat_warning are deliberately excluded.
func (r Result) canonicalValue() canon.Value {
	outputs := make(map[string]canon.Value, len(r.Outputs))
	for name, d := range r.Outputs {
		outputs[name] = canon.String(d.String())
	}
	obj := map[string]canon.Value{
		"ok":                      canon.Bool(r.OK),
		"exit_code":               canon.Int(int64(r.ExitCode)),
		"stdout_digest":           canon.String(r.StdoutDigest.String()),
		"stderr_digest":           canon.String(r.StderrDigest.String()),
		"outputs":                 canon.Object(outputs),
		"sandbox_applied":         capSetCanonicalValue(r.SandboxApplied),
		"determinism_confidence":  confidenceCanonicalValue(r.DeterminismConfidence),
		"request_digest":          canon.String(r.RequestDigest.String()),
	}
	if r.ErrorCode != "" {
		obj["error_code"] = canon.String(r.ErrorCode)
	}
	return canon.Object(obj)
}

// CanonicalBytes returns the canonical textual form of r's
// digest-bearing projection.
func (r Result) CanonicalBytes() ([]byte, error) {
	return canon.Marshal(r.canonicalValue())
}

// ComputeResultDigest computes hash_domain("res:", canonical(result_projection)).
func (r Result) ComputeResultDigest() (digest.Digest, error) {
	b, err := r.CanonicalBytes()
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.HashDomain(digest.DomainResult, b)
}
