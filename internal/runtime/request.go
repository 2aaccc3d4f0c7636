package runtime

import (
	"fmt"

	"github.com/reach-labs/reachengine/internal/canon"
	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/policy"
)

// Request is the tuple of (command, argv, env, workspace-root,
// input-artifact-mapping, policy, optional request-id, optional
// tenant-id) described in spec.md §3. Fields affecting execution
// contribute to the request digest; RequestID does not (TenantID does
// — see DESIGN.md's Open Question resolution #2).
type Request struct {
	Command   string            `json:"command"`
	Argv      []string          `json:"argv"`
	Env       map[string]string `json:"env"`
	Workspace string            `json:"workspace"`
	Inputs    map[string]digest.Digest `json:"inputs"`
	Policy    policy.Policy     `json:"policy"`
	TenantID  string            `json:"tenant_id,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// Validate enforces invariant I2: a request without policy, command,
// and workspace is rejected.
func (r Request) Validate() error {
	if r.Command == "" {
		return fmt.Errorf("%w: command is required", ErrParseStructural)
	}
	if r.Workspace == "" {
		return fmt.Errorf("%w: workspace is required", ErrParseStructural)
	}
	if r.Policy.Mode == "" {
		return fmt.Errorf("%w: policy is required", ErrParseStructural)
	}
	return nil
}

// canonicalValue renders r into the canon.Value used to compute both
// the default request-id and the request digest. RequestID is always
// excluded here — it is derived from this exact projection, so
// including it would make the id a function of itself.
func (r Request) canonicalValue() canon.Value {
	inputs := make(map[string]canon.Value, len(r.Inputs))
	for name, d := range r.Inputs {
		inputs[name] = canon.String(d.String())
	}
	env := make(map[string]canon.Value, len(r.Env))
	for k, v := range r.Env {
		env[k] = canon.String(v)
	}
	argv := make([]canon.Value, len(r.Argv))
	for i, a := range r.Argv {
		argv[i] = canon.String(a)
	}

	obj := map[string]canon.Value{
		"command":   canon.String(r.Command),
		"argv":      canon.Array(argv...),
		"env":       canon.Object(env),
		"workspace": canon.String(r.Workspace),
		"inputs":    canon.Object(inputs),
		"policy":    policyCanonicalValue(r.Policy),
	}
	if r.TenantID != "" {
		obj["tenant_id"] = canon.String(r.TenantID)
	}
	return canon.Object(obj)
}

func policyCanonicalValue(p policy.Policy) canon.Value {
	return canon.Object(map[string]canon.Value{
		"mode":                    canon.String(string(p.Mode)),
		"time_mode":               canon.String(string(p.TimeMode)),
		"deterministic":           canon.Bool(p.Deterministic),
		"allow_outside_workspace": canon.Bool(p.AllowOutsideWorkspace),
		"timeout_ms":              canon.Int(p.TimeoutMS),
		"memory_limit_bytes":      canon.Int(p.MemoryLimitBytes),
		"fd_limit":                canon.Int(int64(p.FDLimit)),
		"network_isolation":       canon.Bool(p.NetworkIsolation),
		"seccomp_filter":          canon.Bool(p.SeccompFilter),
		"process_mitigation":      canon.Bool(p.ProcessMitigation),
		"llm_mode":                canon.String(string(p.LLMMode)),
	})
}

// CanonicalBytes returns the canonical textual form of r's
// digest-bearing projection (everything except RequestID).
func (r Request) CanonicalBytes() ([]byte, error) {
	return canon.Marshal(r.canonicalValue())
}

// Digest computes the request-digest: hash_domain("req:", canonical(request)).
func (r Request) Digest() (digest.Digest, error) {
	b, err := r.CanonicalBytes()
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.HashDomain(digest.DomainRequest, b)
}

// PolicyDigest computes hash_domain("pol:", canonical(policy)) used by
// the proof bundle.
func (r Request) PolicyDigest() (digest.Digest, error) {
	b, err := canon.Marshal(policyCanonicalValue(r.Policy))
	if err != nil {
		return digest.Digest{}, err
	}
	return digest.HashDomain(digest.DomainPolicy, b)
}

// DefaultRequestID derives a deterministic request id from the
// digest-bearing projection, used when the caller omits RequestID.
func (r Request) DefaultRequestID() (string, error) {
	d, err := r.Digest()
	if err != nil {
		return "", err
	}
	return d.String(), nil
}
