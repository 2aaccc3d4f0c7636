// Package policy applies the engine's determinism policy to a request
// and computes the honest determinism-confidence label for a result,
// following the same Evaluate/Decision/memoization shape the teacher
// uses for trust-policy evaluation, generalized here to resource-limit
// derivation and confidence scoring.
package policy

import (
	"fmt"
	"sync"

	"github.com/reach-labs/reachengine/internal/sandbox"
)

// Mode selects the reproducibility/throughput tradeoff for a request.
type Mode string

const (
	ModeRepro Mode = "repro"
	ModeTurbo Mode = "turbo"
)

// TimeMode selects whether the sandbox sees wall-clock or a frozen
// instant.
type TimeMode string

const (
	TimeModeWall   TimeMode = "wall"
	TimeModeFrozen TimeMode = "frozen"
)

// LLMMode labels whether and how a language model participated in
// producing the result. Any mode other than "none" demotes confidence.
type LLMMode string

const (
	LLMModeNone            LLMMode = "none"
	LLMModeSubprocess      LLMMode = "subprocess"
	LLMModeSidecar         LLMMode = "sidecar"
	LLMModeFreezeThenCompute LLMMode = "freeze_then_compute"
)

// Policy is the request's policy object, part of the request digest.
type Policy struct {
	Mode                 Mode     `json:"mode"`
	TimeMode             TimeMode `json:"time_mode"`
	Deterministic        bool     `json:"deterministic"`
	AllowOutsideWorkspace bool    `json:"allow_outside_workspace"`
	TimeoutMS            int64    `json:"timeout_ms"`
	MemoryLimitBytes     int64    `json:"memory_limit_bytes"`
	FDLimit              uint64   `json:"fd_limit"`
	NetworkIsolation     bool     `json:"network_isolation"`
	SeccompFilter        bool     `json:"seccomp_filter"`
	ProcessMitigation    bool     `json:"process_mitigation"`
	LLMMode              LLMMode  `json:"llm_mode"`
}

// DenyReason enumerates why Evaluate rejected a policy.
type DenyReason string

const (
	DenyInvalidMode                DenyReason = "invalid_mode"
	DenyInvalidTimeMode            DenyReason = "invalid_time_mode"
	DenyInvalidLLMMode             DenyReason = "invalid_llm_mode"
	DenyNonPositiveTimeout         DenyReason = "non_positive_timeout"
	DenyReproRequiresDeterministic DenyReason = "repro_requires_deterministic"
)

// EffectiveLimits is the resource envelope derived from a validated
// policy, handed to internal/sandbox.
type EffectiveLimits struct {
	WorkspaceConfinement bool
	NetworkIsolation     bool
	SeccompFilter        bool
	ProcessMitigation    bool
	MemoryLimitBytes     int64
	FDLimit              uint64
	TimeoutMS            int64
}

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	Limits  EffectiveLimits
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]Decision)
)

func cacheKey(p Policy) string {
	return fmt.Sprintf("%s|%s|%v|%v|%d|%d|%d|%v|%v|%v|%s",
		p.Mode, p.TimeMode, p.Deterministic, p.AllowOutsideWorkspace,
		p.TimeoutMS, p.MemoryLimitBytes, p.FDLimit,
		p.NetworkIsolation, p.SeccompFilter, p.ProcessMitigation, p.LLMMode)
}

// Evaluate validates p and derives the effective sandbox limits,
// memoizing on the policy's own fields since the result is a pure
// function of them.
func Evaluate(p Policy) Decision {
	key := cacheKey(p)

	cacheMu.RLock()
	if d, ok := cache[key]; ok {
		cacheMu.RUnlock()
		return d
	}
	cacheMu.RUnlock()

	d := evaluateUncached(p)

	cacheMu.Lock()
	cache[key] = d
	cacheMu.Unlock()

	return d
}

func evaluateUncached(p Policy) Decision {
	switch p.Mode {
	case ModeRepro, ModeTurbo:
	default:
		return Decision{Allowed: false, Reason: DenyInvalidMode}
	}
	switch p.TimeMode {
	case TimeModeWall, TimeModeFrozen:
	default:
		return Decision{Allowed: false, Reason: DenyInvalidTimeMode}
	}
	switch p.LLMMode {
	case LLMModeNone, LLMModeSubprocess, LLMModeSidecar, LLMModeFreezeThenCompute:
	default:
		return Decision{Allowed: false, Reason: DenyInvalidLLMMode}
	}
	if p.TimeoutMS <= 0 {
		return Decision{Allowed: false, Reason: DenyNonPositiveTimeout}
	}
	// Repro mode's contract is workspace confinement on, deterministic
	// flag on, network isolation requested, resource limits set — it
	// cannot silently force Deterministic on the caller's behalf
	// (ComputeConfidence reads req.Policy.Deterministic directly, not
	// anything threaded through Decision/EffectiveLimits), so a
	// request that asks for repro mode without the deterministic flag
	// is a contradiction in terms and is rejected outright rather than
	// silently demoted to best_effort.
	if p.Mode == ModeRepro && !p.Deterministic {
		return Decision{Allowed: false, Reason: DenyReproRequiresDeterministic}
	}

	limits := EffectiveLimits{
		MemoryLimitBytes: p.MemoryLimitBytes,
		FDLimit:          p.FDLimit,
		TimeoutMS:        p.TimeoutMS,
	}

	switch p.Mode {
	case ModeRepro:
		// repro mode: workspace confinement on, network isolation
		// requested. Memory and fd limits are the caller's policy
		// values as given; repro mode supplies no defaults, so a zero
		// value leaves that limit unset. The deterministic flag
		// itself is enforced above by outright rejection, not by
		// forcing it here — there is nothing downstream of this
		// switch that reads a forced value off Limits.
		limits.WorkspaceConfinement = true
		limits.NetworkIsolation = true
		limits.SeccompFilter = p.SeccompFilter
		limits.ProcessMitigation = p.ProcessMitigation
	case ModeTurbo:
		// turbo mode: allows relaxations only for fields excluded
		// from the digest (workspace confinement and network
		// isolation are request-digest-bearing policy fields, so
		// they are never relaxed by mode alone — only the caller's
		// explicit policy values are honored).
		limits.WorkspaceConfinement = !p.AllowOutsideWorkspace
		limits.NetworkIsolation = p.NetworkIsolation
		limits.SeccompFilter = p.SeccompFilter
		limits.ProcessMitigation = p.ProcessMitigation
	}

	return Decision{Allowed: true, Limits: limits}
}

// Apply translates effective limits into the subset of
// fields internal/sandbox.ProcessSpec that policy controls, leaving
// command/argv/env/workspace to the caller.
func (l EffectiveLimits) Apply(spec *sandbox.ProcessSpec) {
	spec.WorkspaceConfinement = l.WorkspaceConfinement
	spec.NetworkIsolation = l.NetworkIsolation
	spec.SeccompFilter = l.SeccompFilter
	spec.ProcessMitigation = l.ProcessMitigation
	spec.MemoryLimitBytes = l.MemoryLimitBytes
	spec.FDLimit = l.FDLimit
}
