package policy

import (
	"testing"

	"github.com/reach-labs/reachengine/internal/sandbox"
)

func TestEvaluateRejectsInvalidMode(t *testing.T) {
	d := Evaluate(Policy{Mode: "bogus", TimeMode: TimeModeWall, LLMMode: LLMModeNone, TimeoutMS: 1000})
	if d.Allowed {
		t.Fatal("expected rejection of invalid mode")
	}
	if d.Reason != DenyInvalidMode {
		t.Fatalf("reason = %s, want %s", d.Reason, DenyInvalidMode)
	}
}

func TestEvaluateReproModeForcesConfinement(t *testing.T) {
	d := Evaluate(Policy{Mode: ModeRepro, TimeMode: TimeModeWall, LLMMode: LLMModeNone, Deterministic: true, TimeoutMS: 1000})
	if !d.Allowed {
		t.Fatalf("expected allowed, got reason %s", d.Reason)
	}
	if !d.Limits.WorkspaceConfinement || !d.Limits.NetworkIsolation {
		t.Fatalf("repro mode must force confinement+isolation: %+v", d.Limits)
	}
}

func TestEvaluateReproRequiresDeterministic(t *testing.T) {
	d := Evaluate(Policy{Mode: ModeRepro, TimeMode: TimeModeWall, LLMMode: LLMModeNone, Deterministic: false, TimeoutMS: 1000})
	if d.Allowed {
		t.Fatal("expected rejection of repro mode without deterministic flag")
	}
	if d.Reason != DenyReproRequiresDeterministic {
		t.Fatalf("reason = %s, want %s", d.Reason, DenyReproRequiresDeterministic)
	}
}

func TestEvaluateMemoized(t *testing.T) {
	p := Policy{Mode: ModeTurbo, TimeMode: TimeModeWall, LLMMode: LLMModeNone, TimeoutMS: 500}
	d1 := Evaluate(p)
	d2 := Evaluate(p)
	if d1 != d2 {
		t.Fatalf("expected identical cached decisions: %+v vs %+v", d1, d2)
	}
}

func TestComputeConfidenceHighByDefault(t *testing.T) {
	p := Policy{Deterministic: true, LLMMode: LLMModeNone}
	c := ComputeConfidence(p, sandbox.CapabilitySet{}, EffectiveLimits{})
	if c.Level != ConfidenceHigh || c.Score != 1.0 {
		t.Fatalf("got %+v, want high/1.0", c)
	}
}

func TestComputeConfidenceLLMDemotes(t *testing.T) {
	p := Policy{Deterministic: true, LLMMode: LLMModeSidecar}
	c := ComputeConfidence(p, sandbox.CapabilitySet{}, EffectiveLimits{})
	if c.Level == ConfidenceHigh {
		t.Fatalf("expected demotion from high when llm_mode != none, got %+v", c)
	}
	if len(c.Reasons) == 0 || c.Reasons[0] != "llm_mode:sidecar" {
		t.Fatalf("expected llm_mode reason, got %v", c.Reasons)
	}
}

func TestComputeConfidencePartialDemotesAndSubtracts(t *testing.T) {
	p := Policy{Deterministic: true, LLMMode: LLMModeNone}
	applied := sandbox.CapabilitySet{Partial: []string{string(sandbox.CapMemoryLimit)}}
	c := ComputeConfidence(p, applied, EffectiveLimits{MemoryLimitBytes: 1})
	if c.Score != 0.9 {
		t.Fatalf("score = %v, want 0.9", c.Score)
	}
	if c.Level != ConfidenceMedium {
		t.Fatalf("level = %s, want medium", c.Level)
	}
}

func TestComputeConfidenceUnsupportedRequestedDemotes(t *testing.T) {
	p := Policy{Deterministic: true, LLMMode: LLMModeNone}
	applied := sandbox.CapabilitySet{Unsupported: []string{string(sandbox.CapNetworkIsolation)}}
	c := ComputeConfidence(p, applied, EffectiveLimits{NetworkIsolation: true})
	if c.Score != 0.8 {
		t.Fatalf("score = %v, want 0.8", c.Score)
	}
}

func TestComputeConfidenceUnsupportedNotRequestedIgnored(t *testing.T) {
	p := Policy{Deterministic: true, LLMMode: LLMModeNone}
	applied := sandbox.CapabilitySet{Unsupported: []string{string(sandbox.CapNetworkIsolation)}}
	c := ComputeConfidence(p, applied, EffectiveLimits{NetworkIsolation: false})
	if c.Score != 1.0 {
		t.Fatalf("score = %v, want 1.0 (capability wasn't requested)", c.Score)
	}
}

func TestComputeConfidenceNonDeterministicForcesBestEffort(t *testing.T) {
	p := Policy{Deterministic: false, LLMMode: LLMModeNone}
	c := ComputeConfidence(p, sandbox.CapabilitySet{}, EffectiveLimits{})
	if c.Level != ConfidenceBestEffort {
		t.Fatalf("level = %s, want best_effort", c.Level)
	}
}

func TestComputeConfidenceScoreFloorsAtZero(t *testing.T) {
	p := Policy{Deterministic: true, LLMMode: LLMModeNone}
	applied := sandbox.CapabilitySet{
		Partial: []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k"},
	}
	c := ComputeConfidence(p, applied, EffectiveLimits{})
	if c.Score != 0 {
		t.Fatalf("score = %v, want 0 (floor)", c.Score)
	}
}

func TestIsHighConsistentInvariant(t *testing.T) {
	c := Confidence{Level: ConfidenceHigh}
	if !IsHighConsistent(c, sandbox.CapabilitySet{}, LLMModeNone) {
		t.Fatal("expected consistent high confidence")
	}
	if IsHighConsistent(c, sandbox.CapabilitySet{Partial: []string{"x"}}, LLMModeNone) {
		t.Fatal("high confidence must not coexist with a partial capability")
	}
}
