package policy

import (
	"fmt"

	"github.com/reach-labs/reachengine/internal/sandbox"
)

// ConfidenceLevel is the honest reproducibility label for a result.
type ConfidenceLevel string

const (
	ConfidenceHigh       ConfidenceLevel = "high"
	ConfidenceMedium     ConfidenceLevel = "medium"
	ConfidenceBestEffort ConfidenceLevel = "best_effort"
)

var levelOrder = []ConfidenceLevel{ConfidenceHigh, ConfidenceMedium, ConfidenceBestEffort}

func demote(level ConfidenceLevel) ConfidenceLevel {
	for i, l := range levelOrder {
		if l == level {
			if i == len(levelOrder)-1 {
				return level
			}
			return levelOrder[i+1]
		}
	}
	return ConfidenceBestEffort
}

// Confidence is (level, score, reasons) per spec.md §3/§4.8.
type Confidence struct {
	Level   ConfidenceLevel `json:"level"`
	Score   float64         `json:"score"`
	Reasons []string        `json:"reasons"`
}

// ComputeConfidence implements the demotion rules of spec.md §4.8:
// start at high/1.0, demote for a non-none LLM mode, demote and
// subtract for each partial or unsupported-but-requested sandbox
// capability, floor at best_effort/0.0, and force best_effort whenever
// the policy's deterministic flag is false.
func ComputeConfidence(p Policy, applied sandbox.CapabilitySet, requested EffectiveLimits) Confidence {
	level := ConfidenceHigh
	score := 1.0
	var reasons []string

	if p.LLMMode != LLMModeNone {
		level = demote(level)
		reasons = append(reasons, fmt.Sprintf("llm_mode:%s", p.LLMMode))
	}

	for _, tag := range applied.Partial {
		level = demote(level)
		score -= 0.1
		reasons = append(reasons, fmt.Sprintf("sandbox_partial:%s", tag))
	}

	requestedTags := requestedCapabilityTags(requested)
	for _, tag := range applied.Unsupported {
		if requestedTags[tag] {
			level = demote(level)
			score -= 0.2
			reasons = append(reasons, fmt.Sprintf("sandbox_unsupported:%s", tag))
		}
	}

	if score < 0 {
		score = 0
	}

	if !p.Deterministic {
		level = ConfidenceBestEffort
		reasons = append(reasons, "deterministic_flag_false")
	}

	return Confidence{Level: level, Score: score, Reasons: reasons}
}

func requestedCapabilityTags(l EffectiveLimits) map[string]bool {
	tags := make(map[string]bool)
	if l.WorkspaceConfinement {
		tags[string(sandbox.CapWorkspaceConfinement)] = true
	}
	if l.NetworkIsolation {
		tags[string(sandbox.CapNetworkIsolation)] = true
	}
	if l.SeccompFilter {
		tags[string(sandbox.CapSeccompFilter)] = true
	}
	if l.ProcessMitigation {
		tags[string(sandbox.CapProcessMitigation)] = true
	}
	if l.MemoryLimitBytes > 0 {
		tags[string(sandbox.CapMemoryLimit)] = true
	}
	if l.FDLimit > 0 {
		tags[string(sandbox.CapFDLimit)] = true
	}
	return tags
}

// IsHighConsistent reports whether c satisfies invariant I6: confidence is high
// only if the sandbox has no partial entries and LLM mode is none.
func IsHighConsistent(c Confidence, applied sandbox.CapabilitySet, llmMode LLMMode) bool {
	if c.Level != ConfidenceHigh {
		return true
	}
	return len(applied.Partial) == 0 && llmMode == LLMModeNone
}
