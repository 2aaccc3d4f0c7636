// Package doctor implements the health/self-test surface of spec.md
// §4.9: hash-vector checks, a CAS round-trip-plus-corruption probe, a
// sandbox capability-truthfulness self-test, and a golden replay
// dry-run, collapsed into a single structured {ok, blockers, warnings}
// report.
package doctor

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/reach-labs/reachengine/internal/cas"
	"github.com/reach-labs/reachengine/internal/clock"
	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/policy"
	"github.com/reach-labs/reachengine/internal/replay"
	"github.com/reach-labs/reachengine/internal/runtime"
	"github.com/reach-labs/reachengine/internal/sandbox"
)

// CheckResult is one named self-test outcome.
type CheckResult struct {
	Name        string `json:"name"`
	OK          bool   `json:"ok"`
	Severity    string `json:"severity,omitempty"` // "blocker" or "warning" when !OK
	Detail      string `json:"detail,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Report is the structured outcome of Run: a blocker in any check means
// the engine must not be used for production execution.
type Report struct {
	OK       bool          `json:"ok"`
	Checks   []CheckResult `json:"checks"`
	Blockers []string      `json:"blockers"`
	Warnings []string      `json:"warnings"`
}

func pass(name string) CheckResult { return CheckResult{Name: name, OK: true} }

func blocker(name, detail, remediation string) CheckResult {
	return CheckResult{Name: name, OK: false, Severity: "blocker", Detail: detail, Remediation: remediation}
}

func warning(name, detail, remediation string) CheckResult {
	return CheckResult{Name: name, OK: false, Severity: "warning", Detail: detail, Remediation: remediation}
}

// Run executes every check in order and assembles the report.
// scratchCASDir is used for the CAS check and ec for the replay check;
// a fresh scratch CAS
// directory (not the production store) should be passed so the
// corruption probe never touches real objects.
func Run(ec runtime.EngineContext, scratchCASDir string) Report {
	checks := []CheckResult{
		checkHashVectors(),
		checkCASRoundTrip(scratchCASDir),
		checkSandboxTruthfulness(),
		checkGoldenReplay(ec),
	}

	var blockers, warnings []string
	for _, c := range checks {
		if c.OK {
			continue
		}
		switch c.Severity {
		case "blocker":
			blockers = append(blockers, fmt.Sprintf("%s: %s", c.Name, c.Detail))
		default:
			warnings = append(warnings, fmt.Sprintf("%s: %s", c.Name, c.Detail))
		}
	}

	return Report{
		OK:       len(blockers) == 0,
		Checks:   checks,
		Blockers: blockers,
		Warnings: warnings,
	}
}

func checkHashVectors() CheckResult {
	name := "hash vector self-test"
	if !digest.Available() {
		return blocker(name, "hash primitive failed its build-time self-test", "rebuild with a working BLAKE3 implementation before executing production requests")
	}
	for _, v := range digest.SelfTestVectors() {
		d, err := digest.Hash([]byte(v[0]))
		if err != nil {
			return blocker(name, fmt.Sprintf("hash unavailable: %v", err), "investigate digest package initialization")
		}
		if d.String() != v[1] {
			return blocker(name, fmt.Sprintf("vector %q hashed to %s, want %s", v[0], d.String(), v[1]), "the hash primitive is producing wrong output; do not use for production execution")
		}
	}
	return pass(name)
}

func checkCASRoundTrip(scratchDir string) CheckResult {
	name := "CAS round-trip and corruption detection"
	store, err := cas.Open(filepath.Join(scratchDir, "doctor-cas"), clock.System{})
	if err != nil {
		return blocker(name, fmt.Sprintf("open scratch CAS: %v", err), "check filesystem permissions for the CAS directory")
	}

	content := []byte("reachengine doctor probe")
	d, err := store.Put(content, cas.CompressionIdentity)
	if err != nil {
		return blocker(name, fmt.Sprintf("put: %v", err), "check filesystem permissions and free space for the CAS directory")
	}
	got, err := store.Get(d)
	if err != nil {
		return blocker(name, fmt.Sprintf("get after put: %v", err), "investigate CAS read path")
	}
	if string(got) != string(content) {
		return blocker(name, "round-trip content mismatch", "investigate CAS compression/decompression path")
	}

	if err := cas.CorruptForTest(filepath.Join(scratchDir, "doctor-cas"), d); err != nil {
		return blocker(name, fmt.Sprintf("corrupt probe object: %v", err), "investigate test-only corruption helper")
	}
	if _, err := store.Get(d); err == nil {
		return blocker(name, "corrupted object was read back without an integrity failure", "CAS integrity verification is not catching tampered objects")
	}
	return pass(name)
}

func checkSandboxTruthfulness() CheckResult {
	name := "sandbox capability truthfulness"
	spec := sandbox.ProcessSpec{
		Command:              trivialCommand(),
		Argv:                 trivialArgv(),
		WorkspaceRoot:        ".",
		Timeout:              5 * time.Second,
		WorkspaceConfinement: false,
		NetworkIsolation:     true,
		SeccompFilter:        true,
		ProcessMitigation:    true,
		MemoryLimitBytes:     64 * 1024 * 1024,
		FDLimit:              256,
	}
	result, err := sandbox.Run(spec)
	if err != nil {
		return blocker(name, fmt.Sprintf("launch failed: %v", err), "investigate the platform sandbox launcher")
	}
	if !result.SandboxApplied.Disjoint() {
		return blocker(name, "capability sets are not disjoint (invariant I5 violated)", "investigate the launcher's classification logic")
	}
	return pass(name)
}

func checkGoldenReplay(ec runtime.EngineContext) CheckResult {
	name := "golden replay dry-run"
	req := runtime.Request{
		Command:   trivialCommand(),
		Argv:      trivialArgv(),
		Workspace: ".",
		Policy: policy.Policy{
			Mode:          policy.ModeRepro,
			TimeMode:      policy.TimeModeFrozen,
			Deterministic: true,
			TimeoutMS:     5000,
			LLMMode:       policy.LLMModeNone,
		},
	}

	expected, err := ec.Execute(req)
	if err != nil {
		return blocker(name, fmt.Sprintf("golden request failed to execute: %v", err), "investigate the runtime orchestrator")
	}
	outcome, err := replay.Replay(ec, req, expected)
	if err != nil {
		return blocker(name, fmt.Sprintf("replay aborted: %v", err), "investigate CAS/runtime interaction")
	}
	if !outcome.OK {
		return blocker(name, fmt.Sprintf("golden replay diverged: %v", outcome.Mismatches), "determinism is broken for even a trivial request")
	}
	return pass(name)
}

// Render writes a human-readable rendering of r to a string, matching
// the [OK]/[FAIL] line format doctor tooling in this codebase's lineage
// uses.
func (r Report) Render() string {
	out := ""
	for _, c := range r.Checks {
		if c.OK {
			out += fmt.Sprintf("[OK]   %s\n", c.Name)
			continue
		}
		label := "FAIL"
		if c.Severity == "warning" {
			label = "WARN"
		}
		out += fmt.Sprintf("[%s] %s\n", label, c.Name)
		if c.Detail != "" {
			out += fmt.Sprintf("       %s\n", c.Detail)
		}
		if c.Remediation != "" {
			out += fmt.Sprintf("       remediation: %s\n", c.Remediation)
		}
	}
	if r.OK {
		out += "\nreachengine doctor passed\n"
	} else {
		out += fmt.Sprintf("\nreachengine doctor found %d blocker(s)\n", len(r.Blockers))
	}
	return out
}

// RenderJSON marshals r as indented JSON.
func (r Report) RenderJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
