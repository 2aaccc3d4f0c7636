// Package replay implements the replay verifier of spec.md §4.6:
// re-execute a request and compare the freshly computed result against
// an expected one, field by field, excluding anything the contract
// declares non-deterministic (timing, request-id).
package replay

import (
	"errors"
	"fmt"

	"github.com/reach-labs/reachengine/internal/cas"
	"github.com/reach-labs/reachengine/internal/runtime"
)

// Outcome is the {ok, actual_result_digest, mismatches} tuple spec.md
// §4.6 describes.
type Outcome struct {
	OK                bool
	ActualResultDigest string
	Mismatches        []string
}

// Replay re-executes req through ec and compares the fresh result
// against expected, field by field. A CAS integrity failure surfaced
// while re-executing aborts replay outright (returned as an error, not
// folded into Mismatches) — per spec.md §4.6 it is a distinct failure
// mode from a semantic divergence.
func Replay(ec runtime.EngineContext, req runtime.Request, expected runtime.Result) (Outcome, error) {
	actual, err := ec.Execute(req)
	if err != nil {
		if errors.Is(err, cas.ErrIntegrityFailure) {
			return Outcome{}, fmt.Errorf("replay: %w", cas.ErrIntegrityFailure)
		}
		return Outcome{}, err
	}

	mismatches := compare(expected, actual)
	return Outcome{
		OK:                 len(mismatches) == 0,
		ActualResultDigest: actual.ResultDigest.String(),
		Mismatches:         mismatches,
	}, nil
}

// compare reports every digest-bearing field that differs between
// expected and actual. Timing fields, request-id, and compat_warning
// are excluded by contract — they are expected to vary between runs
// and are never reported as divergences.
func compare(expected, actual runtime.Result) []string {
	var mismatches []string
	add := func(field string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			mismatches = append(mismatches, fmt.Sprintf("%s: expected=%v actual=%v", field, a, b))
		}
	}

	add("ok", expected.OK, actual.OK)
	add("exit_code", expected.ExitCode, actual.ExitCode)
	add("stdout_digest", expected.StdoutDigest.String(), actual.StdoutDigest.String())
	add("stderr_digest", expected.StderrDigest.String(), actual.StderrDigest.String())
	add("request_digest", expected.RequestDigest.String(), actual.RequestDigest.String())
	add("determinism_confidence.level", expected.DeterminismConfidence.Level, actual.DeterminismConfidence.Level)
	add("error_code", expected.ErrorCode, actual.ErrorCode)

	if len(expected.Outputs) != len(actual.Outputs) {
		mismatches = append(mismatches, fmt.Sprintf("outputs: expected %d artifacts, actual %d", len(expected.Outputs), len(actual.Outputs)))
	} else {
		for name, d := range expected.Outputs {
			if actualD, ok := actual.Outputs[name]; !ok {
				mismatches = append(mismatches, fmt.Sprintf("outputs[%s]: missing from actual result", name))
			} else {
				add(fmt.Sprintf("outputs[%s]", name), d.String(), actualD.String())
			}
		}
	}

	expectedCaps := expected.SandboxApplied
	actualCaps := actual.SandboxApplied
	add("sandbox_applied.enforced", fmt.Sprint(expectedCaps.Enforced), fmt.Sprint(actualCaps.Enforced))
	add("sandbox_applied.unsupported", fmt.Sprint(expectedCaps.Unsupported), fmt.Sprint(actualCaps.Unsupported))
	add("sandbox_applied.partial", fmt.Sprint(expectedCaps.Partial), fmt.Sprint(actualCaps.Partial))

	return mismatches
}
