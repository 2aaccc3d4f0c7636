// Package runtime orchestrates the ten-step pipeline of spec.md §4.5:
// parse, default-fill, request-digest, stage inputs, apply policy,
// execute, canonicalize outputs, assemble result, result-digest,
// persist.
package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/reach-labs/reachengine/internal/cas"
	"github.com/reach-labs/reachengine/internal/clock"
	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/policy"
	"github.com/reach-labs/reachengine/internal/sandbox"
)

// EngineContext replaces the teacher's global mutable state (policy
// singletons, engine stats) with an explicit value passed into every
// public operation, per spec.md §9.
type EngineContext struct {
	CAS   *cas.Store
	Clock clock.Clock
	Index *Index // optional; nil disables result persistence
}

// NewEngineContext constructs an EngineContext. clk may be nil to use
// the real wall clock.
func NewEngineContext(store *cas.Store, clk clock.Clock, idx *Index) EngineContext {
	if clk == nil {
		clk = clock.System{}
	}
	return EngineContext{CAS: store, Clock: clk, Index: idx}
}

// Execute runs the full pipeline for one request.
func (ec EngineContext) Execute(req Request) (Result, error) {
	// Step 1 (parse) is the caller's responsibility when starting
	// from bytes via ParseRequestBytes; here req is already a typed
	// value, so step 1 reduces to the same structural validation
	// ParseRequestBytes performs.
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	// Step 2: fill defaults.
	startTS := ec.Clock.Now()
	if req.RequestID == "" {
		id, err := req.DefaultRequestID()
		if err != nil {
			return Result{}, err
		}
		req.RequestID = id
	}

	// Step 3: compute request digest.
	requestDigest, err := req.Digest()
	if err != nil {
		return Result{}, err
	}

	// Step 4: stage inputs — every declared input must already be in
	// CAS (inline staging is the caller's job via ec.CAS.Put before
	// calling Execute). Staging reads each object back rather than
	// merely checking presence, so a corrupted input is caught here,
	// before the sandbox ever sees it, as a cas_integrity_failure
	// rather than a silent bad run.
	for name, d := range req.Inputs {
		if _, err := ec.CAS.Get(d); err != nil {
			if errors.Is(err, cas.ErrIntegrityFailure) {
				return Result{}, fmt.Errorf("runtime: input %q: %w", name, err)
			}
			return Result{}, fmt.Errorf("%w: input %q (%s): %v", ErrCASWriteFailed, name, d, err)
		}
	}

	// Step 5: apply policy.
	decision := policy.Evaluate(req.Policy)
	if !decision.Allowed {
		return Result{}, fmt.Errorf("%w: %s", ErrInvalidPolicy, decision.Reason)
	}

	// Step 6: execute.
	spec := sandbox.ProcessSpec{
		Command:       req.Command,
		Argv:          req.Argv,
		Env:           req.Env,
		WorkspaceRoot: req.Workspace,
		Timeout:       time.Duration(decision.Limits.TimeoutMS) * time.Millisecond,
	}
	decision.Limits.Apply(&spec)

	sbResult, err := ec.runSandbox(spec)
	if err != nil {
		result := Result{
			OK:             false,
			RequestDigest:  requestDigest,
			StartTimestamp: startTS,
			EndTimestamp:   ec.Clock.Now(),
			ErrorCode:      classifyError(err),
		}
		d, derr := result.ComputeResultDigest()
		if derr != nil {
			return Result{}, derr
		}
		result.ResultDigest = d
		return result, nil
	}

	// Step 7: canonicalize outputs.
	stdoutDigest, err := ec.CAS.Put(sbResult.Stdout, cas.CompressionIdentity)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stdout: %v", ErrCASWriteFailed, err)
	}
	stderrDigest, err := ec.CAS.Put(sbResult.Stderr, cas.CompressionIdentity)
	if err != nil {
		return Result{}, fmt.Errorf("%w: stderr: %v", ErrCASWriteFailed, err)
	}
	// No output-artifact declarations are produced by the sandbox
	// contract beyond stdout/stderr in this implementation; a caller
	// wanting output-file capture stages them into req.Workspace and
	// inserts them into CAS after Execute returns, then references
	// them when building a proof bundle.
	outputs := map[string]digest.Digest{}

	// Step 8: assemble result, compute confidence.
	confidence := policy.ComputeConfidence(req.Policy, sbResult.SandboxApplied, decision.Limits)

	result := Result{
		OK:                    sbResult.ExitCode == 0 && !sbResult.Timeout,
		ExitCode:              sbResult.ExitCode,
		StdoutDigest:          stdoutDigest,
		StderrDigest:          stderrDigest,
		Outputs:               outputs,
		SandboxApplied:        sbResult.SandboxApplied,
		DeterminismConfidence: confidence,
		Duration:              sbResult.Duration,
		DurationMS:            sbResult.Duration.Milliseconds(),
		StartTimestamp:        startTS,
		EndTimestamp:          ec.Clock.Now(),
		RequestDigest:         requestDigest,
	}
	if sbResult.Timeout {
		result.ErrorCode = "timeout"
	}

	// Step 9: compute result digest.
	resultDigest, err := result.ComputeResultDigest()
	if err != nil {
		return Result{}, err
	}
	result.ResultDigest = resultDigest

	// Step 10: persist result record beside its CAS inputs/outputs.
	// Persisted only after all referenced objects are durably in CAS
	// (they already are, by construction above), per §5's ordering
	// guarantee.
	if ec.Index != nil {
		if err := ec.Index.Put(req, result); err != nil {
			return Result{}, fmt.Errorf("runtime: persist result: %w", err)
		}
	}

	return result, nil
}

func (ec EngineContext) runSandbox(spec sandbox.ProcessSpec) (sandbox.Result, error) {
	return sandbox.Run(spec)
}

// classifyError maps an error from the sandbox/policy layer into one
// of the opaque stable error codes in spec.md §6.
func classifyError(err error) string {
	switch {
	case isErr(err, sandbox.ErrWorkspaceEscape):
		return "workspace_escape"
	case isErr(err, sandbox.ErrLaunchFailed):
		return "launch_failed"
	case isErr(err, sandbox.ErrResourceLimit):
		return "resource_limit"
	case isErr(err, sandbox.ErrIOError):
		return "io_error"
	default:
		return "launch_failed"
	}
}

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return false
}
