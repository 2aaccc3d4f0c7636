// Package engine is the stable library surface of reachengine: the
// three collaborator entry points spec.md §6 names (execute, replay,
// health) plus the Engine value that replaces the teacher's global
// config/store singletons with an explicit, constructor-injected
// context (spec.md §9).
//
// A caller assembling an Engine is responsible for staging any
// declared input artifacts into the CAS store before calling Execute
// — the engine does not fetch inputs from anywhere else.
package engine

import (
	"fmt"

	"github.com/reach-labs/reachengine/internal/cas"
	"github.com/reach-labs/reachengine/internal/clock"
	"github.com/reach-labs/reachengine/internal/digest"
	"github.com/reach-labs/reachengine/internal/doctor"
	"github.com/reach-labs/reachengine/internal/replay"
	"github.com/reach-labs/reachengine/internal/runtime"
)

// Request and Result are re-exported so callers never need to import
// internal/runtime directly.
type (
	Request = runtime.Request
	Result  = runtime.Result
)

// ReplayOutcome is re-exported from internal/replay.
type ReplayOutcome = replay.Outcome

// HealthReport is re-exported from internal/doctor.
type HealthReport = doctor.Report

// Engine is the constructed, ready-to-use core. It holds no mutable
// package-level state; every method is safe to call concurrently
// because its collaborators (CAS store, index) already are.
type Engine struct {
	ctx           runtime.EngineContext
	scratchCASDir string
}

// Config assembles an Engine. CASDir and IndexPath are required;
// ScratchCASDir is used only by Health's CAS round-trip-plus-
// corruption probe and defaults to the sibling directory
// CASDir + "-doctor-scratch" when empty. Clock may be left nil to use the real wall clock.
type Config struct {
	CASDir        string
	IndexPath     string
	ScratchCASDir string
	Clock         clock.Clock
}

// New opens the CAS store and result index named by cfg and returns a
// ready-to-use Engine. The caller owns the returned Engine's lifetime
// and should not reopen the same IndexPath concurrently from another
// process (modernc.org/sqlite's single-writer discipline applies).
func New(cfg Config) (*Engine, error) {
	if cfg.CASDir == "" {
		return nil, fmt.Errorf("engine: CASDir is required")
	}
	if cfg.IndexPath == "" {
		return nil, fmt.Errorf("engine: IndexPath is required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	store, err := cas.Open(cfg.CASDir, clk)
	if err != nil {
		return nil, fmt.Errorf("engine: open CAS: %w", err)
	}
	idx, err := runtime.OpenIndex(cfg.IndexPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open index: %w", err)
	}
	scratch := cfg.ScratchCASDir
	if scratch == "" {
		scratch = cfg.CASDir + "-doctor-scratch"
	}
	return &Engine{
		ctx:           runtime.NewEngineContext(store, clk, idx),
		scratchCASDir: scratch,
	}, nil
}

// StageInput writes content into the engine's CAS store and returns
// its content digest, for a caller preparing req.Inputs before
// calling Execute.
func (e *Engine) StageInput(content []byte) (digest.Digest, error) {
	return e.ctx.CAS.Put(content, cas.CompressionIdentity)
}

// Execute runs the ten-step pipeline of spec.md §4.5 for req and
// returns its result. A non-nil error means the request never
// produced a digestible result (structural/policy/CAS-staging
// failure); a sandbox launch failure is instead reported as a
// non-ok Result with ErrorCode set, alongside a nil error, so it
// remains replayable and provable like any other outcome.
func (e *Engine) Execute(req Request) (Result, error) {
	return e.ctx.Execute(req)
}

// Replay re-executes req and compares the fresh result against
// expected under the replay projection of spec.md §4.6 (timestamps,
// duration, and request-id excluded). A non-nil error means replay
// itself could not be attempted — most notably a CAS integrity
// failure while re-staging one of req's declared inputs, which is
// fatal rather than foldable into a mismatch list.
func (e *Engine) Replay(req Request, expected Result) (ReplayOutcome, error) {
	return replay.Replay(e.ctx, req, expected)
}

// Health runs the four self-tests of spec.md §4.9 (hash-vector
// check, CAS round-trip-plus-corruption, sandbox
// capability-truthfulness, golden replay dry-run) and returns a
// structured report. A blocker means the engine must not be used for
// production execution until resolved.
func (e *Engine) Health() HealthReport {
	return doctor.Run(e.ctx, e.scratchCASDir)
}

// Close releases the Engine's held resources (the result index's
// database handle). The CAS store itself holds no long-lived handle
// to release.
func (e *Engine) Close() error {
	if e.ctx.Index != nil {
		return e.ctx.Index.Close()
	}
	return nil
}
