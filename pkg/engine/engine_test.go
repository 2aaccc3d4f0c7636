package engine

import (
	"path/filepath"
	"testing"

	"github.com/reach-labs/reachengine/internal/policy"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := New(Config{
		CASDir:    filepath.Join(dir, "cas"),
		IndexPath: filepath.Join(dir, "index.db"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func basicRequest(workspace string) Request {
	return Request{
		Command:   "/bin/echo",
		Argv:      []string{"echo", "hello"},
		Workspace: workspace,
		Policy: policy.Policy{
			Mode:          policy.ModeRepro,
			TimeMode:      policy.TimeModeFrozen,
			Deterministic: true,
			TimeoutMS:     2000,
			LLMMode:       policy.LLMModeNone,
		},
	}
}

func TestExecuteThenReplayRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	req := basicRequest(t.TempDir())

	result, err := e.Execute(req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.OK {
		t.Fatalf("expected ok result, got exit_code=%d error_code=%s", result.ExitCode, result.ErrorCode)
	}

	outcome, err := e.Replay(req, result)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !outcome.OK {
		t.Fatalf("expected replay to match, got mismatches: %v", outcome.Mismatches)
	}
}

func TestHealthPassesOnFreshEngine(t *testing.T) {
	e := newTestEngine(t)
	report := e.Health()
	if !report.OK {
		t.Fatalf("expected healthy engine, got blockers: %v", report.Blockers)
	}
}

func TestStageInputRoundTrips(t *testing.T) {
	e := newTestEngine(t)
	d, err := e.StageInput([]byte("staged content"))
	if err != nil {
		t.Fatalf("StageInput: %v", err)
	}
	if d.String() == "" {
		t.Fatal("expected non-empty digest")
	}
}

func TestNewRejectsMissingCASDir(t *testing.T) {
	_, err := New(Config{IndexPath: filepath.Join(t.TempDir(), "index.db")})
	if err == nil {
		t.Fatal("expected error for missing CASDir")
	}
}
