package doctor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/reach-labs/reachengine/internal/cas"
	"github.com/reach-labs/reachengine/internal/clock"
	"github.com/reach-labs/reachengine/internal/runtime"
)

func newTestEngine(t *testing.T) runtime.EngineContext {
	t.Helper()
	store, err := cas.Open(filepath.Join(t.TempDir(), "cas"), clock.Frozen{At: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("cas.Open: %v", err)
	}
	idx, err := runtime.OpenIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return runtime.NewEngineContext(store, clock.Frozen{At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, idx)
}

func TestRunPassesOnHealthyEngine(t *testing.T) {
	ec := newTestEngine(t)
	report := Run(ec, t.TempDir())

	if !report.OK {
		t.Fatalf("expected doctor to pass, got blockers: %v", report.Blockers)
	}
	if len(report.Checks) != 4 {
		t.Fatalf("expected 4 checks, got %d", len(report.Checks))
	}
}

func TestHashVectorCheckPasses(t *testing.T) {
	result := checkHashVectors()
	if !result.OK {
		t.Fatalf("expected hash vector check to pass, got %+v", result)
	}
}

func TestCASRoundTripCheckPasses(t *testing.T) {
	result := checkCASRoundTrip(t.TempDir())
	if !result.OK {
		t.Fatalf("expected CAS round-trip check to pass, got %+v", result)
	}
}

func TestSandboxTruthfulnessCheckPasses(t *testing.T) {
	result := checkSandboxTruthfulness()
	if !result.OK {
		t.Fatalf("expected sandbox truthfulness check to pass, got %+v", result)
	}
}

func TestGoldenReplayCheckPasses(t *testing.T) {
	ec := newTestEngine(t)
	result := checkGoldenReplay(ec)
	if !result.OK {
		t.Fatalf("expected golden replay check to pass, got %+v", result)
	}
}

func TestReportRenderHumanAndJSON(t *testing.T) {
	ec := newTestEngine(t)
	report := Run(ec, t.TempDir())

	human := report.Render()
	if human == "" {
		t.Fatal("expected non-empty human rendering")
	}
	b, err := report.RenderJSON()
	if err != nil {
		t.Fatalf("RenderJSON: %v", err)
	}
	if len(b) == 0 {
		t.Fatal("expected non-empty JSON rendering")
	}
}
