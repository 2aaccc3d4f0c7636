package sandbox

import (
	"testing"
	"time"
)

func TestRunEchoSucceeds(t *testing.T) {
	res, err := Run(ProcessSpec{
		Command:       "/bin/echo",
		Argv:          []string{"echo", "x"},
		WorkspaceRoot: t.TempDir(),
		Timeout:       5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if string(res.Stdout) != "x\n" {
		t.Fatalf("stdout = %q, want %q", res.Stdout, "x\n")
	}
}

func TestTimeoutKillsProcess(t *testing.T) {
	res, err := Run(ProcessSpec{
		Command:       "/bin/sleep",
		Argv:          []string{"sleep", "10"},
		WorkspaceRoot: t.TempDir(),
		Timeout:       200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Timeout {
		t.Fatal("expected Timeout true")
	}
	if res.ExitCode != TimeoutExitCode {
		t.Fatalf("exit code = %d, want %d", res.ExitCode, TimeoutExitCode)
	}
	if res.Duration > 2*time.Second {
		t.Fatalf("duration %v far exceeds deadline", res.Duration)
	}
}

func TestWorkspaceEscapeRejected(t *testing.T) {
	root := t.TempDir()
	_, err := Run(ProcessSpec{
		Command:              "/bin/cat",
		Argv:                 []string{"cat", "../etc/passwd"},
		WorkspaceRoot:        root,
		WorkspaceConfinement: true,
		Timeout:              5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected workspace_escape error")
	}
}

func TestCapabilitySetsDisjoint(t *testing.T) {
	res, err := Run(ProcessSpec{
		Command:              "/bin/echo",
		Argv:                 []string{"echo", "ok"},
		WorkspaceRoot:        t.TempDir(),
		WorkspaceConfinement: true,
		NetworkIsolation:     true,
		SeccompFilter:        true,
		Timeout:              5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.SandboxApplied.Disjoint() {
		t.Fatalf("capability sets not disjoint: %+v", res.SandboxApplied)
	}
}

func TestUnsupportedCapabilitiesNeverClaimedEnforced(t *testing.T) {
	res, err := Run(ProcessSpec{
		Command:          "/bin/echo",
		Argv:             []string{"echo", "ok"},
		WorkspaceRoot:    t.TempDir(),
		NetworkIsolation: true,
		SeccompFilter:    true,
		Timeout:          5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, tag := range res.SandboxApplied.Enforced {
		if tag == string(CapNetworkIsolation) || tag == string(CapSeccompFilter) {
			t.Fatalf("capability %s claimed enforced when launcher cannot verify it", tag)
		}
	}
}

func TestWorkspaceConfinementAbsoluteEscapeRejected(t *testing.T) {
	root := t.TempDir()
	_, err := Run(ProcessSpec{
		Command:              "/bin/cat",
		Argv:                 []string{"cat", "/etc/passwd"},
		WorkspaceRoot:        root,
		WorkspaceConfinement: true,
		Timeout:              5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected workspace_escape error for absolute path outside workspace")
	}
}
