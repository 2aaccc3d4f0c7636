//go:build !windows

package sandbox

import (
	"bytes"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// rlimitMu serializes the lower-rlimit/fork/restore-rlimit critical
// section across concurrent sandbox launches. Setrlimit/Getrlimit
// mutate process-wide state with no kernel-side isolation between
// threads, so without this lock two concurrent runs can race: one
// call's Getrlimit can observe another call's already-lowered limit
// as the value to "restore", or one call's restore can stomp the
// limit another call's about-to-be-forked child still depends on.
// spec.md §5 permits concurrent requests, so this path must hold the
// lock for the whole lower/Start/restore sequence, not just each
// individual syscall.
var rlimitMu sync.Mutex

// run implements the POSIX launcher: new process group, rlimits for
// memory and file descriptors, pipes for stdout/stderr, and
// process-group-wide signaling on timeout so descendants are killed
// too, not just the leader.
func run(spec ProcessSpec) (Result, error) {
	// spec.Argv is the full POSIX argv array (argv[0] included, by
	// convention the program's basename rather than its full path),
	// not the extra-arguments form exec.Command's variadic parameter
	// expects — so Args is overwritten after construction rather than
	// letting exec.Command synthesize argv[0] from spec.Command.
	cmd := exec.Command(spec.Command)
	if len(spec.Argv) > 0 {
		cmd.Args = spec.Argv
	}
	cmd.Env = flattenEnv(spec.Env)
	cmd.Dir = spec.WorkspaceRoot
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	applied := CapabilitySet{}
	if spec.WorkspaceConfinement {
		applied.enforce(CapWorkspaceConfinement)
	}

	// Network isolation beyond best-effort hooks is a non-goal; the
	// POSIX launcher has no namespace/unshare capability without
	// elevated privileges it cannot assume, so a requested isolation
	// is truthfully unsupported rather than silently ignored.
	if spec.NetworkIsolation {
		applied.unsupported(CapNetworkIsolation)
	}

	// Seccomp requires an explicit filter program; this launcher
	// does not install one, so a request is unsupported, never
	// claimed enforced without a verified post-condition.
	if spec.SeccompFilter {
		applied.unsupported(CapSeccompFilter)
	}

	if spec.ProcessMitigation {
		// POSIX has no direct analogue to Windows process
		// mitigations; what little can be approximated (e.g.
		// disabling core dumps) cannot be verified post-exec, so
		// this is partial, never enforced.
		applied.partial(CapProcessMitigation)
	}

	// rlimits set in the parent just before fork+exec are inherited
	// by the child (fork() snapshots the calling process's limits).
	// Restore the parent's own limits immediately after Start returns
	// so the parent process itself is unaffected. The whole sequence
	// runs under rlimitMu so a concurrent launch can never observe or
	// clobber these process-wide limits mid-sequence.
	rlimitMu.Lock()
	restoreMem, memErr := lowerRlimitForChild(unix.RLIMIT_AS, spec.MemoryLimitBytes)
	restoreFD, fdErr := lowerRlimitForChild(unix.RLIMIT_NOFILE, int64(spec.FDLimit))

	start := time.Now()
	startErr := cmd.Start()

	restoreMem()
	restoreFD()
	rlimitMu.Unlock()

	if startErr != nil {
		return Result{LaunchError: startErr.Error()}, fmt.Errorf("%w: %v", ErrLaunchFailed, startErr)
	}

	if spec.MemoryLimitBytes > 0 {
		if memErr != nil {
			applied.partial(CapMemoryLimit)
		} else {
			applied.enforce(CapMemoryLimit)
		}
	}
	if spec.FDLimit > 0 {
		if fdErr != nil {
			applied.partial(CapFDLimit)
		} else {
			applied.enforce(CapFDLimit)
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	if spec.Timeout > 0 {
		select {
		case err := <-done:
			if err != nil {
				if _, ok := err.(*exec.ExitError); !ok {
					return Result{LaunchError: err.Error()}, fmt.Errorf("%w: %v", ErrIOError, err)
				}
			}
		case <-time.After(spec.Timeout):
			timedOut = true
			// Signal the whole process group, not just the leader,
			// so descendants die too.
			_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
			<-done
		}
	} else {
		if err := <-done; err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				return Result{LaunchError: err.Error()}, fmt.Errorf("%w: %v", ErrIOError, err)
			}
		}
	}

	duration := time.Since(start)
	exitCode := 0
	if timedOut {
		exitCode = TimeoutExitCode
	} else if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	return Result{
		ExitCode:       exitCode,
		Stdout:         stdout.Bytes(),
		Stderr:         stderr.Bytes(),
		Duration:       duration,
		SandboxApplied: applied,
		Timeout:        timedOut,
	}, nil
}

// lowerRlimitForChild temporarily lowers the calling process's own
// rlimit to value (inherited by the about-to-be-forked child) and
// returns a restore function that must be called immediately after
// cmd.Start() to put the parent's limit back. A limit of 0 is treated
// as "not requested" and is a no-op. If the lowering itself fails, the
// returned error signals the capability could not be enforced for
// this launch, and the restore function is always safe to call.
func lowerRlimitForChild(resource int, value int64) (restore func(), err error) {
	noop := func() {}
	if value <= 0 {
		return noop, nil
	}
	var original unix.Rlimit
	if err := unix.Getrlimit(resource, &original); err != nil {
		return noop, err
	}
	desired := unix.Rlimit{Cur: uint64(value), Max: original.Max}
	if desired.Cur > original.Max {
		desired.Max = desired.Cur
	}
	if err := unix.Setrlimit(resource, &desired); err != nil {
		return noop, err
	}
	return func() {
		_ = unix.Setrlimit(resource, &original)
	}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
