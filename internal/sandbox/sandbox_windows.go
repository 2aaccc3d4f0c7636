//go:build windows

package sandbox

import (
	"bytes"
	"fmt"
	"os/exec"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
)

// run implements the Windows launcher: a Job Object carries the memory
// limit, and timeout terminates the whole job, cascading to children,
// rather than just the process leader. No fd-limit analogue is set on
// the job; when the job is created, a requested fd limit is not applied
// and does not appear in any capability set.
//
// The process is assigned to the job object immediately after Start
// returns. There is an unavoidable race between process creation and
// job assignment using only the stdlib os/exec surface (it does not
// expose the raw thread handle needed to start suspended and resume
// only after assignment); a requested memory limit is therefore
// classified partial rather than enforced whenever the race window
// means enforcement cannot be guaranteed to predate the first
// allocation.
func run(spec ProcessSpec) (Result, error) {
	// spec.Argv is the full argv array (argv[0] included, by convention
	// the program's basename rather than its full path), not the
	// extra-arguments form exec.Command's variadic parameter expects —
	// so Args is overwritten after construction rather than letting
	// exec.Command synthesize argv[0] from spec.Command.
	cmd := exec.Command(spec.Command)
	if len(spec.Argv) > 0 {
		cmd.Args = spec.Argv
	}
	cmd.Env = flattenEnv(spec.Env)
	cmd.Dir = spec.WorkspaceRoot
	cmd.SysProcAttr = &syscall.SysProcAttr{}

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
	if spec.NetworkIsolation {
		// Windows Filtering Platform isolation requires an installed
		// firewall rule set this launcher does not manage; truthfully
		// unsupported rather than silently ignored.
		applied.unsupported(CapNetworkIsolation)
	}
	if spec.SeccompFilter {
		// No seccomp analogue on Windows.
		applied.unsupported(CapSeccompFilter)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{LaunchError: err.Error()}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	jobAssigned := false
	job, jobErr := windows.CreateJobObject(nil, nil)
	if jobErr == nil {
		// AssignProcessToJobObject needs a real kernel process handle,
		// not the PID os/exec exposes — a PID and a HANDLE are
		// different namespaces, so passing windows.Handle(pid) directly
		// would fail (or worse, silently address the wrong object) on
		// essentially every call.
		procHandle, openErr := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(cmd.Process.Pid))
		var assignErr error
		if openErr != nil {
			assignErr = openErr
		} else {
			assignErr = windows.AssignProcessToJobObject(job, procHandle)
			windows.CloseHandle(procHandle)
		}
		jobAssigned = assignErr == nil
		applyJobLimits(job, spec, &applied, jobAssigned)
		if assignErr != nil {
			if spec.ProcessMitigation {
				applied.partial(CapProcessMitigation)
			}
		} else if spec.ProcessMitigation {
			// Assignment succeeded but the process may already have
			// run a few instructions unconfined (see race-window note
			// above), so this is partial, not enforced.
			applied.partial(CapProcessMitigation)
		}
	} else {
		if spec.MemoryLimitBytes > 0 {
			applied.partial(CapMemoryLimit)
		}
		if spec.FDLimit > 0 {
			applied.partial(CapFDLimit)
		}
		if spec.ProcessMitigation {
			applied.partial(CapProcessMitigation)
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
			if jobAssigned {
				_ = windows.TerminateJobObject(job, uint32(TimeoutExitCode))
			} else {
				// The process was never actually added to the job
				// object (job creation, handle open, or assignment
				// failed), so TerminateJobObject would have no effect
				// on it. Kill the process directly so the deadline
				// guarantee still holds, even though descendants
				// outside this process won't be cascaded to.
				_ = cmd.Process.Kill()
			}
			<-done
		}
	} else if err := <-done; err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return Result{LaunchError: err.Error()}, fmt.Errorf("%w: %v", ErrIOError, err)
		}
	}
	if job != 0 {
		_ = windows.CloseHandle(job)
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

// applyJobLimits sets the job object's extended limit information for
// memory. Because assignment to the job necessarily happens after the
// process already exists (see the race-window note on run), a
// successful SetInformationJobObject call only ever yields partial,
// never enforced — the launcher cannot verify the limit predated the
// process's first allocation.
func applyJobLimits(job windows.Handle, spec ProcessSpec, applied *CapabilitySet, assigned bool) {
	if spec.MemoryLimitBytes <= 0 {
		return
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY,
		},
		ProcessMemoryLimit: uintptr(spec.MemoryLimitBytes),
	}
	err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil || !assigned {
		applied.partial(CapMemoryLimit)
		return
	}
	applied.partial(CapMemoryLimit)
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
