// Command reachengine is a minimal library-smoke-test binary, not a
// command-line front-end (that surface is explicitly out of scope per
// spec.md §1): it builds an Engine, runs the health self-tests, then
// executes one trivial request and prints the result. Its only job is
// to exercise pkg/engine end to end the way the teacher's small cmd/
// binaries exercise their own internal packages.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/reach-labs/reachengine/internal/policy"
	"github.com/reach-labs/reachengine/pkg/engine"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut *os.File) int {
	fs := flag.NewFlagSet("reachengine", flag.ContinueOnError)
	dataDir := fs.String("data-dir", getenv("REACHENGINE_DATA_DIR", "reachengine-data"), "directory holding the CAS store and result index")
	command := fs.String("command", "/bin/echo", "command to execute for the smoke test")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := engine.New(engine.Config{
		CASDir:    filepath.Join(*dataDir, "cas"),
		IndexPath: filepath.Join(*dataDir, "index.db"),
	})
	if err != nil {
		fmt.Fprintf(errOut, "reachengine: open engine: %v\n", err)
		return 1
	}
	defer e.Close()

	report := e.Health()
	printJSON(out, "health", report)
	if !report.OK {
		fmt.Fprintln(errOut, "reachengine: doctor reported blockers, refusing to execute")
		return 1
	}

	workspace, err := os.MkdirTemp("", "reachengine-smoke-*")
	if err != nil {
		fmt.Fprintf(errOut, "reachengine: workspace: %v\n", err)
		return 1
	}
	defer os.RemoveAll(workspace)

	req := engine.Request{
		Command:   *command,
		Argv:      []string{filepath.Base(*command), "reachengine-smoke-test"},
		Workspace: workspace,
		Policy: policy.Policy{
			Mode:          policy.ModeRepro,
			TimeMode:      policy.TimeModeFrozen,
			Deterministic: true,
			TimeoutMS:     5000,
			LLMMode:       policy.LLMModeNone,
		},
	}
	result, err := e.Execute(req)
	if err != nil {
		fmt.Fprintf(errOut, "reachengine: execute: %v\n", err)
		return 1
	}
	printJSON(out, "result", result)
	if !result.OK {
		return 1
	}
	return 0
}

func printJSON(out *os.File, label string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(out, "%s: <unmarshalable: %v>\n", label, err)
		return
	}
	fmt.Fprintf(out, "%s:\n%s\n", label, b)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
