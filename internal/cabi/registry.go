// Package cabi implements the C-callable ABI surface spec.md §6
// requires: the same execute/replay/health shape as pkg/engine,
// carrying a version integer, with every returned string owned by the
// callee and freed only through the paired release call in
// cmd/reachengine-cabi/main.go.
//
// This file holds the pure-Go handle table and JSON marshaling the
// cgo-export wrappers in cmd/reachengine-cabi/main.go delegate to;
// keeping it cgo-free
// lets it be unit tested as ordinary Go.
package cabi

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/reach-labs/reachengine/pkg/engine"
)

// ABIVersion is the C ABI's own version integer, independent of the
// Go module's version — bumped only when the exported function
// signatures or JSON envelope shapes change in a way old callers
// cannot tolerate.
const ABIVersion = 1

// Handle is an opaque reference to an open Engine, valid for the
// lifetime between Open and Close.
type Handle int64

var (
	registryMu sync.RWMutex
	registry   = map[Handle]*engine.Engine{}
	nextHandle int64
)

// Open constructs an Engine backed by casDir/indexPath and registers
// it under a fresh handle. The caller must eventually call Close with
// the returned handle.
func Open(casDir, indexPath string) (Handle, error) {
	e, err := engine.New(engine.Config{CASDir: casDir, IndexPath: indexPath})
	if err != nil {
		return 0, err
	}
	h := Handle(atomic.AddInt64(&nextHandle, 1))
	registryMu.Lock()
	registry[h] = e
	registryMu.Unlock()
	return h, nil
}

// Close releases the Engine behind h and forgets the handle. Closing
// an unknown or already-closed handle is a no-op error, never a
// panic — the C side cannot be trusted to call this exactly once.
func Close(h Handle) error {
	registryMu.Lock()
	e, ok := registry[h]
	delete(registry, h)
	registryMu.Unlock()
	if !ok {
		return fmt.Errorf("cabi: unknown handle %d", h)
	}
	return e.Close()
}

func lookup(h Handle) (*engine.Engine, error) {
	registryMu.RLock()
	e, ok := registry[h]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("cabi: unknown handle %d", h)
	}
	return e, nil
}

// Execute decodes requestJSON, runs it through the Engine behind h,
// and returns the result re-encoded as JSON. Errors from decode,
// staging, or policy are returned as a Go error; a sandbox-level
// failure instead comes back as a normally-encoded non-ok result,
// exactly as pkg/engine.Execute behaves for in-process callers.
func Execute(h Handle, requestJSON []byte) ([]byte, error) {
	e, err := lookup(h)
	if err != nil {
		return nil, err
	}
	var req engine.Request
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return nil, fmt.Errorf("cabi: decode request: %w", err)
	}
	result, err := e.Execute(req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// Replay decodes requestJSON and expectedResultJSON, replays the
// request through the Engine behind h, and returns the verdict as
// JSON.
func Replay(h Handle, requestJSON, expectedResultJSON []byte) ([]byte, error) {
	e, err := lookup(h)
	if err != nil {
		return nil, err
	}
	var req engine.Request
	if err := json.Unmarshal(requestJSON, &req); err != nil {
		return nil, fmt.Errorf("cabi: decode request: %w", err)
	}
	var expected engine.Result
	if err := json.Unmarshal(expectedResultJSON, &expected); err != nil {
		return nil, fmt.Errorf("cabi: decode expected result: %w", err)
	}
	outcome, err := e.Replay(req, expected)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcome)
}

// Health runs the Engine behind h's self-tests and returns the report
// as JSON.
func Health(h Handle) ([]byte, error) {
	e, err := lookup(h)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e.Health())
}
