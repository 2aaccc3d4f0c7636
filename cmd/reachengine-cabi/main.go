// Command reachengine-cabi is not a runnable program; it exists so
// `go build -buildmode=c-shared` (or c-archive) has a package main to
// compile, producing the C-callable ABI spec.md §6 requires. The
// cgo-export wrappers below are thin: all real logic lives in
// internal/cabi, which stays pure Go and unit-testable.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/reach-labs/reachengine/internal/cabi"
)

// ReachABIVersion returns the C ABI's version integer. Callers should
// refuse to link against a version they were not built against.
//
//export ReachABIVersion
func ReachABIVersion() C.int {
	return C.int(cabi.ABIVersion)
}

// ReachOpen constructs an Engine and returns a positive handle, or 0
// with *errOut set to a callee-owned error string on failure. Free
// *errOut with ReachFreeString once read.
//
//export ReachOpen
func ReachOpen(casDir, indexPath *C.char, errOut **C.char) C.longlong {
	h, err := cabi.Open(C.GoString(casDir), C.GoString(indexPath))
	if err != nil {
		*errOut = C.CString(err.Error())
		return 0
	}
	return C.longlong(h)
}

// ReachClose releases the Engine behind handle. Returns 0 on success,
// nonzero if the handle was already unknown.
//
//export ReachClose
func ReachClose(handle C.longlong) C.int {
	if err := cabi.Close(cabi.Handle(handle)); err != nil {
		return 1
	}
	return 0
}

// ReachExecute runs requestJSON through the Engine behind handle. On
// success, *resultOut is set to a callee-owned JSON string and 0 is
// returned. On failure, *errOut is set instead and a nonzero code is
// returned. Exactly one of *resultOut/*errOut is ever populated; the
// caller frees whichever one is non-NULL with ReachFreeString.
//
//export ReachExecute
func ReachExecute(handle C.longlong, requestJSON *C.char, resultOut, errOut **C.char) C.int {
	out, err := cabi.Execute(cabi.Handle(handle), []byte(C.GoString(requestJSON)))
	if err != nil {
		*errOut = C.CString(err.Error())
		return 1
	}
	*resultOut = C.CString(string(out))
	return 0
}

// ReachReplay mirrors ReachExecute for the replay entry point.
//
//export ReachReplay
func ReachReplay(handle C.longlong, requestJSON, expectedResultJSON *C.char, outcomeOut, errOut **C.char) C.int {
	out, err := cabi.Replay(cabi.Handle(handle), []byte(C.GoString(requestJSON)), []byte(C.GoString(expectedResultJSON)))
	if err != nil {
		*errOut = C.CString(err.Error())
		return 1
	}
	*outcomeOut = C.CString(string(out))
	return 0
}

// ReachHealth mirrors ReachExecute for the health entry point.
//
//export ReachHealth
func ReachHealth(handle C.longlong, reportOut, errOut **C.char) C.int {
	out, err := cabi.Health(cabi.Handle(handle))
	if err != nil {
		*errOut = C.CString(err.Error())
		return 1
	}
	*reportOut = C.CString(string(out))
	return 0
}

// ReachFreeString releases a string previously returned through one
// of the *Out parameters above. Every such string is owned by the
// callee until this paired release call runs, per spec.md §6.
//
//export ReachFreeString
func ReachFreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {}
