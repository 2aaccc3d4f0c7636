package runtime

import "errors"

// Error sentinels matching the opaque stable error-code strings in
// spec.md §6.
var (
	ErrParseStructural = errors.New("runtime: parse_structural")
	ErrHashUnavailable = errors.New("runtime: hash_unavailable")
	ErrCASWriteFailed  = errors.New("runtime: cas_write_failed")
	ErrWorkspaceEscape = errors.New("runtime: workspace_escape")
	ErrLaunchFailed    = errors.New("runtime: launch_failed")
	ErrInvalidPolicy   = errors.New("runtime: invalid_policy")
)
