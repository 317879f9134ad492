// Package cloneerr defines the abstract error taxonomy shared by every
// clone-engine component (spec §7). Errors are sentinel values wrapped with
// fmt.Errorf at call sites, the same style the rest of this module and its
// teacher corpus use — no third-party errors package.
package cloneerr

import "errors"

var (
	// ErrOutOfMemory: heap/arena exhausted. Fatal to the clone session.
	ErrOutOfMemory = errors.New("clone: out of memory")

	// ErrInvalidDescriptor: version mismatch, bad length, or structural
	// corruption. Fatal; never silently healed.
	ErrInvalidDescriptor = errors.New("clone: invalid descriptor")

	// ErrIO: generic file-system failure. Fatal.
	ErrIO = errors.New("clone: io error")

	// ErrCannotOpenFile: file open/create failure. Fatal.
	ErrCannotOpenFile = errors.New("clone: cannot open file")

	// ErrTablespaceExists: apply refuses to clobber an existing file at an
	// absolute path. Fatal.
	ErrTablespaceExists = errors.New("clone: tablespace already exists")

	// ErrCorruptPage: page self-check failed during copy. Fatal.
	ErrCorruptPage = errors.New("clone: corrupt page")

	// ErrTimeout: a wait exceeded its budget. Recoverable for DDL retries,
	// fatal for state-transition timeouts — callers decide which.
	ErrTimeout = errors.New("clone: wait timeout")

	// ErrInterrupted: THD/session kill flag observed during a wait.
	ErrInterrupted = errors.New("clone: query interrupted")

	// ErrNetwork: transport failure reported by the transfer callback.
	// Non-fatal once; the handle goes IDLE and awaits restart.
	ErrNetwork = errors.New("clone: network error")

	// ErrTooManyConcurrent: handle/snapshot array is full.
	ErrTooManyConcurrent = errors.New("clone: too many concurrent clones")

	// ErrChunkInfoMalformed: chunk-info descriptor is truncated, declares
	// more incomplete entries than CLONE_MAX_TASKS allows, or carries a
	// bitmap whose word count does not match the chunk count.
	ErrChunkInfoMalformed = errors.New("clone: malformed chunk info")

	// ErrNoMoreChunks: task manager has no more chunks to reserve in the
	// current state.
	ErrNoMoreChunks = errors.New("clone: no more chunks")

	// ErrStateChangeTimeout: a task waited longer than 10 minutes for the
	// last task to flip the snapshot state.
	ErrStateChangeTimeout = errors.New("clone: state change wait too long")

	// ErrAborted: the clone session (or snapshot) has been aborted.
	ErrAborted = errors.New("clone: aborted")
)

// IsNetwork reports whether err is (or wraps) a network error — the set of
// codes the spec treats as recoverable once before a second consecutive
// failure is promoted to fatal (spec §9 Open Questions).
func IsNetwork(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// IsFatal reports whether err should abort the whole clone session outright,
// as opposed to being retried by the caller (timeouts, network errors on
// their first occurrence).
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNetwork):
		return false
	case errors.Is(err, ErrTimeout):
		return false
	default:
		return true
	}
}
