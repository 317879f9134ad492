// Package clonesystem implements the process-wide clone/snapshot
// registry (spec §2 C7, §4.7): the global arrays of active handles and
// snapshots, the monotonic clone/snapshot id generator, and the
// mark_abort latch used to tear a clone session down under duress.
package clonesystem

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/snapshot"
	"clonekernel/internal/waitutil"
)

// MaxClones and MaxSnapshots are both 1 per spec §3 "Ownership"
// (MAX_CLONES_PER_SNAPSHOT = 1). The registry arrays are still sized 2x
// so a new handle can coexist briefly with a zombie from a previous
// failed attempt (spec §4.7).
const (
	MaxClones    = 1
	MaxSnapshots = 1

	cloneArrSize    = 2 * MaxClones
	snapshotArrSize = 2 * MaxSnapshots
)

// abortHeartbeat is how often mark_abort(force) logs a heartbeat while
// waiting for active clones to notice (spec §4.7).
const abortHeartbeat = 1 * time.Minute

// abortWaitTimeout bounds how long mark_abort(force) waits before giving
// up on stragglers.
const abortWaitTimeout = 5 * time.Minute

// Handle is the minimal surface System needs from a registered clone
// handle: whether it has noticed the abort latch yet. internal/handle
// implements this.
type Handle interface {
	HasAborted() bool
	Abort()
}

// System is the process-wide clone registry singleton. Callers hold one
// instance and pass it by reference; there is no package-level global
// state (spec §9 Design Notes: "expose these as explicit context structs
// passed by reference").
type System struct {
	mu sync.Mutex

	nextID    uint64 // monotonic clone/snapshot id counter (spec §4.6)
	handles   [cloneArrSize]Handle
	snapshots [snapshotArrSize]*snapshot.Snapshot
	aborted   bool

	log *slog.Logger
}

// New creates an empty clone system.
func New(log *slog.Logger) *System {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &System{log: log.With("component", "clonesystem")}
}

// NextID returns the next clone or snapshot id from the shared monotonic
// counter (spec §4.6: "a fresh clone_id and snapshot_id from the clone
// system's monotonic counter"). 0 is never returned: it is reserved as
// the "invalid" marker (spec §3 "Locator").
func (s *System) NextID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID
}

// Register inserts h and its snap into a free registry slot pair, or
// returns ErrTooManyConcurrent if both slots are occupied (spec §4.7:
// "Arrays of size CLONE_ARR_SIZE ... and SNAPSHOT_ARR_SIZE ..."). snap
// may be nil for an apply-direction handle still in INIT that hasn't
// attached to a snapshot yet.
func (s *System) Register(h Handle, snap *snapshot.Snapshot) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.handles {
		if existing == nil {
			s.handles[i] = h
			s.snapshots[i] = snap
			return i, nil
		}
	}
	return -1, fmt.Errorf("register clone handle: %w", cloneerr.ErrTooManyConcurrent)
}

// Unregister clears slot i's handle and snapshot.
func (s *System) Unregister(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= 0 && i < len(s.handles) {
		s.handles[i] = nil
		s.snapshots[i] = nil
	}
}

// Snapshots returns every currently-registered, non-nil snapshot, in
// registry-slot order. Used to enumerate in-progress clones (e.g. for
// diagnostics) without each caller needing its own bookkeeping.
func (s *System) Snapshots() []*snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*snapshot.Snapshot
	for _, snap := range s.snapshots {
		if snap != nil {
			out = append(out, snap)
		}
	}
	return out
}

// Aborted reports whether the system-wide abort latch is set.
func (s *System) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// MarkAbort sets CLONE_SYS_ABORT and aborts every registered handle; if
// force, it then waits up to abortWaitTimeout for them to notice, logging
// a heartbeat every abortHeartbeat (spec §4.7).
func (s *System) MarkAbort(force bool) {
	s.mu.Lock()
	s.aborted = true
	var live []Handle
	for _, h := range s.handles {
		if h != nil {
			h.Abort()
			live = append(live, h)
		}
	}
	s.mu.Unlock()

	if !force || len(live) == 0 {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			allDone := true
			for _, h := range live {
				if !h.HasAborted() {
					allDone = false
					break
				}
			}
			if allDone {
				return
			}
			time.Sleep(waitutil.DefaultSleep)
		}
	}()

	isTimeout := waitutil.WaitChan(done, abortWaitTimeout, abortHeartbeat, func() {
		s.log.Warn("waiting for clones to notice abort")
	})
	if isTimeout {
		s.log.Warn("clone(s) did not notice abort within timeout, abandoning", "timeout", abortWaitTimeout)
	}
}
