// Package handle implements the per-direction clone/apply façade (spec
// §2 C6, §4.5, §4.6): locator exchange on INIT, the copy loop that pulls
// blocks through the snapshot and task manager, the apply loop that
// dispatches incoming descriptors, and the network-error retry policy
// that promotes a second consecutive failure on the same task to fatal.
package handle

import (
	"fmt"
	"log/slog"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/clonesystem"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/snapshot"
	"clonekernel/internal/taskmanager"
)

// State is a handle's position in its INIT/ACTIVE/IDLE/ABORT lifecycle
// (spec §3 "Handle").
type State int

const (
	StateInit State = iota
	StateActive
	StateIdle
	StateAbort
)

// Transport is the minimal descriptor-stream surface a handle needs from
// whatever carries bytes to the peer (spec §2 "Transport", implemented
// by package transport's localfile/s3/azure backends).
type Transport interface {
	Send(descriptor []byte) error
	Recv() ([]byte, error)
}

// RedoPreparer supplies the archived redo log's header/trailer payloads
// and size once the snapshot enters REDO_COPY (spec §4.4): only the copy
// side has a redo log to describe, so this is optional (nil on apply).
type RedoPreparer interface {
	PrepareRedoCopy() (header, trailer []byte, logSize int64, err error)
}

// Handle drives one direction (copy or apply) of a single clone session.
// It implements clonesystem.Handle so the owning System can abort it.
type Handle struct {
	direction descriptor.Direction
	system    *clonesystem.System
	snapshot  *snapshot.Snapshot
	tasks     *taskmanager.Manager
	transport Transport
	log       *slog.Logger

	redoPreparer RedoPreparer

	state   State
	locator descriptor.Locator

	// consecutiveFailures, keyed by task index, implements the retry
	// policy decided in DESIGN.md's Open Questions section: a network
	// error is tolerated once per task, but a second consecutive one on
	// the same task is promoted to fatal rather than retried forever.
	consecutiveFailures map[uint32]int

	registryIndex int
	aborted       bool
	hasAborted    bool
}

// New creates a handle for the given direction, wired to its snapshot,
// task manager, clone system, and transport. Registers itself with the
// clone system so a process-wide abort reaches it.
func New(direction descriptor.Direction, system *clonesystem.System, snap *snapshot.Snapshot, tasks *taskmanager.Manager, transport Transport, log *slog.Logger) (*Handle, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	h := &Handle{
		direction:           direction,
		system:              system,
		snapshot:            snap,
		tasks:               tasks,
		transport:           transport,
		log:                 log.With("component", "handle", "direction", direction),
		consecutiveFailures: make(map[uint32]int),
	}
	idx, err := system.Register(h, snap)
	if err != nil {
		return nil, err
	}
	h.registryIndex = idx
	return h, nil
}

// SetRedoPreparer wires the collaborator that supplies the archived redo
// log's header/trailer once the snapshot reaches REDO_COPY. Only the
// copy side needs one.
func (h *Handle) SetRedoPreparer(rp RedoPreparer) {
	h.redoPreparer = rp
}

// Close unregisters the handle from its clone system.
func (h *Handle) Close() {
	h.system.Unregister(h.registryIndex)
}

// Abort implements clonesystem.Handle: sets the local abort latch so the
// copy/apply loop exits at its next error check.
func (h *Handle) Abort() {
	h.aborted = true
}

// HasAborted implements clonesystem.Handle.
func (h *Handle) HasAborted() bool {
	return h.hasAborted
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State { return h.state }

// Init performs locator exchange (spec §4.6): the copy side mints a
// fresh clone_id/snapshot_id from the clone system's monotonic counter;
// the apply side waits to receive and adopt the copy side's locator, or
// stays in INIT if none has arrived yet.
func (h *Handle) Init() error {
	switch h.direction {
	case descriptor.DirectionCopy:
		h.locator = descriptor.Locator{
			CloneID:    h.system.NextID(),
			SnapshotID: h.system.NextID(),
			State:      descriptor.StateInit,
		}
		if err := h.transport.Send(descriptor.EncodeLocator(h.locator)); err != nil {
			return fmt.Errorf("handle init: send locator: %w", cloneerr.ErrNetwork)
		}
	case descriptor.DirectionApply:
		buf, err := h.transport.Recv()
		if err != nil {
			return fmt.Errorf("handle init: recv locator: %w", cloneerr.ErrNetwork)
		}
		loc, err := descriptor.DecodeLocator(buf)
		if err != nil {
			return fmt.Errorf("handle init: %w", err)
		}
		h.locator = loc
	}
	h.state = StateActive
	return nil
}

// Locator returns the handle's current locator, stable across restarts
// so the peer can echo it to resume a dropped connection.
func (h *Handle) Locator() descriptor.Locator { return h.locator }

// Resume adopts a locator obtained by a prior Init call (typically
// persisted by the caller across a process restart) without repeating
// the locator exchange, moving the handle straight to ACTIVE.
func (h *Handle) Resume(loc descriptor.Locator) {
	h.locator = loc
	h.state = StateActive
}

func (h *Handle) checkAborted() error {
	if h.aborted {
		h.hasAborted = true
		return fmt.Errorf("%w: clone handle", cloneerr.ErrAborted)
	}
	return nil
}

// recordFailure applies the consecutive-network-failure promotion
// policy: the first network error on a task is swallowed as retryable,
// but a second one in a row on the same task is promoted to fatal so a
// flaky link cannot stall a clone indefinitely (spec §9 Open Questions).
func (h *Handle) recordFailure(taskIdx uint32, err error) error {
	if err == nil {
		delete(h.consecutiveFailures, taskIdx)
		return nil
	}
	if !cloneerr.IsNetwork(err) {
		return err
	}
	h.consecutiveFailures[taskIdx]++
	if h.consecutiveFailures[taskIdx] >= 2 {
		return fmt.Errorf("clone: network error repeated on task %d, promoting to fatal: %v", taskIdx, err)
	}
	return err
}
