package snapshot

import (
	"fmt"
	"sync"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/waitutil"
)

// DDLKind classifies the concurrent DDL operation calling into
// BeginDDLState (spec §4.4 "Concurrent DDL coordination").
type DDLKind int

const (
	DDLRename DDLKind = iota
	DDLDrop
	DDLBulkAlter
	DDLEncryptionAlter
	DDLOtherAlter
)

// DDLGuard tracks whether BeginDDLState took a blocker slot, so
// EndDDLState releases exactly what was acquired.
type DDLGuard struct {
	s           *Snapshot
	fileIdx     uint32
	kind        DDLKind
	blockerHeld bool
	ended       bool
}

// BeginDDLState coordinates a concurrent DDL against the snapshot's
// current state (spec §4.4):
//
//   - FILE_COPY: blocks until any in-flight state transition finishes; if
//     the state is still FILE_COPY, takes a blocker slot and moves the
//     target file to RENAMING/DROPPING, then waits for all pins to drop.
//   - PAGE_COPY: bulk-ALTER and encryption-ALTER wait for the snapshot to
//     leave PAGE_COPY entirely; other ALTERs just wait out any in-flight
//     transition and proceed without touching file state.
//   - REDO_COPY/DONE: no interaction; returns immediately.
func (s *Snapshot) BeginDDLState(kind DDLKind, fileIdx uint32) (*DDLGuard, error) {
	switch s.State() {
	case descriptor.StateFileCopy:
		return s.beginDDLFileCopy(kind, fileIdx)
	case descriptor.StatePageCopy:
		return s.beginDDLPageCopy(kind, fileIdx)
	default:
		return &DDLGuard{s: s, fileIdx: fileIdx, kind: kind}, nil
	}
}

func (s *Snapshot) beginDDLFileCopy(kind DDLKind, fileIdx uint32) (*DDLGuard, error) {
	if err := s.blockStateChange(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	stillFileCopy := s.state == descriptor.StateFileCopy
	if stillFileCopy {
		s.numBlockers++
	}
	s.mu.Unlock()

	g := &DDLGuard{s: s, fileIdx: fileIdx, kind: kind, blockerHeld: stillFileCopy}
	if !stillFileCopy {
		return g, nil
	}

	fc := s.files.Get(fileIdx)
	if fc == nil {
		s.releaseBlocker()
		return nil, fmt.Errorf("begin ddl: %w: unknown file index", cloneerr.ErrInvalidDescriptor)
	}
	if kind == DDLDrop {
		fc.BeginDrop()
	} else {
		fc.BeginRename()
	}

	fc.BeginWait()
	defer fc.EndWait()

	var waitMu sync.Mutex
	waitMu.Lock()
	cond := func(alert bool) (wait bool, err error) {
		if s.Aborted() {
			return false, fmt.Errorf("%w: snapshot aborted", cloneerr.ErrAborted)
		}
		return fc.Pinned(), nil
	}
	isTimeout, err := waitutil.Wait(&waitMu, cond, waitutil.Options{})
	waitMu.Unlock()
	if err != nil {
		s.releaseBlocker()
		return nil, err
	}
	if isTimeout {
		s.releaseBlocker()
		return nil, fmt.Errorf("%w: waiting for file pins to drop (DATA_FILE_CLOSE) timed out", cloneerr.ErrTimeout)
	}
	return g, nil
}

func (s *Snapshot) beginDDLPageCopy(kind DDLKind, fileIdx uint32) (*DDLGuard, error) {
	g := &DDLGuard{s: s, fileIdx: fileIdx, kind: kind}

	if kind == DDLBulkAlter || kind == DDLEncryptionAlter {
		s.mu.Lock()
		cond := func(alert bool) (wait bool, err error) {
			if s.aborted {
				return false, nil // aborted snapshots release STATE_END_PAGE_COPY waiters (spec §5)
			}
			return s.state == descriptor.StatePageCopy, nil
		}
		isTimeout, _ := waitutil.Wait(&s.mu, cond, waitutil.Options{})
		s.mu.Unlock()
		if isTimeout {
			return nil, fmt.Errorf("%w: waiting for PAGE_COPY to end timed out", cloneerr.ErrTimeout)
		}
		return g, nil
	}

	if err := s.blockStateChange(); err != nil {
		return nil, err
	}
	return g, nil
}

// EndDDLState flips the file's renamed/deleted lifecycle, records the
// DDL extension tag and the state in which it occurred, and releases any
// blocker slot BeginDDLState took.
func (s *Snapshot) EndDDLState(g *DDLGuard, newName string, ext descriptor.NameExtensionTag) {
	if g.ended {
		return
	}
	g.ended = true

	if fc := s.files.Get(g.fileIdx); fc != nil {
		switch g.kind {
		case DDLDrop:
			fc.EndDrop()
		case DDLRename:
			fc.EndRename(newName, ext)
		}
		fc.SetModifiedByDDL()
		fc.SetNextState(s.State())
	}

	if g.blockerHeld {
		s.releaseBlocker()
	}
}

func (s *Snapshot) releaseBlocker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numBlockers > 0 {
		s.numBlockers--
	}
}

// blockStateChange waits for any in-flight state transition
// (numClonesTransit > 0) to finish before a DDL proceeds.
func (s *Snapshot) blockStateChange() error {
	s.mu.Lock()
	cond := func(alert bool) (wait bool, err error) {
		if s.aborted {
			return false, fmt.Errorf("%w: snapshot aborted", cloneerr.ErrAborted)
		}
		return s.numClonesTransit > 0, nil
	}
	isTimeout, err := waitutil.Wait(&s.mu, cond, waitutil.Options{Timeout: transitWaitTimeout})
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if isTimeout {
		return fmt.Errorf("%w: waiting for state transition to finish timed out", cloneerr.ErrTimeout)
	}
	return nil
}
