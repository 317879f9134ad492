package snapshot

import (
	"fmt"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/waitutil"
)

// transitWaitTimeout bounds how long a state transition waits for
// blocking DDLs to release before giving up (spec §4.4 STATE_BLOCKER
// wait-timeout).
const transitWaitTimeout = waitutil.DefaultTimeout

// Transit is the RAII-style State_transit guard (spec §4.4): acquire it
// with BeginTransit and always Close it (typically via defer) so
// end_transit clears the transit-generation bookkeeping even on an early
// return.
//
// Go has no destructors, so the guard is a struct whose Close method
// plays that role explicitly, the same RAII-by-convention shape the
// rest of this package (and the teacher's mutex.Lock/defer Unlock
// idiom) uses throughout.
type Transit struct {
	s         *Snapshot
	committed bool
	errored   bool
}

// BeginTransit acquires the snapshot mutex, calls begin_transit_ddl_wait
// (setting num_clones_transit = num_clones), then waits on STATE_BLOCKER
// until every blocking DDL has released (num_blockers reaches 0),
// honoring transitWaitTimeout. On a wait error the guard is returned in
// an errored state and the caller must abort the transition without
// mutating snapshot_state (spec §4.4 step 3).
func BeginTransit(s *Snapshot, newState descriptor.SnapshotState) (*Transit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.numClonesTransit = s.numClones
	s.nextState = newState

	cond := func(alert bool) (wait bool, err error) {
		if s.aborted {
			return false, fmt.Errorf("%w: snapshot aborted mid-transition", cloneerr.ErrAborted)
		}
		return s.numBlockers > 0, nil
	}

	isTimeout, err := waitutil.Wait(&s.mu, cond, waitutil.Options{Timeout: transitWaitTimeout})
	if err != nil {
		s.numClonesTransit = 0
		s.nextState = s.state
		return &Transit{s: s, errored: true}, err
	}
	if isTimeout {
		s.numClonesTransit = 0
		s.nextState = s.state
		return &Transit{s: s, errored: true}, fmt.Errorf("%w: state transition wait for DDL blockers timed out", cloneerr.ErrTimeout)
	}

	// begin_transit: assign snapshot_state under the mutex (already held).
	s.state = newState

	return &Transit{s: s}, nil
}

// Errored reports whether BeginTransit failed to acquire the transition
// (a timeout or abort); the caller must not proceed as if the state had
// changed.
func (t *Transit) Errored() bool { return t.errored }

// Close implements end_transit: clears num_clones_transit and
// snapshot_next_state. Safe to call multiple times; only the first call
// has effect. Intended to be deferred immediately after a successful
// BeginTransit.
func (t *Transit) Close() {
	if t.committed {
		return
	}
	t.committed = true
	if t.errored {
		return
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.numClonesTransit = 0
	t.s.nextState = t.s.state
}
