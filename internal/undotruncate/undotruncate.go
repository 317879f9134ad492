// Package undotruncate implements InnoDB's background undo-tablespace
// truncator (spec §2 C9, §4.9): a round-robin scan that marks an idle
// undo tablespace for truncation, a check that its rollback segments
// have fully drained, and a crash-safe truncate log protocol so a
// truncation in progress can be resumed (or rolled forward) after a
// restart.
package undotruncate

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"clonekernel/internal/cloneerr"
)

// truncateLogMagic occupies bytes 0..3 of the truncate log page. It
// stays zero for the duration of a truncation and is overwritten in
// place by done_logging once the new state is durable, so a half-written
// log is never mistaken for a completed one (spec §4.9 "done_logging").
const truncateLogMagic uint32 = 0xabcde123

// truncateLogHeaderSize is the size of the truncate log: a single
// InnoDB-page-sized file, written zeroed at start_logging.
const truncateLogHeaderSize = 16 * 1024

// truncateLogSpaceIDOffset is where the space id under truncation is
// recorded within the page, just past the magic field.
const truncateLogSpaceIDOffset = 4

// concurrentTruncateLimit is CONCURRENT_UNDO_TRUNCATE_LIMIT: truncating
// more than this many undo tablespaces at once logs a warning, since
// each truncation briefly stalls the rollback segments it owns.
const concurrentTruncateLimit = 4

// scanInterval is the round-robin scan's timer cadence (spec §4.9:
// "wakes once a second").
const scanInterval = 1 * time.Second

// Tablespace is one undo tablespace's mutable state, as tracked by the
// truncator (spec §3 "Undo tablespace").
type Tablespace struct {
	SpaceID            uint32
	BankIndex          int // position in the space-id bank, for wraparound reassignment
	MarkedForTruncate  bool
	explicitlyInactive bool

	// Populated by the (opaque, storage-engine-owned) rollback segment
	// layer this package treats as out of scope; RsegDrainChecker
	// supplies it.
}

// RsegDrainChecker reports whether every rollback segment in a
// tablespace has drained (spec §4.9 "check_if_marked_undo_is_empty":
// trx_ref_count == 0 and last_page_no == FIL_NULL for every rseg).
type RsegDrainChecker interface {
	IsDrained(spaceID uint32) (bool, error)
}

// TruncateLog is the crash-safe log file used across a single
// tablespace truncation (spec §4.9's three-phase start_logging /
// reassignment / done_logging protocol).
type TruncateLog interface {
	// StartLogging writes a zeroed header and records spaceID as the
	// tablespace under truncation; must be durable before truncation
	// proceeds.
	StartLogging(spaceID uint32) error
	// DoneLogging writes the magic sentinel marking the log complete,
	// then unlinks it.
	DoneLogging() error
	// ActiveSpaceID returns the space id of an in-progress truncation
	// recorded by a prior start_logging that never reached done_logging
	// (spec §4.9 "is_active_truncate_log_present", crash recovery).
	ActiveSpaceID() (spaceID uint32, present bool)
}

// Truncator owns the round-robin scan position, the space-id bank, and
// the rseg-drain/log collaborators (spec §2 C9).
type Truncator struct {
	mu sync.Mutex

	tablespaces []*Tablespace
	scanPos     int // s_scan_pos: next index the round-robin scan considers

	rsegChecker RsegDrainChecker
	log         TruncateLog

	inProgress int // count of tablespaces currently mid-truncation

	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// New creates a truncator over the given tablespace set.
func New(tablespaces []*Tablespace, rsegChecker RsegDrainChecker, truncateLog TruncateLog, scheduler gocron.Scheduler, logger *slog.Logger) (*Truncator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	t := &Truncator{
		tablespaces: tablespaces,
		rsegChecker: rsegChecker,
		log:         truncateLog,
		scheduler:   scheduler,
		logger:      logger.With("component", "undo-truncator"),
	}

	if scheduler != nil {
		if _, err := scheduler.NewJob(
			gocron.DurationJob(scanInterval),
			gocron.NewTask(t.scanTick),
			gocron.WithName("undo-truncate-scan"),
		); err != nil {
			return nil, fmt.Errorf("undotruncate: schedule scan: %w", err)
		}
	}

	return t, nil
}

// IsActiveTruncateLogPresent checks for a truncate log left behind by a
// crash mid-truncation (spec §4.9). Callers use this at startup to
// decide whether to roll the interrupted truncation forward before
// resuming normal operation.
func (t *Truncator) IsActiveTruncateLogPresent() (spaceID uint32, present bool) {
	return t.log.ActiveSpaceID()
}

// MarkUndoForTruncate scans tablespaces round-robin from s_scan_pos,
// preferring one explicitly marked inactive, and marks the first
// eligible candidate for truncation (spec §4.9 "mark_undo_for_truncate").
// Returns ok=false if no tablespace is currently eligible.
func (t *Truncator) MarkUndoForTruncate() (spaceID uint32, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.tablespaces)
	if n == 0 {
		return 0, false
	}

	// First pass: prefer an explicitly-inactive candidate.
	for i := 0; i < n; i++ {
		idx := (t.scanPos + i) % n
		ts := t.tablespaces[idx]
		if !ts.MarkedForTruncate && ts.explicitlyInactive {
			ts.MarkedForTruncate = true
			t.scanPos = (idx + 1) % n
			return ts.SpaceID, true
		}
	}

	// Second pass: any unmarked tablespace.
	for i := 0; i < n; i++ {
		idx := (t.scanPos + i) % n
		ts := t.tablespaces[idx]
		if !ts.MarkedForTruncate {
			ts.MarkedForTruncate = true
			t.scanPos = (idx + 1) % n
			return ts.SpaceID, true
		}
	}

	return 0, false
}

// MarkExplicitlyInactive records that spaceID was explicitly taken
// offline (e.g. by a DBA command), giving it priority in the next scan.
func (t *Truncator) MarkExplicitlyInactive(spaceID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ts := range t.tablespaces {
		if ts.SpaceID == spaceID {
			ts.explicitlyInactive = true
			return
		}
	}
}

// CheckIfMarkedUndoIsEmpty reports whether a tablespace marked for
// truncation has fully drained (spec §4.9
// "check_if_marked_undo_is_empty"): every rollback segment it owns has
// trx_ref_count == 0 and last_page_no == FIL_NULL, modeled here as a
// single opaque RsegDrainChecker call.
func (t *Truncator) CheckIfMarkedUndoIsEmpty(spaceID uint32) (bool, error) {
	return t.rsegChecker.IsDrained(spaceID)
}

// TruncateMarkedUndo executes the crash-safe truncate protocol (spec
// §4.9 "truncate_marked_undo"): acquire the MDL/ddl_mutex equivalent
// (modeled by the caller holding exclusive access before calling this),
// write a zeroed log header (start_logging), reassign the tablespace to
// a fresh slot in the space-id bank with wraparound, then write the
// magic sentinel and unlink the log (done_logging).
//
// reassign computes the tablespace's next space id; the truncator then
// advances its BankIndex by one, wrapping at bankSize. This mirrors
// InnoDB reusing a small fixed pool of undo space ids rather than
// growing one forever.
func (t *Truncator) TruncateMarkedUndo(spaceID uint32, bankSize int, reassign func(ts *Tablespace) (newSpaceID uint32, err error)) error {
	t.mu.Lock()
	var target *Tablespace
	for _, ts := range t.tablespaces {
		if ts.SpaceID == spaceID && ts.MarkedForTruncate {
			target = ts
			break
		}
	}
	if target == nil {
		t.mu.Unlock()
		return fmt.Errorf("truncate marked undo: %w: space %d not marked", cloneerr.ErrInvalidDescriptor, spaceID)
	}
	t.inProgress++
	if t.inProgress > concurrentTruncateLimit {
		t.logger.Warn("concurrent undo truncations exceed limit", "in_progress", t.inProgress, "limit", concurrentTruncateLimit)
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.inProgress--
		t.mu.Unlock()
	}()

	if err := t.log.StartLogging(spaceID); err != nil {
		return fmt.Errorf("truncate marked undo: start logging: %w", cloneerr.ErrIO)
	}

	newSpaceID, err := reassign(target)
	if err != nil {
		return fmt.Errorf("truncate marked undo: reassign space id: %w", err)
	}

	t.mu.Lock()
	target.SpaceID = newSpaceID
	target.BankIndex = (target.BankIndex + 1) % bankSize
	target.MarkedForTruncate = false
	target.explicitlyInactive = false
	t.mu.Unlock()

	if err := t.log.DoneLogging(); err != nil {
		return fmt.Errorf("truncate marked undo: done logging: %w", cloneerr.ErrIO)
	}
	return nil
}

// scanTick is the scheduled round-robin scan entry point: mark a
// candidate, and if it's already drained, caller-supplied orchestration
// (outside this package) decides whether to truncate it immediately.
// This package only exposes MarkUndoForTruncate/CheckIfMarkedUndoIsEmpty
// as building blocks; scanTick itself only marks, matching spec §4.9's
// separation between the scan (mark) and truncate (act) steps.
func (t *Truncator) scanTick() {
	spaceID, ok := t.MarkUndoForTruncate()
	if !ok {
		return
	}
	t.logger.Debug("marked undo tablespace for truncate", "space_id", spaceID)
}

// encodeZeroedHeader returns a zeroed truncateLogHeaderSize page with
// spaceID recorded at truncateLogSpaceIDOffset, the shape a concrete
// TruncateLog.StartLogging implementation writes; bytes 0..3 stay zero
// until done_logging overwrites them in place.
func encodeZeroedHeader(spaceID uint32) []byte {
	buf := make([]byte, truncateLogHeaderSize)
	binary.BigEndian.PutUint32(buf[truncateLogSpaceIDOffset:truncateLogSpaceIDOffset+4], spaceID)
	return buf
}

// encodeMagicSentinel returns the 4-byte magic value a concrete
// TruncateLog.DoneLogging implementation writes over bytes 0..3 before
// unlinking.
func encodeMagicSentinel() []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, truncateLogMagic)
	return buf
}
