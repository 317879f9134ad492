// Package filectx implements the snapshot's per-file lifecycle record
// (spec §2 C3, §3 "File context", §4.4): the state a clone must track
// about a tablespace file as concurrent DDL renames or drops it out from
// under an in-progress copy.
//
// File contexts are addressed by dense arena index (spec §9 Design Note),
// never by pointer, so files can be created in and released from a
// snapshot's fixed-capacity file table without invalidating any index a
// task already holds.
package filectx

import (
	"sync/atomic"

	"clonekernel/internal/arena"
	"clonekernel/internal/descriptor"
)

// State is a file context's position in its rename/drop lifecycle.
type State uint32

const (
	StateCreated        State = iota // file registered, not yet touched by DDL
	StateRenaming                    // an atomic rename is in flight
	StateRenamed                     // rename committed, name extension recorded
	StateDropping                    // a DROP is in flight
	StateDropped                     // file removed from disk
	StateDroppedHandled              // DROPPED observed and acted on by every task
)

// Context is one file's lifecycle record. Embeds arena.Link so a
// filectx.Table can pool Contexts without a separate allocation per file.
type Context struct {
	link arena.Link

	FileID    uint32
	SpaceID   uint32
	Name      string
	Extension descriptor.NameExtensionTag

	state atomic.Uint32 // State; accessed without snapshot_mutex per spec §9 Design Note, so this is atomic rather than plain

	pin         atomic.Int32  // number of tasks currently reading this context
	waiting     atomic.Int32  // number of tasks blocked in begin_wait on this context
	modifiedDDL atomic.Bool   // set when a concurrent DDL altered this file
	nextState   atomic.Uint32 // snapshot state in which the last DDL touched this file
}

func linkOf(c *Context) *arena.Link { return &c.link }

// Table is the arena-backed pool of file Contexts for one snapshot.
type Table struct {
	pool *arena.Pool[Context]
}

// NewTable allocates a file context table with room for capacity files.
func NewTable(capacity int) *Table {
	return &Table{pool: arena.NewPool[Context](capacity, linkOf, false)}
}

// Create reserves a new Context for fileID/name, returning its arena
// index, or ok=false if the table is full.
func (t *Table) Create(fileID, spaceID uint32, name string) (uint32, bool) {
	idx, c, ok := t.pool.Seize()
	if !ok {
		return arena.RNIL, false
	}
	c.FileID = fileID
	c.SpaceID = spaceID
	c.Name = name
	c.state.Store(uint32(StateCreated))
	return idx, true
}

// Get returns the Context at idx, or nil if idx is out of range.
func (t *Table) Get(idx uint32) *Context { return t.pool.At(idx) }

// Release returns idx's slot to the pool. Callers must ensure no task
// still holds a pin on this context (see Context.Pin/Unpin).
func (t *Table) Release(idx uint32) { t.pool.Release(idx) }

// State returns the context's current lifecycle state.
func (c *Context) State() State { return State(c.state.Load()) }

// BeginRename transitions CREATED -> RENAMING. The new name and
// extension tag are recorded later, by EndRename.
func (c *Context) BeginRename() {
	c.state.Store(uint32(StateRenaming))
}

// EndRename transitions RENAMING -> RENAMED and records the new name.
func (c *Context) EndRename(newName string, ext descriptor.NameExtensionTag) {
	c.Name = newName
	c.Extension = ext
	c.state.Store(uint32(StateRenamed))
}

// BeginDrop transitions to DROPPING.
func (c *Context) BeginDrop() {
	c.state.Store(uint32(StateDropping))
}

// EndDrop transitions DROPPING -> DROPPED.
func (c *Context) EndDrop() {
	c.state.Store(uint32(StateDropped))
}

// MarkHandled transitions DROPPED -> DROPPED_HANDLED once every task has
// observed the drop and skipped the file (spec §4.4).
func (c *Context) MarkHandled() {
	c.state.Store(uint32(StateDroppedHandled))
}

// Modifying reports whether the file is mid-rename or mid-drop: a task
// reading FileSize or Name concurrently must retry rather than trust a
// possibly-torn value.
func (c *Context) Modifying() bool {
	st := c.State()
	return st == StateRenaming || st == StateDropping
}

// Deleting reports whether the file is in or past the DROPPING state.
func (c *Context) Deleting() bool {
	st := c.State()
	return st == StateDropping || st == StateDropped || st == StateDroppedHandled
}

// Deleted reports whether the file has finished being dropped.
func (c *Context) Deleted() bool {
	st := c.State()
	return st == StateDropped || st == StateDroppedHandled
}

// Pin marks the context as being read by one more task, as reported by
// Pinned. Table.Release does not consult the pin count.
func (c *Context) Pin() { c.pin.Add(1) }

// Unpin releases one reader's hold on the context.
func (c *Context) Unpin() { c.pin.Add(-1) }

// Pinned reports whether any task currently holds a pin.
func (c *Context) Pinned() bool { return c.pin.Load() > 0 }

// BeginWait records that a task is about to block waiting on this
// context's state to change (spec §4.4 "begin_wait"/"end_wait").
func (c *Context) BeginWait() { c.waiting.Add(1) }

// EndWait un-records a task's wait.
func (c *Context) EndWait() { c.waiting.Add(-1) }

// Waiting reports whether any task is currently blocked on this context.
func (c *Context) Waiting() bool { return c.waiting.Load() > 0 }

// SetModifiedByDDL records that a concurrent DDL touched this file while
// a clone held a reference to it.
func (c *Context) SetModifiedByDDL() { c.modifiedDDL.Store(true) }

// ModifiedByDDL reports whether a concurrent DDL touched this file.
func (c *Context) ModifiedByDDL() bool { return c.modifiedDDL.Load() }

// SetNextState records the snapshot state a concurrent DDL touched this
// file in, so a later state (e.g. PAGE_COPY) can decide whether to skip
// a file that was added after its own state began (spec §4.3).
func (c *Context) SetNextState(st descriptor.SnapshotState) { c.nextState.Store(uint32(st)) }

// NextState returns the state recorded by SetNextState.
func (c *Context) NextState() descriptor.SnapshotState {
	return descriptor.SnapshotState(c.nextState.Load())
}
