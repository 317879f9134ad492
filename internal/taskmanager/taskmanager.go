// Package taskmanager assigns tasks to a snapshot's current state, hands
// out chunk reservations, tracks incomplete chunks across a restart, and
// propagates the first error seen by any task to every other task
// (spec §2 C5, §4.5).
package taskmanager

import (
	"fmt"
	"sync"
	"time"

	"clonekernel/internal/chunkset"
	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/waitutil"
)

// MaxTasks bounds the fixed task table, matching MAX_CLONE_TASKS.
const MaxTasks = chunkset.MaxTasks

// changeStateSleep is SNAPSHOT_STATE_CHANGE_SLEEP: the poll interval a
// task waiting for every other task to reach the same state transition
// spins at.
const changeStateSleep = 50 * time.Millisecond

// changeStateTimeout bounds how long a task spins waiting for the last
// straggler before giving up with ErrStateChangeTimeout (spec §4.5).
const changeStateTimeout = 10 * time.Minute

// TaskState is a task's ACTIVE/INACTIVE membership in the current round.
type TaskState int

const (
	TaskActive TaskState = iota
	TaskInactive
)

// Meta is a task's position inside the current snapshot state (spec §3
// "Task metadata"). ChunkNum == 0 means "not yet reserved".
type Meta struct {
	ChunkNum uint32
	BlockNum uint32
}

// Task is one slot in the fixed task table: its position, descriptor
// serialization buffer, and state.
type Task struct {
	Index     uint32
	Meta      Meta
	State     TaskState
	SerialBuf []byte

	// arrivedState is the snapshot state this task has called ChangeState
	// for; used to detect whether it is the first arrival of this round.
	arrivedState descriptor.SnapshotState
	arrived      bool
}

// Manager owns the fixed task table and the chunk-reservation state
// shared by every task in the current snapshot state.
type Manager struct {
	mu sync.Mutex

	tasks []*Task
	used  []bool

	info *chunkset.Info

	// state transition bookkeeping (spec §4.5 change_state).
	transitTarget  descriptor.SnapshotState
	transitPending bool
	numArrived     int

	// first-error-wins propagation (spec §4.5, §7).
	err          error
	errIsNetwork bool
	errFileName  string
}

// NewManager creates a task manager with room for maxTasks concurrent
// tasks, reserving chunk bookkeeping for totalChunks chunks in the
// current state.
func NewManager(maxTasks, totalChunks int) *Manager {
	return &Manager{
		tasks: make([]*Task, maxTasks),
		used:  make([]bool, maxTasks),
		info:  chunkset.NewInfo(totalChunks),
	}
}

// AddTask reserves a free slot and allocates its serialization buffer,
// sized to 2*baseLen + maxFileNameLen per spec §4.5 step 3. Refuses if a
// prior fatal error has already been recorded.
func (m *Manager) AddTask(baseLen, maxFileNameLen int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil && !m.errIsNetwork {
		return nil, fmt.Errorf("add task: %w", m.err)
	}

	for i, u := range m.used {
		if !u {
			m.used[i] = true
			t := &Task{
				Index:     uint32(i),
				SerialBuf: make([]byte, 2*baseLen+maxFileNameLen),
			}
			m.tasks[i] = t
			return t, nil
		}
	}
	return nil, fmt.Errorf("add task: %w", cloneerr.ErrTooManyConcurrent)
}

// RemoveTask returns a task's slot to the free pool.
func (m *Manager) RemoveTask(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if int(task.Index) < len(m.used) {
		m.used[task.Index] = false
		m.tasks[task.Index] = nil
	}
}

// ReserveNextChunk implements the incomplete-first policy (spec §4.5):
// drains any chunk a prior run left incomplete before handing out a
// fresh chunk. ok=false means no more chunks remain in this state.
func (m *Manager) ReserveNextChunk(task *Task) (chunkNum, blockNum uint32, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if chunk, block, has := m.info.NextIncomplete(); has {
		task.Meta = Meta{ChunkNum: chunk, BlockNum: block}
		return chunk, block, true
	}

	chunk, has := m.info.ReserveNext()
	if !has {
		task.Meta = Meta{}
		return 0, 0, false
	}
	task.Meta = Meta{ChunkNum: chunk, BlockNum: 0}
	return chunk, 0, true
}

// AddIncompleteChunk records that task stopped mid-chunk (network error
// or restart signal) so the next run resumes exactly there.
func (m *Manager) AddIncompleteChunk(task *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.AddIncomplete(task.Meta.ChunkNum, task.Meta.BlockNum)
}

// ResetForState re-arms chunk bookkeeping for a new state with
// totalChunks chunks, clearing any stale reservation from the prior
// state.
func (m *Manager) ResetForState(totalChunks int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info = chunkset.NewInfo(totalChunks)
	m.transitPending = false
	m.numArrived = 0
}

// ChangeState implements the spin-wait barrier every task passes through
// to move the snapshot from one state to the next (spec §4.5): the first
// arrival records the target state; stragglers spin until numArrived
// reaches activeTasks, then the caller (task-manager owner) is expected
// to actually flip the snapshot state and call ResetForState.
//
// Returns numWait, the count of tasks still to arrive when this task
// arrived (0 means this task was the last to arrive and should drive
// the actual transition; a task that had to wait returns its non-zero
// count once every task has arrived), or ErrStateChangeTimeout if 10
// minutes pass without every task arriving.
func (m *Manager) ChangeState(activeTasks int, task *Task, newState descriptor.SnapshotState) (numWait int, err error) {
	m.mu.Lock()
	if !m.transitPending {
		m.transitPending = true
		m.transitTarget = newState
		m.numArrived = 0
	}
	if !task.arrived || task.arrivedState != newState {
		task.arrived = true
		task.arrivedState = newState
		m.numArrived++
	}
	remaining := activeTasks - m.numArrived
	if remaining <= 0 {
		m.mu.Unlock()
		return 0, nil
	}

	// Wait requires mtx held on entry and holds it again on return; cond
	// runs with m.mu already held, so it reads m.numArrived directly
	// rather than re-locking (waitutil.Wait's documented contract).
	cond := func(alert bool) (wait bool, err error) {
		return activeTasks-m.numArrived > 0, nil
	}

	isTimeout, err := waitutil.Wait(&m.mu, cond, waitutil.Options{
		Sleep:         changeStateSleep,
		Timeout:       changeStateTimeout,
		AlertInterval: changeStateSleep,
	})
	m.mu.Unlock()

	if err != nil {
		return 0, err
	}
	if isTimeout {
		return 0, fmt.Errorf("%w: state change wait too long", cloneerr.ErrStateChangeTimeout)
	}
	return remaining, nil
}

// SetError stores the first non-network error seen by any task. A
// network error is overwritten by any later fatal error (spec §4.5,
// §7 propagation policy).
func (m *Manager) SetError(err error, fileName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	isNetwork := cloneerr.IsNetwork(err)
	if m.err == nil {
		m.err = err
		m.errIsNetwork = isNetwork
		m.errFileName = fileName
		return
	}
	if m.errIsNetwork && !isNetwork {
		m.err = err
		m.errIsNetwork = false
		m.errFileName = fileName
	}
}

// HandleErrorOtherTask returns the error recorded by SetError, if any,
// so that every task in the snapshot exits the same way.
func (m *Manager) HandleErrorOtherTask() (err error, fileName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err, m.errFileName
}
