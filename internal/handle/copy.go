package handle

import (
	"fmt"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/snapshot"
	"clonekernel/internal/taskmanager"
)

// Copy drives task's copy-side loop (spec §4.5 "copy"): reserve a chunk,
// stream every block in it, and on exhaustion join the state-change
// barrier. Returns when the snapshot reaches DONE, a fatal error is
// recorded by any task, or this handle is aborted.
func (h *Handle) Copy(task *taskmanager.Task) error {
	if h.snapshot.State() == descriptor.StateInit {
		if _, err := h.advanceState(task); err != nil {
			return err
		}
	}

	for {
		if err := h.checkAborted(); err != nil {
			return err
		}
		if err, fileName := h.tasks.HandleErrorOtherTask(); err != nil {
			return fmt.Errorf("copy: task %s failed: %w", fileName, err)
		}

		chunkNum, blockNum, ok := h.tasks.ReserveNextChunk(task)
		if !ok {
			done, err := h.advanceState(task)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			continue
		}

		if err := h.copyChunk(task, chunkNum, blockNum); err != nil {
			if cloneerr.IsNetwork(err) {
				h.tasks.AddIncompleteChunk(task)
				return err
			}
			h.tasks.SetError(err, "")
			return err
		}
	}
}

// copyChunk streams every block of one chunk starting at blockNum
// (nonzero only when resuming a chunk a prior run left incomplete).
func (h *Handle) copyChunk(task *taskmanager.Task, chunkNum, blockNum uint32) error {
	fileIdx, _ := h.snapshot.FileForChunk(chunkNum)

	for b := blockNum; ; b++ {
		blk, ok, err := h.snapshot.GetNextBlock(fileIdx, chunkNum, b)
		if err != nil {
			return h.recordFailure(task.Index, err)
		}
		if !ok {
			return nil
		}
		task.Meta = taskmanager.Meta{ChunkNum: chunkNum, BlockNum: b}

		if blk.FileDeleted {
			wire := descriptor.EncodeFileMetadata(descriptor.FileMetadata{
				FileID:    fileIdx,
				Extension: descriptor.ExtensionDDL,
				Name:      "",
			})
			if err := h.transport.Send(wire); err != nil {
				return h.recordFailure(task.Index, fmt.Errorf("send drop notice: %w", cloneerr.ErrNetwork))
			}
			return nil
		}

		if err := h.sendBlock(fileIdx, blk); err != nil {
			return h.recordFailure(task.Index, err)
		}
		if err := h.recordFailure(task.Index, nil); err != nil {
			return err
		}
	}
}

func (h *Handle) sendBlock(fileIdx uint32, blk snapshot.Block) error {
	wire := descriptor.EncodeData(descriptor.Data{
		FileID:  fileIdx,
		Offset:  uint64(blk.Offset),
		Payload: blk.Data,
	})
	if err := h.transport.Send(wire); err != nil {
		return fmt.Errorf("send data: %w", cloneerr.ErrNetwork)
	}
	return nil
}

// advanceState joins the task-manager's change-state barrier; the last
// task to arrive drives the actual snapshot transition, sends every
// registered file's metadata to the peer on entry to FILE_COPY, and then
// sends the new state descriptor.
// Returns done=true once the snapshot has reached DONE.
func (h *Handle) advanceState(task *taskmanager.Task) (done bool, err error) {
	current := h.snapshot.State()
	if current == descriptor.StateDone {
		return true, nil
	}

	next := nextState(current)
	numWait, err := h.tasks.ChangeState(1, task, next)
	if err != nil {
		return false, err
	}
	if numWait > 0 {
		return false, nil
	}

	tr, err := snapshot.BeginTransit(h.snapshot, next)
	if err != nil {
		return false, err
	}
	tr.Close()

	if next == descriptor.StateFileCopy {
		if err := h.sendFileMetadata(); err != nil {
			return false, err
		}
	}

	if next == descriptor.StatePageCopy {
		if err := h.snapshot.PreparePageCopy(); err != nil {
			return false, fmt.Errorf("advance state: prepare page copy: %w", err)
		}
	}

	if next == descriptor.StateRedoCopy && h.redoPreparer != nil {
		header, trailer, logSize, err := h.redoPreparer.PrepareRedoCopy()
		if err != nil {
			return false, fmt.Errorf("advance state: prepare redo copy: %w", err)
		}
		if err := h.snapshot.PrepareRedoCopy(header, trailer, logSize); err != nil {
			return false, fmt.Errorf("advance state: prepare redo copy: %w", err)
		}
	}

	stateWire := descriptor.EncodeState(descriptor.State{
		State:     next,
		TaskIndex: task.Index,
		NumChunks: h.snapshot.NumChunks(),
	})
	if err := h.transport.Send(stateWire); err != nil {
		return false, fmt.Errorf("advance state: %w", cloneerr.ErrNetwork)
	}

	h.tasks.ResetForState(int(h.snapshot.NumChunks()))
	return next == descriptor.StateDone, nil
}

// sendFileMetadata broadcasts one FileMetadata descriptor per registered
// file, in the order AddFile was called on this side, so the apply
// side's own AddFile calls allocate matching arena indices (FileID on
// the wire is an arena index, not InnoDB's own file/space id).
func (h *Handle) sendFileMetadata() error {
	for _, idx := range h.snapshot.FileIndexes() {
		fc := h.snapshot.FileContext(idx)
		if fc == nil {
			continue
		}
		wire := descriptor.EncodeFileMetadata(descriptor.FileMetadata{
			FileID:    idx,
			SpaceID:   fc.SpaceID,
			Extension: descriptor.ExtensionNone,
			Name:      fc.Name,
		})
		if err := h.transport.Send(wire); err != nil {
			return fmt.Errorf("send file metadata: %w", cloneerr.ErrNetwork)
		}
	}
	return nil
}

func nextState(s descriptor.SnapshotState) descriptor.SnapshotState {
	switch s {
	case descriptor.StateInit:
		return descriptor.StateFileCopy
	case descriptor.StateFileCopy:
		return descriptor.StatePageCopy
	case descriptor.StatePageCopy:
		return descriptor.StateRedoCopy
	case descriptor.StateRedoCopy:
		return descriptor.StateDone
	default:
		return descriptor.StateDone
	}
}
