package handle

import (
	"fmt"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/snapshot"
	"clonekernel/internal/taskmanager"
)

// Apply drives task's apply-side loop (spec §4.5 "apply"): receive one
// descriptor at a time and dispatch on its header type. Returns when the
// snapshot reaches DONE, a fatal error is recorded, or the handle is
// aborted.
func (h *Handle) Apply(task *taskmanager.Task) error {
	for {
		if err := h.checkAborted(); err != nil {
			return err
		}
		if err, fileName := h.tasks.HandleErrorOtherTask(); err != nil {
			return fmt.Errorf("apply: task %s failed: %w", fileName, err)
		}

		buf, err := h.transport.Recv()
		if err != nil {
			err = h.recordFailure(task.Index, fmt.Errorf("apply: recv: %w", cloneerr.ErrNetwork))
			if cloneerr.IsNetwork(err) {
				h.tasks.AddIncompleteChunk(task)
				return err
			}
			h.tasks.SetError(err, "")
			return err
		}
		if err := h.recordFailure(task.Index, nil); err != nil {
			return err
		}

		done, err := h.applyDescriptor(task, buf)
		if err != nil {
			h.tasks.SetError(err, "")
			return err
		}
		if done {
			return nil
		}
	}
}

func (h *Handle) applyDescriptor(task *taskmanager.Task, buf []byte) (done bool, err error) {
	hdr, err := descriptor.DecodeHeader(buf)
	if err != nil {
		return false, fmt.Errorf("apply: %w", err)
	}

	switch hdr.Type {
	case descriptor.TypeTaskMetadata:
		meta, err := descriptor.DecodeTaskMetadata(buf)
		if err != nil {
			return false, fmt.Errorf("apply task metadata: %w", err)
		}
		task.Index = meta.TaskID
		return false, nil

	case descriptor.TypeState:
		st, err := descriptor.DecodeState(buf)
		if err != nil {
			return false, fmt.Errorf("apply state: %w", err)
		}
		tr, err := snapshot.BeginTransit(h.snapshot, st.State)
		if err != nil {
			return false, err
		}
		tr.Close()
		h.snapshot.SetNumChunks(st.NumChunks)
		h.tasks.ResetForState(int(st.NumChunks))
		return st.State == descriptor.StateDone, nil

	case descriptor.TypeFileMetadata:
		meta, err := descriptor.DecodeFileMetadata(buf)
		if err != nil {
			return false, fmt.Errorf("apply file metadata: %w", err)
		}
		if meta.Extension == descriptor.ExtensionDDL {
			if fc := h.snapshot.FileContext(meta.FileID); fc != nil {
				fc.BeginDrop()
				fc.EndDrop()
			}
			return false, nil
		}
		if _, err := h.snapshot.AddFile(meta.FileID, meta.SpaceID, meta.Name, 0, 0); err != nil {
			return false, fmt.Errorf("apply file metadata: %w", err)
		}
		return false, nil

	case descriptor.TypeData:
		_, err := descriptor.DecodeData(buf)
		if err != nil {
			return false, fmt.Errorf("apply data: %w", err)
		}
		// Writing the payload to the destination tablespace file is the
		// out-of-scope storage-engine side of apply (spec §1); this
		// package only owns descriptor dispatch and task bookkeeping.
		return false, nil

	default:
		return false, fmt.Errorf("apply: %w: unexpected descriptor type %d", cloneerr.ErrInvalidDescriptor, hdr.Type)
	}
}
