package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// State announces a snapshot state transition to the peer, along with
// the task's position and sizing estimate for the new state (spec §6).
//
// Wire layout (bit-exact, spec §6):
//
//	[4] state          offset 12
//	[4] task_index     offset 16
//	[4] num_chunks     offset 20
//	[4] num_files      offset 24
//	[8] estimate_bytes offset 28
//	[2] flags          offset 36
type State struct {
	Header        Header
	State         SnapshotState
	TaskIndex     uint32
	NumChunks     uint32
	NumFiles      uint32
	EstimateBytes uint64
	Flags         uint16
}

const stateBodySize = 4 + 4 + 4 + 4 + 8 + 2

func EncodeState(s State) []byte {
	buf := make([]byte, HeaderSize+stateBodySize)
	s.Header.Type = TypeState
	s.Header.Length = uint32(len(buf))
	EncodeHeader(buf, s.Header)

	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(s.State))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], s.TaskIndex)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], s.NumChunks)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], s.NumFiles)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], s.EstimateBytes)
	off += 8
	binary.BigEndian.PutUint16(buf[off:off+2], s.Flags)
	return buf
}

func DecodeState(buf []byte) (State, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return State{}, err
	}
	if h.Type != TypeState {
		return State{}, fmt.Errorf("%w: expected state type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+stateBodySize {
		return State{}, fmt.Errorf("%w: state body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var s State
	s.Header = h
	off := HeaderSize
	s.State = SnapshotState(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	s.TaskIndex = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	s.NumChunks = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	s.NumFiles = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	s.EstimateBytes = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	s.Flags = binary.BigEndian.Uint16(buf[off : off+2])
	return s, nil
}
