package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// Direction is the role a task descriptor's sender plays.
type Direction uint32

const (
	DirectionCopy  Direction = 1
	DirectionApply Direction = 2
)

// TaskMetadata announces a new task id to the peer and its direction
// (spec §3 "Task", §6).
//
// Wire layout, after the header:
//
//	[4] TaskID
//	[4] Direction
type TaskMetadata struct {
	Header    Header
	TaskID    uint32
	Direction Direction
}

const taskMetadataBodySize = 4 + 4

func EncodeTaskMetadata(m TaskMetadata) []byte {
	buf := make([]byte, HeaderSize+taskMetadataBodySize)
	m.Header.Type = TypeTaskMetadata
	m.Header.Length = uint32(len(buf))
	EncodeHeader(buf, m.Header)

	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], m.TaskID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(m.Direction))
	return buf
}

func DecodeTaskMetadata(buf []byte) (TaskMetadata, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return TaskMetadata{}, err
	}
	if h.Type != TypeTaskMetadata {
		return TaskMetadata{}, fmt.Errorf("%w: expected task metadata type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+taskMetadataBodySize {
		return TaskMetadata{}, fmt.Errorf("%w: task metadata body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var m TaskMetadata
	m.Header = h
	off := HeaderSize
	m.TaskID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	m.Direction = Direction(binary.BigEndian.Uint32(buf[off : off+4]))
	return m, nil
}
