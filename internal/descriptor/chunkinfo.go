package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// ChunkInfo wraps a task's persisted chunk-info payload (spec §4.1),
// whose internal layout (incomplete-chunk list + reserved bitmap) is
// owned by package chunkset; descriptor only frames it with a task id
// and length so it can travel over the same header-prefixed wire format
// as every other descriptor type.
//
// Wire layout, after the header:
//
//	[4] TaskID
//	[4] PayloadLength
//	[PayloadLength] Payload (chunkset-encoded chunk info)
type ChunkInfo struct {
	Header  Header
	TaskID  uint32
	Payload []byte
}

const chunkInfoFixedSize = 4 + 4

func EncodeChunkInfo(c ChunkInfo) []byte {
	buf := make([]byte, HeaderSize+chunkInfoFixedSize+len(c.Payload))
	c.Header.Type = TypeChunkInfo
	c.Header.Length = uint32(len(buf))
	EncodeHeader(buf, c.Header)

	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], c.TaskID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(c.Payload)))
	off += 4
	copy(buf[off:], c.Payload)
	return buf
}

func DecodeChunkInfo(buf []byte) (ChunkInfo, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return ChunkInfo{}, err
	}
	if h.Type != TypeChunkInfo {
		return ChunkInfo{}, fmt.Errorf("%w: expected chunk info type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+chunkInfoFixedSize {
		return ChunkInfo{}, fmt.Errorf("%w: chunk info body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var c ChunkInfo
	c.Header = h
	off := HeaderSize
	c.TaskID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	payloadLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if len(buf)-off < int(payloadLen) {
		return ChunkInfo{}, fmt.Errorf("%w: chunk info payload truncated", cloneerr.ErrInvalidDescriptor)
	}
	c.Payload = append([]byte(nil), buf[off:off+int(payloadLen)]...)
	return c, nil
}
