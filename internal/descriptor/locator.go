package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// SnapshotState mirrors the snapshot state machine (spec §3 "Snapshot",
// §4.4): INIT, FILE_COPY, PAGE_COPY, REDO_COPY, DONE.
type SnapshotState uint8

const (
	StateInit     SnapshotState = 0
	StateFileCopy SnapshotState = 1
	StatePageCopy SnapshotState = 2
	StateRedoCopy SnapshotState = 3
	StateDone     SnapshotState = 4
)

// Locator identifies a clone session and its snapshot, stable across
// network restarts so the destination can echo it to resume (spec §3
// "Locator", §6). clone_id == 0 is reserved as "invalid".
//
// Wire layout (bit-exact, spec §6):
//
//	[8]  clone_id      offset 12
//	[8]  snapshot_id   offset 20
//	[4]  clone_index   offset 28
//	[1]  state         offset 32
//	[1]  meta_xferred  offset 33
type Locator struct {
	Header              Header
	CloneID             uint64
	SnapshotID          uint64
	CloneIndex          uint32
	State               SnapshotState
	MetadataTransferred bool
}

const locatorBodySize = 8 + 8 + 4 + 1 + 1

// EncodeLocator serializes l into a freshly allocated buffer.
func EncodeLocator(l Locator) []byte {
	buf := make([]byte, HeaderSize+locatorBodySize)
	l.Header.Type = TypeLocator
	l.Header.Length = uint32(len(buf))
	EncodeHeader(buf, l.Header)

	off := HeaderSize
	binary.BigEndian.PutUint64(buf[off:off+8], l.CloneID)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], l.SnapshotID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], l.CloneIndex)
	off += 4
	buf[off] = uint8(l.State)
	off++
	if l.MetadataTransferred {
		buf[off] = 1
	}
	return buf
}

// DecodeLocator parses a Locator descriptor from buf.
func DecodeLocator(buf []byte) (Locator, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Locator{}, err
	}
	if h.Type != TypeLocator {
		return Locator{}, fmt.Errorf("%w: expected locator type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+locatorBodySize {
		return Locator{}, fmt.Errorf("%w: locator body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var l Locator
	l.Header = h
	off := HeaderSize
	l.CloneID = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	l.SnapshotID = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	l.CloneIndex = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	l.State = SnapshotState(buf[off])
	off++
	l.MetadataTransferred = buf[off] != 0
	return l, nil
}
