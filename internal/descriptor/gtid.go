package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// GTID carries one persisted GTID interval row from the donor's
// gtid_executed set during REDO_COPY handoff, mirroring MySQL's
// (source_uuid, interval_start, interval_end) persistence layout
// (spec §4.8, §6).
//
// Wire layout, after the header:
//
//	[16] SourceUUID
//	[8]  Start (interval, inclusive)
//	[8]  End   (interval, inclusive)
type GTID struct {
	Header     Header
	SourceUUID [16]byte
	Start      uint64
	End        uint64
}

const gtidBodySize = 16 + 8 + 8

func EncodeGTID(g GTID) []byte {
	buf := make([]byte, HeaderSize+gtidBodySize)
	g.Header.Type = TypeGTID
	g.Header.Length = uint32(len(buf))
	EncodeHeader(buf, g.Header)

	off := HeaderSize
	copy(buf[off:off+16], g.SourceUUID[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:off+8], g.Start)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], g.End)
	return buf
}

func DecodeGTID(buf []byte) (GTID, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return GTID{}, err
	}
	if h.Type != TypeGTID {
		return GTID{}, fmt.Errorf("%w: expected gtid type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+gtidBodySize {
		return GTID{}, fmt.Errorf("%w: gtid body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var g GTID
	g.Header = h
	off := HeaderSize
	copy(g.SourceUUID[:], buf[off:off+16])
	off += 16
	g.Start = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	g.End = binary.BigEndian.Uint64(buf[off : off+8])
	return g, nil
}
