// Package descriptor implements the clone engine's wire format: a
// 12-byte header (version, length, type, all big-endian) followed by a
// typed, fixed-offset body (spec §2 C2, §6).
//
// Every descriptor type is encoded/decoded at the exact byte offsets §6
// specifies; trailing bytes beyond the declared length belong to the next
// descriptor or are padding, never reinterpreted here.
package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// Type identifies a descriptor's body shape.
type Type uint32

const (
	TypeLocator      Type = 1
	TypeTaskMetadata Type = 2
	TypeState        Type = 3
	TypeFileMetadata Type = 4
	TypeData         Type = 5
	// TypeChunkInfo and TypeGTID extend the base five types from spec §2 to
	// carry the persisted chunk-info (spec §4.1) and GTID descriptor
	// (spec §4.8) payloads over the same header framing.
	TypeChunkInfo Type = 6
	TypeGTID      Type = 7
)

// HeaderSize is the fixed 12-byte header: version(4) + length(4) + type(4).
const HeaderSize = 12

// MaxVersion is the highest descriptor version this implementation speaks.
// Version negotiation (spec §4.2) never exceeds this.
const MaxVersion = 100

// Header is the common prefix of every descriptor.
type Header struct {
	Version uint32
	Length  uint32 // total descriptor length, header included
	Type    Type
}

// EncodeHeader writes h into the first HeaderSize bytes of buf.
func EncodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Version)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Type))
}

// DecodeHeader reads a Header from buf's first HeaderSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: buffer shorter than header (%d < %d)", cloneerr.ErrInvalidDescriptor, len(buf), HeaderSize)
	}
	h := Header{
		Version: binary.BigEndian.Uint32(buf[0:4]),
		Length:  binary.BigEndian.Uint32(buf[4:8]),
		Type:    Type(binary.BigEndian.Uint32(buf[8:12])),
	}
	if int(h.Length) < HeaderSize {
		return Header{}, fmt.Errorf("%w: declared length %d shorter than header", cloneerr.ErrInvalidDescriptor, h.Length)
	}
	return h, nil
}

// NegotiateVersion picks min(remoteMax, localMax), clamped at MaxVersion.
// There is no downgrade beyond this one step (spec §4.2): if the result is
// zero, negotiation failed.
func NegotiateVersion(remoteMax, localMax uint32) uint32 {
	if localMax > MaxVersion {
		localMax = MaxVersion
	}
	if remoteMax < localMax {
		return remoteMax
	}
	return localMax
}
