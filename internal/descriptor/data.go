package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// Data carries one block's worth of file bytes (spec §3 "Data block",
// §6). The payload follows the fixed fields immediately; its length is
// Header.Length - HeaderSize - dataFixedSize, never padded.
//
// Wire layout, after the header:
//
//	[4] FileID
//	[8] Offset
//	[4] PayloadLength
//	[PayloadLength] Payload
type Data struct {
	Header  Header
	FileID  uint32
	Offset  uint64
	Payload []byte
}

const dataFixedSize = 4 + 8 + 4

func EncodeData(d Data) []byte {
	buf := make([]byte, HeaderSize+dataFixedSize+len(d.Payload))
	d.Header.Type = TypeData
	d.Header.Length = uint32(len(buf))
	EncodeHeader(buf, d.Header)

	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], d.FileID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], d.Offset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(d.Payload)))
	off += 4
	copy(buf[off:], d.Payload)
	return buf
}

func DecodeData(buf []byte) (Data, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Data{}, err
	}
	if h.Type != TypeData {
		return Data{}, fmt.Errorf("%w: expected data type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+dataFixedSize {
		return Data{}, fmt.Errorf("%w: data body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var d Data
	d.Header = h
	off := HeaderSize
	d.FileID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	d.Offset = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	payloadLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if len(buf)-off < int(payloadLen) {
		return Data{}, fmt.Errorf("%w: data payload truncated", cloneerr.ErrInvalidDescriptor)
	}
	d.Payload = append([]byte(nil), buf[off:off+int(payloadLen)]...)
	return d, nil
}
