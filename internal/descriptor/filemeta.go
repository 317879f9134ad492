package descriptor

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// NameExtensionTag marks why a file context's stored name diverges from
// its on-disk name (spec §3 "File context", §4.4): NONE (no divergence),
// REPLACE (atomic rename target already applied), DDL (a concurrent DDL
// renamed the file out from under the clone).
type NameExtensionTag uint32

const (
	ExtensionNone    NameExtensionTag = 0
	ExtensionReplace NameExtensionTag = 1
	ExtensionDDL     NameExtensionTag = 2
)

// FileMetadata describes one file in the snapshot: its id, size, and name
// (spec §3 "File metadata", §6).
//
// Wire layout, after the header:
//
//	[4] FileID
//	[8] FileSize
//	[4] SpaceID
//	[4] Extension (NameExtensionTag)
//	[4] NameLength (bytes, NUL-terminated on the wire)
//	[NameLength] Name (UTF-8, NUL-terminated)
type FileMetadata struct {
	Header    Header
	FileID    uint32
	FileSize  uint64
	SpaceID   uint32
	Extension NameExtensionTag
	Name      string
}

const fileMetadataFixedSize = 4 + 8 + 4 + 4 + 4

// maxNameLength bounds the file name so a corrupt length field cannot
// force an unbounded allocation.
const maxNameLength = 4096

func EncodeFileMetadata(f FileMetadata) []byte {
	nameBytes := append([]byte(f.Name), 0) // NUL-terminated on the wire
	buf := make([]byte, HeaderSize+fileMetadataFixedSize+len(nameBytes))
	f.Header.Type = TypeFileMetadata
	f.Header.Length = uint32(len(buf))
	EncodeHeader(buf, f.Header)

	off := HeaderSize
	binary.BigEndian.PutUint32(buf[off:off+4], f.FileID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], f.FileSize)
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], f.SpaceID)
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(f.Extension))
	off += 4
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(nameBytes)))
	off += 4
	copy(buf[off:], nameBytes)
	return buf
}

func DecodeFileMetadata(buf []byte) (FileMetadata, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return FileMetadata{}, err
	}
	if h.Type != TypeFileMetadata {
		return FileMetadata{}, fmt.Errorf("%w: expected file metadata type, got %d", cloneerr.ErrInvalidDescriptor, h.Type)
	}
	if len(buf) < HeaderSize+fileMetadataFixedSize {
		return FileMetadata{}, fmt.Errorf("%w: file metadata body truncated", cloneerr.ErrInvalidDescriptor)
	}

	var f FileMetadata
	f.Header = h
	off := HeaderSize
	f.FileID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	f.FileSize = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	f.SpaceID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	f.Extension = NameExtensionTag(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	nameLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if nameLen == 0 || nameLen > maxNameLength {
		return FileMetadata{}, fmt.Errorf("%w: file name length %d out of bounds", cloneerr.ErrInvalidDescriptor, nameLen)
	}
	if len(buf)-off < int(nameLen) {
		return FileMetadata{}, fmt.Errorf("%w: file name truncated", cloneerr.ErrInvalidDescriptor)
	}
	nameBytes := buf[off : off+int(nameLen)]
	if nameBytes[len(nameBytes)-1] != 0 {
		return FileMetadata{}, fmt.Errorf("%w: file name not NUL-terminated", cloneerr.ErrInvalidDescriptor)
	}
	f.Name = string(nameBytes[:len(nameBytes)-1])
	return f, nil
}
