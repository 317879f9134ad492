package iosource

import "encoding/binary"

// redoTrailerMagic marks the end of a copied redo log stream; the apply
// side only logs its presence (spec §1 keeps InnoDB's own redo subsystem
// out of scope), so an 8-byte sentinel is enough.
var redoTrailerMagic = []byte("CLNEREOF")

// RedoHeaderPreparer implements handle.RedoPreparer over a RedoLog: the
// header payload records the log's current size (spec §4.4 "the header
// describes the log's start LSN and file"; the LSN/file-id bookkeeping
// itself belongs to InnoDB's redo subsystem, out of scope here, so this
// reports size alone, which is what nextRedoCopyBlock needs to bound the
// middle-chunk read range).
type RedoHeaderPreparer struct {
	rl *RedoLog
}

// NewRedoHeaderPreparer creates a preparer over rl.
func NewRedoHeaderPreparer(rl *RedoLog) *RedoHeaderPreparer {
	return &RedoHeaderPreparer{rl: rl}
}

// PrepareRedoCopy implements handle.RedoPreparer.
func (p *RedoHeaderPreparer) PrepareRedoCopy() (header, trailer []byte, logSize int64, err error) {
	size := p.rl.Size()
	header = make([]byte, 8)
	binary.BigEndian.PutUint64(header, uint64(size))
	trailer = append([]byte(nil), redoTrailerMagic...)
	return header, trailer, size, nil
}
