package chunkset

import (
	"encoding/binary"
	"fmt"

	"clonekernel/internal/cloneerr"
)

// MaxTasks bounds the number of concurrent tasks a single clone can run,
// matching the donor's fixed clone_tasks table (spec §2 C5, CLONE_MAX_TASKS).
const MaxTasks = 64

// incompleteEntry records one chunk a task reserved but never finished,
// keyed by the (chunk, block) pair the task had reached before failing.
type incompleteEntry struct {
	Chunk uint32
	Block uint32
}

// Info tracks a task's chunk reservation state: which chunks are fully
// reserved (the bitmap) and which were left incomplete mid-transfer, plus
// a cursor over the lowest still-unreserved chunk so ReserveNext need not
// rescan from chunk 1 every call (spec §4.1).
type Info struct {
	bitmap        *Bitmap
	incomplete    []incompleteEntry
	minUnreserved int
	totalChunks   int
}

// NewInfo creates chunk-info state for a task covering totalChunks chunks.
func NewInfo(totalChunks int) *Info {
	return &Info{
		bitmap:        NewBitmap(totalChunks),
		minUnreserved: 1,
		totalChunks:   totalChunks,
	}
}

// TotalChunks returns the configured chunk count.
func (in *Info) TotalChunks() int { return in.totalChunks }

// AddIncomplete records that chunk/block was left incomplete by a task
// that failed before finishing it, so a later task can pick it up first
// (spec §4.1 "incomplete-first" reservation policy).
func (in *Info) AddIncomplete(chunk, block uint32) {
	in.incomplete = append(in.incomplete, incompleteEntry{Chunk: chunk, Block: block})
}

// NextIncomplete pops and returns the oldest recorded incomplete chunk,
// or ok=false if none remain.
func (in *Info) NextIncomplete() (chunk, block uint32, ok bool) {
	if len(in.incomplete) == 0 {
		return 0, 0, false
	}
	e := in.incomplete[0]
	in.incomplete = in.incomplete[1:]
	return e.Chunk, e.Block, true
}

// ReserveNext reserves and returns the lowest unreserved chunk number, or
// ok=false if every chunk in [1, totalChunks] is already reserved.
func (in *Info) ReserveNext() (chunk uint32, ok bool) {
	if in.minUnreserved > in.totalChunks {
		return 0, false
	}
	next := in.bitmap.MinUnsetBit()
	if next > in.totalChunks {
		in.minUnreserved = in.totalChunks + 1
		return 0, false
	}
	in.bitmap.Set(next)
	in.minUnreserved = next + 1
	return uint32(next), true
}

// IsReserved reports whether chunk has already been reserved.
func (in *Info) IsReserved(chunk uint32) bool {
	return in.bitmap.IsSet(int(chunk))
}

// Encode serializes the chunk-info state as:
//
//	[4] incomplete_count
//	[incomplete_count]( [4] chunk [4] block )
//	[4] bitmap_word_count
//	[bitmap_word_count][4] bitmap words
func (in *Info) Encode() []byte {
	words := in.bitmap.Words()
	size := 4 + len(in.incomplete)*8 + 4 + len(words)*4
	buf := make([]byte, size)

	off := 0
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(in.incomplete)))
	off += 4
	for _, e := range in.incomplete {
		binary.BigEndian.PutUint32(buf[off:off+4], e.Chunk)
		off += 4
		binary.BigEndian.PutUint32(buf[off:off+4], e.Block)
		off += 4
	}
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(words)))
	off += 4
	for _, w := range words {
		binary.BigEndian.PutUint32(buf[off:off+4], w)
		off += 4
	}
	return buf
}

// Decode parses chunk-info state previously produced by Encode, validating
// every length field before trusting it (the incomplete count against
// MaxTasks, the bitmap word count against totalChunks);
// a malformed buffer (truncated, or claiming an implausible incomplete
// count or bitmap size) yields ErrChunkInfoMalformed rather than a panic
// or silent misread.
func Decode(buf []byte, totalChunks int) (*Info, error) {
	in := NewInfo(totalChunks)

	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: buffer too short for incomplete count", cloneerr.ErrChunkInfoMalformed)
	}
	off := 0
	incompleteCount := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	// A clone never runs more tasks than MaxTasks, so no task can have
	// left behind more incomplete chunks than that, independent of how
	// many chunks this state happens to have.
	if int(incompleteCount) > MaxTasks {
		return nil, fmt.Errorf("%w: incomplete count %d exceeds max tasks %d", cloneerr.ErrChunkInfoMalformed, incompleteCount, MaxTasks)
	}
	if len(buf)-off < int(incompleteCount)*8 {
		return nil, fmt.Errorf("%w: buffer too short for %d incomplete entries", cloneerr.ErrChunkInfoMalformed, incompleteCount)
	}
	for range incompleteCount {
		chunk := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		block := binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
		in.incomplete = append(in.incomplete, incompleteEntry{Chunk: chunk, Block: block})
	}

	if len(buf)-off < 4 {
		return nil, fmt.Errorf("%w: buffer too short for bitmap word count", cloneerr.ErrChunkInfoMalformed)
	}
	wordCount := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	expectedWords := (totalChunks + wordBits - 1) / wordBits
	if int(wordCount) != expectedWords {
		return nil, fmt.Errorf("%w: bitmap word count %d does not match expected %d for %d chunks", cloneerr.ErrChunkInfoMalformed, wordCount, expectedWords, totalChunks)
	}
	if len(buf)-off < int(wordCount)*4 {
		return nil, fmt.Errorf("%w: buffer too short for %d bitmap words", cloneerr.ErrChunkInfoMalformed, wordCount)
	}
	words := make([]uint32, wordCount)
	for i := range words {
		words[i] = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	in.bitmap.SetWords(words)
	in.minUnreserved = in.bitmap.MinUnsetBit()
	return in, nil
}
