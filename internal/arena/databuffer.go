package arena

// dataSegment is a fixed-size word segment inside a DataBuffer's segment
// pool, chained via next_pool like every other arena-pooled element.
type dataSegment struct {
	words []uint32
	link  Link
}

// DataBuffer is a segmented word buffer: a chain of fixed-size segments
// seized from a pool as the buffer grows, avoiding the realloc-and-copy a
// plain growable slice would need for descriptor/page-id vectors that can
// span many segments (spec §4.10).
type DataBuffer struct {
	segSize      int
	pool         *Pool[dataSegment]
	firstSegment uint32
	lastSegment  uint32
	used         int // total words appended
}

// NewDataBuffer creates an empty buffer whose segments each hold segWords
// words, backed by a pool with room for maxSegments segments.
func NewDataBuffer(segWords, maxSegments int) *DataBuffer {
	pool := NewPool[dataSegment](maxSegments, func(s *dataSegment) *Link { return &s.link }, false)
	return &DataBuffer{
		segSize:      segWords,
		pool:         pool,
		firstSegment: RNIL,
		lastSegment:  RNIL,
	}
}

// Used returns the total number of words appended so far.
func (b *DataBuffer) Used() int { return b.used }

// Seize grows the tail by n words, returning false if the segment pool is
// exhausted before n words could be reserved. Newly seized words are
// zero-valued.
func (b *DataBuffer) Seize(n int) bool {
	remaining := n
	for remaining > 0 {
		if b.lastSegment != RNIL {
			seg := b.pool.At(b.lastSegment)
			room := b.segSize - len(seg.words)
			if room > 0 {
				take := min(room, remaining)
				seg.words = append(seg.words, make([]uint32, take)...)
				remaining -= take
				b.used += take
				continue
			}
		}

		idx, seg, ok := b.pool.Seize()
		if !ok {
			return false
		}
		seg.words = make([]uint32, 0, b.segSize)
		if b.firstSegment == RNIL {
			b.firstSegment = idx
		} else {
			b.pool.linkOf(b.pool.At(b.lastSegment)).next = idx
		}
		b.lastSegment = idx
	}
	return true
}

// Append seizes room for len(src) words and copies them in, growing the
// segment chain as needed. Returns false if the pool is exhausted.
func (b *DataBuffer) Append(src []uint32) bool {
	// Reserve logical space first so Seize's segment-growth logic runs,
	// then overwrite the newly reserved tail with src.
	start := b.used
	if !b.Seize(len(src)) {
		return false
	}
	for i, v := range src {
		seg, offset := b.locate(start + i)
		seg.words[offset] = v
	}
	return true
}

// Iter is a cursor into a DataBuffer, identifying a segment and an offset
// within it, so Next can hop segments via pos%segSize arithmetic instead
// of walking every segment from the start (spec §4.10).
type Iter struct {
	segment uint32
	offset  int
}

// Position returns an Iter for logical word position pos.
func (b *DataBuffer) Position(pos int) Iter {
	segIdx := pos / b.segSize
	offset := pos % b.segSize
	seg := b.firstSegment
	for range segIdx {
		seg = b.pool.linkOf(b.pool.At(seg)).next
	}
	return Iter{segment: seg, offset: offset}
}

// Next advances it by hops words, returning the updated Iter. It hops
// across segment boundaries using pos%segSize arithmetic rather than
// always walking from firstSegment.
func (b *DataBuffer) Next(it Iter, hops int) Iter {
	total := it.offset + hops
	for total >= b.segSize {
		it.segment = b.pool.linkOf(b.pool.At(it.segment)).next
		total -= b.segSize
	}
	it.offset = total
	return it
}

// At returns the word at it's position.
func (b *DataBuffer) At(it Iter) uint32 {
	seg := b.pool.At(it.segment)
	return seg.words[it.offset]
}

// locate maps a logical word position to its segment and in-segment offset.
func (b *DataBuffer) locate(pos int) (*dataSegment, int) {
	segIdx := pos / b.segSize
	offset := pos % b.segSize
	seg := b.firstSegment
	for range segIdx {
		seg = b.pool.linkOf(b.pool.At(seg)).next
	}
	return b.pool.At(seg), offset
}
