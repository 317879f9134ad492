// Package snapshot implements the clone engine's central state machine
// (spec §2 C4, §3 "Snapshot", §4.4): the INIT→FILE_COPY→PAGE_COPY→
// REDO_COPY→DONE progression, chunk/block sizing, DDL coordination, and
// the per-state "get next block" read path.
//
// The InnoDB buffer pool, page I/O, redo archiver, and B-tree code are
// explicitly out of scope (spec §1); this package treats them as opaque
// collaborators behind the PageSource/RedoSource interfaces so that the
// orchestration logic spec.md actually describes stays testable without
// a running storage engine underneath it.
package snapshot

import (
	"fmt"
	"sync"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/filectx"
)

// Default chunk/block sizing exponents (spec §4.4): chunk_size_pow2=12
// means 4096 pages (64 MiB at a 16 KiB page size); block_size_pow2=6
// means 64 pages (1 MiB).
const (
	DefaultChunkSizePow2 uint = 12
	DefaultBlockSizePow2 uint = 6
	MaxBlockSizePow2     uint = 12
)

// PageSource is the opaque InnoDB buffer-pool collaborator that supplies
// a page's bytes, LSN, and checksum for PAGE_COPY. Its implementation
// (buffer-pool latching, B-tree traversal) is out of scope here.
type PageSource interface {
	FetchPage(spaceID, pageNo uint32) (data []byte, lsn uint64, checksum uint32, dirty bool, err error)
}

// FileSource supplies raw, undecoded file byte ranges for FILE_COPY,
// before the file is old enough to have a buffer-pool page cache behind
// it. A separate collaborator from PageSource because FILE_COPY runs
// before InnoDB considers the file "open" for page-level access.
type FileSource interface {
	ReadFileRange(fileID uint32, offset int64, size int) ([]byte, error)
}

// RedoSource is the opaque archived-redo-log collaborator for REDO_COPY.
type RedoSource interface {
	ReadAt(offset int64, size int) ([]byte, error)
	Size() int64
}

// Reencryptor re-wraps a tablespace's page-0 master-encrypted key under
// the destination's master key (spec §4.4 "decrypts ... re-encrypts").
type Reencryptor interface {
	Reencrypt(pageZero []byte) ([]byte, error)
}

// Compressor performs transparent page compression (spec §4.4
// "optionally transparently compresses").
type Compressor interface {
	Compress(page []byte) ([]byte, error)
}

// fileEntry is one file's position in the current state's chunk range
// (spec §3 "File metadata": begin_chunk..end_chunk partitions the
// state's chunk range).
type fileEntry struct {
	ctxIndex   uint32
	beginChunk uint32
	endChunk   uint32
}

// Snapshot is the central entity shared by exactly one copy handle and
// one apply handle (spec §3 "Ownership", MAX_CLONES_PER_SNAPSHOT = 1).
type Snapshot struct {
	mu sync.Mutex

	state     descriptor.SnapshotState
	nextState descriptor.SnapshotState // only valid mid-transition

	numClones        int
	numClonesTransit int
	numBlockers      int
	aborted          bool

	chunkSizePow2 uint
	blockSizePow2 uint

	numChunks      uint32
	maxFileNameLen int

	files              *filectx.Table
	fileOrder          []fileEntry
	spaceIDToFileIndex map[uint32]uint32
	undoFileIndexes    []uint32

	numPages          uint64
	numDuplicatePages uint64
	pagesByFile       map[uint32][]uint32 // ctxIndex -> sorted dirty page numbers, valid once PAGE_COPY begins

	redoStartOffset int64
	redoHeader      []byte
	redoTrailer     []byte
	redoFileSize    int64
	numRedoChunks   uint32

	fileSource  FileSource
	pageSource  PageSource
	redoSource  RedoSource
	reencryptor Reencryptor
	compressor  Compressor
}

// New creates a snapshot in INIT state with room for maxFiles file
// contexts.
func New(maxFiles int, fileSource FileSource, pageSource PageSource, redoSource RedoSource, reencryptor Reencryptor, compressor Compressor) *Snapshot {
	return &Snapshot{
		state:              descriptor.StateInit,
		chunkSizePow2:      DefaultChunkSizePow2,
		blockSizePow2:      DefaultBlockSizePow2,
		maxFileNameLen:     4096,
		files:              filectx.NewTable(maxFiles),
		spaceIDToFileIndex: make(map[uint32]uint32),
		fileSource:         fileSource,
		pageSource:         pageSource,
		redoSource:         redoSource,
		reencryptor:        reencryptor,
		compressor:         compressor,
	}
}

// State returns the current snapshot state. Safe for concurrent readers:
// get_state() observations are monotonic (spec §8 Law "State
// monotonicity").
func (s *Snapshot) State() descriptor.SnapshotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChunkSize returns the number of pages per chunk (2^chunkSizePow2).
func (s *Snapshot) ChunkSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1 << s.chunkSizePow2
}

// BlockSize returns the number of pages per block (2^blockSizePow2).
func (s *Snapshot) BlockSize() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 1 << s.blockSizePow2
}

// UpdateBlockSize grows the block-size exponent so that a transfer
// buffer of buffSize bytes (given a page size) holds at least one block,
// capped at MaxBlockSizePow2 and never shrinking it (spec §4.4
// update_block_size). Only legal while still in INIT; directIO must be
// true, matching the spec's "only while still in INIT and only if
// direct-I/O is enabled".
func (s *Snapshot) UpdateBlockSize(buffSize int, pageSize int, directIO bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != descriptor.StateInit {
		return fmt.Errorf("update block size: %w: snapshot past INIT", cloneerr.ErrInvalidDescriptor)
	}
	if !directIO {
		return nil
	}

	for s.blockSizePow2 < MaxBlockSizePow2 {
		blockBytes := (1 << s.blockSizePow2) * pageSize
		if blockBytes >= buffSize {
			break
		}
		s.blockSizePow2++
	}
	return nil
}

// AddFile registers a new file in the current state's chunk range,
// returning its file context index.
func (s *Snapshot) AddFile(fileID, spaceID uint32, name string, beginChunk, endChunk uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.files.Create(fileID, spaceID, name)
	if !ok {
		return 0, fmt.Errorf("add file: %w", cloneerr.ErrOutOfMemory)
	}
	s.fileOrder = append(s.fileOrder, fileEntry{ctxIndex: idx, beginChunk: beginChunk, endChunk: endChunk})
	s.spaceIDToFileIndex[spaceID] = uint32(len(s.fileOrder) - 1)
	return idx, nil
}

// FileIndexes returns every registered file's arena index in
// registration order. The copy side uses this when entering FILE_COPY to
// broadcast one FileMetadata descriptor per file in the same order
// AddFile was called, so the apply side's own AddFile calls allocate
// matching arena indices on its side of the arena.
func (s *Snapshot) FileIndexes() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, len(s.fileOrder))
	for i, fe := range s.fileOrder {
		out[i] = fe.ctxIndex
	}
	return out
}

// FileContext returns the file context at arena index idx.
func (s *Snapshot) FileContext(idx uint32) *filectx.Context {
	return s.files.Get(idx)
}

// FileBySpaceID looks up a file's context by its tablespace id.
// Invariant I3: every non-RNIL entry is less than the file vector size.
func (s *Snapshot) FileBySpaceID(spaceID uint32) (*filectx.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.spaceIDToFileIndex[spaceID]
	if !ok || int(pos) >= len(s.fileOrder) {
		return nil, false
	}
	return s.files.Get(s.fileOrder[pos].ctxIndex), true
}

// FileForChunk maps a global chunk number to the file context that owns
// it, via each file's [beginChunk, endChunk] range in the current state
// (spec §3 "File metadata"). ok=false if no file claims chunkNum (the
// REDO_COPY header/trailer pseudo-chunks, which GetNextBlock handles
// directly without a file context).
func (s *Snapshot) FileForChunk(chunkNum uint32) (fileIdx uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fe := range s.fileOrder {
		if chunkNum >= fe.beginChunk && chunkNum <= fe.endChunk {
			return fe.ctxIndex, true
		}
	}
	return 0, false
}

// NumChunks returns the current state's total chunk count.
func (s *Snapshot) NumChunks() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numChunks
}

// SetNumChunks records the current state's chunk count as given. It does
// not check it against invariant I5 (total chunks equals the sum over
// files of (end_chunk-begin_chunk+1), plus two in REDO_COPY for the
// header and trailer pseudo-chunks).
func (s *Snapshot) SetNumChunks(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numChunks = n
}

// PrepareRedoCopy installs the archived redo log's header and trailer
// pseudo-chunk payloads and recomputes the REDO_COPY chunk count from
// logSize (spec §4.4 "REDO_COPY": "the header describes the log's start
// LSN and file, the bulk streams via RedoSource, and the trailer is a
// fixed pseudo-chunk appended after the log's live bytes"). Must be
// called once the snapshot has entered REDO_COPY (after BeginTransit),
// before any task calls GetNextBlock for this state.
func (s *Snapshot) PrepareRedoCopy(header, trailer []byte, logSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != descriptor.StateRedoCopy {
		return fmt.Errorf("prepare redo copy: %w: snapshot not in REDO_COPY", cloneerr.ErrInvalidDescriptor)
	}

	chunkBytes := int64(1<<s.chunkSizePow2) * int64(pageSizeBytes)
	middleChunks := (logSize + chunkBytes - 1) / chunkBytes
	if middleChunks < 0 {
		middleChunks = 0
	}

	s.redoHeader = header
	s.redoTrailer = trailer
	s.redoFileSize = logSize
	s.redoStartOffset = 0
	s.numRedoChunks = uint32(middleChunks) + 2 // header pseudo-chunk + middle + trailer pseudo-chunk
	s.numChunks = s.numRedoChunks
	return nil
}

// PreparePageCopy scans every registered file's FILE_COPY page range
// through PageSource and builds PAGE_COPY's page set: the sorted,
// per-file vector of page numbers the buffer pool currently reports
// dirty (spec §3 "page set and vector (sorted)", spec §4.4 "PAGE_COPY").
// Each file's PAGE_COPY chunk range is then recomputed from its own dirty
// page count, independent of the byte range FILE_COPY used for the same
// file, and numPages/numDuplicatePages are populated (spec §3 "num_pages,
// num_duplicate_pages"). numDuplicatePages counts pages the scan would
// otherwise add to the set twice; a single linear pass over each file's
// page range visits every page number once, so it stays zero unless a
// PageSource reports the same page number more than once for a file (the
// guard exists for that case, not for the common one). Must be called
// once the snapshot has
// entered PAGE_COPY (after BeginTransit), before any task calls
// GetNextBlock for this state.
func (s *Snapshot) PreparePageCopy() error {
	s.mu.Lock()
	if s.state != descriptor.StatePageCopy {
		s.mu.Unlock()
		return fmt.Errorf("prepare page copy: %w: snapshot not in PAGE_COPY", cloneerr.ErrInvalidDescriptor)
	}
	order := append([]fileEntry(nil), s.fileOrder...)
	chunkSize := uint32(1) << s.chunkSizePow2
	s.mu.Unlock()

	pagesByFile := make(map[uint32][]uint32, len(order))
	chunksNeeded := make([]uint32, len(order))
	var duplicates uint64
	var totalPages uint64

	for i, fe := range order {
		fc := s.files.Get(fe.ctxIndex)
		if fc == nil {
			continue
		}
		total := (fe.endChunk - fe.beginChunk + 1) * chunkSize
		seen := make(map[uint32]struct{})
		var pages []uint32
		for pageNo := uint32(0); pageNo < total; pageNo++ {
			_, _, _, dirty, err := s.pageSource.FetchPage(fc.SpaceID, pageNo)
			if err != nil {
				return fmt.Errorf("prepare page copy: %w", cloneerr.ErrCorruptPage)
			}
			if !dirty {
				continue
			}
			if _, ok := seen[pageNo]; ok {
				duplicates++
				continue
			}
			seen[pageNo] = struct{}{}
			pages = append(pages, pageNo)
		}
		pagesByFile[fe.ctxIndex] = pages
		chunksNeeded[i] = (uint32(len(pages)) + chunkSize - 1) / chunkSize
		totalPages += uint64(len(pages))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var cursor uint32
	for i := range s.fileOrder {
		n := chunksNeeded[i]
		if n == 0 {
			// No dirty pages: an empty range that FileForChunk's
			// [beginChunk, endChunk] test can never match.
			s.fileOrder[i].beginChunk = 1
			s.fileOrder[i].endChunk = 0
			continue
		}
		s.fileOrder[i].beginChunk = cursor
		s.fileOrder[i].endChunk = cursor + n - 1
		cursor += n
	}

	s.pagesByFile = pagesByFile
	s.numPages = totalPages
	s.numDuplicatePages = duplicates
	s.numChunks = cursor
	return nil
}

// pageCopyPages returns fileIdx's sorted dirty-page vector and its
// PAGE_COPY chunk range's starting chunk, as computed by PreparePageCopy.
func (s *Snapshot) pageCopyPages(fileIdx uint32) (beginChunk uint32, pages []uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fe := range s.fileOrder {
		if fe.ctxIndex == fileIdx {
			return fe.beginChunk, s.pagesByFile[fileIdx], true
		}
	}
	return 0, nil, false
}

// Aborted reports whether this snapshot has been torn down by
// clonesystem.MarkAbort.
func (s *Snapshot) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Abort marks the snapshot aborted so STATE_END_PAGE_COPY waiters bail
// out and blocked DDLs can proceed (spec §5 "Cancellation").
func (s *Snapshot) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
}
