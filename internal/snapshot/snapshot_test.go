package snapshot

import (
	"errors"
	"sync"
	"testing"
	"time"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/descriptor"
)

type fakeFileSource struct {
	data []byte
}

func (f *fakeFileSource) ReadFileRange(fileID uint32, offset int64, size int) ([]byte, error) {
	if int(offset) >= len(f.data) {
		return nil, nil
	}
	end := int(offset) + size
	if end > len(f.data) {
		end = len(f.data)
	}
	return f.data[offset:end], nil
}

type fakePageSource struct {
	pages map[uint32][]byte
}

func (f *fakePageSource) FetchPage(spaceID, pageNo uint32) ([]byte, uint64, uint32, bool, error) {
	data, ok := f.pages[pageNo]
	if !ok {
		return nil, 0, 0, false, nil
	}
	return data, 100, 0xABCD, pageNo%2 == 0, nil
}

type fakeRedoSource struct {
	data []byte
}

func (f *fakeRedoSource) ReadAt(offset int64, size int) ([]byte, error) {
	if int(offset) >= len(f.data) {
		return nil, nil
	}
	end := int(offset) + size
	if end > len(f.data) {
		end = len(f.data)
	}
	return f.data[offset:end], nil
}

func (f *fakeRedoSource) Size() int64 { return int64(len(f.data)) }

func newTestSnapshot() *Snapshot {
	return New(8, &fakeFileSource{data: make([]byte, 1<<20)}, &fakePageSource{pages: map[uint32][]byte{
		0: make([]byte, pageSizeBytes),
		1: make([]byte, pageSizeBytes),
	}}, &fakeRedoSource{data: make([]byte, 1<<16)}, nil, nil)
}

func TestNewSnapshotStartsInInit(t *testing.T) {
	s := newTestSnapshot()
	if s.State() != descriptor.StateInit {
		t.Fatalf("expected StateInit, got %v", s.State())
	}
}

func TestStateTransitionSequence(t *testing.T) {
	s := newTestSnapshot()
	sequence := []descriptor.SnapshotState{
		descriptor.StateFileCopy,
		descriptor.StatePageCopy,
		descriptor.StateRedoCopy,
		descriptor.StateDone,
	}
	for _, target := range sequence {
		tr, err := BeginTransit(s, target)
		if err != nil {
			t.Fatalf("BeginTransit(%v): %v", target, err)
		}
		tr.Close()
		if got := s.State(); got != target {
			t.Fatalf("expected state %v after transit, got %v", target, got)
		}
	}
}

func TestUpdateBlockSizeOnlyDuringInit(t *testing.T) {
	s := newTestSnapshot()
	if err := s.UpdateBlockSize(4<<20, pageSizeBytes, true); err != nil {
		t.Fatalf("update block size in INIT: %v", err)
	}
	if s.BlockSize() < 1<<DefaultBlockSizePow2 {
		t.Fatal("expected block size to grow to cover the transfer buffer")
	}

	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	if err := s.UpdateBlockSize(8<<20, pageSizeBytes, true); err == nil {
		t.Fatal("expected error updating block size past INIT")
	}
}

func TestUpdateBlockSizeIgnoredWithoutDirectIO(t *testing.T) {
	s := newTestSnapshot()
	before := s.BlockSize()
	if err := s.UpdateBlockSize(16<<20, pageSizeBytes, false); err != nil {
		t.Fatalf("update block size: %v", err)
	}
	if s.BlockSize() != before {
		t.Fatal("expected block size unchanged when direct I/O disabled")
	}
}

func TestAddFileAndLookupBySpaceID(t *testing.T) {
	s := newTestSnapshot()
	idx, err := s.AddFile(1, 42, "t1.ibd", 0, 10)
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	fc, ok := s.FileBySpaceID(42)
	if !ok {
		t.Fatal("expected file found by space id")
	}
	if fc != s.FileContext(idx) {
		t.Fatal("space id lookup returned a different context than the index")
	}
}

func TestGetNextBlockFileCopy(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()

	blk, ok, err := s.GetNextBlock(idx, 0, 0)
	if err != nil {
		t.Fatalf("get next block: %v", err)
	}
	if !ok {
		t.Fatal("expected a block")
	}
	if blk.FileDeleted {
		t.Fatal("expected a live file, not deleted")
	}
	if len(blk.Data) == 0 {
		t.Fatal("expected non-empty data")
	}
}

func TestGetNextBlockFileCopySkipsDeletedFile(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()

	fc := s.FileContext(idx)
	fc.BeginDrop()
	fc.EndDrop()

	blk, ok, err := s.GetNextBlock(idx, 0, 0)
	if err != nil {
		t.Fatalf("get next block: %v", err)
	}
	if !ok || !blk.FileDeleted {
		t.Fatal("expected a FileDeleted block for a dropped file")
	}
	if fc.State() != 5 { // StateDroppedHandled
		t.Fatalf("expected DROPPED_HANDLED, got state %v", fc.State())
	}
}

func TestGetNextBlockPageCopyReencryptsPageZero(t *testing.T) {
	s := newTestSnapshot()
	s.reencryptor = reencryptFunc(func(pageZero []byte) ([]byte, error) {
		out := append([]byte(nil), pageZero...)
		out[0] = 0xFF
		return out, nil
	})
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	tr2, _ := BeginTransit(s, descriptor.StatePageCopy)
	tr2.Close()
	if err := s.PreparePageCopy(); err != nil {
		t.Fatalf("prepare page copy: %v", err)
	}

	blk, ok, err := s.GetNextBlock(idx, 0, 0)
	if err != nil {
		t.Fatalf("get next block: %v", err)
	}
	if !ok {
		t.Fatal("expected a block")
	}
	if blk.Data[0] != 0xFF {
		t.Fatal("expected page 0 to be re-encrypted")
	}
}

type reencryptFunc func([]byte) ([]byte, error)

func (f reencryptFunc) Reencrypt(pageZero []byte) ([]byte, error) { return f(pageZero) }

// dirtyPageSource reports exactly the page numbers in dirty as dirty,
// regardless of spaceID, so tests can control PreparePageCopy's scan
// independent of file identity.
type dirtyPageSource struct {
	pages map[uint32][]byte
	dirty map[uint32]bool
}

func (f *dirtyPageSource) FetchPage(spaceID, pageNo uint32) ([]byte, uint64, uint32, bool, error) {
	data, ok := f.pages[pageNo]
	if !ok {
		return nil, 0, 0, false, nil
	}
	return data, 100, 0xABCD, f.dirty[pageNo], nil
}

func TestPreparePageCopyBuildsDirtyPageSet(t *testing.T) {
	pages := map[uint32][]byte{0: make([]byte, pageSizeBytes), 1: make([]byte, pageSizeBytes), 2: make([]byte, pageSizeBytes)}
	src := &dirtyPageSource{pages: pages, dirty: map[uint32]bool{0: true, 2: true}}
	s := New(8, &fakeFileSource{data: make([]byte, 1<<20)}, src, &fakeRedoSource{data: make([]byte, 1<<16)}, nil, nil)

	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 0) // one chunk worth of scan range
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	tr2, _ := BeginTransit(s, descriptor.StatePageCopy)
	tr2.Close()

	if err := s.PreparePageCopy(); err != nil {
		t.Fatalf("prepare page copy: %v", err)
	}

	if got := s.numPages; got != 2 {
		t.Fatalf("expected 2 dirty pages, got %d", got)
	}
	if got := s.numDuplicatePages; got != 0 {
		t.Fatalf("expected no duplicates, got %d", got)
	}

	// Page 1 is clean and must not appear in the set at all.
	blk, ok, err := s.GetNextBlock(idx, 0, 0)
	if err != nil || !ok {
		t.Fatalf("get next block 0: ok=%v err=%v", ok, err)
	}
	if blk.PageNo != 0 {
		t.Fatalf("expected first dirty page to be page 0, got %d", blk.PageNo)
	}
	blk, ok, err = s.GetNextBlock(idx, 0, 1)
	if err != nil || !ok {
		t.Fatalf("get next block 1: ok=%v err=%v", ok, err)
	}
	if blk.PageNo != 2 {
		t.Fatalf("expected second dirty page to be page 2 (page 1 is clean), got %d", blk.PageNo)
	}
	if _, ok, err := s.GetNextBlock(idx, 0, 2); err != nil || ok {
		t.Fatalf("expected the page set to be exhausted after 2 entries, ok=%v err=%v", ok, err)
	}
}

// TestPreparePageCopyNoDuplicatesWithinASinglePass confirms
// numDuplicatePages stays zero for a straight linear scan: each page
// number in a file's range is only ever queried once per PreparePageCopy
// call, so nothing can collide with an entry already in the set.
func TestPreparePageCopyNoDuplicatesWithinASinglePass(t *testing.T) {
	pages := map[uint32][]byte{0: make([]byte, pageSizeBytes)}
	src := &dirtyPageSource{pages: pages, dirty: map[uint32]bool{0: true}}
	s := New(8, &fakeFileSource{data: make([]byte, 1<<20)}, src, &fakeRedoSource{data: make([]byte, 1<<16)}, nil, nil)

	s.AddFile(1, 1, "t1.ibd", 0, 0)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	tr2, _ := BeginTransit(s, descriptor.StatePageCopy)
	tr2.Close()

	if err := s.PreparePageCopy(); err != nil {
		t.Fatalf("prepare page copy: %v", err)
	}
	if s.numPages != 1 {
		t.Fatalf("expected 1 distinct dirty page, got %d", s.numPages)
	}
	if s.numDuplicatePages != 0 {
		t.Fatalf("expected no duplicates from a single scan, got %d", s.numDuplicatePages)
	}
}

func TestPreparePageCopyEmptyFileContributesNoChunks(t *testing.T) {
	src := fetchFunc(func(spaceID, pageNo uint32) ([]byte, uint64, uint32, bool, error) {
		return nil, 0, 0, false, nil // nothing dirty anywhere
	})
	s := New(8, &fakeFileSource{data: make([]byte, 1<<20)}, src, &fakeRedoSource{data: make([]byte, 1<<16)}, nil, nil)

	s.AddFile(1, 1, "t1.ibd", 0, 0)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	tr2, _ := BeginTransit(s, descriptor.StatePageCopy)
	tr2.Close()

	if err := s.PreparePageCopy(); err != nil {
		t.Fatalf("prepare page copy: %v", err)
	}
	if s.NumChunks() != 0 {
		t.Fatalf("expected 0 chunks when no page is dirty, got %d", s.NumChunks())
	}
}

type fetchFunc func(spaceID, pageNo uint32) ([]byte, uint64, uint32, bool, error)

func (f fetchFunc) FetchPage(spaceID, pageNo uint32) ([]byte, uint64, uint32, bool, error) {
	return f(spaceID, pageNo)
}

func TestBeginDDLStateFileCopyWaitsForPinDrop(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()

	fc := s.FileContext(idx)
	fc.Pin()

	done := make(chan error, 1)
	go func() {
		_, err := s.BeginDDLState(DDLRename, idx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("expected BeginDDLState to block while the file is pinned")
	default:
	}

	fc.Unpin()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("BeginDDLState: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("BeginDDLState did not unblock after unpin")
	}

	if fc.State() != 1 { // StateRenaming
		t.Fatalf("expected RENAMING, got %v", fc.State())
	}
}

func TestEndDDLStateRecordsNextState(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()

	g, err := s.BeginDDLState(DDLRename, idx)
	if err != nil {
		t.Fatalf("begin ddl: %v", err)
	}
	s.EndDDLState(g, "t1_new.ibd", descriptor.ExtensionDDL)

	fc := s.FileContext(idx)
	if fc.State() != 2 { // StateRenamed
		t.Fatalf("expected RENAMED, got %v", fc.State())
	}
	if fc.Name != "t1_new.ibd" {
		t.Fatalf("expected renamed name, got %q", fc.Name)
	}
	if !fc.ModifiedByDDL() {
		t.Fatal("expected ModifiedByDDL set")
	}
	if fc.NextState() != descriptor.StateFileCopy {
		t.Fatalf("expected NextState FILE_COPY, got %v", fc.NextState())
	}
}

func TestBeginDDLStateNoInteractionInRedoCopy(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	for _, st := range []descriptor.SnapshotState{descriptor.StateFileCopy, descriptor.StatePageCopy, descriptor.StateRedoCopy} {
		tr, _ := BeginTransit(s, st)
		tr.Close()
	}

	g, err := s.BeginDDLState(DDLOtherAlter, idx)
	if err != nil {
		t.Fatalf("begin ddl in REDO_COPY: %v", err)
	}
	s.EndDDLState(g, "", descriptor.ExtensionNone)
}

func TestBeginDDLStatePageCopyOtherAlterDoesNotWaitForPageCopyEnd(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	tr2, _ := BeginTransit(s, descriptor.StatePageCopy)
	tr2.Close()

	done := make(chan error, 1)
	go func() {
		_, err := s.BeginDDLState(DDLOtherAlter, idx)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("begin ddl: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected OtherAlter to proceed without waiting for PAGE_COPY to end")
	}
}

func TestAbortReleasesPageCopyWaiters(t *testing.T) {
	s := newTestSnapshot()
	idx, _ := s.AddFile(1, 1, "t1.ibd", 0, 4)
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()
	tr2, _ := BeginTransit(s, descriptor.StatePageCopy)
	tr2.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.BeginDDLState(DDLBulkAlter, idx)
	}()

	time.Sleep(20 * time.Millisecond)
	s.Abort()

	waitDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Abort to release bulk-alter waiters blocked on PAGE_COPY end")
	}
}

func TestGetNextBlockRejectsUnknownFile(t *testing.T) {
	s := newTestSnapshot()
	tr, _ := BeginTransit(s, descriptor.StateFileCopy)
	tr.Close()

	_, _, err := s.GetNextBlock(999, 0, 0)
	if !errors.Is(err, cloneerr.ErrInvalidDescriptor) {
		t.Fatalf("expected ErrInvalidDescriptor for an unknown file index, got %v", err)
	}
}
