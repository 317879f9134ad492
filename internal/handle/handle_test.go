package handle

import (
	"errors"
	"sync"
	"testing"
	"time"

	"clonekernel/internal/cloneerr"
	"clonekernel/internal/clonesystem"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/snapshot"
	"clonekernel/internal/taskmanager"
)

type fakeFileSource struct{ data []byte }

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

type fakePageSource struct{}

func (fakePageSource) FetchPage(spaceID, pageNo uint32) ([]byte, uint64, uint32, bool, error) {
	return nil, 0, 0, false, nil
}

type fakeRedoSource struct{}

func (fakeRedoSource) ReadAt(offset int64, size int) ([]byte, error) { return nil, nil }
func (fakeRedoSource) Size() int64                                   { return 0 }

// pipeTransport is an in-memory Transport backed by a channel, standing
// in for a real network/object-store backed transport in these tests.
type pipeTransport struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (a, b *pipeTransport) {
	c1 := make(chan []byte, 64)
	c2 := make(chan []byte, 64)
	return &pipeTransport{out: c1, in: c2}, &pipeTransport{out: c2, in: c1}
}

func (p *pipeTransport) Send(d []byte) error {
	cp := append([]byte(nil), d...)
	p.out <- cp
	return nil
}

func (p *pipeTransport) Recv() ([]byte, error) {
	d, ok := <-p.in
	if !ok {
		return nil, errors.New("pipe closed")
	}
	return d, nil
}

type failingTransport struct {
	failSend int
	sent     int
}

func (f *failingTransport) Send(d []byte) error {
	f.sent++
	if f.sent <= f.failSend {
		return errors.New("simulated network failure")
	}
	return nil
}

func (f *failingTransport) Recv() ([]byte, error) { return nil, errors.New("not implemented") }

func TestInitCopySideGeneratesLocator(t *testing.T) {
	sys := clonesystem.New(nil)
	snap := snapshot.New(4, &fakeFileSource{}, fakePageSource{}, fakeRedoSource{}, nil, nil)
	tasks := taskmanager.NewManager(1, 1)
	tr, _ := newPipePair()

	h, err := New(descriptor.DirectionCopy, sys, snap, tasks, tr, nil)
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	if err := h.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if h.Locator().CloneID == 0 {
		t.Fatal("expected a nonzero clone id")
	}
	if h.Locator().SnapshotID == 0 {
		t.Fatal("expected a nonzero snapshot id")
	}
	if h.Locator().CloneID == h.Locator().SnapshotID {
		t.Fatal("expected distinct clone and snapshot ids")
	}
	if h.State() != StateActive {
		t.Fatalf("expected StateActive after init, got %v", h.State())
	}
}

func TestInitApplySideAdoptsLocator(t *testing.T) {
	sys := clonesystem.New(nil)
	copySnap := snapshot.New(4, &fakeFileSource{}, fakePageSource{}, fakeRedoSource{}, nil, nil)
	applySnap := snapshot.New(4, &fakeFileSource{}, fakePageSource{}, fakeRedoSource{}, nil, nil)
	copyTasks := taskmanager.NewManager(1, 1)
	applyTasks := taskmanager.NewManager(1, 1)

	copySide, applySide := newPipePair()

	ch, err := New(descriptor.DirectionCopy, sys, copySnap, copyTasks, copySide, nil)
	if err != nil {
		t.Fatalf("new copy handle: %v", err)
	}
	defer ch.Close()
	ah, err := New(descriptor.DirectionApply, sys, applySnap, applyTasks, applySide, nil)
	if err != nil {
		t.Fatalf("new apply handle: %v", err)
	}
	defer ah.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	var copyErr, applyErr error
	go func() { defer wg.Done(); copyErr = ch.Init() }()
	go func() { defer wg.Done(); applyErr = ah.Init() }()
	wg.Wait()

	if copyErr != nil {
		t.Fatalf("copy init: %v", copyErr)
	}
	if applyErr != nil {
		t.Fatalf("apply init: %v", applyErr)
	}
	if ah.Locator().CloneID != ch.Locator().CloneID {
		t.Fatalf("expected apply side to adopt copy side's clone id: got %d want %d", ah.Locator().CloneID, ch.Locator().CloneID)
	}
}

func TestCopyDrivesSingleChunkToDone(t *testing.T) {
	sys := clonesystem.New(nil)
	snap := snapshot.New(4, &fakeFileSource{data: []byte("hello world")}, fakePageSource{}, fakeRedoSource{}, nil, nil)
	if _, err := snap.AddFile(1, 1, "t1.ibd", 1, 1); err != nil {
		t.Fatalf("add file: %v", err)
	}
	snap.SetNumChunks(1)
	tr, peer := newPipePair()

	tasks := taskmanager.NewManager(1, 1)
	h, err := New(descriptor.DirectionCopy, sys, snap, tasks, tr, nil)
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	task, err := tasks.AddTask(64, 256)
	if err != nil {
		t.Fatalf("add task: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.Copy(task) }()

	// Drain whatever the copy side sends via the peer end so Copy never
	// blocks on a full channel; this test only cares that Copy
	// terminates once the snapshot reaches DONE.
	stopDrain := make(chan struct{})
	go func() {
		for {
			select {
			case <-peer.in:
			case <-stopDrain:
				return
			}
		}
	}()
	defer close(stopDrain)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("copy: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Copy did not terminate")
	}

	if snap.State() != descriptor.StateDone {
		t.Fatalf("expected snapshot DONE, got %v", snap.State())
	}
}

func TestCopyBroadcastsFileMetadataBeforeFileCopy(t *testing.T) {
	sys := clonesystem.New(nil)
	copySnap := snapshot.New(4, &fakeFileSource{data: []byte("hello world!")}, fakePageSource{}, fakeRedoSource{}, nil, nil)
	applySnap := snapshot.New(4, &fakeFileSource{}, fakePageSource{}, fakeRedoSource{}, nil, nil)

	fileIdx, err := copySnap.AddFile(7, 42, "t1.ibd", 0, 0)
	if err != nil {
		t.Fatalf("add file: %v", err)
	}
	copySnap.SetNumChunks(1)

	copyTasks := taskmanager.NewManager(1, 1)
	applyTasks := taskmanager.NewManager(1, 1)
	copySide, applySide := newPipePair()

	ch, err := New(descriptor.DirectionCopy, sys, copySnap, copyTasks, copySide, nil)
	if err != nil {
		t.Fatalf("new copy handle: %v", err)
	}
	defer ch.Close()
	ah, err := New(descriptor.DirectionApply, sys, applySnap, applyTasks, applySide, nil)
	if err != nil {
		t.Fatalf("new apply handle: %v", err)
	}
	defer ah.Close()

	copyTask, err := copyTasks.AddTask(64, 256)
	if err != nil {
		t.Fatalf("add copy task: %v", err)
	}
	applyTask, err := applyTasks.AddTask(64, 256)
	if err != nil {
		t.Fatalf("add apply task: %v", err)
	}

	copyDone := make(chan error, 1)
	applyDone := make(chan error, 1)
	go func() { copyDone <- ch.Copy(copyTask) }()
	go func() { applyDone <- ah.Apply(applyTask) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-copyDone:
			if err != nil {
				t.Fatalf("copy: %v", err)
			}
			copyDone = nil
		case err := <-applyDone:
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			applyDone = nil
		case <-time.After(5 * time.Second):
			t.Fatal("copy/apply did not terminate")
		}
	}

	fc := applySnap.FileContext(fileIdx)
	if fc == nil {
		t.Fatalf("expected apply side to have registered a file context at arena index %d", fileIdx)
	}
	if fc.SpaceID != 42 {
		t.Fatalf("expected space id 42, got %d", fc.SpaceID)
	}
	if fc.Name != "t1.ibd" {
		t.Fatalf("expected name t1.ibd, got %q", fc.Name)
	}
}

func TestRecordFailurePromotesSecondConsecutiveNetworkError(t *testing.T) {
	sys := clonesystem.New(nil)
	snap := snapshot.New(4, &fakeFileSource{}, fakePageSource{}, fakeRedoSource{}, nil, nil)
	tasks := taskmanager.NewManager(1, 1)
	h, err := New(descriptor.DirectionCopy, sys, snap, tasks, &failingTransport{}, nil)
	if err != nil {
		t.Fatalf("new handle: %v", err)
	}
	defer h.Close()

	wrapped := cloneerr.ErrNetwork

	first := h.recordFailure(0, wrapped)
	if !cloneerr.IsNetwork(first) {
		t.Fatalf("expected first failure to remain retryable, got %v", first)
	}

	second := h.recordFailure(0, wrapped)
	if cloneerr.IsNetwork(second) {
		t.Fatal("expected second consecutive failure to be promoted to fatal")
	}

	h.recordFailure(0, nil)
	third := h.recordFailure(0, wrapped)
	if !cloneerr.IsNetwork(third) {
		t.Fatal("expected counter to reset after a success")
	}
}
