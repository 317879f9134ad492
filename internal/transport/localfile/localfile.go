// Package localfile implements the baseline clone transport (spec §6
// "transport.localfile"): each Send call writes one descriptor to a
// sequentially numbered file in a directory, and Recv reads them back
// in the same order, polling for the next one if it hasn't arrived
// yet. Every other end-to-end scenario in the spec runs against this
// backend before exercising the object-store ones.
package localfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

// defaultPollInterval is how often Recv retries when the next
// sequence number's file hasn't been written yet, matching the
// ingestion-side tailer's poll-then-retry discipline (without that
// package's fsnotify dependency, which this clone-engine core does
// not carry — see DESIGN.md).
const defaultPollInterval = 20 * time.Millisecond

// Transport is a directory-backed descriptor stream. Two handles
// sharing the same directory but opposite roles (one Send-only, one
// Recv-only) form one logical link; a single handle that both sends
// and receives (as locator exchange briefly requires on both sides)
// needs two Transports, one per direction, each pointed at its own
// subdirectory.
type Transport struct {
	dir          string
	pollInterval time.Duration

	sendSeq atomic.Uint64
	recvSeq uint64
}

// New creates a Transport rooted at dir, creating it if absent.
func New(dir string) (*Transport, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("localfile: create directory: %w", err)
	}
	return &Transport{dir: dir, pollInterval: defaultPollInterval}, nil
}

func (t *Transport) framePath(seq uint64) string {
	return filepath.Join(t.dir, fmt.Sprintf("%010d.clonemsg", seq))
}

// Send writes descriptor as the next sequence-numbered file, using a
// temp-file-then-rename so a reader never observes a partial write.
func (t *Transport) Send(descriptor []byte) error {
	seq := t.sendSeq.Add(1) - 1
	path := t.framePath(seq)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, descriptor, 0644); err != nil {
		return fmt.Errorf("localfile: write frame %d: %w", seq, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("localfile: rename frame %d: %w", seq, err)
	}
	return nil
}

// Recv reads the next sequence-numbered descriptor, polling until it
// appears.
func (t *Transport) Recv() ([]byte, error) {
	path := t.framePath(t.recvSeq)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			t.recvSeq++
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("localfile: read frame %d: %w", t.recvSeq, err)
		}
		time.Sleep(t.pollInterval)
	}
}
