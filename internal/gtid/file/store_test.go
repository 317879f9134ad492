package file

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"clonekernel/internal/gtid"
)

func TestLoadAllEmpty(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "gtid.json"))
	rows, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(rows))
	}
}

func TestAppendAndLoadAllRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "gtid.json"))
	id := uuid.New()

	if err := s.Append([]gtid.Row{{SourceUUID: id, Start: 1, End: 10}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append([]gtid.Row{{SourceUUID: id, Start: 11, End: 20}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestAppendDedupesContainedIntervals(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "gtid.json"))
	id := uuid.New()

	if err := s.Append([]gtid.Row{{SourceUUID: id, Start: 1, End: 100}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append([]gtid.Row{{SourceUUID: id, Start: 10, End: 20}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	rows, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected the contained interval to be deduped, got %d rows", len(rows))
	}
}

func TestCompressMergesContiguousIntervals(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "gtid.json"))
	id := uuid.New()

	if err := s.Append([]gtid.Row{
		{SourceUUID: id, Start: 1, End: 10},
		{SourceUUID: id, Start: 11, End: 20},
		{SourceUUID: id, Start: 30, End: 40},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := s.Compress(); err != nil {
		t.Fatalf("compress: %v", err)
	}

	rows, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 merged rows, got %d: %+v", len(rows), rows)
	}
	foundMerged := false
	for _, r := range rows {
		if r.Start == 1 && r.End == 20 {
			foundMerged = true
		}
	}
	if !foundMerged {
		t.Fatalf("expected a merged [1,20] interval, got %+v", rows)
	}
}

func TestCompressKeepsDistinctSourceUUIDsSeparate(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "gtid.json"))
	a, b := uuid.New(), uuid.New()

	if err := s.Append([]gtid.Row{
		{SourceUUID: a, Start: 1, End: 10},
		{SourceUUID: b, Start: 1, End: 10},
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Compress(); err != nil {
		t.Fatalf("compress: %v", err)
	}

	rows, err := s.LoadAll()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows across distinct sources, got %d", len(rows))
	}
}
