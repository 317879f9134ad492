// Package file provides a JSON-file backed gtid.Store, grounded on
// internal/cloneconfig/file.Store's atomic-write-with-round-trip
// discipline (itself grounded on the teacher's config/file.Store).
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"clonekernel/internal/gtid"
)

// row is the on-disk shape of a gtid.Row: uuid.UUID already marshals as
// its canonical string form, so no custom codec is needed.
type row struct {
	SourceUUID uuid.UUID `json:"source_uuid"`
	Start      uint64    `json:"start"`
	End        uint64    `json:"end"`
}

// Store persists gtid_executed rows as a JSON array at path.
type Store struct {
	path string
}

var _ gtid.Store = (*Store)(nil)

// NewStore creates a Store persisting to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() ([]row, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gtid: read store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var rows []row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("gtid: parse store: %w", err)
	}
	return rows, nil
}

func (s *Store) write(rows []row) error {
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("gtid: marshal store: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("gtid: write temp file: %w", err)
	}
	if _, err := os.ReadFile(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("gtid: read-back temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("gtid: rename store: %w", err)
	}
	return nil
}

// Append implements gtid.Store, deduplicating against what is already
// on disk (spec §4.8 "recovery dedup"): a row already covered by an
// existing interval for the same source is dropped rather than
// double-applied.
func (s *Store) Append(rows []gtid.Row) error {
	existing, err := s.load()
	if err != nil {
		return err
	}
	for _, r := range rows {
		if containedIn(existing, r) {
			continue
		}
		existing = append(existing, row{SourceUUID: r.SourceUUID, Start: r.Start, End: r.End})
	}
	return s.write(existing)
}

func containedIn(rows []row, r gtid.Row) bool {
	for _, existing := range rows {
		if existing.SourceUUID == r.SourceUUID && existing.Start <= r.Start && r.End <= existing.End {
			return true
		}
	}
	return false
}

// LoadAll implements gtid.Store.
func (s *Store) LoadAll() ([]gtid.Row, error) {
	rows, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]gtid.Row, len(rows))
	for i, r := range rows {
		out[i] = gtid.Row{SourceUUID: r.SourceUUID, Start: r.Start, End: r.End}
	}
	return out, nil
}

// Compress implements gtid.Store: merges contiguous intervals sharing a
// source UUID into a single row (spec §4.8 "explicit/periodic
// compression").
func (s *Store) Compress() error {
	rows, err := s.load()
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	byUUID := make(map[uuid.UUID][]row)
	for _, r := range rows {
		byUUID[r.SourceUUID] = append(byUUID[r.SourceUUID], r)
	}

	var merged []row
	for id, group := range byUUID {
		sort.Slice(group, func(i, j int) bool { return group[i].Start < group[j].Start })
		cur := group[0]
		for _, next := range group[1:] {
			if next.Start <= cur.End+1 {
				if next.End > cur.End {
					cur.End = next.End
				}
				continue
			}
			merged = append(merged, row{SourceUUID: id, Start: cur.Start, End: cur.End})
			cur = next
		}
		merged = append(merged, row{SourceUUID: id, Start: cur.Start, End: cur.End})
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].SourceUUID != merged[j].SourceUUID {
			return merged[i].SourceUUID.String() < merged[j].SourceUUID.String()
		}
		return merged[i].Start < merged[j].Start
	})
	return s.write(merged)
}
