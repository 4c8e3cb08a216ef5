// Package inmem provides an in-memory store of execution records for testing
// and local tooling. Records are held in a slice in append order with no
// persistence across process restarts. A store doubles as a listener so
// callers can accumulate every completed record and later pull one back out
// as a replay fixture.
package inmem

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"goa.design/retrace/runtime/task/hooks"
	"goa.design/retrace/runtime/task/record"
)

type (
	// Store accumulates execution records in memory. All operations are
	// thread-safe; records are defensively copied on write and read so stored
	// data can never be mutated through a retained pointer.
	Store struct {
		mu      sync.RWMutex
		records []*record.Record
		byID    map[string]int
	}

	// Page is a forward page of records.
	Page struct {
		// Records are ordered oldest-first.
		Records []*record.Record
		// NextCursor fetches the next page; empty when no records remain.
		NextCursor string
	}
)

// New constructs an empty store ready for immediate use.
func New() *Store {
	return &Store{byID: make(map[string]int)}
}

// Append stores a deep copy of the record. Records without an ID are
// rejected so lookups stay unambiguous.
func (s *Store) Append(_ context.Context, rec *record.Record) error {
	if rec == nil {
		return errors.New("record is required")
	}
	if rec.ID == "" {
		return errors.New("record id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ID] = len(s.records)
	s.records = append(s.records, rec.Clone())
	return nil
}

// Load retrieves a deep copy of the record with the given ID. The second
// return value reports whether it was found.
func (s *Store) Load(_ context.Context, id string) (*record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.records[i].Clone(), true
}

// List returns the next forward page of records for the given task name, or
// for every task when taskName is empty. Cursor is an opaque value returned
// by a previous List call (empty to start from the beginning); limit must be
// greater than zero.
func (s *Store) List(_ context.Context, taskName, cursor string, limit int) (Page, error) {
	if limit <= 0 {
		return Page{}, errors.New("limit must be greater than zero")
	}
	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return Page{}, errors.New("invalid cursor")
		}
		start = n
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var page Page
	for i := start; i < len(s.records); i++ {
		if taskName != "" && s.records[i].TaskName != taskName {
			continue
		}
		if len(page.Records) == limit {
			page.NextCursor = strconv.Itoa(i)
			return page, nil
		}
		page.Records = append(page.Records, s.records[i].Clone())
	}
	return page, nil
}

// Len reports how many records the store holds.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Reset clears the store. Useful in tests to isolate cases.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.byID = make(map[string]int)
}

// Listener adapts the store to the listener contract so it can be attached
// to a task or a hooks registry.
func (s *Store) Listener() hooks.Listener {
	return func(ctx context.Context, rec *record.Record) error {
		return s.Append(ctx, rec)
	}
}
