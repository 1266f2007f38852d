package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultMaxCallers bounds the in-memory record map.
const DefaultMaxCallers = 10000

// MemoryStore keeps caller state in process memory. Limits are per instance.
//
// Records live in an LRU ordered by last request, so eviction and idle sweeps
// touch only the entries they remove. Block entries are kept apart so that
// evicting a record never lifts a block; Sweep reclaims them once expired.
type MemoryStore struct {
	mu      sync.Mutex
	records *simplelru.LRU[string, *CallerRecord]
	blocks  map[string]*BlockEntry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore holding at most maxCallers records;
// the least recently seen caller is evicted to make room. maxCallers <= 0 uses
// DefaultMaxCallers.
func NewMemoryStore(maxCallers int) *MemoryStore {
	if maxCallers <= 0 {
		maxCallers = DefaultMaxCallers
	}
	records, err := simplelru.NewLRU[string, *CallerRecord](maxCallers, nil)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &MemoryStore{
		records: records,
		blocks:  make(map[string]*BlockEntry),
	}
}

// Update implements Store. The whole read-evaluate-write runs under one lock.
func (s *MemoryStore) Update(_ context.Context, caller string, fn func(st *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, _ := s.records.Peek(caller)
	st := State{Caller: caller, Record: rec, Block: s.blocks[caller]}
	fn(&st)

	if st.Record == nil {
		s.records.Remove(caller)
	} else {
		s.records.Add(caller, st.Record)
	}
	if st.Block == nil {
		delete(s.blocks, caller)
	} else {
		s.blocks[caller] = st.Block
	}
	return nil
}

// Sweep implements Store. Records idle since before cutoff are dropped, as are
// block entries that expired before cutoff.
func (s *MemoryStore) Sweep(_ context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		caller, rec, ok := s.records.GetOldest()
		if !ok || !rec.LastRequestAt.Before(cutoff) {
			break
		}
		s.records.Remove(caller)
	}
	for caller, b := range s.blocks {
		if b.BlockedUntil.Before(cutoff) {
			delete(s.blocks, caller)
		}
	}
	return nil
}

// Blocks implements Store.
func (s *MemoryStore) Blocks(_ context.Context) ([]BlockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BlockEntry, 0, len(s.blocks))
	for caller, b := range s.blocks {
		out = append(out, BlockEntry{Caller: caller, BlockedUntil: b.BlockedUntil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Caller < out[j].Caller })
	return out, nil
}

// Unblock implements Store.
func (s *MemoryStore) Unblock(_ context.Context, caller string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, caller)
	return nil
}

// Len returns the number of tracked caller records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Len()
}

// BlockCount returns the number of stored block entries, expired ones included.
func (s *MemoryStore) BlockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}
