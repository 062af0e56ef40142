// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Store - identity semantics (dedup, author-scoped deletion, bounded
// queries) layered over any eventstore backend.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fiatjaf/eventstore"
	"github.com/girino/relay-engine/logging"
	"github.com/nbd-wtf/go-nostr"
)

// Store wraps an eventstore.Store backend and owns the relay's event
// identity rules: upserts are idempotent by id and serialized per id,
// deletions are author-scoped, queries are always bounded, replaceable
// kinds replace and ephemeral kinds are never persisted.
type Store struct {
	backend eventstore.Store
	locks   *keyedMutex

	// mu guards all backend access: queries share the lock and hold it
	// until their result stream is fully drained, mutations take it
	// exclusively. Backends are not required to be internally
	// synchronized (slicestore is not).
	mu sync.RWMutex

	// DefaultQueryLimit bounds filters that declare no limit.
	// MaxQueryLimit caps any declared limit.
	DefaultQueryLimit int
	MaxQueryLimit     int

	// stats
	saves      int64
	duplicates int64
	replaced   int64
	deletes    int64
	queries    int64
	returned   int64
}

// Stats holds runtime counters exported by Store.
type Stats struct {
	Saves      int64 `json:"saves"`
	Duplicates int64 `json:"duplicates"`
	Replaced   int64 `json:"replaced"`
	Deletes    int64 `json:"deletes"`
	Queries    int64 `json:"queries"`
	Returned   int64 `json:"events_returned"`
}

// New creates a Store over the given backend.
func New(backend eventstore.Store) *Store {
	return &Store{
		backend:           backend,
		locks:             newKeyedMutex(),
		DefaultQueryLimit: 500,
		MaxQueryLimit:     5000,
	}
}

// Init initializes the backend.
func (s *Store) Init() error {
	return s.backend.Init()
}

// Close releases the backend.
func (s *Store) Close() {
	s.backend.Close()
}

// Stats returns a snapshot of the Store counters.
func (s *Store) Stats() Stats {
	return Stats{
		Saves:      atomic.LoadInt64(&s.saves),
		Duplicates: atomic.LoadInt64(&s.duplicates),
		Replaced:   atomic.LoadInt64(&s.replaced),
		Deletes:    atomic.LoadInt64(&s.deletes),
		Queries:    atomic.LoadInt64(&s.queries),
		Returned:   atomic.LoadInt64(&s.returned),
	}
}

// Upsert stores an event, reporting whether an event with the same id was
// already present. Re-submitting a stored event is not an error. Concurrent
// upserts of the same id serialize; independent ids proceed in parallel up
// to the guarded backend write. Ephemeral kinds are never persisted and
// always report existed=false.
func (s *Store) Upsert(ctx context.Context, evt *nostr.Event) (existed bool, err error) {
	if nostr.IsEphemeralKind(evt.Kind) {
		return false, nil
	}

	unlock := s.locks.lock(evt.ID)
	defer unlock()

	prev, err := s.Get(ctx, evt.ID)
	if err != nil {
		return false, err
	}
	if prev != nil {
		atomic.AddInt64(&s.duplicates, 1)
		return true, nil
	}

	if nostr.IsReplaceableKind(evt.Kind) || nostr.IsAddressableKind(evt.Kind) {
		s.mu.Lock()
		err := s.backend.ReplaceEvent(ctx, evt)
		s.mu.Unlock()
		if err != nil {
			return false, err
		}
		atomic.AddInt64(&s.replaced, 1)
		return false, nil
	}

	s.mu.Lock()
	err = s.backend.SaveEvent(ctx, evt)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, eventstore.ErrDupEvent) {
			atomic.AddInt64(&s.duplicates, 1)
			return true, nil
		}
		return false, err
	}
	atomic.AddInt64(&s.saves, 1)
	return false, nil
}

// DeleteOwnedBy removes the events named by ids that are authored by author,
// returning how many were removed. Ids the author does not own, and ids not
// present at all, are skipped silently.
func (s *Store) DeleteOwnedBy(ctx context.Context, ids []string, author string) (int, error) {
	removed := 0
	for _, id := range ids {
		evt, err := s.Get(ctx, id)
		if err != nil {
			return removed, err
		}
		if evt == nil || evt.PubKey != author {
			continue
		}
		s.mu.Lock()
		err = s.backend.DeleteEvent(ctx, evt)
		s.mu.Unlock()
		if err != nil {
			return removed, err
		}
		removed++
		atomic.AddInt64(&s.deletes, 1)
	}
	logging.DebugMethod("store", "DeleteOwnedBy", "author %s removed %d of %d events", author, removed, len(ids))
	return removed, nil
}

// Get returns the stored event with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*nostr.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, err := s.backend.QueryEvents(ctx, nostr.Filter{IDs: []string{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	// drain the stream completely: the backend goroutine must be done with
	// its state before the read lock is released
	var found *nostr.Event
	for evt := range ch {
		if found == nil && evt != nil {
			found = evt
		}
	}
	return found, nil
}

// Query returns the events matching filter, newest first, bounded by the
// filter's limit or the store defaults. A filter declaring limit 0 asks for
// live events only and yields no stored results.
func (s *Store) Query(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	atomic.AddInt64(&s.queries, 1)

	if filter.LimitZero {
		return nil, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = s.DefaultQueryLimit
	}
	if limit > s.MaxQueryLimit {
		limit = s.MaxQueryLimit
	}
	filter.Limit = limit

	s.mu.RLock()
	ch, err := s.backend.QueryEvents(ctx, filter)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	evts := make([]*nostr.Event, 0, limit)
	for evt := range ch {
		if evt == nil {
			continue
		}
		evts = append(evts, evt)
	}
	s.mu.RUnlock()

	sort.Slice(evts, func(i, j int) bool {
		if evts[i].CreatedAt != evts[j].CreatedAt {
			return evts[i].CreatedAt > evts[j].CreatedAt
		}
		return evts[i].ID < evts[j].ID
	})
	if len(evts) > limit {
		evts = evts[:limit]
	}

	atomic.AddInt64(&s.returned, int64(len(evts)))
	return evts, nil
}
