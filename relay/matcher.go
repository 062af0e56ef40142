package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// subscription is one standing query owned by a client. The label is unique
// only within the owning connection. While historical replay runs, ids
// delivered live are recorded so the replay never duplicates them.
type subscription struct {
	id      string
	filters nostr.Filters

	mu        sync.Mutex
	cancelled bool
	replaying bool
	seen      map[string]struct{}
}

func newSubscription(id string, filters nostr.Filters) *subscription {
	return &subscription{
		id:        id,
		filters:   filters,
		replaying: true,
		seen:      make(map[string]struct{}),
	}
}

// cancel stops all further deliveries for this subscription.
func (s *subscription) cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.seen = nil
	s.mu.Unlock()
}

// deliverLive reports whether a live event should be delivered to this
// subscription, recording the id while replay is still in progress.
func (s *subscription) deliverLive(evt *nostr.Event) bool {
	if !s.filters.Match(evt) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	if s.replaying {
		s.seen[evt.ID] = struct{}{}
	}
	return true
}

// claimReplay reports whether a replayed event may still be delivered: false
// when the subscription was cancelled or the id already went out live.
func (s *subscription) claimReplay(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return false
	}
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

// finishReplay marks the end of historical replay and releases the cursor.
func (s *subscription) finishReplay() {
	s.mu.Lock()
	s.replaying = false
	s.seen = nil
	s.mu.Unlock()
}

// replayEvents answers the historical part of a REQ: the union of all
// filters, deduplicated by id, newest first, truncated to the smallest limit
// declared across the filter list (or the store default when none declares
// one). Each filter's results pass through the capability post-filters.
func (rl *Relay) replayEvents(ctx context.Context, filters nostr.Filters) ([]*nostr.Event, error) {
	limit := effectiveLimit(filters, rl.store.DefaultQueryLimit, rl.store.MaxQueryLimit)

	seen := make(map[string]struct{})
	merged := make([]*nostr.Event, 0, limit)
	for _, filter := range filters {
		evts, err := rl.store.Query(ctx, filter)
		if err != nil {
			return nil, err
		}
		evts = rl.registry.PostFilter(ctx, filter, evts)
		for _, evt := range evts {
			if _, dup := seen[evt.ID]; dup {
				continue
			}
			seen[evt.ID] = struct{}{}
			merged = append(merged, evt)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt != merged[j].CreatedAt {
			return merged[i].CreatedAt > merged[j].CreatedAt
		}
		return merged[i].ID < merged[j].ID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// effectiveLimit is the smallest positive limit declared across the filter
// list, or def when no filter declares one, never exceeding max.
func effectiveLimit(filters nostr.Filters, def, max int) int {
	limit := 0
	for _, f := range filters {
		if f.Limit > 0 && (limit == 0 || f.Limit < limit) {
			limit = f.Limit
		}
	}
	if limit == 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
