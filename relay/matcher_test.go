package relay

import (
	"context"
	"fmt"
	"testing"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/girino/relay-engine/nips"
	"github.com/girino/relay-engine/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveLimit(t *testing.T) {
	cases := []struct {
		name    string
		filters nostr.Filters
		want    int
	}{
		{"no declared limit uses default", nostr.Filters{{}}, 500},
		{"single declared limit", nostr.Filters{{Limit: 7}}, 7},
		{"smallest declared limit wins", nostr.Filters{{Limit: 20}, {Limit: 3}, {}}, 3},
		{"declared limit capped at max", nostr.Filters{{Limit: 99999}}, 5000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, effectiveLimit(tc.filters, 500, 5000))
		})
	}
}

func TestSubscriptionReplayCursor(t *testing.T) {
	sub := newSubscription("s1", nostr.Filters{{Kinds: []int{1}}})
	evt := &nostr.Event{ID: "aa", Kind: 1}

	// delivered live while replay is running
	require.True(t, sub.deliverLive(evt))
	// same id arriving through replay is skipped
	assert.False(t, sub.claimReplay(evt.ID))
	// an id the live path never saw still goes out
	assert.True(t, sub.claimReplay("bb"))

	sub.finishReplay()

	// after replay, live deliveries no longer record ids
	assert.True(t, sub.deliverLive(evt))
}

func TestSubscriptionCancelStopsDelivery(t *testing.T) {
	sub := newSubscription("s1", nostr.Filters{{Kinds: []int{1}}})
	sub.cancel()

	assert.False(t, sub.deliverLive(&nostr.Event{ID: "aa", Kind: 1}))
	assert.False(t, sub.claimReplay("bb"))
}

func TestSubscriptionMatchesFilters(t *testing.T) {
	sub := newSubscription("s1", nostr.Filters{{Kinds: []int{1}}})
	assert.False(t, sub.deliverLive(&nostr.Event{ID: "aa", Kind: 7}))
}

func newReplayRelay(t *testing.T) *Relay {
	t.Helper()
	st := store.New(&slicestore.SliceStore{})
	require.NoError(t, st.Init())
	t.Cleanup(st.Close)

	reg := nips.NewRegistry()
	reg.Register(nips.NewNIP01())
	reg.Register(nips.NewNIP40())

	rl := New(st, reg, AllowAll(), Options{})
	t.Cleanup(func() { _ = rl.Shutdown(context.Background()) })
	return rl
}

func TestReplayEventsMergesDedupesAndTruncates(t *testing.T) {
	rl := newReplayRelay(t)
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	base := nostr.Now() - 100
	for i := 0; i < 5; i++ {
		evt := &nostr.Event{
			Kind:      1,
			CreatedAt: base + nostr.Timestamp(i),
			Content:   fmt.Sprintf("note %d", i),
			Tags:      nostr.Tags{},
		}
		require.NoError(t, evt.Sign(sk))
		_, err := rl.store.Upsert(ctx, evt)
		require.NoError(t, err)
	}

	// two overlapping filters; the smaller declared limit bounds the union
	filters := nostr.Filters{
		{Kinds: []int{1}, Limit: 2},
		{Authors: []string{pk}, Limit: 4},
	}
	evts, err := rl.replayEvents(ctx, filters)
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "note 4", evts[0].Content)
	assert.Equal(t, "note 3", evts[1].Content)

	ids := map[string]int{}
	for _, evt := range evts {
		ids[evt.ID]++
	}
	for id, n := range ids {
		assert.Equal(t, 1, n, "event %s duplicated", id)
	}
}

func TestReplayEventsAppliesPostFilters(t *testing.T) {
	rl := newReplayRelay(t)
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()

	expired := &nostr.Event{
		Kind:      1,
		CreatedAt: nostr.Now() - 10,
		Content:   "stored before it expired",
		Tags:      nostr.Tags{{"expiration", fmt.Sprintf("%d", nostr.Now()-1)}},
	}
	require.NoError(t, expired.Sign(sk))
	_, err := rl.store.Upsert(ctx, expired)
	require.NoError(t, err)

	evts, err := rl.replayEvents(ctx, nostr.Filters{{Kinds: []int{1}}})
	require.NoError(t, err)
	assert.Empty(t, evts)
}
