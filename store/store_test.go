package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(&slicestore.SliceStore{})
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	return s
}

func signedEvent(t *testing.T, sk string, kind int, content string, createdAt nostr.Timestamp) *nostr.Event {
	t.Helper()
	evt := &nostr.Event{Kind: kind, CreatedAt: createdAt, Content: content, Tags: nostr.Tags{}}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	evt := signedEvent(t, nostr.GeneratePrivateKey(), 1, "once", nostr.Now())

	existed, err := s.Upsert(ctx, evt)
	require.NoError(t, err)
	assert.False(t, existed)

	existed, err = s.Upsert(ctx, evt)
	require.NoError(t, err)
	assert.True(t, existed)

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Saves)
	assert.Equal(t, int64(1), stats.Duplicates)
}

func TestUpsertSkipsEphemeralKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	evt := signedEvent(t, nostr.GeneratePrivateKey(), 20001, "gone in a flash", nostr.Now())

	existed, err := s.Upsert(ctx, evt)
	require.NoError(t, err)
	assert.False(t, existed)

	got, err := s.Get(ctx, evt.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertReplacesReplaceableKinds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()

	older := signedEvent(t, sk, 0, `{"name":"old"}`, nostr.Now()-10)
	newer := signedEvent(t, sk, 0, `{"name":"new"}`, nostr.Now())

	_, err := s.Upsert(ctx, older)
	require.NoError(t, err)
	_, err = s.Upsert(ctx, newer)
	require.NoError(t, err)

	evts, err := s.Query(ctx, nostr.Filter{Kinds: []int{0}, Authors: []string{newer.PubKey}})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, newer.ID, evts[0].ID)
}

func TestDeleteOwnedByIsAuthorScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	skA := nostr.GeneratePrivateKey()
	skB := nostr.GeneratePrivateKey()

	mine := signedEvent(t, skA, 1, "mine", nostr.Now())
	theirs := signedEvent(t, skB, 1, "theirs", nostr.Now())
	for _, evt := range []*nostr.Event{mine, theirs} {
		_, err := s.Upsert(ctx, evt)
		require.NoError(t, err)
	}

	author, _ := nostr.GetPublicKey(skA)
	removed, err := s.DeleteOwnedBy(ctx, []string{mine.ID, theirs.ID, "0000000000000000000000000000000000000000000000000000000000000000"}, author)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	got, err := s.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.Get(ctx, theirs.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, theirs.ID, got.ID)
}

func TestQueryOrdersNewestFirstAndBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()

	base := nostr.Now() - 100
	for i := 0; i < 5; i++ {
		evt := signedEvent(t, sk, 1, fmt.Sprintf("note %d", i), base+nostr.Timestamp(i))
		_, err := s.Upsert(ctx, evt)
		require.NoError(t, err)
	}

	evts, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}, Limit: 3})
	require.NoError(t, err)
	require.Len(t, evts, 3)
	for i := 1; i < len(evts); i++ {
		assert.GreaterOrEqual(t, evts[i-1].CreatedAt, evts[i].CreatedAt)
	}
	assert.Equal(t, "note 4", evts[0].Content)
}

func TestQueryAppliesDefaultLimit(t *testing.T) {
	s := newTestStore(t)
	s.DefaultQueryLimit = 2
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()

	for i := 0; i < 4; i++ {
		evt := signedEvent(t, sk, 1, fmt.Sprintf("note %d", i), nostr.Now()-nostr.Timestamp(i))
		_, err := s.Upsert(ctx, evt)
		require.NoError(t, err)
	}

	evts, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestQueryCapsDeclaredLimit(t *testing.T) {
	s := newTestStore(t)
	s.MaxQueryLimit = 2
	ctx := context.Background()
	sk := nostr.GeneratePrivateKey()

	for i := 0; i < 4; i++ {
		evt := signedEvent(t, sk, 1, fmt.Sprintf("note %d", i), nostr.Now()-nostr.Timestamp(i))
		_, err := s.Upsert(ctx, evt)
		require.NoError(t, err)
	}

	evts, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestQueryLimitZeroReturnsNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	evt := signedEvent(t, nostr.GeneratePrivateKey(), 1, "stored", nostr.Now())
	_, err := s.Upsert(ctx, evt)
	require.NoError(t, err)

	evts, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}, LimitZero: true})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Get(context.Background(), "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConcurrentUpsertsOfSameIDStoreOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	evt := signedEvent(t, nostr.GeneratePrivateKey(), 1, "raced", nostr.Now())

	const workers = 16
	var wg sync.WaitGroup
	var existedCount, freshCount int64
	var mu sync.Mutex
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			existed, err := s.Upsert(ctx, evt)
			assert.NoError(t, err)
			mu.Lock()
			if existed {
				existedCount++
			} else {
				freshCount++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), freshCount)
	assert.Equal(t, int64(workers-1), existedCount)
}

func TestConcurrentDistinctIDWritesQueriesAndDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	type owned struct {
		evt    *nostr.Event
		author string
	}
	events := make([]owned, workers)
	for i := range events {
		sk := nostr.GeneratePrivateKey()
		pk, err := nostr.GetPublicKey(sk)
		require.NoError(t, err)
		events[i] = owned{
			evt:    signedEvent(t, sk, 1, fmt.Sprintf("parallel %d", i), nostr.Now()+nostr.Timestamp(i)),
			author: pk,
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(o owned) {
			defer wg.Done()
			existed, err := s.Upsert(ctx, o.evt)
			assert.NoError(t, err)
			assert.False(t, existed)

			_, err = s.Query(ctx, nostr.Filter{Kinds: []int{1}})
			assert.NoError(t, err)

			got, err := s.Get(ctx, o.evt.ID)
			assert.NoError(t, err)
			assert.NotNil(t, got)

			removed, err := s.DeleteOwnedBy(ctx, []string{o.evt.ID}, o.author)
			assert.NoError(t, err)
			assert.Equal(t, 1, removed)
		}(events[i])
	}
	wg.Wait()

	evts, err := s.Query(ctx, nostr.Filter{Kinds: []int{1}})
	require.NoError(t, err)
	assert.Empty(t, evts)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	km := newKeyedMutex()
	unlock := km.lock("a")
	unlock()

	km.mu.Lock()
	assert.Empty(t, km.entries)
	km.mu.Unlock()
}
