package nips

import (
	"context"
	"errors"
	"strconv"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// NIP40 implements event expiration. Events carrying an "expiration" tag are
// rejected when already expired at ingestion time, and filtered out of query
// results once their expiration passes. Purging expired rows from the backend
// is left to the store; the post-filter guarantees clients never see them.
type NIP40 struct {
	BaseModule
}

// NewNIP40 creates the expiration module.
func NewNIP40() *NIP40 {
	return &NIP40{}
}

func (*NIP40) Number() int { return 40 }

func (*NIP40) AppliesToEvent(evt *nostr.Event) bool {
	_, ok := expirationOf(evt)
	return ok
}

// AppliesToFilter is true for every filter: any query can return events that
// expired after they were stored.
func (*NIP40) AppliesToFilter(nostr.Filter) bool { return true }

func (*NIP40) ValidateEvent(_ context.Context, evt *nostr.Event) error {
	exp, ok := expirationOf(evt)
	if !ok {
		return nil
	}
	if exp == 0 {
		return errors.New("invalid: expiration tag is not a unix timestamp")
	}
	if exp <= nostr.Now() {
		return errors.New("invalid: event is already expired")
	}
	return nil
}

func (*NIP40) PostFilter(_ context.Context, _ nostr.Filter, evts []*nostr.Event) []*nostr.Event {
	now := nostr.Now()
	kept := evts[:0]
	for _, evt := range evts {
		if exp, ok := expirationOf(evt); ok && exp != 0 && exp <= now {
			continue
		}
		kept = append(kept, evt)
	}
	return kept
}

func (*NIP40) Metadata(info *nip11.RelayInformationDocument) {
	AppendSupportedNIP(info, 40)
}

// expirationOf returns the event's expiration timestamp. The boolean reports
// whether an expiration tag is present at all; a malformed value comes back
// as (0, true).
func expirationOf(evt *nostr.Event) (nostr.Timestamp, bool) {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "expiration" {
			ts, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil || ts <= 0 {
				return 0, true
			}
			return nostr.Timestamp(ts), true
		}
	}
	return 0, false
}
