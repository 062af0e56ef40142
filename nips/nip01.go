package nips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// NIP01 is the baseline protocol module: every event must carry its canonical
// id, a valid signature, a plausible timestamp, and stay within size caps.
// It applies to all events, so it must be registered first.
type NIP01 struct {
	BaseModule

	// MaxCreatedAtPast and MaxCreatedAtFuture bound how far an event's
	// created_at may drift from the relay clock. Zero disables the bound.
	MaxCreatedAtPast   time.Duration
	MaxCreatedAtFuture time.Duration

	// MaxEventTags and MaxContentLength cap event size. Zero disables the cap.
	MaxEventTags     int
	MaxContentLength int
}

// NewNIP01 creates the baseline module with the relay defaults.
func NewNIP01() *NIP01 {
	return &NIP01{
		MaxCreatedAtFuture: 15 * time.Minute,
		MaxEventTags:       2000,
		MaxContentLength:   128 * 1024,
	}
}

func (*NIP01) Number() int { return 1 }

func (*NIP01) AppliesToEvent(*nostr.Event) bool { return true }

func (m *NIP01) ValidateEvent(_ context.Context, evt *nostr.Event) error {
	if !evt.CheckID() {
		return errors.New("invalid: event id does not match the serialized event")
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return errors.New("invalid: event signature verification failed")
	}
	now := nostr.Now()
	if m.MaxCreatedAtFuture > 0 && evt.CreatedAt > now+nostr.Timestamp(m.MaxCreatedAtFuture.Seconds()) {
		return errors.New("invalid: event created_at is too far in the future")
	}
	if m.MaxCreatedAtPast > 0 && evt.CreatedAt < now-nostr.Timestamp(m.MaxCreatedAtPast.Seconds()) {
		return errors.New("invalid: event created_at is too far in the past")
	}
	if m.MaxEventTags > 0 && len(evt.Tags) > m.MaxEventTags {
		return fmt.Errorf("invalid: event has more than %d tags", m.MaxEventTags)
	}
	if m.MaxContentLength > 0 && len(evt.Content) > m.MaxContentLength {
		return fmt.Errorf("invalid: event content is longer than %d bytes", m.MaxContentLength)
	}
	return nil
}

func (m *NIP01) Metadata(info *nip11.RelayInformationDocument) {
	AppendSupportedNIP(info, 1)
	if m.MaxEventTags > 0 {
		info.Limitation.MaxEventTags = m.MaxEventTags
	}
	if m.MaxContentLength > 0 {
		info.Limitation.MaxContentLength = m.MaxContentLength
	}
}
