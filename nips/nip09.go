package nips

import (
	"context"
	"errors"

	"github.com/girino/relay-engine/logging"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// KindDeletion is the event kind carrying deletion requests.
const KindDeletion = 5

// Deleter removes stored events by id, restricted to a single author.
// *store.Store satisfies it.
type Deleter interface {
	DeleteOwnedBy(ctx context.Context, ids []string, author string) (int, error)
}

// NIP09 handles deletion requests: a kind-5 event removes the referenced
// events authored by the same pubkey. References to events the author does
// not own are skipped silently, and the deletion event itself stays stored.
type NIP09 struct {
	BaseModule
	deleter Deleter
}

// NewNIP09 creates the deletion module on top of the given store.
func NewNIP09(deleter Deleter) *NIP09 {
	return &NIP09{deleter: deleter}
}

func (*NIP09) Number() int { return 9 }

func (*NIP09) AppliesToEvent(evt *nostr.Event) bool { return evt.Kind == KindDeletion }

func (*NIP09) ValidateEvent(_ context.Context, evt *nostr.Event) error {
	if len(referencedIDs(evt)) == 0 {
		return errors.New("invalid: deletion event references no event ids")
	}
	return nil
}

func (m *NIP09) ProcessEvent(ctx context.Context, evt *nostr.Event) error {
	ids := referencedIDs(evt)
	removed, err := m.deleter.DeleteOwnedBy(ctx, ids, evt.PubKey)
	if err != nil {
		return err
	}
	logging.DebugMethod("nips", "ProcessEvent", "deletion %s removed %d of %d referenced events", evt.ID, removed, len(ids))
	return nil
}

func (*NIP09) Metadata(info *nip11.RelayInformationDocument) {
	AppendSupportedNIP(info, 9)
}

// referencedIDs collects the well-formed "e" tag values of a deletion event.
func referencedIDs(evt *nostr.Event) []string {
	var ids []string
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "e" && nostr.IsValid32ByteHex(tag[1]) {
			ids = append(ids, tag[1])
		}
	}
	return ids
}
