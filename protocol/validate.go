package protocol

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// ValidateEventStructure checks the structural schema of an event before it
// is handed deeper into the pipeline. Content rules (id digest, signature,
// timestamps) belong to the capability modules, not here.
func ValidateEventStructure(evt *nostr.Event) error {
	if evt == nil {
		return errors.New("event is missing")
	}
	if !isHex(evt.ID, 64) {
		return errors.New("event id must be 64 lowercase hex characters")
	}
	if !isHex(evt.PubKey, 64) {
		return errors.New("event pubkey must be 64 lowercase hex characters")
	}
	if !isHex(evt.Sig, 128) {
		return errors.New("event sig must be 128 lowercase hex characters")
	}
	if evt.CreatedAt == 0 {
		return errors.New("event created_at is missing")
	}
	if evt.Kind < 0 {
		return errors.New("event kind must not be negative")
	}
	for i, tag := range evt.Tags {
		if len(tag) == 0 {
			return fmt.Errorf("tag %d is empty", i)
		}
	}
	return nil
}

// ValidateFilterStructure checks the structural schema of a filter.
func ValidateFilterStructure(f nostr.Filter) error {
	for _, id := range f.IDs {
		if !isHex(id, 64) {
			return errors.New("filter ids must be 64 lowercase hex characters")
		}
	}
	for _, author := range f.Authors {
		if !isHex(author, 64) {
			return errors.New("filter authors must be 64 lowercase hex characters")
		}
	}
	for _, kind := range f.Kinds {
		if kind < 0 {
			return errors.New("filter kinds must not be negative")
		}
	}
	if f.Limit < 0 {
		return errors.New("filter limit must not be negative")
	}
	if f.Since != nil && f.Until != nil && *f.Since > *f.Until {
		return errors.New("filter since is after until")
	}
	for name, values := range f.Tags {
		if name == "" {
			return errors.New("filter tag name is empty")
		}
		if len(values) == 0 {
			return fmt.Errorf("filter tag %q has no accepted values", name)
		}
	}
	return nil
}

// FilterIsUnbounded reports whether a filter carries no constraint at all.
// Such filters match every stored event and must be capped or rejected by
// policy rather than silently accepted.
func FilterIsUnbounded(f nostr.Filter) bool {
	return len(f.IDs) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Kinds) == 0 &&
		len(f.Tags) == 0 &&
		f.Since == nil &&
		f.Until == nil &&
		f.Limit == 0 && !f.LimitZero
}

// isHex reports whether s is exactly length lowercase hex characters.
func isHex(s string, length int) bool {
	if len(s) != length {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
