package nips

import (
	"context"
	"errors"
	"fmt"

	"github.com/girino/relay-engine/logging"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Registry holds the ordered collection of capability modules. Order matters
// only for modules with overlapping applicability; the built-in set validates
// orthogonal concerns, so registration order is baseline-first by convention.
//
// A Registry is constructed once at startup and threaded through the relay;
// there is no package-level instance.
type Registry struct {
	modules []Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a module to the pipeline.
func (r *Registry) Register(m Module) {
	r.modules = append(r.modules, m)
}

// Modules returns the registered modules in pipeline order.
func (r *Registry) Modules() []Module {
	return r.modules
}

// ValidateEvent runs every applicable module's validation in order and stops
// at the first rejection.
func (r *Registry) ValidateEvent(ctx context.Context, evt *nostr.Event) error {
	for _, m := range r.modules {
		if !m.AppliesToEvent(evt) {
			continue
		}
		if err := m.ValidateEvent(ctx, evt); err != nil {
			logging.DebugMethod("nips", "ValidateEvent", "nip-%02d rejected event %s: %v", m.Number(), evt.ID, err)
			return err
		}
	}
	return nil
}

// ProcessEvent runs every applicable module's side effects. One module's
// failure never aborts or masks its siblings: all modules run, and failures
// come back joined so the caller sees exactly which modules failed.
func (r *Registry) ProcessEvent(ctx context.Context, evt *nostr.Event) error {
	var failures []error
	for _, m := range r.modules {
		if !m.AppliesToEvent(evt) {
			continue
		}
		if err := m.ProcessEvent(ctx, evt); err != nil {
			failures = append(failures, fmt.Errorf("nip-%02d: %w", m.Number(), err))
		}
	}
	return errors.Join(failures...)
}

// PostFilter chains every applicable module's result transform.
func (r *Registry) PostFilter(ctx context.Context, filter nostr.Filter, evts []*nostr.Event) []*nostr.Event {
	for _, m := range r.modules {
		if !m.AppliesToFilter(filter) {
			continue
		}
		evts = m.PostFilter(ctx, filter, evts)
	}
	return evts
}

// Metadata merges every module's fragment into the info document.
func (r *Registry) Metadata(info *nip11.RelayInformationDocument) {
	if info.Limitation == nil {
		info.Limitation = &nip11.RelayLimitationDocument{}
	}
	for _, m := range r.modules {
		m.Metadata(info)
	}
}
