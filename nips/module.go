// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// NIPs - pluggable capability modules composing the relay's protocol surface.
package nips

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
)

// Module is one protocol capability. New relay features are added by
// registering another Module, not by touching the ingestion pipeline.
//
// A module contributes four things: applicability predicates over events and
// filters, a validation step, a side-effecting processing step, and a
// post-query filter transform. Metadata stamps the module's fragment into
// the relay information document.
type Module interface {
	// Number identifies the module by its NIP number.
	Number() int

	AppliesToEvent(evt *nostr.Event) bool
	AppliesToFilter(filter nostr.Filter) bool

	// ValidateEvent rejects an event before anything is stored. The returned
	// error text is sent to the client verbatim in the OK message.
	ValidateEvent(ctx context.Context, evt *nostr.Event) error

	// ProcessEvent runs the module's side effects for an accepted event.
	// Errors here are internal: they are logged and reported generically.
	ProcessEvent(ctx context.Context, evt *nostr.Event) error

	// PostFilter transforms query results before delivery.
	PostFilter(ctx context.Context, filter nostr.Filter, evts []*nostr.Event) []*nostr.Event

	// Metadata merges the module's fragment into the relay info document.
	Metadata(info *nip11.RelayInformationDocument)
}

// BaseModule is a no-op Module for embedding, so concrete modules only
// implement the hooks they actually need.
type BaseModule struct{}

func (BaseModule) AppliesToEvent(*nostr.Event) bool {
	return false
}

func (BaseModule) AppliesToFilter(nostr.Filter) bool {
	return false
}

func (BaseModule) ValidateEvent(context.Context, *nostr.Event) error {
	return nil
}

func (BaseModule) ProcessEvent(context.Context, *nostr.Event) error {
	return nil
}

func (BaseModule) PostFilter(_ context.Context, _ nostr.Filter, evts []*nostr.Event) []*nostr.Event {
	return evts
}

func (BaseModule) Metadata(*nip11.RelayInformationDocument) {}

// AppendSupportedNIP records a NIP number in the info document, once.
func AppendSupportedNIP(info *nip11.RelayInformationDocument, n int) {
	for _, v := range info.SupportedNIPs {
		switch vv := v.(type) {
		case int:
			if vv == n {
				return
			}
		case int64:
			if int(vv) == n {
				return
			}
		}
	}
	info.SupportedNIPs = append(info.SupportedNIPs, n)
}
