package relay

import (
	"sync/atomic"
	"time"

	"github.com/girino/relay-engine/logging"
	"github.com/girino/relay-engine/protocol"
	"github.com/nbd-wtf/go-nostr"
)

// handleEvent runs the ingestion pipeline for one published event:
// rate limit, authentication/authorization gate, capability validation,
// durable write, capability processing, ack, then broadcast. The ack is
// always written before the broadcast copies, and broadcast only happens
// after the durable commit.
func (c *Client) handleEvent(evt *nostr.Event) {
	rl := c.relay

	if !c.publishWindow.Allow(time.Now()) {
		c.ack(evt.ID, false, "rate-limited: slow down")
		atomic.AddInt64(&rl.eventsRejected, 1)
		return
	}

	if evt.Kind == nostr.KindClientAuthentication {
		c.ack(evt.ID, false, "invalid: auth events must be sent in AUTH messages")
		atomic.AddInt64(&rl.eventsRejected, 1)
		return
	}

	if rl.opts.AuthRequired && !c.authenticated() {
		c.issueChallenge()
		c.ack(evt.ID, false, "auth-required: authentication required to publish")
		atomic.AddInt64(&rl.eventsRejected, 1)
		return
	}

	if allowed, reason := rl.authorizer.IsAuthorizedToPublish(c.ctx, evt.PubKey); !allowed {
		if reason == "" {
			reason = "restricted: not permitted to publish"
		}
		c.ack(evt.ID, false, reason)
		atomic.AddInt64(&rl.eventsRejected, 1)
		return
	}

	if err := rl.registry.ValidateEvent(c.ctx, evt); err != nil {
		c.ack(evt.ID, false, err.Error())
		atomic.AddInt64(&rl.eventsRejected, 1)
		return
	}

	existed, err := rl.store.Upsert(c.ctx, evt)
	if err != nil {
		logging.Error("connection %s: storing event %s: %v", c.id, evt.ID, err)
		rl.recordInternalFailure()
		c.ack(evt.ID, false, "error: failed to store event")
		return
	}
	if existed {
		// idempotent re-publish: accepted, but side effects do not run again
		c.ack(evt.ID, true, "duplicate: already have this event")
		return
	}

	if err := rl.registry.ProcessEvent(c.ctx, evt); err != nil {
		// the durable write already committed, so the event stays stored;
		// the client only learns that something internal went wrong
		logging.Error("connection %s: processing event %s: %v", c.id, evt.ID, err)
		rl.recordInternalFailure()
		c.ack(evt.ID, false, "error: internal error processing event")
		return
	}

	rl.recordInternalSuccess()
	atomic.AddInt64(&rl.eventsAccepted, 1)

	c.ack(evt.ID, true, "")
	rl.notifyAccepted(evt)
	rl.broadcast(evt)
}

// handleReq registers a subscription, replays matching stored events newest
// first, emits EOSE exactly once and leaves the subscription live. Reusing a
// label replaces the previous subscription for that label.
func (c *Client) handleReq(id string, filters nostr.Filters) {
	rl := c.relay

	if !c.reqWindow.Allow(time.Now()) {
		c.sendClosed(id, "rate-limited: too many subscription requests")
		return
	}
	if len(id) > rl.opts.MaxSubIDLength {
		c.sendClosed(id, "invalid: subscription id too long")
		return
	}
	if len(filters) > rl.opts.MaxFilters {
		c.sendClosed(id, "invalid: too many filters")
		return
	}
	for _, f := range filters {
		if protocol.FilterIsUnbounded(f) {
			// still served, but capped at the store default limit
			logging.DebugMethod("relay", "handleReq", "connection %s subscription %q uses an unbounded filter", c.id, id)
			break
		}
	}

	sub := newSubscription(id, filters)

	c.subMu.Lock()
	prev, exists := c.subs[id]
	if !exists && len(c.subs) >= rl.opts.MaxSubscriptions {
		c.subMu.Unlock()
		c.sendClosed(id, "blocked: too many subscriptions")
		return
	}
	if exists {
		prev.cancel()
	}
	c.subs[id] = sub
	c.subMu.Unlock()

	// the subscription is live already: events published while the replay
	// runs are recorded so the replay never delivers them a second time
	evts, err := rl.replayEvents(c.ctx, filters)
	if err != nil {
		logging.Error("connection %s: querying for subscription %q: %v", c.id, id, err)
		rl.recordInternalFailure()
		c.dropSubscription(id, sub)
		c.sendClosed(id, "error: failed to query stored events")
		return
	}
	rl.recordInternalSuccess()

	for _, evt := range evts {
		if !sub.claimReplay(evt.ID) {
			continue
		}
		subID := id
		c.send(&nostr.EventEnvelope{SubscriptionID: &subID, Event: *evt})
	}

	eose := nostr.EOSEEnvelope(id)
	c.send(&eose)
	sub.finishReplay()

	logging.DebugMethod("relay", "handleReq", "connection %s subscription %q replayed %d events", c.id, id, len(evts))
}

// handleClose deregisters the subscription immediately: queued broadcasts
// for it are suppressed even if already matched.
func (c *Client) handleClose(id string) {
	c.subMu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	if ok {
		sub.cancel()
		logging.DebugMethod("relay", "handleClose", "connection %s closed subscription %q", c.id, id)
	}
}

// dropSubscription removes sub from the map if it is still the registered
// subscription for that label.
func (c *Client) dropSubscription(id string, sub *subscription) {
	c.subMu.Lock()
	if c.subs[id] == sub {
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	sub.cancel()
}

func (c *Client) ack(eventID string, ok bool, reason string) {
	c.send(&nostr.OKEnvelope{EventID: eventID, OK: ok, Reason: reason})
}

func (c *Client) sendClosed(id string, reason string) {
	c.send(&nostr.ClosedEnvelope{SubscriptionID: id, Reason: reason})
}
