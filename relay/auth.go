package relay

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/girino/relay-engine/logging"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
)

// issueChallenge moves the session into the challenge-issued state and sends
// the challenge. An authenticated session is never re-challenged; an
// outstanding fresh challenge is re-sent rather than rotated, so a client
// answering an earlier AUTH frame still validates.
func (c *Client) issueChallenge() {
	c.authMu.Lock()
	if c.authState == authOK {
		c.authMu.Unlock()
		return
	}
	if c.authState == authNone || time.Since(c.challengeAt) > c.relay.opts.AuthFreshness {
		c.authState = authChallenged
		c.challenge = newChallenge()
		c.challengeAt = time.Now()
	}
	challenge := c.challenge
	c.authMu.Unlock()

	c.send(&nostr.AuthEnvelope{Challenge: &challenge})
}

// handleAuth validates the signed challenge response: event kind, signature,
// challenge tag equality, relay binding and timestamp freshness. On success
// the connection stays authenticated until it disconnects; on failure the
// state is left unchanged so the client may retry, subject to rate limiting
// like any other message.
func (c *Client) handleAuth(evt *nostr.Event) {
	rl := c.relay

	if !c.publishWindow.Allow(time.Now()) {
		c.ack(evt.ID, false, "rate-limited: slow down")
		return
	}

	c.authMu.Lock()
	state := c.authState
	challenge := c.challenge
	c.authMu.Unlock()

	if state == authOK {
		c.ack(evt.ID, true, "")
		return
	}
	if state != authChallenged {
		c.ack(evt.ID, false, "invalid: no challenge was issued for this connection")
		return
	}

	now := nostr.Now()
	window := nostr.Timestamp(rl.opts.AuthFreshness.Seconds())
	if evt.CreatedAt < now-window || evt.CreatedAt > now+window {
		atomic.AddInt64(&rl.authFailures, 1)
		c.ack(evt.ID, false, "invalid: auth event timestamp is outside the freshness window")
		return
	}

	pubkey, ok := nip42.ValidateAuthEvent(evt, challenge, c.serviceURL)
	if !ok {
		atomic.AddInt64(&rl.authFailures, 1)
		c.ack(evt.ID, false, "invalid: failed to validate auth event")
		return
	}

	c.authMu.Lock()
	c.authState = authOK
	c.pubkey = pubkey
	c.challenge = ""
	c.authMu.Unlock()

	atomic.AddInt64(&rl.authSuccesses, 1)
	logging.DebugMethod("relay", "handleAuth", "connection %s authenticated as %s", c.id, pubkey)
	c.ack(evt.ID, true, "")
}

// authenticated reports whether the session completed the handshake.
func (c *Client) authenticated() bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authState == authOK
}

// AuthedPubkey returns the identity the session authenticated as, or empty.
func (c *Client) AuthedPubkey() string {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.pubkey
}

// newChallenge generates a random nonce for the NIP-42 handshake.
func newChallenge() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(buf)
}
