package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/girino/relay-engine/logging"
	"github.com/girino/relay-engine/protocol"
	"github.com/girino/relay-engine/ratelimit"
	"github.com/nbd-wtf/go-nostr"
)

// authState is the per-connection authentication state machine.
type authState int

const (
	authNone authState = iota
	authChallenged
	authOK
)

// Client is one websocket session. It owns its subscriptions, rate counters
// and authentication state exclusively; nothing here is shared across
// connections, so no cross-connection locking is needed.
type Client struct {
	relay *Relay
	conn  *websocket.Conn

	id         string
	ip         string
	serviceURL string

	ctx    context.Context
	cancel context.CancelFunc

	authMu      sync.Mutex
	authState   authState
	challenge   string
	challengeAt time.Time
	pubkey      string

	subMu sync.RWMutex
	subs  map[string]*subscription

	publishWindow *ratelimit.Window
	reqWindow     *ratelimit.Window

	out chan []byte

	lastSeen       atomic.Int64
	decodeFailures int
	closeOnce      sync.Once
}

// handleWebsocket upgrades the request into a session and starts its read
// and write loops.
func (rl *Relay) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !rl.acceptLimiter.Allow(ip) {
		logging.Warn("connection rate limiter rejected %s", ip)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // relays serve arbitrary web origins
	})
	if err != nil {
		logging.Warn("websocket accept from %s failed: %v", ip, err)
		return
	}
	conn.SetReadLimit(rl.opts.MaxMessageLength)

	serviceURL := rl.opts.ServiceURL
	if serviceURL == "" {
		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		serviceURL = scheme + "://" + r.Host
	}

	ctx, cancel := context.WithCancel(rl.shutdownCtx)
	c := &Client{
		relay:         rl,
		conn:          conn,
		id:            newSessionID(),
		ip:            ip,
		serviceURL:    serviceURL,
		ctx:           ctx,
		cancel:        cancel,
		subs:          make(map[string]*subscription),
		publishWindow: ratelimit.NewWindow(rl.opts.MaxEventsPerInterval, rl.opts.RateInterval),
		reqWindow:     ratelimit.NewWindow(rl.opts.MaxReqsPerInterval, rl.opts.RateInterval),
		out:           make(chan []byte, 128),
	}
	c.touch()

	rl.clients.Store(c, struct{}{})
	atomic.AddInt64(&rl.totalConnections, 1)
	atomic.AddInt64(&rl.currentConnections, 1)
	logging.DebugMethod("relay", "handleWebsocket", "connection %s opened from %s", c.id, ip)

	go c.writeLoop()
	go c.readLoop()

	if rl.opts.AuthRequired {
		c.issueChallenge()
	}
}

// readLoop processes inbound frames in arrival order, one at a time. A panic
// while handling a message tears down this session only; other connections
// and the process itself are unaffected.
func (c *Client) readLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("connection %s: recovered panic: %v", c.id, rec)
		}
		c.close("connection closed")
	}()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		c.touch()
		if !c.handleFrame(data) {
			return
		}
	}
}

// handleFrame decodes and dispatches one frame. It returns false when the
// connection must terminate (sustained protocol violation).
func (c *Client) handleFrame(data []byte) bool {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.decodeFailures++
		var de *protocol.DecodeError
		if errors.As(err, &de) && de.MessageLabel == "EVENT" {
			// the client needs an OK for the literal id it tried to publish
			c.send(&nostr.OKEnvelope{EventID: de.EventHint, OK: false, Reason: "invalid: " + de.Reason})
		} else {
			notice := nostr.NoticeEnvelope("invalid: " + err.Error())
			c.send(&notice)
		}
		if c.decodeFailures >= c.relay.opts.MaxDecodeFailures {
			logging.Warn("connection %s: dropped after %d malformed frames", c.id, c.decodeFailures)
			c.closeWithStatus(websocket.StatusPolicyViolation, "too many malformed messages")
			return false
		}
		return true
	}
	c.decodeFailures = 0

	switch m := msg.(type) {
	case protocol.PublishMessage:
		c.handleEvent(m.Event)
	case protocol.SubscribeMessage:
		c.handleReq(m.ID, m.Filters)
	case protocol.UnsubscribeMessage:
		c.handleClose(m.ID)
	case protocol.AuthMessage:
		c.handleAuth(m.Event)
	}
	return true
}

// writeLoop drains the outbound queue. All writes to the socket happen here,
// so per-message ordering is the queue ordering.
func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			wctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.close("write failed")
				return
			}
		}
	}
}

// send enqueues one envelope for delivery. A full queue means the client
// cannot keep up; the session is dropped rather than blocking the sender.
func (c *Client) send(env nostr.Envelope) {
	select {
	case c.out <- protocol.Encode(env):
	default:
		logging.Warn("connection %s: outbound queue full, dropping session", c.id)
		c.closeWithStatus(websocket.StatusPolicyViolation, "client too slow")
	}
}

func (c *Client) close(reason string) {
	c.closeWithStatus(websocket.StatusNormalClosure, reason)
}

// closeWithStatus tears the session down atomically: deregisters it, cancels
// its subscriptions so no further broadcasts are attempted, and closes the
// socket.
func (c *Client) closeWithStatus(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.relay.clients.Delete(c)
		atomic.AddInt64(&c.relay.currentConnections, -1)

		c.subMu.Lock()
		for _, sub := range c.subs {
			sub.cancel()
		}
		c.subs = make(map[string]*subscription)
		c.subMu.Unlock()

		c.cancel()
		_ = c.conn.Close(status, reason)
		logging.DebugMethod("relay", "close", "connection %s closed: %s", c.id, reason)
	})
}

// dispatch delivers a live event to every matching subscription of this
// client. Reports whether anything was delivered.
func (c *Client) dispatch(evt *nostr.Event) bool {
	c.subMu.RLock()
	var targets []string
	for id, sub := range c.subs {
		if sub.deliverLive(evt) {
			targets = append(targets, id)
		}
	}
	c.subMu.RUnlock()

	for _, id := range targets {
		subID := id
		c.send(&nostr.EventEnvelope{SubscriptionID: &subID, Event: *evt})
	}
	return len(targets) > 0
}

func (c *Client) subscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subs)
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

func (c *Client) lastActivity() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// clientIP extracts the real client IP, honoring proxy headers.
func clientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newSessionID generates a short random identifier for logging.
func newSessionID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
