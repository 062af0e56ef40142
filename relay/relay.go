// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Relay - the protocol engine: connection management, message dispatch,
// subscription fan-out, authentication and the relay info document.
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/girino/relay-engine/logging"
	"github.com/girino/relay-engine/nips"
	"github.com/girino/relay-engine/ratelimit"
	"github.com/girino/relay-engine/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip11"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/cors"
)

// Health state constants
const (
	HealthGreen  = "GREEN"
	HealthYellow = "YELLOW"
	HealthRed    = "RED"
)

// Authorizer decides whether an identity may publish right now. The engine
// enforces the decision and returns the reason verbatim to the client; the
// business rules behind it live outside the engine.
type Authorizer interface {
	IsAuthorizedToPublish(ctx context.Context, pubkey string) (allowed bool, reason string)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, pubkey string) (bool, string)

func (f AuthorizerFunc) IsAuthorizedToPublish(ctx context.Context, pubkey string) (bool, string) {
	return f(ctx, pubkey)
}

// AllowAll authorizes every identity.
func AllowAll() Authorizer {
	return AuthorizerFunc(func(context.Context, string) (bool, string) { return true, "" })
}

// Options configures a Relay. Zero values fall back to the defaults below.
type Options struct {
	ServiceURL string

	// AuthRequired issues a NIP-42 challenge on connect and refuses
	// publishes from unauthenticated connections.
	AuthRequired bool

	// AuthFreshness bounds how far an auth event's created_at may drift.
	AuthFreshness time.Duration

	// Per-connection message ceilings inside RateInterval.
	MaxEventsPerInterval int
	MaxReqsPerInterval   int
	RateInterval         time.Duration

	MaxSubscriptions int
	MaxFilters       int
	MaxSubIDLength   int
	MaxMessageLength int64

	// IdleTimeout is how long a silent connection survives the sweeper.
	IdleTimeout time.Duration

	// MaxDecodeFailures is how many consecutive unparseable frames are
	// tolerated before the connection is dropped as a protocol violation.
	MaxDecodeFailures int

	// Connection accept limiting per client IP.
	AcceptInterval time.Duration
	AcceptBurst    int
}

func (o *Options) fillDefaults() {
	if o.AuthFreshness == 0 {
		o.AuthFreshness = 10 * time.Minute
	}
	if o.RateInterval == 0 {
		o.RateInterval = time.Minute
	}
	if o.MaxSubscriptions == 0 {
		o.MaxSubscriptions = 30
	}
	if o.MaxFilters == 0 {
		o.MaxFilters = 10
	}
	if o.MaxSubIDLength == 0 {
		o.MaxSubIDLength = 64
	}
	if o.MaxMessageLength == 0 {
		o.MaxMessageLength = 512 * 1024
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.MaxDecodeFailures == 0 {
		o.MaxDecodeFailures = 10
	}
	if o.AcceptInterval == 0 {
		o.AcceptInterval = time.Second
	}
	if o.AcceptBurst == 0 {
		o.AcceptBurst = 20
	}
}

// Relay is the engine. Construct it with New and serve it over HTTP; it
// upgrades websocket requests into sessions, answers application/nostr+json
// with the merged relay info document and forwards everything else to its
// Router.
type Relay struct {
	Info *nip11.RelayInformationDocument

	opts       Options
	registry   *nips.Registry
	store      *store.Store
	authorizer Authorizer

	clients       *xsync.MapOf[*Client, struct{}]
	acceptLimiter *ratelimit.PerIP

	serveMux     *http.ServeMux
	infoHandler  http.Handler
	httpServer   *http.Server
	shutdownCtx  context.Context
	shutdownStop context.CancelFunc

	accepted    chan *nostr.Event
	listenersMu sync.RWMutex
	listeners   []func(*nostr.Event)

	// stats
	totalConnections    int64
	currentConnections  int64
	eventsAccepted      int64
	eventsRejected      int64
	eventsBroadcast     int64
	authSuccesses       int64
	authFailures        int64
	internalFailures    int64
	consecutiveInternal int64
	startTime           time.Time
}

// Stats holds runtime counters exported by Relay.
type Stats struct {
	TotalConnections    int64   `json:"total_connections"`
	CurrentConnections  int64   `json:"current_connections"`
	ActiveSubscriptions int64   `json:"active_subscriptions"`
	EventsAccepted      int64   `json:"events_accepted"`
	EventsRejected      int64   `json:"events_rejected"`
	EventsBroadcast     int64   `json:"events_broadcast"`
	AuthSuccesses       int64   `json:"auth_successes"`
	AuthFailures        int64   `json:"auth_failures"`
	InternalFailures    int64   `json:"internal_failures"`
	ConsecutiveInternal int64   `json:"consecutive_internal_failures"`
	MainHealthState     string  `json:"main_health_state"`
	UptimeSeconds       float64 `json:"uptime_seconds"`
}

// New creates a Relay over the given store, capability registry and
// authorization collaborator. There is no package-level relay instance.
func New(st *store.Store, registry *nips.Registry, authorizer Authorizer, opts Options) *Relay {
	opts.fillDefaults()
	if authorizer == nil {
		authorizer = AllowAll()
	}

	ctx, cancel := context.WithCancel(context.Background())
	rl := &Relay{
		Info:          &nip11.RelayInformationDocument{},
		opts:          opts,
		registry:      registry,
		store:         st,
		authorizer:    authorizer,
		clients:       xsync.NewMapOf[*Client, struct{}](),
		acceptLimiter: ratelimit.NewPerIP(opts.AcceptInterval, opts.AcceptBurst),
		serveMux:      &http.ServeMux{},
		shutdownCtx:   ctx,
		shutdownStop:  cancel,
		accepted:      make(chan *nostr.Event, 256),
		startTime:     time.Now(),
	}
	rl.infoHandler = cors.AllowAll().Handler(http.HandlerFunc(rl.handleRelayInfo))

	go rl.notifyLoop(ctx)
	go rl.sweepLoop(ctx)

	return rl
}

// Router returns the mux serving everything that is neither a websocket
// upgrade nor a relay info request; callers register dashboards and stats
// endpoints here.
func (rl *Relay) Router() *http.ServeMux {
	return rl.serveMux
}

// OnEventAccepted registers a listener invoked for every accepted event.
// Listeners run on a dedicated goroutine, never in the ingestion path, and
// may be registered at any point in the relay's lifetime.
func (rl *Relay) OnEventAccepted(fn func(*nostr.Event)) {
	rl.listenersMu.Lock()
	rl.listeners = append(rl.listeners, fn)
	rl.listenersMu.Unlock()
}

// Stats returns a snapshot of the Relay counters.
func (rl *Relay) Stats() Stats {
	var subs int64
	rl.clients.Range(func(c *Client, _ struct{}) bool {
		subs += int64(c.subscriptionCount())
		return true
	})
	consecutive := atomic.LoadInt64(&rl.consecutiveInternal)
	return Stats{
		TotalConnections:    atomic.LoadInt64(&rl.totalConnections),
		CurrentConnections:  atomic.LoadInt64(&rl.currentConnections),
		ActiveSubscriptions: subs,
		EventsAccepted:      atomic.LoadInt64(&rl.eventsAccepted),
		EventsRejected:      atomic.LoadInt64(&rl.eventsRejected),
		EventsBroadcast:     atomic.LoadInt64(&rl.eventsBroadcast),
		AuthSuccesses:       atomic.LoadInt64(&rl.authSuccesses),
		AuthFailures:        atomic.LoadInt64(&rl.authFailures),
		InternalFailures:    atomic.LoadInt64(&rl.internalFailures),
		ConsecutiveInternal: consecutive,
		MainHealthState:     rl.healthState(consecutive),
		UptimeSeconds:       time.Since(rl.startTime).Seconds(),
	}
}

func (rl *Relay) healthState(consecutiveFailures int64) string {
	if consecutiveFailures <= 2 {
		return HealthGreen
	} else if consecutiveFailures < 10 {
		return HealthYellow
	}
	return HealthRed
}

// ServeHTTP dispatches on the request shape: websocket upgrades become
// sessions, application/nostr+json requests get the info document, anything
// else goes to the Router.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		rl.handleWebsocket(w, r)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "application/nostr+json") {
		rl.infoHandler.ServeHTTP(w, r)
		return
	}
	rl.serveMux.ServeHTTP(w, r)
}

// Start listens on host:port and serves until Shutdown.
func (rl *Relay) Start(host string, port int) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	rl.httpServer = &http.Server{
		Addr:              addr,
		Handler:           rl,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logging.Info("relay listening on %s", addr)
	err := rl.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, tears down every session and waits
// for the HTTP server to drain.
func (rl *Relay) Shutdown(ctx context.Context) error {
	rl.shutdownStop()
	rl.clients.Range(func(c *Client, _ struct{}) bool {
		c.close("relay shutting down")
		return true
	})
	if rl.httpServer != nil {
		return rl.httpServer.Shutdown(ctx)
	}
	return nil
}

// broadcast delivers an accepted event to every live subscription it
// matches, across all connections, by pushing into each client's outbound
// queue. It never blocks on a slow client.
func (rl *Relay) broadcast(evt *nostr.Event) {
	delivered := int64(0)
	rl.clients.Range(func(c *Client, _ struct{}) bool {
		if c.dispatch(evt) {
			delivered++
		}
		return true
	})
	if delivered > 0 {
		atomic.AddInt64(&rl.eventsBroadcast, delivered)
	}
}

// notifyAccepted hands an accepted event to the listener goroutine. Drops
// the notification when the queue is full rather than stalling ingestion.
func (rl *Relay) notifyAccepted(evt *nostr.Event) {
	rl.listenersMu.RLock()
	registered := len(rl.listeners)
	rl.listenersMu.RUnlock()
	if registered == 0 {
		return
	}
	select {
	case rl.accepted <- evt:
	default:
		logging.Warn("accepted-event listener queue is full, dropping notification for %s", evt.ID)
	}
}

func (rl *Relay) notifyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-rl.accepted:
			rl.listenersMu.RLock()
			fns := append([](func(*nostr.Event))(nil), rl.listeners...)
			rl.listenersMu.RUnlock()
			for _, fn := range fns {
				fn(evt)
			}
		}
	}
}

// sweepLoop tears down sessions idle beyond the configured timeout.
func (rl *Relay) sweepLoop(ctx context.Context) {
	interval := rl.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			rl.clients.Range(func(c *Client, _ struct{}) bool {
				if now.Sub(c.lastActivity()) > rl.opts.IdleTimeout {
					logging.DebugMethod("relay", "sweepLoop", "closing idle connection %s", c.id)
					c.close("idle timeout")
				}
				return true
			})
		}
	}
}

// recordInternalFailure tracks store/processing failures for health state.
func (rl *Relay) recordInternalFailure() {
	atomic.AddInt64(&rl.internalFailures, 1)
	atomic.AddInt64(&rl.consecutiveInternal, 1)
}

func (rl *Relay) recordInternalSuccess() {
	atomic.StoreInt64(&rl.consecutiveInternal, 0)
}
