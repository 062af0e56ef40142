// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Relay Engine - a standalone Nostr relay.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/girino/relay-engine/logging"
	"github.com/girino/relay-engine/nips"
	"github.com/girino/relay-engine/relay"
	"github.com/girino/relay-engine/store"
	"github.com/nbd-wtf/go-nostr"
	nip19 "github.com/nbd-wtf/go-nostr/nip19"
)

// Goroutine health thresholds
const (
	GoroutineYellowThreshold = 30000  // 30k goroutines = yellow health
	GoroutineRedThreshold    = 100000 // 100k goroutines = red health
)

// getGoroutineHealthState determines the health state based on goroutine count
func getGoroutineHealthState(goroutineCount int) string {
	if goroutineCount >= GoroutineRedThreshold {
		return relay.HealthRed
	} else if goroutineCount >= GoroutineYellowThreshold {
		return relay.HealthYellow
	}
	return relay.HealthGreen
}

// appStats holds runtime stats for the application
type appStats struct {
	Version              string  `json:"version"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
	Goroutines           int     `json:"goroutines"`
	GoroutineHealthState string  `json:"goroutine_health_state"`
	HeapAllocBytes       uint64  `json:"heap_alloc_bytes"`
	SysBytes             uint64  `json:"sys_bytes"`
	GCCycles             uint32  `json:"gc_cycles"`
}

func collectAppStats(startTime time.Time) appStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()
	return appStats{
		Version:              Version,
		UptimeSeconds:        time.Since(startTime).Seconds(),
		Goroutines:           goroutines,
		GoroutineHealthState: getGoroutineHealthState(goroutines),
		HeapAllocBytes:       m.HeapAlloc,
		SysBytes:             m.Sys,
		GCCycles:             m.NumGC,
	}
}

func main() {
	// Track start time for uptime calculation
	startTime := time.Now()

	// use LoadConfig to read env/flags
	cfg := LoadConfig()
	logging.SetVerbose(cfg.Verbose)

	// in-memory backend; swap for a persistent eventstore backend in production
	backend := &slicestore.SliceStore{}
	st := store.New(backend)
	st.DefaultQueryLimit = cfg.DefaultQueryLimit
	st.MaxQueryLimit = cfg.MaxQueryLimit
	if err := st.Init(); err != nil {
		logging.Fatal("initializing event store: %v", err)
	}
	defer st.Close()

	// capability pipeline: baseline first, then the feature modules
	registry := nips.NewRegistry()
	registry.Register(nips.NewNIP01())
	registry.Register(nips.NewNIP09(st))
	registry.Register(nips.NewNIP40())

	r := relay.New(st, registry, relay.AllowAll(), relay.Options{
		ServiceURL:           cfg.RelayServiceURL,
		AuthRequired:         cfg.AuthRequired,
		MaxEventsPerInterval: cfg.MaxEventsPerMinute,
		MaxReqsPerInterval:   cfg.MaxReqsPerMinute,
		RateInterval:         time.Minute,
		MaxSubscriptions:     cfg.MaxSubscriptions,
		MaxFilters:           cfg.MaxFilters,
		MaxMessageLength:     int64(cfg.MaxMessageLength),
		IdleTimeout:          cfg.IdleTimeout,
	})

	// apply NIP-11 fields from config
	ApplyToRelay(r, cfg)

	// handle RELAY_SECKEY: accept nsec bech32 or raw hex; derive pubkey and
	// set Info.PubKey if not provided
	sec := cfg.RelaySecKey
	if sec == "" {
		s := nostr.GeneratePrivateKey()
		if s != "" {
			sec = s
			logging.DebugMethod("main", "main", "generated new relay secret key")
		}
	}
	if sec != "" && r.Info.PubKey == "" {
		if strings.HasPrefix(sec, "nsec") {
			if _, val, err := nip19.Decode(sec); err == nil {
				if s, ok := val.(string); ok {
					if pk, err := nostr.GetPublicKey(s); err == nil {
						r.Info.PubKey = pk
					}
				}
			}
		} else if _, err := hex.DecodeString(sec); err == nil {
			if pk, err := nostr.GetPublicKey(sec); err == nil {
				r.Info.PubKey = pk
			}
		}
		// do not log secrets
	}

	// accepted-event signal for external collaborators (dashboards, DM
	// notifiers); the engine never calls them synchronously in the hot path
	var acceptedSeen int64
	r.OnEventAccepted(func(evt *nostr.Event) {
		atomic.AddInt64(&acceptedSeen, 1)
		logging.DebugMethod("main", "OnEventAccepted", "event %s kind %d from %s", evt.ID, evt.Kind, evt.PubKey)
	})

	// expose stats endpoint using the relay's router
	mux := r.Router()
	mux.HandleFunc("/api/v1/stats", func(w http.ResponseWriter, req *http.Request) {
		allStats := map[string]any{
			"relay": r.Stats(),
			"store": st.Stats(),
			"app":   collectAppStats(startTime),
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(allStats); err != nil {
			http.Error(w, "failed to encode stats", http.StatusInternalServerError)
		}
	})

	// expose health endpoint for docker healthchecks
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		relayStats := r.Stats()
		app := collectAppStats(startTime)

		mainHealthState := relayStats.MainHealthState
		if app.GoroutineHealthState == relay.HealthRed ||
			(app.GoroutineHealthState == relay.HealthYellow && mainHealthState == relay.HealthGreen) {
			mainHealthState = app.GoroutineHealthState
		}

		var httpStatus int
		var status string
		switch mainHealthState {
		case relay.HealthGreen:
			httpStatus = http.StatusOK
			status = "healthy"
		case relay.HealthYellow:
			httpStatus = http.StatusOK
			status = "degraded"
		case relay.HealthRed:
			httpStatus = http.StatusServiceUnavailable
			status = "unhealthy"
		default:
			httpStatus = http.StatusInternalServerError
			status = "unknown"
		}

		health := map[string]any{
			"status":            status,
			"service":           r.Info.Name,
			"version":           Version,
			"main_health_state": mainHealthState,
			"connections":       relayStats.CurrentConnections,
			"events_accepted":   relayStats.EventsAccepted,
			"events_notified":   atomic.LoadInt64(&acceptedSeen),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(health); err != nil {
			logging.Error("failed to encode health status: %v", err)
		}
	})

	// graceful shutdown on SIGINT/SIGTERM
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.Shutdown(ctx); err != nil {
			logging.Error("shutdown: %v", err)
		}
	}()

	// parse addr into host and port
	host, portStr, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		// maybe user provided only a port like ":8080"
		if cfg.Addr[0] == ':' {
			host = ""
			portStr = cfg.Addr[1:]
		} else {
			logging.Fatal("invalid addr: %v", err)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		logging.Fatal("invalid port: %v", err)
	}

	logging.Info("Starting %s on %s", ProjectName, cfg.Addr)
	if err := r.Start(host, port); err != nil {
		logging.Fatal("relay exited: %v", err)
	}
}
