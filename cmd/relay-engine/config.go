// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Configuration management for the relay engine.
package main

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/girino/relay-engine/relay"
)

// getEnvOr returns the environment variable value or a default if not set
func getEnvOr(env, defaultValue string) string {
	if v := os.Getenv(env); v != "" {
		return v
	}
	return defaultValue
}

// getEnvIntOr returns the environment variable parsed as int, or a default
func getEnvIntOr(env string, defaultValue int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBoolOr returns the environment variable parsed as bool, or a default
func getEnvBoolOr(env string, defaultValue bool) bool {
	if v := os.Getenv(env); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// Config holds runtime configuration coming from environment and CLI flags.
type Config struct {
	Addr    string
	Verbose string

	RelayServiceURL  string
	RelayName        string
	RelayDescription string
	RelayContact     string
	RelaySecKey      string
	RelayPubKey      string
	RelayIcon        string
	RelayBanner      string

	// Engine limits
	AuthRequired       bool
	MaxEventsPerMinute int
	MaxReqsPerMinute   int
	MaxSubscriptions   int
	MaxFilters         int
	MaxMessageLength   int
	DefaultQueryLimit  int
	MaxQueryLimit      int
	IdleTimeout        time.Duration
}

// LoadConfig reads environment variables and flags. Flags override env values.
func LoadConfig() *Config {
	// Basic settings
	addr := flag.String("addr", getEnvOr("ADDR", ":3337"), "address to listen on (env: ADDR)")
	verbose := flag.String("verbose", os.Getenv("VERBOSE"), "verbose logging control: '1'/'true' for all, 'relay' for module, 'relay.handleEvent,store' for specific methods (env: VERBOSE)")

	// Relay identity settings
	relayServiceURL := flag.String("relay-service-url", os.Getenv("RELAY_SERVICE_URL"), "canonical websocket URL of this relay, used for auth binding (env: RELAY_SERVICE_URL)")
	relayName := flag.String("relay-name", os.Getenv("RELAY_NAME"), "relay name (env: RELAY_NAME)")
	relayDescription := flag.String("relay-description", os.Getenv("RELAY_DESCRIPTION"), "relay description (env: RELAY_DESCRIPTION)")
	relayContact := flag.String("relay-contact", os.Getenv("RELAY_CONTACT"), "relay contact (env: RELAY_CONTACT)")
	relaySecKey := flag.String("relay-seckey", os.Getenv("RELAY_SECKEY"), "relay secret key (env: RELAY_SECKEY)")
	relayPubKey := flag.String("relay-pubkey", os.Getenv("RELAY_PUBKEY"), "relay public key (env: RELAY_PUBKEY)")
	relayIcon := flag.String("relay-icon", os.Getenv("RELAY_ICON"), "relay icon URL (env: RELAY_ICON)")
	relayBanner := flag.String("relay-banner", os.Getenv("RELAY_BANNER"), "relay banner URL (env: RELAY_BANNER)")

	// Engine limits
	authRequired := flag.Bool("auth-required", getEnvBoolOr("AUTH_REQUIRED", false), "require NIP-42 authentication before accepting events (env: AUTH_REQUIRED)")
	maxEventsPerMinute := flag.Int("max-events-per-minute", getEnvIntOr("MAX_EVENTS_PER_MINUTE", 120), "per-connection event publish ceiling, 0 disables (env: MAX_EVENTS_PER_MINUTE)")
	maxReqsPerMinute := flag.Int("max-reqs-per-minute", getEnvIntOr("MAX_REQS_PER_MINUTE", 60), "per-connection subscription request ceiling, 0 disables (env: MAX_REQS_PER_MINUTE)")
	maxSubscriptions := flag.Int("max-subscriptions", getEnvIntOr("MAX_SUBSCRIPTIONS", 30), "maximum concurrent subscriptions per connection (env: MAX_SUBSCRIPTIONS)")
	maxFilters := flag.Int("max-filters", getEnvIntOr("MAX_FILTERS", 10), "maximum filters per subscription request (env: MAX_FILTERS)")
	maxMessageLength := flag.Int("max-message-length", getEnvIntOr("MAX_MESSAGE_LENGTH", 512*1024), "maximum inbound frame length in bytes (env: MAX_MESSAGE_LENGTH)")
	defaultQueryLimit := flag.Int("default-query-limit", getEnvIntOr("DEFAULT_QUERY_LIMIT", 500), "result cap for filters declaring no limit (env: DEFAULT_QUERY_LIMIT)")
	maxQueryLimit := flag.Int("max-query-limit", getEnvIntOr("MAX_QUERY_LIMIT", 5000), "hard cap on any declared filter limit (env: MAX_QUERY_LIMIT)")

	// Parse idle timeout
	envIdleTimeout := getEnvOr("IDLE_TIMEOUT", "5m")
	idleTimeoutVal, err := time.ParseDuration(envIdleTimeout)
	if err != nil {
		idleTimeoutVal = 5 * time.Minute
	}
	idleTimeout := flag.Duration("idle-timeout", idleTimeoutVal, "how long a silent connection survives before the sweeper closes it (env: IDLE_TIMEOUT)")

	flag.Parse()

	return &Config{
		Addr:    *addr,
		Verbose: *verbose,

		RelayServiceURL:  *relayServiceURL,
		RelayName:        *relayName,
		RelayDescription: *relayDescription,
		RelayContact:     *relayContact,
		RelaySecKey:      *relaySecKey,
		RelayPubKey:      *relayPubKey,
		RelayIcon:        *relayIcon,
		RelayBanner:      *relayBanner,

		AuthRequired:       *authRequired,
		MaxEventsPerMinute: *maxEventsPerMinute,
		MaxReqsPerMinute:   *maxReqsPerMinute,
		MaxSubscriptions:   *maxSubscriptions,
		MaxFilters:         *maxFilters,
		MaxMessageLength:   *maxMessageLength,
		DefaultQueryLimit:  *defaultQueryLimit,
		MaxQueryLimit:      *maxQueryLimit,
		IdleTimeout:        *idleTimeout,
	}
}

// ApplyToRelay applies config NIP-11 fields to a relay instance.
func ApplyToRelay(r *relay.Relay, cfg *Config) {
	if cfg.RelayName != "" {
		r.Info.Name = cfg.RelayName
	} else {
		r.Info.Name = ProjectName
	}
	if cfg.RelayDescription != "" {
		r.Info.Description = cfg.RelayDescription
	}
	if cfg.RelayContact != "" {
		r.Info.Contact = cfg.RelayContact
	}
	// software and version are fixed
	r.Info.Software = "https://github.com/girino/relay-engine"
	r.Info.Version = Version
	if cfg.RelayPubKey != "" {
		r.Info.PubKey = cfg.RelayPubKey
	}
	if cfg.RelayIcon != "" {
		r.Info.Icon = cfg.RelayIcon
	}
	if cfg.RelayBanner != "" {
		r.Info.Banner = cfg.RelayBanner
	}
}
