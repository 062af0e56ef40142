// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Protocol - wire codec for the NIP-01 client/server message frames.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// ClientMessage is one decoded client-to-relay frame.
type ClientMessage interface {
	Label() string
}

// PublishMessage is an ["EVENT", {...}] frame.
type PublishMessage struct {
	Event *nostr.Event
}

// SubscribeMessage is a ["REQ", <id>, <filter>...] frame.
type SubscribeMessage struct {
	ID      string
	Filters nostr.Filters
}

// UnsubscribeMessage is a ["CLOSE", <id>] frame.
type UnsubscribeMessage struct {
	ID string
}

// AuthMessage is an ["AUTH", {...}] frame carrying the signed challenge response.
type AuthMessage struct {
	Event *nostr.Event
}

func (PublishMessage) Label() string     { return "EVENT" }
func (SubscribeMessage) Label() string   { return "REQ" }
func (UnsubscribeMessage) Label() string { return "CLOSE" }
func (AuthMessage) Label() string        { return "AUTH" }

// DecodeError describes a frame that could not be decoded. For EVENT frames
// EventHint carries whatever event id could still be salvaged from the raw
// payload (possibly empty) so the caller can answer with an OK for the
// literal id the client attempted to publish.
type DecodeError struct {
	MessageLabel string
	EventHint    string
	Reason       string
}

func (e *DecodeError) Error() string {
	if e.MessageLabel == "" {
		return "decode: " + e.Reason
	}
	return "decode " + e.MessageLabel + ": " + e.Reason
}

// Decode parses one inbound frame into a ClientMessage. Event and filter
// payloads are re-validated structurally before being handed to the caller;
// a frame that fails here never reaches the pipeline.
func Decode(data []byte) (ClientMessage, error) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, &DecodeError{Reason: "message is not a JSON array"}
	}
	arr := parsed.Array()
	if len(arr) == 0 || arr[0].Type != gjson.String {
		return nil, &DecodeError{Reason: "message has no label"}
	}

	label := arr[0].Str
	switch label {
	case "EVENT":
		if len(arr) != 2 || !arr[1].IsObject() {
			return nil, &DecodeError{MessageLabel: label, EventHint: eventIDHint(arr), Reason: "EVENT message must carry exactly one event object"}
		}
		evt := &nostr.Event{}
		if err := json.Unmarshal([]byte(arr[1].Raw), evt); err != nil {
			return nil, &DecodeError{MessageLabel: label, EventHint: eventIDHint(arr), Reason: "invalid event payload"}
		}
		if err := ValidateEventStructure(evt); err != nil {
			return nil, &DecodeError{MessageLabel: label, EventHint: eventIDHint(arr), Reason: err.Error()}
		}
		return PublishMessage{Event: evt}, nil

	case "REQ":
		if len(arr) < 3 {
			return nil, &DecodeError{MessageLabel: label, Reason: "REQ message needs a subscription id and at least one filter"}
		}
		if arr[1].Type != gjson.String || arr[1].Str == "" {
			return nil, &DecodeError{MessageLabel: label, Reason: "subscription id must be a non-empty string"}
		}
		filters := make(nostr.Filters, 0, len(arr)-2)
		for _, raw := range arr[2:] {
			if !raw.IsObject() {
				return nil, &DecodeError{MessageLabel: label, Reason: "filter must be a JSON object"}
			}
			var f nostr.Filter
			if err := json.Unmarshal([]byte(raw.Raw), &f); err != nil {
				return nil, &DecodeError{MessageLabel: label, Reason: "invalid filter payload"}
			}
			if err := ValidateFilterStructure(f); err != nil {
				return nil, &DecodeError{MessageLabel: label, Reason: err.Error()}
			}
			filters = append(filters, f)
		}
		return SubscribeMessage{ID: arr[1].Str, Filters: filters}, nil

	case "CLOSE":
		if len(arr) != 2 || arr[1].Type != gjson.String || arr[1].Str == "" {
			return nil, &DecodeError{MessageLabel: label, Reason: "CLOSE message must carry a subscription id"}
		}
		return UnsubscribeMessage{ID: arr[1].Str}, nil

	case "AUTH":
		if len(arr) != 2 || !arr[1].IsObject() {
			return nil, &DecodeError{MessageLabel: label, Reason: "AUTH message must carry exactly one event object"}
		}
		evt := &nostr.Event{}
		if err := json.Unmarshal([]byte(arr[1].Raw), evt); err != nil {
			return nil, &DecodeError{MessageLabel: label, Reason: "invalid auth event payload"}
		}
		if err := ValidateEventStructure(evt); err != nil {
			return nil, &DecodeError{MessageLabel: label, Reason: err.Error()}
		}
		return AuthMessage{Event: evt}, nil

	default:
		return nil, &DecodeError{MessageLabel: label, Reason: fmt.Sprintf("unknown message label %q", label)}
	}
}

// Encode serializes one server-to-client envelope into a wire frame.
func Encode(env nostr.Envelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		// envelopes are plain values; marshalling only fails on programmer error
		return []byte(`["NOTICE","internal: failed to encode message"]`)
	}
	return data
}

// eventIDHint extracts the literal id of an EVENT frame that failed to
// decode, falling back to empty when the payload cannot be parsed that far.
func eventIDHint(arr []gjson.Result) string {
	if len(arr) < 2 {
		return ""
	}
	id := arr[1].Get("id")
	if id.Type == gjson.String && isHex(id.Str, 64) {
		return id.Str
	}
	return ""
}
