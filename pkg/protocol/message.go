// Copyright 2023 The seathub-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package protocol defines the wire format spoken between clients and the
// broker: a JSON envelope carrying one of a closed set of message kinds.
// Anything outside that set is a protocol error, never silently accepted.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Close codes used when the broker terminates a connection. They follow the
// WebSocket close-code registry.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Kind identifies a message variant in the envelope.
type Kind string

// Client-originated message kinds.
const (
	KindAuth        Kind = "auth"
	KindSubscribe   Kind = "subscribe"
	KindUnsubscribe Kind = "unsubscribe"
	KindHeartbeat   Kind = "heartbeat"
	KindDataUpdate  Kind = "data_update"
	KindError       Kind = "error"
)

// Server-originated message kinds.
const (
	KindConnected    Kind = "connected"
	KindDisconnected Kind = "disconnected"
	KindSubscribed   Kind = "subscribed"
	KindUnsubscribed Kind = "unsubscribed"
	KindHeartbeatAck Kind = "heartbeat_ack"
	KindAlert        Kind = "alert"
	KindPing         Kind = "ping"
)

var (
	// ErrMalformed is returned when an inbound frame is not valid JSON or
	// is missing required fields.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownKind is returned for a syntactically valid envelope whose
	// type is not a known client message kind.
	ErrUnknownKind = errors.New("unknown message kind")
)

// envelope is the outer JSON shape shared by every message.
type envelope struct {
	Type Kind `json:"type"`
}

// Auth carries the opaque bearer credential for authentication.
type Auth struct {
	Type  Kind   `json:"type"`
	Token string `json:"token"`
}

// Subscribe asks to join a set of channels. SyncEvents lists the event
// names the client wants replayed from each channel's payload cache on
// join, if present.
type Subscribe struct {
	Type       Kind     `json:"type"`
	Channels   []string `json:"channels"`
	SyncEvents []string `json:"sync_events,omitempty"`
}

// Unsubscribe asks to leave the listed channels, or every channel when All
// is set.
type Unsubscribe struct {
	Type     Kind     `json:"type"`
	Channels []string `json:"channels,omitempty"`
	All      bool     `json:"all,omitempty"`
}

// Heartbeat is the client-side liveness signal.
type Heartbeat struct {
	Type Kind `json:"type"`
}

// DataUpdate is an application payload published into a channel the sender
// belongs to.
type DataUpdate struct {
	Type    Kind            `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a raw client frame into one of the typed message structs.
// The concrete type of the returned value is one of *Auth, *Subscribe,
// *Unsubscribe, *Heartbeat, or *DataUpdate.
func Decode(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg any
	switch env.Type {
	case KindAuth:
		msg = &Auth{}
	case KindSubscribe:
		msg = &Subscribe{}
	case KindUnsubscribe:
		msg = &Unsubscribe{}
	case KindHeartbeat:
		msg = &Heartbeat{}
	case KindDataUpdate:
		msg = &DataUpdate{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// Connected acknowledges a successful authentication with a summary of the
// resolved identity.
type Connected struct {
	Type       Kind   `json:"type"`
	UserID     string `json:"user_id"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	Department string `json:"department"`
}

// Subscribed lists the channel names a subscribe request was granted.
// Unauthorized names are dropped from the list rather than failing the
// whole request.
type Subscribed struct {
	Type     Kind     `json:"type"`
	Channels []string `json:"channels"`
}

// Unsubscribed acknowledges an unsubscribe request.
type Unsubscribed struct {
	Type     Kind     `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// HeartbeatAck answers a client heartbeat with the server's clock.
type HeartbeatAck struct {
	Type       Kind      `json:"type"`
	ServerTime time.Time `json:"server_time"`
}

// Event is a broadcast frame delivered to channel members.
type Event struct {
	Type    Kind            `json:"type"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Alert is a service-level notice, e.g. dependency degradation or recovery,
// published on the public alert channel.
type Alert struct {
	Type    Kind      `json:"type"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ErrorReply reports a request failure back to the originating connection.
type ErrorReply struct {
	Type    Kind   `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode marshals a server message for the wire.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
