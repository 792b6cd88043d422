// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the envelope exchanged with the cloud bridge and its
// binary codec. The on-wire format is the proto3 encoding of message.proto;
// field numbers there are an external contract and must not change.
package wire

import "fmt"

// ID is the opaque identifier scoping one logical connection. It is assigned
// by the bridge; the device only compares it for equality.
type ID []byte

// Key returns the map key form of the identifier.
func (id ID) Key() string {
	return string(id)
}

// String returns a short printable form for logging.
func (id ID) String() string {
	return fmt.Sprintf("%x", []byte(id))
}

// Message is the tagged envelope carried in every outer frame. Exactly one of
// HTTP and WebSocket is set.
type Message struct {
	HTTP      *HTTP
	WebSocket *WebSocket
}

// ID returns the logical connection identifier of the message, or nil for a
// malformed in-memory value.
func (m *Message) ID() ID {
	switch {
	case m.HTTP != nil:
		return m.HTTP.RequestID
	case m.WebSocket != nil:
		return m.WebSocket.SocketID
	default:
		return nil
	}
}

// HTTP scopes one HTTP exchange. Exactly one of Request and Response is set.
type HTTP struct {
	RequestID ID
	Request   *Request
	Response  *Response
}

// Request is an HTTP request to be issued against a local service.
type Request struct {
	Path        string // no leading slash on the wire
	Method      string
	QueryString string
	Headers     map[string]string
	Body        []byte
	Port        uint32
}

// Response is a local service's answer, sent back to the bridge.
type Response struct {
	StatusCode uint32
	Headers    map[string]string
	Body       []byte
}

// WebSocket carries one frame of a proxied WebSocket stream.
type WebSocket struct {
	SocketID ID
	Frame    Frame
}

// FrameKind enumerates the WebSocket frame variants.
type FrameKind int

const (
	Text FrameKind = iota + 1
	Binary
	Ping
	Pong
	Close
)

// String returns the frame kind name used in logs and metrics labels.
func (k FrameKind) String() string {
	switch k {
	case Text:
		return "text"
	case Binary:
		return "binary"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Close:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one WebSocket frame. Data holds the payload for Text, Binary,
// Ping and Pong frames; Code and Reason are set for Close frames only.
type Frame struct {
	Kind   FrameKind
	Data   []byte
	Code   uint32
	Reason string
}

// NewHTTPRequest wraps a request into an envelope.
func NewHTTPRequest(id ID, req *Request) *Message {
	return &Message{HTTP: &HTTP{RequestID: id, Request: req}}
}

// NewHTTPResponse wraps a response into an envelope.
func NewHTTPResponse(id ID, res *Response) *Message {
	return &Message{HTTP: &HTTP{RequestID: id, Response: res}}
}

// NewFrame wraps a WebSocket frame into an envelope.
func NewFrame(id ID, f Frame) *Message {
	return &Message{WebSocket: &WebSocket{SocketID: id, Frame: f}}
}
