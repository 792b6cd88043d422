// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transport drives logical connections to local services. Exactly two
// protocol kinds exist: a one-shot HTTP exchange and a duplex WebSocket
// stream. A Factory turns the first request of a fresh logical id into a live
// Connection; the manager then pulls outbound messages from the Connection
// and pushes forwarded inbound frames through its WriteHandle.
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/dtunnel/pkg/breaker"
	"github.com/absmach/dtunnel/pkg/errors"
	"github.com/absmach/dtunnel/pkg/wire"
)

const (
	// ChannelSize bounds the inbound frames buffered per connection.
	ChannelSize = 50

	// writeWait is the deadline for control-frame writes to local sockets.
	writeWait = 10 * time.Second
)

// Kind tags the transport protocol of a connection.
type Kind int

const (
	KindHTTP Kind = iota + 1
	KindWebSocket
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// Connection produces the outbound messages of one logical connection.
//
// Next blocks until the local service originates data (returned as a wire
// message), the connection ends gracefully (nil, nil), or it fails hard.
// Forwarded inbound frames are consumed internally and never returned.
type Connection interface {
	Next(ctx context.Context, id wire.ID) (*wire.Message, error)
	Close() error
}

// WriteHandle is the sending endpoint used to forward inbound wire frames to
// a connection. It is created before the connection is built so the manager
// can register it and keep demultiplexing while the build runs; frames
// forwarded meanwhile queue in the channel. Forward and CloseWrite must only
// be called from the manager's dispatch flow.
type WriteHandle struct {
	kind      Kind
	ch        chan<- wire.Frame
	recv      <-chan wire.Frame
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// NewWriteHandle creates the write side for a connection of the given kind.
// HTTP connections accept no forwarded frames, so their handle carries no
// channel.
func NewWriteHandle(kind Kind) *WriteHandle {
	h := &WriteHandle{kind: kind}
	if kind == KindWebSocket {
		ch := make(chan wire.Frame, ChannelSize)
		h.ch = ch
		h.recv = ch
		h.done = make(chan struct{})
	}
	return h
}

// Kind reports the transport kind the handle belongs to.
func (h *WriteHandle) Kind() Kind {
	return h.kind
}

// Forward hands a frame to the connection's write side. It suspends while the
// connection's buffer is full and fails once the connection stopped consuming
// or the session context ended. HTTP connections accept no forwarded frames.
func (h *WriteHandle) Forward(ctx context.Context, f wire.Frame) error {
	if h.ch == nil {
		return errors.Wrap(errors.ErrProtocolViolation, "http connection accepts no forwarded frames")
	}
	select {
	case h.ch <- f:
		return nil
	case <-h.done:
		return errors.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseWrite signals that no more frames will be forwarded. The connection
// drains what is buffered, then shuts down its local socket gracefully.
func (h *WriteHandle) CloseWrite() {
	if h.ch == nil {
		return
	}
	h.closeOnce.Do(func() { close(h.ch) })
}

// Abort releases forwarders waiting on the connection. The built connection
// calls it when it shuts down; the manager calls it when the build fails so
// queued frames are abandoned instead of blocking Forward.
func (h *WriteHandle) Abort() {
	if h.done == nil {
		return
	}
	h.doneOnce.Do(func() { close(h.done) })
}

// Factory builds connections toward local services.
type Factory struct {
	// HTTPClient issues one-shot requests. Defaults to a client with a
	// 30 second timeout.
	HTTPClient *http.Client

	// Dialer performs local WebSocket upgrades. Defaults to a dialer with
	// a 10 second handshake timeout.
	Dialer *websocket.Dialer

	// Breaker, when set, guards dials to local services.
	Breaker *breaker.CircuitBreaker

	// LocalHost overrides the host local services are reached at.
	// Defaults to localhost; tests point it elsewhere.
	LocalHost string

	// Logger for transport events.
	Logger *slog.Logger
}

// Build turns the first request for a fresh logical id into a live local
// connection, attached to a handle created up front with NewWriteHandle.
// Build may block on the local exchange or handshake; the caller runs it
// off the dispatch path. As a side effect the local service's HTTP response
// (the one-shot answer, or the 101 upgrade response) is emitted through sink
// before Build returns.
func (f *Factory) Build(ctx context.Context, id wire.ID, req *wire.Request, h *WriteHandle, sink chan<- *wire.Message) (Connection, error) {
	if h.Kind() == KindWebSocket {
		return f.buildWebSocket(ctx, id, req, h, sink)
	}
	return f.buildHTTP(ctx, id, req, sink)
}

// KindOf selects the transport kind from the request's upgrade headers.
// Header names arrive in whatever case the bridge sent them.
func KindOf(req *wire.Request) Kind {
	if isUpgrade(req) {
		return KindWebSocket
	}
	return KindHTTP
}

// isUpgrade reports whether the forwarded request asks for a WebSocket
// upgrade.
func isUpgrade(req *wire.Request) bool {
	connection, upgrade := "", ""
	for k, v := range req.Headers {
		switch {
		case strings.EqualFold(k, "Connection"):
			connection = v
		case strings.EqualFold(k, "Upgrade"):
			upgrade = v
		}
	}
	return strings.Contains(strings.ToLower(connection), "upgrade") &&
		strings.Contains(strings.ToLower(upgrade), "websocket")
}

func (f *Factory) localHost() string {
	if f.LocalHost != "" {
		return f.LocalHost
	}
	return "localhost"
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

// dial runs fn through the circuit breaker when one is configured.
func (f *Factory) dial(fn func() error) error {
	if f.Breaker != nil {
		return f.Breaker.Call(fn)
	}
	return fn()
}

// emit pushes a message into the outbound sink, honoring cancellation.
func emit(ctx context.Context, sink chan<- *wire.Message, msg *wire.Message) error {
	select {
	case sink <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
