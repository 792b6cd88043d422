// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/dtunnel/pkg/errors"
	"github.com/absmach/dtunnel/pkg/wire"
)

var defaultDialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}

// Handshake headers gorilla manages itself; forwarding them verbatim into
// the dialer is rejected as a duplicate.
var handshakeHeaders = []string{
	"Upgrade",
	"Connection",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Protocol",
	"Sec-Websocket-Extensions",
}

// readResult is one event from the local socket: a frame or a terminal error.
type readResult struct {
	frame wire.Frame
	err   error
}

// wsConn is the duplex WebSocket connection to a local service.
type wsConn struct {
	conn    *websocket.Conn
	inbound <-chan wire.Frame
	reads   chan readResult
	done    <-chan struct{}
	stop    func()
	logger  *slog.Logger
	once    sync.Once
}

// buildWebSocket upgrades against the local service, emits the upgrade
// response through sink and binds the live connection to the handle's
// channel, which may already hold frames forwarded during the build.
func (f *Factory) buildWebSocket(ctx context.Context, id wire.ID, req *wire.Request, h *WriteHandle, sink chan<- *wire.Message) (Connection, error) {
	u := &url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(f.localHost(), strconv.Itoa(int(req.Port))),
		Path:     "/" + strings.TrimPrefix(req.Path, "/"),
		RawQuery: req.QueryString,
	}

	dialer, header := f.upgradeDialer(req)

	var conn *websocket.Conn
	var hres *http.Response
	err := f.dial(func() error {
		var err error
		conn, hres, err = dialer.DialContext(ctx, u.String(), header)
		if err != nil {
			return errors.Wrap(errors.ErrTransport, err.Error())
		}
		return nil
	})
	if err != nil {
		return nil, errors.New("upgrade", "websocket", id.String(), err)
	}

	f.logger().Debug("local websocket upgraded", slog.String("id", id.String()))

	res := &wire.Response{
		StatusCode: uint32(hres.StatusCode),
		Headers:    flattenHeader(hres.Header),
	}
	if hres.Body != nil {
		hres.Body.Close()
	}

	if err := emit(ctx, sink, wire.NewHTTPResponse(id, res)); err != nil {
		conn.Close()
		return nil, err
	}

	c := &wsConn{
		conn:    conn,
		inbound: h.recv,
		reads:   make(chan readResult, 1),
		done:    h.done,
		stop:    h.Abort,
		logger:  f.logger(),
	}
	c.forwardControlFrames()
	go c.readLoop()

	return c, nil
}

// upgradeDialer derives the dialer and header set for the local handshake.
// Negotiation fields move into the dialer; everything else is forwarded.
func (f *Factory) upgradeDialer(req *wire.Request) (*websocket.Dialer, http.Header) {
	base := f.Dialer
	if base == nil {
		base = defaultDialer
	}
	dialer := *base

	header := http.Header{}
	for k, v := range req.Headers {
		if isHandshakeHeader(k) {
			switch {
			case strings.EqualFold(k, "Sec-Websocket-Protocol"):
				for _, p := range strings.Split(v, ",") {
					dialer.Subprotocols = append(dialer.Subprotocols, strings.TrimSpace(p))
				}
			case strings.EqualFold(k, "Sec-Websocket-Extensions"):
				if strings.Contains(v, "permessage-deflate") {
					dialer.EnableCompression = true
				}
			}
			continue
		}
		header.Set(k, v)
	}
	return &dialer, header
}

func isHandshakeHeader(name string) bool {
	for _, h := range handshakeHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// forwardControlFrames overrides gorilla's control-frame handling so that
// ping, pong and close frames reach the bridge verbatim instead of being
// answered locally.
func (c *wsConn) forwardControlFrames() {
	c.conn.SetPingHandler(func(data string) error {
		c.pushRead(readResult{frame: wire.Frame{Kind: wire.Ping, Data: []byte(data)}})
		return nil
	})
	c.conn.SetPongHandler(func(data string) error {
		c.pushRead(readResult{frame: wire.Frame{Kind: wire.Pong, Data: []byte(data)}})
		return nil
	})
	c.conn.SetCloseHandler(func(code int, text string) error {
		c.pushRead(readResult{frame: wire.Frame{Kind: wire.Close, Code: uint32(code), Reason: text}})
		return nil
	})
}

// readLoop pumps the blocking local reads into a channel so that Next can
// race them against forwarded inbound frames.
func (c *wsConn) readLoop() {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.pushRead(readResult{err: err})
			return
		}

		switch mt {
		case websocket.TextMessage:
			c.pushRead(readResult{frame: wire.Frame{Kind: wire.Text, Data: data}})
		case websocket.BinaryMessage:
			c.pushRead(readResult{frame: wire.Frame{Kind: wire.Binary, Data: data}})
		}
	}
}

func (c *wsConn) pushRead(r readResult) {
	select {
	case c.reads <- r:
	case <-c.done:
	}
}

// Next races the local socket against the inbound channel. Forwarded writes
// are consumed in place and the race restarts; only data originated by the
// local service is returned outward.
func (c *wsConn) Next(ctx context.Context, id wire.ID) (*wire.Message, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case f, ok := <-c.inbound:
			if !ok {
				// remote side is done forwarding
				c.logger.Debug("inbound channel closed, closing local socket",
					slog.String("id", id.String()))
				c.writeClose(websocket.CloseNormalClosure, "")
				return nil, nil
			}
			if err := c.writeFrame(f); err != nil {
				return nil, errors.New("write", "websocket", id.String(),
					errors.Wrap(errors.ErrTransport, err.Error()))
			}

		case r := <-c.reads:
			if r.err != nil {
				if isGracefulEnd(r.err) {
					return nil, nil
				}
				return nil, errors.New("read", "websocket", id.String(),
					errors.Wrap(errors.ErrTransport, r.err.Error()))
			}
			return wire.NewFrame(id, r.frame), nil
		}
	}
}

// writeFrame forwards one inbound frame onto the local socket.
func (c *wsConn) writeFrame(f wire.Frame) error {
	switch f.Kind {
	case wire.Text:
		return c.conn.WriteMessage(websocket.TextMessage, f.Data)
	case wire.Binary:
		return c.conn.WriteMessage(websocket.BinaryMessage, f.Data)
	case wire.Ping:
		return c.conn.WriteControl(websocket.PingMessage, f.Data, time.Now().Add(writeWait))
	case wire.Pong:
		return c.conn.WriteControl(websocket.PongMessage, f.Data, time.Now().Add(writeWait))
	case wire.Close:
		return c.writeClose(int(f.Code), f.Reason)
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
}

func (c *wsConn) writeClose(code int, reason string) error {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// Close releases the local socket and stops the read loop.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.stop()
		err = c.conn.Close()
	})
	return err
}

// isGracefulEnd reports whether a read error marks a normal end of stream
// rather than a transport fault.
func isGracefulEnd(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return stderrors.Is(err, net.ErrClosed)
}
