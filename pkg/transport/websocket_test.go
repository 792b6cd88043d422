// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/absmach/dtunnel/pkg/wire"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer upgrades every request and echoes data frames back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func upgradeRequest(port uint32) *wire.Request {
	return &wire.Request{
		Path:   "stream",
		Method: http.MethodGet,
		Headers: map[string]string{
			"Connection":            "Upgrade",
			"Upgrade":               "websocket",
			"Sec-Websocket-Version": "13",
			"Sec-Websocket-Key":     "ignored",
		},
		Port: port,
	}
}

func buildWS(t *testing.T, srvURL string) (Connection, *WriteHandle, chan *wire.Message) {
	t.Helper()

	host, port := localPort(t, srvURL)
	f := &Factory{LocalHost: host}
	sink := make(chan *wire.Message, ChannelSize)

	req := upgradeRequest(port)
	if KindOf(req) != KindWebSocket {
		t.Fatalf("KindOf() = %v, want %v", KindOf(req), KindWebSocket)
	}
	handle := NewWriteHandle(KindWebSocket)

	conn, err := f.Build(context.Background(), wire.ID("sock-1"), req, handle, sink)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	msg := recvMessage(t, sink)
	if msg.HTTP == nil || msg.HTTP.Response == nil {
		t.Fatalf("first message should be the upgrade response, got %+v", msg)
	}
	if msg.HTTP.Response.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("upgrade status = %d, want 101", msg.HTTP.Response.StatusCode)
	}
	return conn, handle, sink
}

func TestBuildWebSocketUpgrade(t *testing.T) {
	srv := echoServer(t)
	buildWS(t, srv.URL)
}

func TestWebSocketEchoOrder(t *testing.T) {
	srv := echoServer(t)
	conn, handle, _ := buildWS(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 10
	for i := 0; i < n; i++ {
		f := wire.Frame{Kind: wire.Binary, Data: []byte(fmt.Sprintf("frame-%d", i))}
		if err := handle.Forward(ctx, f); err != nil {
			t.Fatalf("Forward(%d) error = %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		msg, err := conn.Next(ctx, wire.ID("sock-1"))
		if err != nil {
			t.Fatalf("Next(%d) error = %v", i, err)
		}
		if msg == nil || msg.WebSocket == nil {
			t.Fatalf("Next(%d) = %+v, want websocket frame", i, msg)
		}
		want := fmt.Sprintf("frame-%d", i)
		if msg.WebSocket.Frame.Kind != wire.Binary || string(msg.WebSocket.Frame.Data) != want {
			t.Fatalf("frame %d = %v %q, want binary %q", i, msg.WebSocket.Frame.Kind, msg.WebSocket.Frame.Data, want)
		}
	}
}

func TestWebSocketPingGetsPong(t *testing.T) {
	srv := echoServer(t)
	conn, handle, _ := buildWS(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte("are-you-there")
	if err := handle.Forward(ctx, wire.Frame{Kind: wire.Ping, Data: payload}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	msg, err := conn.Next(ctx, wire.ID("sock-1"))
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg == nil || msg.WebSocket == nil {
		t.Fatalf("Next() = %+v, want pong frame", msg)
	}
	if msg.WebSocket.Frame.Kind != wire.Pong || !bytes.Equal(msg.WebSocket.Frame.Data, payload) {
		t.Errorf("frame = %v %q, want pong %q", msg.WebSocket.Frame.Kind, msg.WebSocket.Frame.Data, payload)
	}
}

func TestWebSocketCloseWrite(t *testing.T) {
	srv := echoServer(t)
	conn, handle, _ := buildWS(t, srv.URL)

	handle.CloseWrite()
	handle.CloseWrite() // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := conn.Next(ctx, wire.ID("sock-1"))
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg != nil {
		t.Errorf("Next() = %+v, want nil after close", msg)
	}
}

func TestWebSocketServerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "maintenance")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	t.Cleanup(srv.Close)

	conn, _, _ := buildWS(t, srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The close frame is forwarded outward before the stream ends.
	msg, err := conn.Next(ctx, wire.ID("sock-1"))
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if msg == nil || msg.WebSocket == nil || msg.WebSocket.Frame.Kind != wire.Close {
		t.Fatalf("Next() = %+v, want close frame", msg)
	}
	if msg.WebSocket.Frame.Code != websocket.CloseGoingAway || msg.WebSocket.Frame.Reason != "maintenance" {
		t.Errorf("close = %d %q, want %d maintenance", msg.WebSocket.Frame.Code, msg.WebSocket.Frame.Reason, websocket.CloseGoingAway)
	}

	msg, err = conn.Next(ctx, wire.ID("sock-1"))
	if err != nil {
		t.Fatalf("Next() after close error = %v", err)
	}
	if msg != nil {
		t.Errorf("Next() after close = %+v, want nil", msg)
	}
}
