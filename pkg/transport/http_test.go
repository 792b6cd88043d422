// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/absmach/dtunnel/pkg/breaker"
	"github.com/absmach/dtunnel/pkg/errors"
	"github.com/absmach/dtunnel/pkg/wire"
)

// localPort extracts host and port from an httptest server URL.
func localPort(t *testing.T, rawURL string) (string, uint32) {
	t.Helper()

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return u.Hostname(), uint32(port)
}

// unusedPort reserves and releases a TCP port so that dialing it fails.
func unusedPort(t *testing.T) uint32 {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint32(port)
}

func recvMessage(t *testing.T, sink <-chan *wire.Message) *wire.Message {
	t.Helper()

	select {
	case msg := <-sink:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for outbound message")
		return nil
	}
}

func TestBuildHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/items" {
			t.Errorf("path = %s, want /api/items", r.URL.Path)
		}
		if r.URL.RawQuery != "limit=2" {
			t.Errorf("query = %s, want limit=2", r.URL.RawQuery)
		}
		if got := r.Header.Get("X-Request-Source"); got != "bridge" {
			t.Errorf("X-Request-Source = %q, want bridge", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "hello" {
			t.Errorf("body = %q, want hello", body)
		}

		w.Header().Set("X-Answer", "yes")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer srv.Close()

	host, port := localPort(t, srv.URL)
	f := &Factory{LocalHost: host}
	id := wire.ID("req-1")
	req := &wire.Request{
		Path:        "api/items",
		Method:      http.MethodPost,
		QueryString: "limit=2",
		Headers:     map[string]string{"X-Request-Source": "bridge"},
		Body:        []byte("hello"),
		Port:        port,
	}

	if KindOf(req) != KindHTTP {
		t.Errorf("KindOf() = %v, want %v", KindOf(req), KindHTTP)
	}

	sink := make(chan *wire.Message, 1)
	handle := NewWriteHandle(KindHTTP)
	conn, err := f.Build(context.Background(), id, req, handle, sink)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer conn.Close()

	msg := recvMessage(t, sink)
	if msg.HTTP == nil || msg.HTTP.Response == nil {
		t.Fatalf("expected HTTP response message, got %+v", msg)
	}
	res := msg.HTTP.Response
	if res.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if string(res.Body) != "created" {
		t.Errorf("Body = %q, want created", res.Body)
	}
	if res.Headers["X-Answer"] != "yes" {
		t.Errorf("X-Answer header = %q, want yes", res.Headers["X-Answer"])
	}

	// One-shot: the exchange is complete as soon as the response is out.
	out, err := conn.Next(context.Background(), id)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if out != nil {
		t.Errorf("Next() = %+v, want nil", out)
	}

	if err := handle.Forward(context.Background(), wire.Frame{Kind: wire.Text}); err == nil {
		t.Error("Forward() on http handle should fail")
	}
	handle.CloseWrite()
}

func TestBuildHTTPHostHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "device.example" {
			t.Errorf("Host = %q, want device.example", r.Host)
		}
	}))
	defer srv.Close()

	host, port := localPort(t, srv.URL)
	f := &Factory{LocalHost: host}
	req := &wire.Request{
		Method:  http.MethodGet,
		Headers: map[string]string{"Host": "device.example"},
		Port:    port,
	}

	sink := make(chan *wire.Message, 1)
	conn, err := f.Build(context.Background(), wire.ID("req-2"), req, NewWriteHandle(KindHTTP), sink)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	conn.Close()
}

func TestBuildHTTPDialFailure(t *testing.T) {
	f := &Factory{LocalHost: "127.0.0.1"}
	req := &wire.Request{Method: http.MethodGet, Port: unusedPort(t)}

	sink := make(chan *wire.Message, 1)
	_, err := f.Build(context.Background(), wire.ID("req-3"), req, NewWriteHandle(KindHTTP), sink)
	if err == nil {
		t.Fatal("Build() should fail against a closed port")
	}
	if !stderrors.Is(err, errors.ErrTransport) {
		t.Errorf("error = %v, want ErrTransport in chain", err)
	}
	select {
	case msg := <-sink:
		t.Errorf("unexpected outbound message %+v", msg)
	default:
	}
}

func TestBuildHTTPBreakerOpens(t *testing.T) {
	f := &Factory{
		LocalHost: "127.0.0.1",
		Breaker: breaker.New(breaker.Config{
			MaxFailures:  2,
			ResetTimeout: time.Minute,
		}),
	}
	req := &wire.Request{Method: http.MethodGet, Port: unusedPort(t)}
	sink := make(chan *wire.Message, 1)

	for i := 0; i < 2; i++ {
		if _, err := f.Build(context.Background(), wire.ID("req-4"), req, NewWriteHandle(KindHTTP), sink); err == nil {
			t.Fatalf("build %d should fail", i)
		}
	}

	_, err := f.Build(context.Background(), wire.ID("req-4"), req, NewWriteHandle(KindHTTP), sink)
	if !stderrors.Is(err, breaker.ErrCircuitOpen) {
		t.Errorf("error = %v, want ErrCircuitOpen", err)
	}
}
