// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/dtunnel/pkg/errors"
	"github.com/absmach/dtunnel/pkg/wire"
)

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// httpConn is the one-shot HTTP connection. The response was already emitted
// by the builder, so the first Next reports completion.
type httpConn struct{}

func (httpConn) Next(ctx context.Context, id wire.ID) (*wire.Message, error) {
	return nil, nil
}

func (httpConn) Close() error {
	return nil
}

// buildHTTP issues the forwarded request against the local service and emits
// exactly one response message through sink.
func (f *Factory) buildHTTP(ctx context.Context, id wire.ID, req *wire.Request, sink chan<- *wire.Message) (Connection, error) {
	res, err := f.roundTrip(ctx, req)
	if err != nil {
		return nil, errors.New("build", "http", id.String(), err)
	}

	f.logger().Debug("local http exchange complete",
		slog.String("id", id.String()),
		slog.String("method", req.Method),
		slog.Uint64("status", uint64(res.StatusCode)))

	if err := emit(ctx, sink, wire.NewHTTPResponse(id, res)); err != nil {
		return nil, err
	}
	return httpConn{}, nil
}

// roundTrip performs the exchange with the local service. Dial and request
// failures count against the circuit breaker.
func (f *Factory) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	hreq, err := f.localRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	client := f.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}

	var res *wire.Response
	err = f.dial(func() error {
		hres, err := client.Do(hreq)
		if err != nil {
			return errors.Wrap(errors.ErrTransport, err.Error())
		}
		defer hres.Body.Close()

		body, err := io.ReadAll(hres.Body)
		if err != nil {
			return errors.Wrap(errors.ErrTransport, err.Error())
		}

		res = &wire.Response{
			StatusCode: uint32(hres.StatusCode),
			Headers:    flattenHeader(hres.Header),
			Body:       body,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// localRequest maps a wire request onto an http.Request for the local
// service. The wire path carries no leading slash.
func (f *Factory) localRequest(ctx context.Context, req *wire.Request) (*http.Request, error) {
	u := &url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(f.localHost(), strconv.Itoa(int(req.Port))),
		Path:     "/" + strings.TrimPrefix(req.Path, "/"),
		RawQuery: req.QueryString,
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrProtocolViolation, err.Error())
	}

	for k, v := range req.Headers {
		if strings.EqualFold(k, "Host") {
			hreq.Host = v
			continue
		}
		hreq.Header.Set(k, v)
	}
	return hreq, nil
}

// flattenHeader joins multi-valued headers; the wire schema carries a flat
// string map.
func flattenHeader(h http.Header) map[string]string {
	m := make(map[string]string, len(h))
	for k, vals := range h {
		m[k] = strings.Join(vals, ", ")
	}
	return m
}
