// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bootstrap turns the connection parameters delivered by the device
// management platform into the outer tunnel address.
package bootstrap

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/absmach/dtunnel/pkg/errors"
)

// Recognized keys of the aggregate delivered by the platform.
const (
	KeyHost         = "host"
	KeyPort         = "port"
	KeySessionToken = "session_token"
)

// ConnectionInfo holds the parameters of one remote session. It is consumed
// once, to derive the outer connection address.
type ConnectionInfo struct {
	// Host is the bridge hostname or IP address.
	Host string
	// Port is the bridge port.
	Port uint16
	// SessionToken authenticates the session; must be non-empty.
	SessionToken string
	// Secure selects wss over ws for the outer connection.
	Secure bool
}

// FromAggregate parses the key-value aggregate sent by the platform into a
// ConnectionInfo. Each missing or malformed key yields a typed failure.
func FromAggregate(m map[string]any) (*ConnectionInfo, error) {
	host, ok := m[KeyHost].(string)
	if !ok || host == "" {
		return nil, fmt.Errorf("%w: %s", errors.ErrMissingParameter, KeyHost)
	}

	port, err := parsePort(m[KeyPort])
	if err != nil {
		return nil, err
	}

	token, ok := m[KeySessionToken].(string)
	if !ok || token == "" {
		return nil, fmt.Errorf("%w: %s", errors.ErrMissingParameter, KeySessionToken)
	}

	return &ConnectionInfo{
		Host:         host,
		Port:         port,
		SessionToken: token,
	}, nil
}

// parsePort accepts the integer encodings a platform payload can arrive in.
func parsePort(v any) (uint16, error) {
	var port int64
	switch n := v.(type) {
	case int:
		port = int64(n)
	case int32:
		port = int64(n)
	case int64:
		port = n
	case float64:
		port = int64(n)
	case string:
		p, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %q", errors.ErrMissingParameter, KeyPort, n)
		}
		port = p
	default:
		return 0, fmt.Errorf("%w: %s", errors.ErrMissingParameter, KeyPort)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: %s: %d out of range", errors.ErrMissingParameter, KeyPort, port)
	}
	return uint16(port), nil
}

// URL derives the outer connection address. It fails if the session token is
// empty or the assembled address does not parse.
func (c *ConnectionInfo) URL() (*url.URL, error) {
	if c.SessionToken == "" {
		return nil, fmt.Errorf("%w: %s", errors.ErrMissingParameter, KeySessionToken)
	}

	scheme := "ws"
	if c.Secure {
		scheme = "wss"
	}

	u, err := url.Parse(fmt.Sprintf("%s://%s:%d/device/websocket", scheme, c.Host, c.Port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidAddress, err)
	}

	q := url.Values{}
	q.Set(KeySessionToken, c.SessionToken)
	u.RawQuery = q.Encode()

	return u, nil
}
