// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	stderrors "errors"
	"testing"

	"github.com/absmach/dtunnel/pkg/errors"
)

func aggregate(host string, port any, token string) map[string]any {
	m := map[string]any{}
	if host != "" {
		m[KeyHost] = host
	}
	if port != nil {
		m[KeyPort] = port
	}
	if token != "" {
		m[KeySessionToken] = token
	}
	return m
}

func TestFromAggregate(t *testing.T) {
	errCases := []struct {
		name string
		m    map[string]any
	}{
		{"missing host", aggregate("", 8080, "test_token")},
		{"missing port", aggregate("127.0.0.1", nil, "test_token")},
		{"zero port", aggregate("127.0.0.1", 0, "test_token")},
		{"port out of range", aggregate("127.0.0.1", 70000, "test_token")},
		{"bad port string", aggregate("127.0.0.1", "eighty", "test_token")},
		{"missing token", aggregate("127.0.0.1", 8080, "")},
	}

	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromAggregate(tc.m); !stderrors.Is(err, errors.ErrMissingParameter) {
				t.Errorf("FromAggregate() error = %v, want ErrMissingParameter", err)
			}
		})
	}

	cinfo, err := FromAggregate(aggregate("127.0.0.1", 8080, "test_token"))
	if err != nil {
		t.Fatalf("FromAggregate() error = %v", err)
	}
	if cinfo.Host != "127.0.0.1" || cinfo.Port != 8080 || cinfo.SessionToken != "test_token" {
		t.Errorf("unexpected ConnectionInfo: %+v", cinfo)
	}

	// json-decoded payloads deliver numbers as float64
	cinfo, err = FromAggregate(aggregate("bridge.example.com", float64(443), "tok"))
	if err != nil {
		t.Fatalf("FromAggregate() error = %v", err)
	}
	if cinfo.Port != 443 {
		t.Errorf("port = %d, want 443", cinfo.Port)
	}
}

func TestConnectionInfo_URL(t *testing.T) {
	// empty session token fails address construction
	c := &ConnectionInfo{Host: "127.0.0.1", Port: 8080}
	if _, err := c.URL(); !stderrors.Is(err, errors.ErrMissingParameter) {
		t.Errorf("URL() error = %v, want ErrMissingParameter", err)
	}

	c = &ConnectionInfo{Host: "127.0.0.1", Port: 8080, SessionToken: "test_token"}
	u, err := c.URL()
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}

	if u.Scheme != "ws" {
		t.Errorf("scheme = %q, want ws", u.Scheme)
	}
	if u.Host != "127.0.0.1:8080" {
		t.Errorf("host = %q", u.Host)
	}
	if u.Path != "/device/websocket" {
		t.Errorf("path = %q", u.Path)
	}
	if got := u.Query().Get(KeySessionToken); got != "test_token" {
		t.Errorf("session_token = %q, want test_token", got)
	}

	c.Secure = true
	u, err = c.URL()
	if err != nil {
		t.Fatalf("URL() error = %v", err)
	}
	if u.Scheme != "wss" {
		t.Errorf("scheme = %q, want wss", u.Scheme)
	}
}
