// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

func TestTokenBucket_Burst(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}
	if tb.Allow() {
		t.Error("request beyond burst should be limited")
	}
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(1, 1000)

	if !tb.Allow() {
		t.Fatal("first request should be allowed")
	}

	// at 1000 tokens/s a few milliseconds refill the bucket
	deadline := time.Now().Add(time.Second)
	for !tb.Allow() {
		if time.Now().After(deadline) {
			t.Fatal("bucket never refilled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTokenBucket_AllowN(t *testing.T) {
	tb := NewTokenBucket(10, 1)

	if !tb.AllowN(10) {
		t.Error("AllowN(10) should drain a full bucket")
	}
	if tb.AllowN(1) {
		t.Error("AllowN(1) should fail on an empty bucket")
	}
	if got := tb.Available(); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}
}
