// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the device-side connections manager: one outer
// WebSocket session to the cloud bridge, multiplexing logical connections to
// services on the device.
//
// # Architecture
//
//	┌─────────┐              ┌──────────┐             ┌────────────────┐
//	│ Bridge  │ ←─ outer ──→ │ Manager  │ ←─ local ─→ │ Local services │
//	└─────────┘   WebSocket  └──────────┘  HTTP / WS  └────────────────┘
//	                              ↓
//	                         ┌──────────┐
//	                         │ Registry │  (logical id → connection)
//	                         └──────────┘
//
// Every frame on the outer socket is a binary-encoded wire.Message carrying
// a logical connection id. The first frame for a fresh id must be an HTTP
// request; it selects the connection kind:
//
//   - Plain request: one-shot exchange with a local HTTP service. The
//     response travels back as a single message and the id is retired.
//   - Upgrade request: a WebSocket stream. The 101 response goes back first,
//     then data and control frames flow in both directions until either
//     side closes.
//
// # Frame Dispatch
//
// The Run loop is the only goroutine touching the registry. It serializes
// connection opens against frame forwarding, so a frame following its
// request on the outer socket always finds the registry entry. The entry is
// registered before the local service is dialed; the dial runs in the
// connection's own task, so a slow local service never stalls dispatch for
// the other connections. Frames arriving while the dial is in flight queue
// in the connection's channel.
//
// Rules, in order:
//
//  1. Malformed frames are counted and dropped.
//  2. An HTTP request for an active id is a protocol violation.
//  3. A WebSocket frame for a recently closed id is an expected straggler
//     and dropped quietly; for a never-seen id it is a violation.
//  4. Violations never end the session; only outer transport failures do.
//
// # Lifecycle
//
// Connect dials the bridge; Run drives the session until the context ends
// or the outer connection drops. The caller owns reconnection:
//
//	for {
//		mgr, err := tunnel.Connect(ctx, cfg)
//		if err != nil {
//			// back off and retry
//			continue
//		}
//		if err := mgr.Run(ctx); err == nil {
//			break // bridge closed the session
//		}
//	}
//
// On teardown every logical connection is closed and its task reaped,
// bounded by ShutdownTimeout.
package tunnel
