// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/absmach/dtunnel/pkg/errors"
	"github.com/absmach/dtunnel/pkg/metrics"
	"github.com/absmach/dtunnel/pkg/ratelimit"
	"github.com/absmach/dtunnel/pkg/transport"
	"github.com/absmach/dtunnel/pkg/wire"
)

const (
	// defaultOutboundBuffer bounds the messages queued toward the bridge.
	defaultOutboundBuffer = 50

	// defaultTombstoneGrace is how long a closed id keeps absorbing stale
	// frames before they become protocol violations again.
	defaultTombstoneGrace = 5 * time.Second

	defaultShutdownTimeout = 30 * time.Second

	writeWait = 10 * time.Second
)

// Config holds the session parameters for one outer connection.
type Config struct {
	// URL is the bridge endpoint, including the session token query.
	URL string

	// RequestHeader carries extra headers for the outer handshake.
	RequestHeader http.Header

	// Dialer performs the outer handshake. Defaults to a dialer with a
	// 10 second handshake timeout.
	Dialer *websocket.Dialer

	// Factory builds logical connections to local services.
	Factory *transport.Factory

	// OpenLimit, when set, caps the rate of connection-open attempts.
	OpenLimit *ratelimit.TokenBucket

	// TombstoneGrace overrides how long closed ids absorb stale frames.
	TombstoneGrace time.Duration

	// OutboundBuffer overrides the outbound queue size.
	OutboundBuffer int

	// ShutdownTimeout bounds how long teardown waits for running
	// connection tasks.
	ShutdownTimeout time.Duration

	// SessionID labels the session in logs. Defaults to a random UUID.
	SessionID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// entry is one registered logical connection. The handle exists from the
// moment the id is claimed; the connection itself is owned by the task that
// builds and pumps it.
type entry struct {
	handle *transport.WriteHandle
	kind   transport.Kind
}

// closeNotice reports that a connection task finished.
type closeNotice struct {
	id   wire.ID
	kind transport.Kind
}

// Manager owns one outer session and multiplexes logical connections over
// it. The registry and tombstone map are touched only by the Run loop, which
// serializes frame dispatch against connection lifecycle.
type Manager struct {
	cfg       Config
	conn      *websocket.Conn
	logger    *slog.Logger
	metrics   *metrics.Metrics
	sessionID string

	outbound chan *wire.Message
	frames   chan []byte
	closed   chan closeNotice

	registry   map[string]*entry
	tombstones map[string]time.Time

	active atomic.Int64
	wg     sync.WaitGroup
}

// Connect dials the bridge and returns a manager ready to Run. The caller
// owns reconnection; a returned error means this attempt is spent.
func Connect(ctx context.Context, cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errors.Wrap(errors.ErrMissingParameter, "bridge url")
	}
	if cfg.Factory == nil {
		cfg.Factory = &transport.Factory{}
	}
	if cfg.TombstoneGrace <= 0 {
		cfg.TombstoneGrace = defaultTombstoneGrace
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("session", cfg.SessionID))

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	conn, res, err := dialer.DialContext(ctx, cfg.URL, cfg.RequestHeader)
	if err != nil {
		if cfg.Metrics != nil {
			cfg.Metrics.SessionsTotal.WithLabelValues("error").Inc()
		}
		if res != nil {
			logger.Warn("bridge rejected session", slog.Int("status", res.StatusCode))
		}
		return nil, errors.New("connect", "session", cfg.SessionID, errors.Wrap(errors.ErrTransport, err.Error()))
	}

	if cfg.Metrics != nil {
		cfg.Metrics.SessionsTotal.WithLabelValues("connected").Inc()
		cfg.Metrics.SessionUp.Set(1)
	}
	logger.Info("session established", slog.String("url", cfg.URL))

	return &Manager{
		cfg:        cfg,
		conn:       conn,
		logger:     logger,
		metrics:    cfg.Metrics,
		sessionID:  cfg.SessionID,
		outbound:   make(chan *wire.Message, cfg.OutboundBuffer),
		frames:     make(chan []byte),
		closed:     make(chan closeNotice),
		registry:   make(map[string]*entry),
		tombstones: make(map[string]time.Time),
	}, nil
}

// SessionID returns the correlation id of this session.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// ActiveConnections returns the number of live logical connections.
func (m *Manager) ActiveConnections() int {
	return int(m.active.Load())
}

// Run drives the session until the context ends or the outer connection
// drops. A close handshake initiated by the bridge returns nil; transport
// failures return the error so the caller can decide to reconnect.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fatal := make(chan error, 2)
	go m.readLoop(ctx, fatal)
	go m.writeLoop(ctx, fatal)

	ticker := time.NewTicker(m.cfg.TombstoneGrace)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case err := <-fatal:
			runErr = err
			break loop
		case n := <-m.closed:
			m.finishConnection(n)
		case <-ticker.C:
			m.sweepTombstones(time.Now())
		case data := <-m.frames:
			m.dispatch(ctx, data)
		}
	}

	m.teardown(cancel)
	return runErr
}

// readLoop pumps binary frames off the outer connection. Any other message
// type addressed to the session is ignored.
func (m *Manager) readLoop(ctx context.Context, fatal chan<- error) {
	for {
		mt, data, err := m.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Info("bridge closed session", slog.String("cause", err.Error()))
				fatal <- nil
				return
			}
			fatal <- errors.New("read", "session", m.sessionID, errors.Wrap(errors.ErrTransport, err.Error()))
			return
		}
		if mt != websocket.BinaryMessage {
			m.logger.Warn("unexpected outer message type", slog.Int("type", mt))
			continue
		}

		select {
		case m.frames <- data:
		case <-ctx.Done():
			return
		}
	}
}

// writeLoop is the single writer on the outer connection.
func (m *Manager) writeLoop(ctx context.Context, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.outbound:
			data := wire.Encode(msg)
			if err := m.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				fatal <- errors.New("write", "session", m.sessionID, errors.Wrap(errors.ErrTransport, err.Error()))
				return
			}
			if m.metrics != nil {
				m.metrics.FramesTotal.WithLabelValues("tx", frameKind(msg)).Inc()
				m.metrics.PayloadBytes.WithLabelValues("tx").Add(float64(len(data)))
			}
		}
	}
}

// dispatch routes one decoded frame. HTTP requests open connections,
// everything else is forwarded to the connection that owns the id.
func (m *Manager) dispatch(ctx context.Context, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		m.logger.Warn("discarding malformed frame", slog.Any("error", err))
		if m.metrics != nil {
			m.metrics.FrameErrors.WithLabelValues("malformed").Inc()
		}
		return
	}
	if m.metrics != nil {
		m.metrics.FramesTotal.WithLabelValues("rx", frameKind(msg)).Inc()
		m.metrics.PayloadBytes.WithLabelValues("rx").Add(float64(len(data)))
	}

	switch {
	case msg.HTTP != nil && msg.HTTP.Request != nil:
		m.openConnection(ctx, msg.HTTP.RequestID, msg.HTTP.Request)
	case msg.HTTP != nil:
		m.violation(msg.HTTP.RequestID, "http response arriving from the bridge")
	case msg.WebSocket != nil:
		m.forwardFrame(ctx, msg.WebSocket)
	}
}

// openConnection handles the first frame of a fresh logical id.
func (m *Manager) openConnection(ctx context.Context, id wire.ID, req *wire.Request) {
	key := id.Key()
	if _, ok := m.registry[key]; ok {
		m.violation(id, "request for an id that is already connected")
		return
	}
	delete(m.tombstones, key)

	if m.cfg.OpenLimit != nil && !m.cfg.OpenLimit.Allow() {
		m.logger.Warn("connection open rate limited", slog.String("id", id.String()))
		if m.metrics != nil {
			m.metrics.RateLimitedOpens.Inc()
		}
		return
	}

	kind := transport.KindOf(req)
	handle := transport.NewWriteHandle(kind)
	m.registry[key] = &entry{handle: handle, kind: kind}
	m.active.Add(1)
	if m.metrics != nil {
		m.metrics.ActiveConnections.WithLabelValues(kind.String()).Inc()
	}

	// The build dials the local service and may take as long as the local
	// HTTP timeout. It runs in the task so the dispatch loop stays free to
	// demultiplex other connections; frames arriving meanwhile queue in the
	// handle's channel.
	m.wg.Add(1)
	go m.runTask(ctx, id, req, handle)
}

// forwardFrame hands a frame to the connection owning the id. Frames for
// recently closed ids are expected stragglers and dropped quietly.
func (m *Manager) forwardFrame(ctx context.Context, ws *wire.WebSocket) {
	key := ws.SocketID.Key()
	e, ok := m.registry[key]
	if !ok {
		if _, stale := m.tombstones[key]; stale {
			m.logger.Debug("dropping frame for closed connection", slog.String("id", ws.SocketID.String()))
			if m.metrics != nil {
				m.metrics.FrameErrors.WithLabelValues("stale").Inc()
			}
			return
		}
		m.violation(ws.SocketID, "frame for an unknown id")
		return
	}
	if e.kind != transport.KindWebSocket {
		m.violation(ws.SocketID, "websocket frame for an http connection")
		return
	}

	if err := e.handle.Forward(ctx, ws.Frame); err != nil {
		m.logger.Debug("forward failed, connection is winding down",
			slog.String("id", ws.SocketID.String()),
			slog.Any("error", err))
		if m.metrics != nil {
			m.metrics.FrameErrors.WithLabelValues("closed").Inc()
		}
	}
}

// runTask builds the local connection and pumps its outbound messages until
// it ends, then notifies the Run loop so the registry entry is retired. A
// failed build takes the same exit path, which tombstones the id.
func (m *Manager) runTask(ctx context.Context, id wire.ID, req *wire.Request, handle *transport.WriteHandle) {
	kind := handle.Kind()
	defer m.wg.Done()
	defer func() {
		select {
		case m.closed <- closeNotice{id: id, kind: kind}:
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	conn, err := m.cfg.Factory.Build(ctx, id, req, handle, m.outbound)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("building local connection failed",
				slog.String("id", id.String()),
				slog.String("path", req.Path),
				slog.Uint64("port", uint64(req.Port)),
				slog.Any("error", err))
			if m.metrics != nil {
				m.metrics.TotalConnections.WithLabelValues(kind.String(), "error").Inc()
			}
		}
		handle.Abort()
		return
	}
	defer conn.Close()
	if m.metrics != nil {
		m.metrics.TotalConnections.WithLabelValues(kind.String(), "opened").Inc()
		m.metrics.BuildDuration.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	}
	m.logger.Debug("connection opened",
		slog.String("id", id.String()),
		slog.String("protocol", kind.String()))

	for {
		msg, err := conn.Next(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("connection failed",
					slog.String("id", id.String()),
					slog.String("protocol", kind.String()),
					slog.Any("error", err))
				if m.metrics != nil {
					m.metrics.FrameErrors.WithLabelValues("transport").Inc()
				}
			}
			return
		}
		if msg == nil {
			return
		}

		select {
		case m.outbound <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// finishConnection retires a registry entry after its task ended.
func (m *Manager) finishConnection(n closeNotice) {
	key := n.id.Key()
	e, ok := m.registry[key]
	if !ok {
		return
	}
	e.handle.CloseWrite()
	delete(m.registry, key)
	m.tombstones[key] = time.Now()
	m.active.Add(-1)
	if m.metrics != nil {
		m.metrics.ActiveConnections.WithLabelValues(n.kind.String()).Dec()
		m.metrics.TotalConnections.WithLabelValues(n.kind.String(), "closed").Inc()
	}
	m.logger.Debug("connection closed",
		slog.String("id", n.id.String()),
		slog.String("protocol", n.kind.String()))
}

// sweepTombstones expires ids that are past the stale-frame grace period.
func (m *Manager) sweepTombstones(now time.Time) {
	for key, closedAt := range m.tombstones {
		if now.Sub(closedAt) > m.cfg.TombstoneGrace {
			delete(m.tombstones, key)
		}
	}
}

// violation logs and drops a frame that breaks the framing rules. The
// session survives; only the offending frame is discarded.
func (m *Manager) violation(id wire.ID, cause string) {
	m.logger.Warn("protocol violation",
		slog.String("id", id.String()),
		slog.String("cause", cause))
	if m.metrics != nil {
		m.metrics.FrameErrors.WithLabelValues("violation").Inc()
	}
}

// teardown closes the outer connection and reaps all connection tasks.
func (m *Manager) teardown(cancel context.CancelFunc) {
	cancel()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	m.conn.Close()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.logger.Warn("shutdown timeout, abandoning connection tasks")
	}

	for key, e := range m.registry {
		e.handle.CloseWrite()
		delete(m.registry, key)
	}
	m.active.Store(0)

	if m.metrics != nil {
		m.metrics.SessionUp.Set(0)
		m.metrics.ActiveConnections.Reset()
	}
	m.logger.Info("session closed")
}

// frameKind labels a message for frame metrics.
func frameKind(msg *wire.Message) string {
	switch {
	case msg.HTTP != nil && msg.HTTP.Request != nil:
		return "request"
	case msg.HTTP != nil:
		return "response"
	case msg.WebSocket != nil:
		return msg.WebSocket.Frame.Kind.String()
	default:
		return "unknown"
	}
}
