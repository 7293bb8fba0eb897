// Package transport runs the persistent socket session with the
// orchestration service.
//
// Outbound packets are queued and flushed as one {"p":[...]} frame per tick
// while a socket is open. Inbound packets are either replies, resolved
// against the correlation table, or commands handed to a Handler whose result
// is sent back under the command's correlation id. A heartbeat watchdog
// terminates the socket when the server stops pinging.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
	"github.com/ajitpratap0/nebula-connector/pkg/packet"
)

// Subprotocol identifies the socket client as a connector.
const Subprotocol = "connector"

const writeWait = 10 * time.Second

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New(errors.ErrorTypeConnection, "transport closed")

// Handler processes an inbound command. The result, or the error, is sent
// back when the command carries a correlation id.
type Handler interface {
	HandlePacket(ctx context.Context, p packet.Packet) (interface{}, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p packet.Packet) (interface{}, error)

// HandlePacket implements Handler.
func (f HandlerFunc) HandlePacket(ctx context.Context, p packet.Packet) (interface{}, error) {
	return f(ctx, p)
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport owns the socket, the outbound queue and the correlation table.
type Transport struct {
	url    string
	cfg    config.TransportConfig
	dialer *websocket.Dialer
	table  *Table
	logger *zap.Logger

	mu      sync.Mutex
	handler Handler
	queue   []packet.Packet
	conn    *websocket.Conn
	leaving bool
	closed  bool

	wake chan struct{}

	sweepOnce sync.Once
	stop      chan struct{}
}

// New creates a transport for socketURL. Zero timings take their defaults.
func New(socketURL string, cfg config.TransportConfig, opts ...Option) *Transport {
	cfg = withDefaults(cfg)
	t := &Transport{
		url:    socketURL,
		cfg:    cfg,
		table:  NewTable(cfg.CallTimeout),
		logger: zap.NewNop(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.dialer == nil {
		t.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	t.logger = t.logger.With(zap.String("component", "transport"))
	return t
}

func withDefaults(cfg config.TransportConfig) config.TransportConfig {
	def := config.Default().Transport
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.HeartbeatGrace < 0 {
		cfg.HeartbeatGrace = def.HeartbeatGrace
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.FlushInterval < 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	return cfg
}

// SetHandler installs the handler for inbound commands.
func (t *Transport) SetHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Table returns the correlation table.
func (t *Transport) Table() *Table {
	return t.table
}

// Serve opens the socket with the session token and runs the session until
// the socket closes. It returns nil when the session ended because the
// transport is leaving or ctx was cancelled.
func (t *Transport) Serve(ctx context.Context, token string) error {
	if t.isClosed() {
		return ErrClosed
	}

	dialer := *t.dialer
	dialer.Subprotocols = []string{Subprotocol}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return errors.Wrap(err, errors.ErrorTypeAuthentication, "socket rejected session token")
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to open socket")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	t.conn = conn
	t.mu.Unlock()
	t.logger.Info("socket connected", zap.String("url", t.url))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := t.cfg.HeartbeatTimeout()
	watchdog := time.AfterFunc(timeout, func() {
		t.logger.Warn("heartbeat missed, terminating socket", zap.Duration("timeout", timeout))
		_ = conn.Close()
	})
	defer watchdog.Stop()

	conn.SetPingHandler(func(data string) error {
		watchdog.Reset(timeout)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-sessionCtx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		t.flushLoop(sessionCtx, conn)
	}()

	// packets queued while disconnected go out first
	t.signal()

	err = t.readLoop(ctx, conn)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	cancel()
	wg.Wait()

	if t.IsLeaving() || ctx.Err() != nil {
		return nil
	}
	return err
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("socket closed by server")
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "socket read failed")
		}

		packets, err := packet.DecodeFrame(data)
		if err != nil {
			t.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		metrics.PacketsTotal.WithLabelValues(metrics.DirectionIn).Add(float64(len(packets)))
		for _, p := range packets {
			t.receive(ctx, p)
		}
	}
}

func (t *Transport) receive(ctx context.Context, p packet.Packet) {
	if key := p.CorrelationID(); key != "" {
		args := p.Args()
		if t.table.Resolve(key, args, replyError(args)) {
			return
		}
		if p.IsReply() {
			t.logger.Debug("dropping unmatched reply", zap.String("correlation_id", key))
			return
		}
	}

	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		t.logger.Warn("no handler installed, dropping packet",
			zap.String("method", p.Method()), zap.String("event", p.Event()))
		return
	}

	go t.handle(ctx, h, p)
}

func (t *Transport) handle(ctx context.Context, h Handler, p packet.Packet) {
	result, err := t.invoke(ctx, h, p)

	key := p.CorrelationID()
	if key == "" {
		if err != nil {
			t.logger.Warn("uncorrelated packet failed",
				zap.String("method", p.Method()), zap.String("event", p.Event()), zap.Error(err))
		}
		return
	}

	b := packet.New().Correlation(key)
	if err != nil {
		t.logger.Debug("replying with error", zap.String("method", p.Method()), zap.Error(err))
		b.Args(errorReply(err))
	} else {
		b.Args(result)
	}
	reply, err := b.Build()
	if err != nil {
		reply = packet.New().Correlation(key).Args(errorReply(err)).MustBuild()
	}
	if err := t.Send(reply); err != nil {
		t.logger.Warn("failed to queue reply", zap.String("correlation_id", key), zap.Error(err))
	}
}

func (t *Transport) invoke(ctx context.Context, h Handler, p packet.Packet) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrorTypeInternal, "panic while handling %q: %v", p.Method(), r)
		}
	}()
	return h.HandlePacket(ctx, p)
}

func (t *Transport) flushLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.wake:
		}

		if d := t.cfg.FlushInterval; d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				t.signal()
				return
			case <-timer.C:
			}
		}

		if err := t.flush(conn); err != nil {
			t.logger.Warn("socket write failed", zap.Error(err))
			_ = conn.Close()
			return
		}
	}
}

func (t *Transport) flush(conn *websocket.Conn) error {
	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	data, err := packet.EncodeFrame(batch)
	if err != nil {
		t.logger.Error("dropping unencodable batch", zap.Int("packets", len(batch)), zap.Error(err))
		return nil
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.requeue(batch)
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to write frame")
	}

	metrics.PacketsTotal.WithLabelValues(metrics.DirectionOut).Add(float64(len(batch)))
	metrics.QueueDepth.Set(float64(t.QueueLen()))
	return nil
}

// requeue puts a failed batch back at the front of the queue.
func (t *Transport) requeue(batch []packet.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(batch[:len(batch):len(batch)], t.queue...)
	metrics.QueueDepth.Set(float64(len(t.queue)))
}

// startSweeper runs the table sweep until Close. Pending calls expire
// whether or not a socket is open.
func (t *Transport) startSweeper() {
	t.sweepOnce.Do(func() { go t.sweepLoop() })
}

func (t *Transport) sweepLoop() {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case now := <-ticker.C:
			if n := t.table.Sweep(now); n > 0 {
				t.logger.Warn("pending calls timed out", zap.Int("count", n))
			}
		}
	}
}

func (t *Transport) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Send queues p for the next flush.
func (t *Transport) Send(p packet.Packet) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.queue = append(t.queue, p)
	depth := len(t.queue)
	t.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	t.signal()
	return nil
}

// Emit queues a fire-and-forget event.
func (t *Transport) Emit(event string, args interface{}) error {
	p, err := packet.New().Event(event).Args(args).Build()
	if err != nil {
		return err
	}
	return t.Send(p)
}

// Request queues a command whose reply is delivered to cb.
func (t *Transport) Request(method string, args interface{}, cb Callback) (packet.Packet, error) {
	p, err := packet.New().Method(method).Args(args).Build()
	if err != nil {
		return packet.Packet{}, err
	}
	p, err = t.table.Attach(p, "", cb)
	if err != nil {
		return packet.Packet{}, err
	}
	t.startSweeper()
	if err := t.Send(p); err != nil {
		t.table.Cancel(p.CorrelationID())
		return packet.Packet{}, err
	}
	return p, nil
}

type callResult struct {
	args json.RawMessage
	err  error
}

// Call sends a command and waits for its reply, a timeout from the sweep, or
// ctx.
func (t *Transport) Call(ctx context.Context, method string, args interface{}) (json.RawMessage, error) {
	done := make(chan callResult, 1)
	p, err := t.Request(method, args, func(a json.RawMessage, err error) {
		done <- callResult{args: a, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-done:
		return r.args, r.err
	case <-ctx.Done():
		t.table.Cancel(p.CorrelationID())
		return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, fmt.Sprintf("call %s abandoned", method))
	}
}

// Connected reports whether a socket is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// QueueLen returns the number of packets awaiting a flush.
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Leaving suppresses reconnection after the current session ends.
func (t *Transport) Leaving() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaving = true
}

// IsLeaving reports whether Leaving or Close was called.
func (t *Transport) IsLeaving() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leaving
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close terminates the socket and fails every pending call. It is terminal.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed, t.leaving = true, true
	conn := t.conn
	t.mu.Unlock()
	close(t.stop)

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if n := t.table.FailAll(ErrClosed); n > 0 {
		t.logger.Info("failed pending calls on close", zap.Int("count", n))
	}
	return nil
}
