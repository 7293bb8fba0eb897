// Package connection performs the HTTP handshake with the orchestration
// service and keeps a socket session alive.
//
// The handshake posts to {device}/connect with the session token. A 401
// means the token is missing or stale: the connector registers with its
// registration token to obtain a new one and connects again. Once connected,
// control passes to the socket session until it ends, after which the loop
// reconnects unless the session is leaving.
package connection

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
)

// State is the handshake state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Registration is the identity posted to {device}/register.
type Registration struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Name    string `json:"name,omitempty"`
	// Icon is sent base64 encoded
	Icon          []byte          `json:"icon,omitempty"`
	PublicKey     json.RawMessage `json:"publicKey"`
	Schema        interface{}     `json:"schema"`
	Introspection interface{}     `json:"introspection"`
}

type registerResponse struct {
	Key string `json:"key"`
}

// Session is the socket session started once connected.
type Session interface {
	Serve(ctx context.Context, token string) error
	IsLeaving() bool
}

// Options configures a Connection.
type Options struct {
	DeviceURL         string
	RegistrationToken string
	Registration      Registration
	// RetryDelay is the wait after a failed handshake
	RetryDelay time.Duration
	// ReconnectDelay is the wait after a socket session ends
	ReconnectDelay time.Duration
	// Client is the base HTTP client; its base URL is replaced by DeviceURL
	Client *fetch.Client
	Logger *zap.Logger
}

// Connection runs the connect, register and reconnect loop.
type Connection struct {
	opts    Options
	client  *fetch.Client
	session Session
	logger  *zap.Logger

	mu    sync.Mutex
	token string
	state State
}

// New creates a connection that hands connected sessions to session.
func New(opts Options, session Session) *Connection {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	base := opts.Client
	if base == nil {
		base = fetch.New(fetch.DefaultSettings(), fetch.WithLogger(opts.Logger))
	}
	return &Connection{
		opts:    opts,
		client:  base.With(fetch.WithBaseURL(opts.DeviceURL)),
		session: session,
		logger:  opts.Logger.With(zap.String("component", "connection")),
	}
}

// Token returns the current session token, empty before registration.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// State returns the handshake state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Run loops until ctx is cancelled or the session is leaving. It returns an
// error only when registration fails.
func (c *Connection) Run(ctx context.Context) error {
	defer c.setState(StateIdle)

	for {
		if ctx.Err() != nil || c.session.IsLeaving() {
			return nil
		}

		c.setState(StateConnecting)
		err := c.connect(ctx)

		switch {
		case err == nil:
			metrics.HandshakeAttempts.WithLabelValues("connected").Inc()
			c.setState(StateConnected)

			serr := c.session.Serve(ctx, c.Token())
			c.setState(StateIdle)
			if ctx.Err() != nil || c.session.IsLeaving() {
				return nil
			}
			if errors.IsType(serr, errors.ErrorTypeAuthentication) {
				c.setToken("")
			}
			metrics.Reconnects.Inc()
			c.logger.Warn("socket session ended, reconnecting",
				zap.Duration("delay", c.opts.ReconnectDelay), zap.Error(serr))
			if !wait(ctx, c.opts.ReconnectDelay) {
				return nil
			}

		case fetch.StatusCode(err) == http.StatusUnauthorized:
			metrics.HandshakeAttempts.WithLabelValues("unauthorized").Inc()
			c.setToken("")
			c.setState(StateRegistering)
			if err := c.register(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			metrics.HandshakeAttempts.WithLabelValues("registered").Inc()

		default:
			if ctx.Err() != nil {
				return nil
			}
			metrics.HandshakeAttempts.WithLabelValues("error").Inc()
			c.logger.Warn("handshake failed, retrying",
				zap.Duration("delay", c.opts.RetryDelay), zap.Error(err))
			if !wait(ctx, c.opts.RetryDelay) {
				return nil
			}
		}
	}
}

func (c *Connection) connect(ctx context.Context) error {
	res, err := c.client.FetchRetry(ctx, "/connect", &fetch.Options{
		Method:   http.MethodPost,
		Header:   bearer(c.Token()),
		Response: fetch.ResponseText,
	}, 0, nil)
	if err != nil {
		return err
	}
	c.logger.Debug("handshake accepted", zap.Int("status", res.Status))
	return nil
}

func (c *Connection) register(ctx context.Context) error {
	c.logger.Info("registering connector",
		zap.String("id", c.opts.Registration.ID), zap.String("version", c.opts.Registration.Version))

	res, err := c.client.FetchRetry(ctx, "/register", &fetch.Options{
		Method: http.MethodPost,
		Header: bearer(c.opts.RegistrationToken),
		Body:   c.opts.Registration,
	}, 0, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "connector registration failed")
	}
	if res.Status != http.StatusOK {
		return errors.Newf(errors.ErrorTypeAuthentication, "connector registration answered %d", res.Status)
	}
	var out registerResponse
	if err := res.Decode(&out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeAuthentication, "malformed registration response")
	}
	if out.Key == "" {
		return errors.New(errors.ErrorTypeAuthentication, "registration response carried no session key")
	}

	c.setToken(out.Key)
	c.logger.Info("connector registered")
	return nil
}

// Close notifies the server of the disconnection. Errors are logged and
// swallowed.
func (c *Connection) Close(ctx context.Context) {
	_, err := c.client.FetchRetry(ctx, "/disconnect", &fetch.Options{
		Method:   http.MethodPost,
		Header:   bearer(c.Token()),
		Response: fetch.ResponseText,
	}, 0, nil)
	if err != nil {
		c.logger.Debug("disconnect notification failed", zap.Error(err))
	}
}

func bearer(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
