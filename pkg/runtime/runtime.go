// Package runtime assembles a connector process: keypair, secret codec,
// fetch client, socket transport, command dispatcher and the connection
// loop, plus the ordered shutdown that ties them together.
package runtime

import (
	"context"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/capability"
	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/connection"
	"github.com/ajitpratap0/nebula-connector/pkg/dispatch"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
	"github.com/ajitpratap0/nebula-connector/pkg/transport"
)

// DefaultHealthInterval is how often the background health check runs.
const DefaultHealthInterval = 30 * time.Second

// Option customizes a Runtime.
type Option func(*Runtime)

// WithOutput sets where a generated keypair is printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(r *Runtime) { r.out = w }
}

// WithHTTPClient sets the HTTP client used for handshakes and capability
// fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Runtime) { r.httpClient = hc }
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(r *Runtime) { r.dialer = d }
}

// Runtime hosts one capability.
type Runtime struct {
	cfg    *config.RuntimeConfig
	logger *zap.Logger

	out        io.Writer
	httpClient *http.Client
	dialer     *websocket.Dialer

	keypair    *secrets.Keypair
	codec      *secrets.Codec
	fetch      *fetch.Client
	transport  *transport.Transport
	dispatcher *dispatch.Dispatcher
	connection *connection.Connection
	health     *HealthChecker
}

// New validates cfg and wires the components around c.
func New(cfg *config.RuntimeConfig, c capability.Capability, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runtime{
		cfg:    cfg,
		logger: logger.With(zap.String("connector_id", cfg.Identity.ID)),
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}

	kp, err := ResolveKeypair(cfg.Keys, r.out, r.logger)
	if err != nil {
		return nil, err
	}
	r.keypair = kp
	r.codec = secrets.NewCodec(cfg.Keys.Issuer, kp)

	fetchOpts := []fetch.Option{fetch.WithLogger(r.logger)}
	if r.httpClient != nil {
		fetchOpts = append(fetchOpts, fetch.WithHTTPClient(r.httpClient))
	}
	r.fetch = fetch.New(cfg.Fetch, fetchOpts...)

	trOpts := []transport.Option{transport.WithLogger(r.logger)}
	if r.dialer != nil {
		trOpts = append(trOpts, transport.WithDialer(r.dialer))
	}
	r.transport = transport.New(cfg.Endpoints.SocketURL, cfg.Transport, trOpts...)

	r.dispatcher, err = dispatch.New(c, dispatch.Options{
		ConnectorID: cfg.Identity.ID,
		Codec:       r.codec,
		Fetch:       r.fetch,
		Caller:      r.transport,
		OAuth:       cfg.OAuth,
		Logger:      r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.transport.SetHandler(r.dispatcher)

	reg, err := r.registration()
	if err != nil {
		return nil, err
	}
	r.connection = connection.New(connection.Options{
		DeviceURL:         cfg.Endpoints.DeviceURL,
		RegistrationToken: cfg.Identity.RegistrationToken,
		Registration:      reg,
		RetryDelay:        cfg.Transport.HandshakeRetryDelay,
		ReconnectDelay:    cfg.Transport.ReconnectDelay,
		Client:            r.fetch,
		Logger:            r.logger,
	}, r.transport)

	r.health = NewHealthChecker(DefaultHealthInterval, r.checkHealth, r.logger)
	return r, nil
}

func (r *Runtime) registration() (connection.Registration, error) {
	pub, err := r.keypair.PublicJWK()
	if err != nil {
		return connection.Registration{}, err
	}
	reg := connection.Registration{
		ID:            r.cfg.Identity.ID,
		Version:       r.cfg.Identity.Version,
		Name:          r.cfg.Identity.Name,
		PublicKey:     pub,
		Schema:        r.dispatcher.Schema(),
		Introspection: r.dispatcher.Introspection(),
	}
	if reg.Schema == nil {
		reg.Schema = secrets.Schema{}
	}
	if path := r.cfg.Identity.IconPath; path != "" {
		icon, err := os.ReadFile(path)
		if err != nil {
			return connection.Registration{}, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read icon "+path)
		}
		reg.Icon = icon
	}
	return reg, nil
}

// Keypair returns the keypair protecting configuration fields.
func (r *Runtime) Keypair() *secrets.Keypair { return r.keypair }

// Dispatcher returns the command dispatcher.
func (r *Runtime) Dispatcher() *dispatch.Dispatcher { return r.dispatcher }

// Transport returns the socket transport.
func (r *Runtime) Transport() *transport.Transport { return r.transport }

// Connection returns the connection loop.
func (r *Runtime) Connection() *connection.Connection { return r.connection }

// Health returns the health checker, which also serves /healthz.
func (r *Runtime) Health() *HealthChecker { return r.health }

func (r *Runtime) checkHealth(ctx context.Context) error {
	if !r.transport.Connected() {
		return errors.New(errors.ErrorTypeConnection, "socket is not connected")
	}
	if r.dispatcher.Started() {
		return r.dispatcher.HealthCheck(ctx)
	}
	return nil
}

// Run serves until ctx is cancelled, then shuts down in order. It returns
// early with an error when registration is rejected.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("connector starting",
		zap.String("version", r.cfg.Identity.Version),
		zap.String("device_url", r.cfg.Endpoints.DeviceURL),
		zap.String("key_fingerprint", r.keypair.Fingerprint()))

	// the session outlives ctx until shutdown has drained it
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	r.health.Start(runCtx)
	defer r.health.Stop()

	done := make(chan error, 1)
	go func() { done <- r.connection.Run(runCtx) }()

	select {
	case err := <-done:
		_ = r.transport.Close()
		if serr := r.stopCapability(); serr != nil {
			r.logger.Warn("capability stop failed", zap.Error(serr))
		}
		if err != nil {
			r.logger.Error("connection loop failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	return r.shutdown(done, cancelRun)
}

// shutdown stops accepting work, notifies the server, waits for in-flight
// commands up to the grace period, closes the socket and stops the
// capability.
func (r *Runtime) shutdown(done <-chan error, cancelRun context.CancelFunc) error {
	grace := r.cfg.Shutdown.GracePeriod
	r.logger.Info("shutting down", zap.Duration("grace", grace))

	r.transport.Leaving()
	r.dispatcher.Reject()

	graceCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	r.connection.Close(graceCtx)
	if err := r.dispatcher.Drain(graceCtx); err != nil {
		r.logger.Warn("abandoning in-flight commands", zap.Error(err))
	}
	r.awaitFlush(graceCtx)

	_ = r.transport.Close()
	cancelRun()
	<-done

	if err := r.stopCapability(); err != nil {
		return err
	}
	r.logger.Info("connector stopped")
	return nil
}

func (r *Runtime) stopCapability() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Shutdown.GracePeriod)
	defer cancel()
	return r.dispatcher.Stop(ctx)
}

// awaitFlush gives the flusher a chance to write queued replies before the
// socket is closed.
func (r *Runtime) awaitFlush(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Transport.FlushInterval + time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Second)

	for r.transport.Connected() && r.transport.QueueLen() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
		}
	}
}
