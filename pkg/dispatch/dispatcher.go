// Package dispatch turns protocol commands received over the socket into
// calls on the hosted capability.
//
// The command set is fixed: introspect, start-oauth, finish-oauth, query and
// set-config. Anything else is a protocol error replied to the caller.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/capability"
	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/logger"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
	"github.com/ajitpratap0/nebula-connector/pkg/oauth"
	"github.com/ajitpratap0/nebula-connector/pkg/observability"
	"github.com/ajitpratap0/nebula-connector/pkg/packet"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
)

// Protocol commands.
const (
	CommandIntrospect  = "introspect"
	CommandStartOAuth  = "start-oauth"
	CommandFinishOAuth = "finish-oauth"
	CommandQuery       = "query"
	CommandSetConfig   = "set-config"
)

// EventOAuthUpdated carries the re-encrypted OAuth session to the server.
const EventOAuthUpdated = "oauth-updated"

// ErrDraining rejects commands that arrive during shutdown.
var ErrDraining = errors.New(errors.ErrorTypeConnection, "connector is shutting down")

// Options configures a Dispatcher.
type Options struct {
	// ConnectorID is the audience of every encrypted value
	ConnectorID string
	Codec       *secrets.Codec
	// Fetch is the base client handed to the capability
	Fetch  *fetch.Client
	Caller Caller
	OAuth  config.OAuthConfig
	Logger *zap.Logger
}

// Dispatcher routes protocol commands to a capability.
type Dispatcher struct {
	capability    capability.Capability
	router        *Router
	schema        secrets.Schema
	introspection interface{}
	fallback      capability.DefaultQuerier
	oauth         *oauth.Manager
	remote        remote
	opts          Options
	logger        *zap.Logger

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup

	lifecycle sync.Mutex
	started   bool
}

// New builds the route table, schema and introspection payload once.
func New(c capability.Capability, opts Options) (*Dispatcher, error) {
	if c == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "capability is required")
	}
	if opts.Codec == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "secret codec is required")
	}
	if opts.Caller == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "caller is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Fetch == nil {
		opts.Fetch = fetch.New(fetch.DefaultSettings(), fetch.WithLogger(opts.Logger))
	}

	router, err := Build(c.Routes())
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		capability:    c,
		router:        router,
		schema:        c.ConfigSchema(),
		introspection: c.Introspect(),
		remote:        remote{caller: opts.Caller},
		opts:          opts,
		logger:        opts.Logger.With(zap.String("component", "dispatcher")),
	}
	if fb, ok := c.(capability.DefaultQuerier); ok {
		d.fallback = fb
	}
	if p, ok := c.(capability.OAuthProvider); ok {
		desc := p.OAuthDescriptor()
		if desc.RefreshInterval <= 0 {
			desc.RefreshInterval = opts.OAuth.RefreshInterval
		}
		if opts.OAuth.DisablePeriodicRefresh {
			desc.DisablePeriodicRefresh = true
		}
		d.oauth = oauth.NewManager(desc, opts.Fetch, oauth.PersisterFunc(d.persistSession), opts.Logger)
	}
	return d, nil
}

// Router returns the route table.
func (d *Dispatcher) Router() *Router { return d.router }

// Schema returns the capability's configuration schema.
func (d *Dispatcher) Schema() secrets.Schema { return d.schema }

// Introspection returns the capability's introspection payload.
func (d *Dispatcher) Introspection() interface{} { return d.introspection }

// OAuth returns the OAuth manager, nil when the capability has none.
func (d *Dispatcher) OAuth() *oauth.Manager { return d.oauth }

// HandlePacket implements transport.Handler.
func (d *Dispatcher) HandlePacket(ctx context.Context, p packet.Packet) (interface{}, error) {
	if p.Method() == "" {
		d.logger.Debug("ignoring event", zap.String("event", p.Event()))
		return nil, nil
	}
	if !d.enter() {
		return nil, ErrDraining
	}
	defer d.inflight.Done()

	ctx = context.WithValue(ctx, logger.MethodKey, p.Method())
	if cid := p.CorrelationID(); cid != "" {
		ctx = context.WithValue(ctx, logger.CorrelationIDKey, cid)
	}
	ctx, span := observability.StartSpan(ctx, "dispatch."+p.Method(),
		attribute.String("connector.command", p.Method()),
		attribute.String("connector.id", d.opts.ConnectorID),
	)
	defer span.End()

	timer := metrics.NewTimer(p.Method())
	result, err := d.dispatch(ctx, p)
	metrics.CommandDuration.WithLabelValues(commandLabel(p.Method()), metrics.Outcome(err)).
		Observe(timer.Stop().Seconds())

	if err != nil {
		observability.RecordError(span, err)
		logger.FromContext(ctx, d.logger).Warn("command failed", zap.Error(err))
	}
	return result, err
}

func (d *Dispatcher) dispatch(ctx context.Context, p packet.Packet) (interface{}, error) {
	switch p.Method() {
	case CommandIntrospect:
		return d.introspect(), nil
	case CommandStartOAuth:
		return d.startOAuth()
	case CommandFinishOAuth:
		return d.finishOAuth(ctx, p)
	case CommandQuery:
		return d.query(ctx, p)
	case CommandSetConfig:
		return d.setConfig(ctx, p)
	default:
		return nil, errors.Newf(errors.ErrorTypeProtocol, "unknown command %q", p.Method())
	}
}

func commandLabel(method string) string {
	switch method {
	case CommandIntrospect, CommandStartOAuth, CommandFinishOAuth, CommandQuery, CommandSetConfig:
		return method
	default:
		return "unknown"
	}
}

type introspection struct {
	Schema        secrets.Schema `json:"schema"`
	Introspection interface{}    `json:"introspection"`
	Routes        []string       `json:"routes"`
	OAuth         bool           `json:"oauth"`
}

func (d *Dispatcher) introspect() introspection {
	schema := d.schema
	if schema == nil {
		schema = secrets.Schema{}
	}
	return introspection{
		Schema:        schema,
		Introspection: d.introspection,
		Routes:        d.router.Paths(),
		OAuth:         d.oauth != nil,
	}
}

func (d *Dispatcher) startOAuth() (interface{}, error) {
	if d.oauth == nil {
		return nil, errors.New(errors.ErrorTypeCapability, "connector does not use oauth")
	}
	u, err := d.oauth.StartOAuth()
	if err != nil {
		return nil, err
	}
	return map[string]string{"url": u}, nil
}

type finishOAuthArgs struct {
	Code         string `json:"code"`
	RedirectURI  string `json:"redirectUri"`
	CodeVerifier string `json:"codeVerifier"`
}

func (d *Dispatcher) finishOAuth(ctx context.Context, p packet.Packet) (interface{}, error) {
	if d.oauth == nil {
		return nil, errors.New(errors.ErrorTypeCapability, "connector does not use oauth")
	}
	var args finishOAuthArgs
	if err := p.DecodeArgs(&args); err != nil {
		return nil, err
	}
	if _, err := d.oauth.FinishOAuth(ctx, args.Code, args.RedirectURI, args.CodeVerifier); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// persistSession re-encrypts the session without expiry and pushes it to
// the server.
func (d *Dispatcher) persistSession(ctx context.Context, s oauth.Session) error {
	token, err := d.opts.Codec.Encrypt(s, secrets.NoExpiry, d.opts.ConnectorID)
	if err != nil {
		return err
	}
	return d.opts.Caller.Emit(EventOAuthUpdated, map[string]string{"oauth": token})
}

type queryArgs struct {
	Path      []string        `json:"path"`
	Name      string          `json:"name"`
	Variables json.RawMessage `json:"variables"`
}

func (d *Dispatcher) query(ctx context.Context, p packet.Packet) (interface{}, error) {
	var args queryArgs
	if err := p.DecodeArgs(&args); err != nil {
		return nil, err
	}
	path := args.Path
	if len(path) == 0 {
		path = ParsePath(args.Name)
	}

	var (
		result interface{}
		err    error
	)
	h, rerr := d.router.Resolve(path)
	switch {
	case rerr == nil:
		result, err = h(ctx, args.Variables)
	case errors.IsType(rerr, errors.ErrorTypeNotFound) && d.fallback != nil:
		result, err = d.fallback.DefaultQuery(ctx, strings.Join(path, "."), args.Variables)
	default:
		return nil, rerr
	}
	if err != nil {
		return nil, capabilityError(err)
	}
	return wrapResult(path[len(path)-1], result)
}

// wrapResult passes objects through and wraps anything else as
// {name: result}.
func wrapResult(name string, result interface{}) (interface{}, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode query result")
	}
	if json.IsObject(raw) {
		return json.RawMessage(raw), nil
	}
	return map[string]json.RawMessage{name: raw}, nil
}

type setConfigArgs struct {
	Config map[string]interface{} `json:"config"`
	// OAuth is the encrypted session persisted by a previous run
	OAuth string `json:"oauth"`
}

func (d *Dispatcher) setConfig(ctx context.Context, p packet.Packet) (interface{}, error) {
	var args setConfigArgs
	if err := p.DecodeArgs(&args); err != nil {
		return nil, err
	}
	plain := d.opts.Codec.DecryptBundle(d.schema, args.Config, d.opts.ConnectorID, d.logger)

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()

	if d.started {
		d.logger.Info("configuration replaced, restarting capability")
		if d.oauth != nil {
			d.oauth.Stop()
		}
		if err := d.capability.Stop(ctx); err != nil {
			d.logger.Warn("capability stop failed", zap.Error(err))
		}
		d.started = false
	}

	params := capability.StartParams{
		Config:    plain,
		Tasks:     d.remote,
		Blobs:     d.remote,
		GetClient: d.getClient,
	}
	if d.oauth != nil {
		if args.OAuth != "" {
			var session oauth.Session
			if err := d.opts.Codec.Decrypt(args.OAuth, d.opts.ConnectorID, &session); err != nil {
				d.logger.Warn("discarding undecryptable oauth session", zap.Error(err))
			} else {
				d.oauth.Restore(session)
			}
		}
		params.OAuth = d.oauth
	}

	if err := d.capability.Start(ctx, params); err != nil {
		return nil, capabilityError(err)
	}
	d.started = true
	if d.oauth != nil {
		d.oauth.Start(context.WithoutCancel(ctx))
	}

	d.logger.Info("capability started", zap.Int("fields", len(plain)))
	return map[string]bool{"ok": true}, nil
}

func (d *Dispatcher) getClient(baseURL string) capability.Fetcher {
	if d.oauth != nil {
		return d.oauth.Client(baseURL)
	}
	return d.opts.Fetch.With(fetch.WithBaseURL(baseURL))
}

// capabilityError types untyped errors raised by business logic.
func capabilityError(err error) error {
	var typed *errors.Error
	if errors.As(err, &typed) {
		return err
	}
	return errors.Wrap(err, errors.ErrorTypeCapability, "capability error")
}

func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.inflight.Add(1)
	return true
}

// Reject makes every later command fail with ErrDraining.
func (d *Dispatcher) Reject() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
}

// Drain stops accepting commands and waits for in-flight ones or ctx.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.Reject()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "in-flight commands did not finish")
	}
}

// Stop halts periodic OAuth refresh and stops the capability if started.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.oauth != nil {
		d.oauth.Stop()
	}

	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.started {
		return nil
	}
	d.started = false
	if err := d.capability.Stop(ctx); err != nil {
		return capabilityError(err)
	}
	return nil
}

// Started reports whether the capability has been started.
func (d *Dispatcher) Started() bool {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.started
}

// HealthCheck delegates to the capability.
func (d *Dispatcher) HealthCheck(ctx context.Context) error {
	return d.capability.HealthCheck(ctx)
}
