package oauth

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
)

// ErrRefreshRejected marks a refresh token the provider refused outright.
var ErrRefreshRejected = errors.New(errors.ErrorTypeAuthentication, "refresh token rejected")

// Persister stores the session whenever it changes.
type Persister interface {
	Persist(ctx context.Context, session Session) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, session Session) error

// Persist implements Persister.
func (f PersisterFunc) Persist(ctx context.Context, session Session) error { return f(ctx, session) }

// Refresh triggers, used as metric labels.
const (
	triggerForced   = "forced"
	triggerLazy     = "lazy"
	triggerPeriodic = "periodic"
)

// Manager owns one OAuth session and its refresh timer.
type Manager struct {
	desc      Descriptor
	client    *fetch.Client
	persister Persister
	logger    *zap.Logger

	mu      sync.Mutex
	session Session
	state   State

	group singleflight.Group

	loopMu sync.Mutex
	stop   chan struct{}
	done   chan struct{}
}

// NewManager creates a manager. client supplies the shared *http.Client and
// the retry settings used by fetchers built with Client.
func NewManager(desc Descriptor, client *fetch.Client, persister Persister, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		desc:      desc,
		client:    client,
		persister: persister,
		logger:    logger.With(zap.String("component", "oauth")),
	}
}

// Descriptor returns the OAuth configuration.
func (m *Manager) Descriptor() Descriptor {
	return m.desc
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Restore installs a previously persisted session without persisting it.
func (m *Manager) Restore(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	if s.IsZero() {
		m.state = StateUnauthenticated
	} else {
		m.state = StateAuthenticated
	}
}

// StartOAuth returns the URL the user must visit to authorize.
func (m *Manager) StartOAuth() (string, error) {
	if m.desc.AuthorizationURL == "" {
		return "", errors.New(errors.ErrorTypeConfig, "oauth authorization URL is not configured")
	}
	if m.desc.ClientID == "" {
		return "", errors.New(errors.ErrorTypeConfig, "oauth client id is not configured")
	}
	m.setState(StateAuthorizing)
	return m.desc.authorizationURL(), nil
}

// FinishOAuth exchanges an authorization code for a session and persists it.
func (m *Manager) FinishOAuth(ctx context.Context, code, redirectURI, codeVerifier string) (*Session, error) {
	if code == "" {
		return nil, errors.New(errors.ErrorTypeValidation, "authorization code is required")
	}
	m.setState(StateExchanging)

	session, err := m.exchange(ctx, code, redirectURI, codeVerifier)
	if err != nil {
		m.mu.Lock()
		if m.session.IsZero() {
			m.state = StateUnauthenticated
		} else {
			m.state = StateAuthenticated
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.session = *session
	m.state = StateAuthenticated
	m.mu.Unlock()

	m.logger.Info("oauth session established")
	if err := m.persist(ctx, *session); err != nil {
		m.logger.Warn("failed to persist oauth session", zap.Error(err))
	}
	return session, nil
}

func (m *Manager) exchange(ctx context.Context, code, redirectURI, codeVerifier string) (*Session, error) {
	hc := m.httpClient()

	if m.desc.Exchange != nil {
		session, err := m.desc.Exchange(ctx, ExchangeRequest{
			Code:         code,
			RedirectURI:  redirectURI,
			CodeVerifier: codeVerifier,
			HTTPClient:   hc,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "custom oauth exchange failed")
		}
		if session == nil || session.AccessToken == "" {
			return nil, errors.New(errors.ErrorTypeAuthentication, "custom oauth exchange returned no access token")
		}
		return session, nil
	}

	if m.desc.TokenURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "oauth token URL is not configured")
	}

	var opts []oauth2.AuthCodeOption
	if m.desc.UsePKCE && codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	tok, err := m.desc.config(redirectURI).Exchange(m.withHTTPClient(ctx, hc), code, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "oauth code exchange failed")
	}
	return sessionFromToken(tok), nil
}

// Token returns the access token, refreshing first when force is set or no
// access token is cached. Concurrent refreshes share one exchange.
func (m *Manager) Token(ctx context.Context, force bool) (string, error) {
	if !force {
		m.mu.Lock()
		tok := m.session.AccessToken
		m.mu.Unlock()
		if tok != "" {
			return tok, nil
		}
	}

	trigger := triggerLazy
	if force {
		trigger = triggerForced
	}
	session, err := m.refreshShared(ctx, trigger)
	if err != nil {
		return "", err
	}
	return session.AccessToken, nil
}

// Refresh forces a refresh token exchange.
func (m *Manager) Refresh(ctx context.Context) (*Session, error) {
	return m.refreshShared(ctx, triggerForced)
}

func (m *Manager) refreshShared(ctx context.Context, trigger string) (*Session, error) {
	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		return m.refresh(ctx, trigger)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) refresh(ctx context.Context, trigger string) (*Session, error) {
	m.mu.Lock()
	refreshToken := m.session.RefreshToken
	if refreshToken == "" {
		m.session.AccessToken = ""
		m.mu.Unlock()
		metrics.OAuthRefreshes.WithLabelValues(trigger, "error").Inc()
		return nil, errors.New(errors.ErrorTypeAuthentication, "no refresh token available; re-authorize the connector")
	}
	m.state = StateRefreshing
	m.mu.Unlock()

	session, err := m.exchangeRefresh(ctx, refreshToken)
	if err != nil {
		rejected := isRejected(err)

		m.mu.Lock()
		m.session.AccessToken = ""
		if rejected {
			m.session.RefreshToken = ""
			m.state = StateInvalid
		} else {
			m.state = StateAuthenticated
		}
		snapshot := m.session
		m.mu.Unlock()

		if rejected {
			metrics.OAuthRefreshes.WithLabelValues(trigger, "invalid").Inc()
			m.logger.Warn("refresh token rejected, session invalidated", zap.Error(err))
			if perr := m.persist(ctx, snapshot); perr != nil {
				m.logger.Warn("failed to persist invalidated session", zap.Error(perr))
			}
		} else {
			metrics.OAuthRefreshes.WithLabelValues(trigger, "error").Inc()
		}
		return nil, errors.Wrap(err, errors.ErrorTypeAuthentication, "oauth token refresh failed")
	}

	if session.RefreshToken == "" {
		session.RefreshToken = refreshToken
	}

	m.mu.Lock()
	m.session = *session
	m.state = StateAuthenticated
	m.mu.Unlock()

	metrics.OAuthRefreshes.WithLabelValues(trigger, "ok").Inc()
	m.logger.Debug("oauth token refreshed", zap.String("trigger", trigger))

	if err := m.persist(ctx, *session); err != nil {
		m.logger.Warn("failed to persist refreshed session", zap.Error(err))
	}
	return session, nil
}

func (m *Manager) exchangeRefresh(ctx context.Context, refreshToken string) (*Session, error) {
	hc := m.httpClient()

	if m.desc.Refresh != nil {
		session, err := m.desc.Refresh(ctx, refreshToken, hc)
		if err != nil {
			return nil, err
		}
		if session == nil || session.AccessToken == "" {
			return nil, errors.New(errors.ErrorTypeAuthentication, "custom refresh returned no access token")
		}
		return session, nil
	}

	if m.desc.TokenURL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "oauth token URL is not configured")
	}

	src := m.desc.config("").TokenSource(m.withHTTPClient(ctx, hc), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, err
	}
	return sessionFromToken(tok), nil
}

// isRejected reports whether the provider explicitly refused the refresh
// token, as opposed to a transient failure.
func isRejected(err error) bool {
	if errors.Is(err, ErrRefreshRejected) {
		return true
	}
	var re *oauth2.RetrieveError
	return errors.As(err, &re) && re.ErrorCode == "invalid_grant"
}

// Start launches the periodic refresh loop unless disabled. It is a no-op
// when the loop is already running.
func (m *Manager) Start(ctx context.Context) {
	if m.desc.DisablePeriodicRefresh {
		return
	}
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	go m.refreshLoop(ctx, m.desc.refreshInterval(), m.stop, m.done)
}

// Stop halts the periodic refresh loop and waits for it to exit.
func (m *Manager) Stop() {
	m.loopMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.loopMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (m *Manager) refreshLoop(ctx context.Context, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if m.Session().RefreshToken == "" {
				continue
			}
			if _, err := m.refreshShared(ctx, triggerPeriodic); err != nil {
				m.logger.Warn("periodic oauth refresh failed", zap.Error(err))
			}
		}
	}
}

// Client returns a fetcher for baseURL that authenticates with this session.
func (m *Manager) Client(baseURL string) *Fetcher {
	return newFetcher(m, baseURL)
}

func (m *Manager) persist(ctx context.Context, s Session) error {
	if m.persister == nil {
		return nil
	}
	if err := m.persister.Persist(ctx, s); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to persist oauth session")
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) httpClient() *http.Client {
	if m.client != nil {
		return m.client.HTTPClient()
	}
	return http.DefaultClient
}

func (m *Manager) withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}
