package oauth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
)

// tokenServer is a fake OAuth token endpoint.
type tokenServer struct {
	*httptest.Server

	refreshes int32
	// refreshMode is "", "error" or "invalid_grant"
	refreshMode  atomic.Value
	omitRefresh  bool
	release      chan struct{}
	lastForm     atomic.Value
	lastBasicID  atomic.Value
	exchangeCode string
}

func newTokenServer(t *testing.T) *tokenServer {
	ts := &tokenServer{exchangeCode: "code-1"}
	ts.refreshMode.Store("")
	ts.Server = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) handle(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	ts.lastForm.Store(r.PostForm)
	if id, _, ok := r.BasicAuth(); ok {
		ts.lastBasicID.Store(id)
	} else {
		ts.lastBasicID.Store("")
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != ts.exchangeCode {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"at-0","refresh_token":"rt-0","token_type":"bearer","expires_in":3600}`)

	case "refresh_token":
		if ts.release != nil {
			<-ts.release
		}
		n := atomic.AddInt32(&ts.refreshes, 1)
		switch ts.refreshMode.Load().(string) {
		case "error":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = io.WriteString(w, `{"error":"server_error"}`)
			return
		case "invalid_grant":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"invalid_grant"}`)
			return
		}
		at := "at-" + strconv.Itoa(int(n))
		if ts.omitRefresh {
			_, _ = io.WriteString(w, `{"access_token":"`+at+`","token_type":"bearer"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"`+at+`","refresh_token":"rt-`+strconv.Itoa(int(n))+`","token_type":"bearer"}`)

	default:
		w.WriteHeader(http.StatusBadRequest)
	}
}

type recordingPersister struct {
	mu       sync.Mutex
	sessions []Session
}

func (p *recordingPersister) Persist(_ context.Context, s Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, s)
	return nil
}

func (p *recordingPersister) last() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[len(p.sessions)-1]
}

func testFetch() *fetch.Client {
	return fetch.New(config.FetchConfig{
		Retries:        2,
		RetryDelay:     time.Millisecond,
		RateLimitDelay: 10 * time.Millisecond,
		MaxTimeout:     time.Minute,
		RequestTimeout: 5 * time.Second,
	}, fetch.WithLogger(zap.NewNop()))
}

func newTestManager(ts *tokenServer, desc Descriptor, p Persister) *Manager {
	desc.TokenURL = ts.URL
	if desc.ClientID == "" {
		desc.ClientID = "client-id"
		desc.ClientSecret = "client-secret"
	}
	return NewManager(desc, testFetch(), p, zap.NewNop())
}

func TestStartOAuth(t *testing.T) {
	m := NewManager(Descriptor{
		AuthorizationURL: "https://auth.example.com/authorize?client_id={clientId}&scope={scope}",
		ClientID:         "abc 123",
		Scope:            "contacts read",
	}, nil, nil, nil)

	u, err := m.StartOAuth()
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize?client_id=abc+123&scope=contacts+read", u)
	assert.Equal(t, StateAuthorizing, m.State())
}

func TestStartOAuthRequiresConfiguration(t *testing.T) {
	_, err := NewManager(Descriptor{ClientID: "x"}, nil, nil, nil).StartOAuth()
	assert.Error(t, err)

	_, err = NewManager(Descriptor{AuthorizationURL: "https://auth.example.com"}, nil, nil, nil).StartOAuth()
	assert.Error(t, err)
}

func TestFinishOAuthBasicAuth(t *testing.T) {
	ts := newTokenServer(t)
	p := &recordingPersister{}
	m := newTestManager(ts, Descriptor{UseBasicAuth: true}, p)

	session, err := m.FinishOAuth(context.Background(), "code-1", "https://app.example.com/cb", "")
	require.NoError(t, err)

	assert.Equal(t, "at-0", session.AccessToken)
	assert.Equal(t, "rt-0", session.RefreshToken)
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, "client-id", ts.lastBasicID.Load())
	assert.Empty(t, ts.lastForm.Load().(url.Values)["client_secret"])
	assert.Equal(t, "rt-0", p.last().RefreshToken)
}

func TestFinishOAuthSurvivesPersistFailure(t *testing.T) {
	ts := newTokenServer(t)
	p := PersisterFunc(func(context.Context, Session) error {
		return errors.New(errors.ErrorTypeConnection, "transport closed")
	})
	m := newTestManager(ts, Descriptor{UseBasicAuth: true}, p)

	session, err := m.FinishOAuth(context.Background(), "code-1", "https://app.example.com/cb", "")
	require.NoError(t, err)
	assert.Equal(t, "at-0", session.AccessToken)
	assert.Equal(t, StateAuthenticated, m.State())

	token, err := m.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-0", token)
}

func TestFinishOAuthBodyCredentialsWithPKCE(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, Descriptor{UsePKCE: true}, nil)

	_, err := m.FinishOAuth(context.Background(), "code-1", "https://app.example.com/cb", "verifier-xyz")
	require.NoError(t, err)

	form := ts.lastForm.Load().(url.Values)
	assert.Equal(t, []string{"client-id"}, form["client_id"])
	assert.Equal(t, []string{"client-secret"}, form["client_secret"])
	assert.Equal(t, []string{"verifier-xyz"}, form["code_verifier"])
	assert.Equal(t, "", ts.lastBasicID.Load())
}

func TestFinishOAuthOmitsVerifierWithoutPKCE(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, Descriptor{}, nil)

	_, err := m.FinishOAuth(context.Background(), "code-1", "", "verifier-xyz")
	require.NoError(t, err)

	form := ts.lastForm.Load().(url.Values)
	assert.Empty(t, form["code_verifier"])
}

func TestFinishOAuthFailure(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, Descriptor{}, nil)

	_, err := m.FinishOAuth(context.Background(), "wrong-code", "", "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Equal(t, StateUnauthenticated, m.State())
}

func TestFinishOAuthMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"refresh_token":"rt"}`)
	}))
	defer srv.Close()

	m := NewManager(Descriptor{TokenURL: srv.URL, ClientID: "id"}, testFetch(), nil, nil)
	_, err := m.FinishOAuth(context.Background(), "code", "", "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestFinishOAuthCustomExchange(t *testing.T) {
	var got ExchangeRequest
	m := NewManager(Descriptor{
		Exchange: func(ctx context.Context, req ExchangeRequest) (*Session, error) {
			got = req
			return &Session{AccessToken: "custom-at", RefreshToken: "custom-rt"}, nil
		},
	}, testFetch(), nil, nil)

	session, err := m.FinishOAuth(context.Background(), "c", "https://cb", "v")
	require.NoError(t, err)
	assert.Equal(t, "custom-at", session.AccessToken)
	assert.Equal(t, "c", got.Code)
	assert.Equal(t, "v", got.CodeVerifier)
	assert.NotNil(t, got.HTTPClient)
}

func TestTokenCachesUntilForced(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, Descriptor{}, nil)
	m.Restore(Session{AccessToken: "cached", RefreshToken: "rt-0"})

	tok, err := m.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ts.refreshes))

	tok, err = m.Token(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, "rt-1", m.Session().RefreshToken)
}

func TestRefreshKeepsRefreshTokenWhenOmitted(t *testing.T) {
	ts := newTokenServer(t)
	ts.omitRefresh = true
	p := &recordingPersister{}
	m := newTestManager(ts, Descriptor{}, p)
	m.Restore(Session{RefreshToken: "rt-keep"})

	tok, err := m.Token(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok)
	assert.Equal(t, "rt-keep", m.Session().RefreshToken)
	assert.Equal(t, "rt-keep", p.last().RefreshToken)
}

func TestRefreshFailureRetainsRefreshToken(t *testing.T) {
	ts := newTokenServer(t)
	ts.refreshMode.Store("error")
	m := newTestManager(ts, Descriptor{}, nil)
	m.Restore(Session{AccessToken: "old", RefreshToken: "rt-0"})

	_, err := m.Token(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))

	s := m.Session()
	assert.Empty(t, s.AccessToken)
	assert.Equal(t, "rt-0", s.RefreshToken)
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestRefreshRejectedInvalidatesSession(t *testing.T) {
	ts := newTokenServer(t)
	ts.refreshMode.Store("invalid_grant")
	p := &recordingPersister{}
	m := newTestManager(ts, Descriptor{}, p)
	m.Restore(Session{AccessToken: "old", RefreshToken: "rt-0"})

	_, err := m.Token(context.Background(), true)
	require.Error(t, err)

	assert.True(t, m.Session().IsZero())
	assert.Equal(t, StateInvalid, m.State())
	assert.True(t, p.last().IsZero())
}

func TestCustomRefreshRejection(t *testing.T) {
	m := NewManager(Descriptor{
		Refresh: func(ctx context.Context, rt string, hc *http.Client) (*Session, error) {
			return nil, errors.Wrap(ErrRefreshRejected, errors.ErrorTypeAuthentication, "provider said no")
		},
	}, testFetch(), nil, nil)
	m.Restore(Session{RefreshToken: "rt"})

	_, err := m.Token(context.Background(), true)
	require.Error(t, err)
	assert.Equal(t, StateInvalid, m.State())
}

func TestConcurrentForcedRefreshesCoalesce(t *testing.T) {
	ts := newTokenServer(t)
	ts.release = make(chan struct{})
	m := newTestManager(ts, Descriptor{}, nil)
	m.Restore(Session{AccessToken: "old", RefreshToken: "rt-0"})

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], _ = m.Token(context.Background(), true)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(ts.release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&ts.refreshes))
	for _, tok := range tokens {
		assert.Equal(t, "at-1", tok)
	}
}

func TestTokenWithoutSession(t *testing.T) {
	m := NewManager(Descriptor{}, nil, nil, nil)
	_, err := m.Token(context.Background(), false)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
}

func TestPeriodicRefresh(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, Descriptor{RefreshInterval: 10 * time.Millisecond}, nil)
	m.Restore(Session{AccessToken: "at-0", RefreshToken: "rt-0"})

	m.Start(context.Background())
	m.Start(context.Background()) // idempotent
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ts.refreshes) >= 2
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	stopped := atomic.LoadInt32(&ts.refreshes)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&ts.refreshes))
}

func TestPeriodicRefreshDisabled(t *testing.T) {
	ts := newTokenServer(t)
	m := newTestManager(ts, Descriptor{RefreshInterval: 5 * time.Millisecond, DisablePeriodicRefresh: true}, nil)
	m.Restore(Session{AccessToken: "at-0", RefreshToken: "rt-0"})

	m.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	m.Stop()

	assert.Equal(t, int32(0), atomic.LoadInt32(&ts.refreshes))
}

func TestPeriodicRefreshFailureIsNotFatal(t *testing.T) {
	ts := newTokenServer(t)
	ts.refreshMode.Store("error")
	m := newTestManager(ts, Descriptor{RefreshInterval: 5 * time.Millisecond}, nil)
	m.Restore(Session{AccessToken: "at-0", RefreshToken: "rt-0"})

	m.Start(context.Background())
	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&ts.refreshes) >= 2
	}, time.Second, 5*time.Millisecond)
	m.Stop()

	assert.Equal(t, "rt-0", m.Session().RefreshToken)
}
