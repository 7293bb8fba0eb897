package runtime

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/capability"
	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/packet"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
)

// echo replies with the query variables.
type echo struct {
	capability.Base

	mu        sync.Mutex
	starts    int
	stops     int
	healthErr error
}

func (e *echo) ConfigSchema() secrets.Schema {
	return secrets.Schema{{Name: "greeting", Type: "string", Plain: true}}
}

func (e *echo) Routes() capability.Routes {
	return capability.Routes{
		"echo": capability.Handler(func(ctx context.Context, vars json.RawMessage) (interface{}, error) {
			return vars, nil
		}),
	}
}

func (e *echo) Start(context.Context, capability.StartParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	return nil
}

func (e *echo) Stop(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	return nil
}

func (e *echo) HealthCheck(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthErr
}

func (e *echo) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts, e.stops
}

// platform fakes the device endpoints and the socket endpoint.
type platform struct {
	device *httptest.Server
	socket *httptest.Server
	conns  chan *websocket.Conn

	mu           sync.Mutex
	registered   bool
	rejectRegs   bool
	registration map[string]interface{}
	disconnects  int
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{conns: make(chan *websocket.Conn, 2)}

	mux := http.NewServeMux()
	mux.HandleFunc("/connect", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		ok := p.registered && r.Header.Get("Authorization") == "Bearer key-1"
		p.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "ok")
	})
	mux.HandleFunc("/register", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.rejectRegs || r.Header.Get("Authorization") != "Bearer reg-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &p.registration)
		p.registered = true
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"key":"key-1"}`)
	})
	mux.HandleFunc("/disconnect", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.disconnects++
		p.mu.Unlock()
		_, _ = io.WriteString(w, "ok")
	})
	p.device = httptest.NewServer(mux)
	t.Cleanup(p.device.Close)

	upgrader := websocket.Upgrader{Subprotocols: []string{"connector"}}
	p.socket = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p.conns <- conn
	}))
	t.Cleanup(p.socket.Close)
	return p
}

func (p *platform) config() *config.RuntimeConfig {
	cfg := config.Default()
	cfg.Identity.ID = "echo"
	cfg.Identity.Name = "Echo"
	cfg.Identity.RegistrationToken = "reg-token"
	cfg.Endpoints.DeviceURL = p.device.URL
	cfg.Endpoints.SocketURL = "ws" + strings.TrimPrefix(p.socket.URL, "http")
	cfg.Transport.FlushInterval = time.Millisecond
	cfg.Transport.ReconnectDelay = 10 * time.Millisecond
	cfg.Transport.HandshakeRetryDelay = 10 * time.Millisecond
	cfg.Shutdown.GracePeriod = 2 * time.Second
	return cfg
}

func (p *platform) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-p.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("connector never opened the socket")
		return nil
	}
}

func readPackets(t *testing.T, conn *websocket.Conn, n int) map[string]packet.Packet {
	t.Helper()
	out := make(map[string]packet.Packet)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(out) < n {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		packets, err := packet.DecodeFrame(data)
		require.NoError(t, err)
		for _, p := range packets {
			out[p.CorrelationID()] = p
		}
	}
	return out
}

func TestRunServesCommandsAndShutsDownInOrder(t *testing.T) {
	p := newPlatform(t)
	capab := &echo{}
	var out bytes.Buffer

	rt, err := New(p.config(), capab, zap.NewNop(), WithOutput(&out))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "CONNECTOR_PRIVATE_KEY=")
	assert.Contains(t, out.String(), "CONNECTOR_PUBLIC_KEY=")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	conn := p.accept(t)

	p.mu.Lock()
	reg := p.registration
	p.mu.Unlock()
	assert.Equal(t, "echo", reg["id"])
	assert.Equal(t, "Echo", reg["name"])
	assert.NotEmpty(t, reg["publicKey"])
	assert.Len(t, reg["schema"], 1)

	setConfig := packet.New().Method("set-config").Correlation("s-1").
		Args(map[string]interface{}{"config": map[string]string{"greeting": "hi"}}).MustBuild()
	query := packet.New().Method("query").Correlation("q-1").
		Args(map[string]interface{}{"name": "echo", "variables": map[string]string{"hello": "world"}}).MustBuild()
	frame, err := packet.EncodeFrame([]packet.Packet{setConfig, query})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	replies := readPackets(t, conn, 2)
	assert.JSONEq(t, `{"ok":true}`, string(replies["s-1"].Args()))
	assert.JSONEq(t, `{"hello":"world"}`, string(replies["q-1"].Args()))

	status := rt.Health().Check(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not shut down")
	}

	p.mu.Lock()
	assert.Equal(t, 1, p.disconnects)
	p.mu.Unlock()
	starts, stops := capab.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.True(t, rt.Transport().IsLeaving())
	assert.False(t, rt.Dispatcher().Started())
}

func TestRunFailsWhenRegistrationIsRejected(t *testing.T) {
	p := newPlatform(t)
	p.rejectRegs = true

	rt, err := New(p.config(), &echo{}, zap.NewNop(), WithOutput(io.Discard))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	case <-time.After(5 * time.Second):
		t.Fatal("runtime kept running after registration was rejected")
	}
}

func TestNewRejectsPartialKeypair(t *testing.T) {
	p := newPlatform(t)
	cfg := p.config()
	cfg.Keys.PrivateKey = "only-half"

	_, err := New(cfg, &echo{}, zap.NewNop(), WithOutput(io.Discard))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestNewUsesConfiguredKeypair(t *testing.T) {
	kp, err := secrets.GenerateKeypair()
	require.NoError(t, err)
	priv, err := kp.EncodePrivate()
	require.NoError(t, err)
	pub, err := kp.EncodePublic()
	require.NoError(t, err)

	p := newPlatform(t)
	cfg := p.config()
	cfg.Keys.PrivateKey, cfg.Keys.PublicKey = priv, pub

	var out bytes.Buffer
	rt, err := New(cfg, &echo{}, zap.NewNop(), WithOutput(&out))
	require.NoError(t, err)
	assert.Empty(t, out.String())
	assert.Equal(t, kp.Fingerprint(), rt.Keypair().Fingerprint())
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(config.Default(), &echo{}, zap.NewNop())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	p := newPlatform(t)
	cfg := p.config()
	cfg.Identity.IconPath = filepath.Join(t.TempDir(), "missing.png")
	_, err = New(cfg, &echo{}, zap.NewNop(), WithOutput(io.Discard))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestHealthChecker(t *testing.T) {
	var (
		mu      sync.Mutex
		failure error = stderrors.New("upstream down")
	)
	hc := NewHealthChecker(time.Hour, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return failure
	}, zap.NewNop())

	assert.Equal(t, StatusHealthy, hc.Status().Status)
	assert.Equal(t, StatusDegraded, hc.Check(context.Background()).Status)
	assert.Equal(t, StatusDegraded, hc.Check(context.Background()).Status)

	rec := httptest.NewRecorder()
	hc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StatusUnhealthy, body.Status)
	assert.Equal(t, "upstream down", body.Error)

	mu.Lock()
	failure = nil
	mu.Unlock()

	rec = httptest.NewRecorder()
	hc.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusHealthy, hc.Status().Status)
	assert.EqualValues(t, 4, hc.Status().Details["check_count"])
}

func TestHealthCheckerStartStop(t *testing.T) {
	checked := make(chan struct{}, 1)
	hc := NewHealthChecker(time.Hour, func(context.Context) error {
		select {
		case checked <- struct{}{}:
		default:
		}
		return nil
	}, nil)

	hc.Start(context.Background())
	select {
	case <-checked:
	case <-time.After(2 * time.Second):
		t.Fatal("initial check did not run")
	}
	hc.Stop()
	hc.Stop()
}
