package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
)

func validConfig() *RuntimeConfig {
	cfg := Default()
	cfg.Identity.ID = "hubspot"
	cfg.Identity.RegistrationToken = "reg-token"
	cfg.Endpoints.DeviceURL = "https://device.example.com"
	cfg.Endpoints.SocketURL = "wss://socket.example.com"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 45*time.Second, cfg.Transport.SweepInterval)
	assert.Equal(t, 5*time.Minute, cfg.Transport.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.Transport.ReconnectDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RetryDelay)
	assert.Equal(t, 10*time.Second, cfg.Fetch.RateLimitDelay)
	assert.Equal(t, 30*time.Minute, cfg.Fetch.MaxTimeout)
	assert.Equal(t, 4*time.Hour, cfg.OAuth.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.Shutdown.GracePeriod)
	assert.Greater(t, cfg.Transport.HeartbeatTimeout(), cfg.Transport.PingInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RuntimeConfig)
		ok     bool
	}{
		{"valid", func(*RuntimeConfig) {}, true},
		{"missing id", func(c *RuntimeConfig) { c.Identity.ID = "" }, false},
		{"missing registration token", func(c *RuntimeConfig) { c.Identity.RegistrationToken = "" }, false},
		{"relative device url", func(c *RuntimeConfig) { c.Endpoints.DeviceURL = "/connect" }, false},
		{"missing socket url", func(c *RuntimeConfig) { c.Endpoints.SocketURL = "" }, false},
		{"zero call timeout", func(c *RuntimeConfig) { c.Transport.CallTimeout = 0 }, false},
		{"negative retries", func(c *RuntimeConfig) { c.Fetch.Retries = -1 }, false},
		{"zero retries", func(c *RuntimeConfig) { c.Fetch.Retries = 0 }, true},
		{"sample rate above one", func(c *RuntimeConfig) { c.Observability.TracingSampleRate = 1.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
			}
		})
	}
}

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("TEST_DEVICE_HOST", "device.internal")

	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity:
  id: salesforce
endpoints:
  device_url: https://${TEST_DEVICE_HOST}/api
transport:
  ping_interval: 15s
`), 0600))

	cfg := Default()
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "salesforce", cfg.Identity.ID)
	assert.Equal(t, "https://device.internal/api", cfg.Endpoints.DeviceURL)
	assert.Equal(t, 15*time.Second, cfg.Transport.PingInterval)
	// untouched sections keep their defaults
	assert.Equal(t, 45*time.Second, cfg.Transport.SweepInterval)
}

func TestSubstitutedValuesAreNotRescanned(t *testing.T) {
	t.Setenv("TEST_SELF_REF", "${TEST_SELF_REF}")
	t.Setenv("TEST_TOKEN", "abc")

	done := make(chan string, 1)
	go func() { done <- substituteEnvVars("a: ${TEST_SELF_REF}\nb: ${TEST_TOKEN}\nc: ${UNCLOSED") }()

	select {
	case out := <-done:
		assert.Equal(t, "a: ${TEST_SELF_REF}\nb: abc\nc: ${UNCLOSED", out)
	case <-time.After(2 * time.Second):
		t.Fatal("substitution did not terminate")
	}
}

func TestResolveEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
identity:
  id: from-file
  registration_token: file-token
`), 0600))

	t.Setenv("CONNECTOR_ID", "from-env")
	t.Setenv("CONNECTOR_DEVICE_URL", "https://device.example.com")
	t.Setenv("CONNECTOR_TRANSPORT_CALL_TIMEOUT", "2m")
	t.Setenv("CONNECTOR_FETCH_RETRIES", "7")

	cfg, err := Resolve(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Identity.ID)
	assert.Equal(t, "file-token", cfg.Identity.RegistrationToken)
	assert.Equal(t, "https://device.example.com", cfg.Endpoints.DeviceURL)
	assert.Equal(t, 2*time.Minute, cfg.Transport.CallTimeout)
	assert.Equal(t, 7, cfg.Fetch.Retries)
}

func TestResolveWithoutFile(t *testing.T) {
	cfg, err := Resolve(nil, "")
	require.NoError(t, err)
	assert.Equal(t, Default().Fetch, cfg.Fetch)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	in := validConfig()
	require.NoError(t, Save(path, in))

	out := &RuntimeConfig{}
	require.NoError(t, Load(path, out))
	assert.Equal(t, in.Identity, out.Identity)
	assert.Equal(t, in.Transport.CallTimeout, out.Transport.CallTimeout)
}
