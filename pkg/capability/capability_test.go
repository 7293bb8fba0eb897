package capability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/logger"
)

type stub struct{ Base }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	require.NoError(t, r.Register("b", func(*config.RuntimeConfig) (Capability, error) { return &stub{}, nil }))
	require.NoError(t, r.Register("a", func(*config.RuntimeConfig) (Capability, error) {
		return nil, errors.New(errors.ErrorTypeConfig, "missing api key")
	}))

	err := r.Register("b", func(*config.RuntimeConfig) (Capability, error) { return &stub{}, nil })
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.Equal(t, []string{"a", "b"}, r.List())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))

	c, err := r.Create("b", config.Default())
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = r.Create("a", config.Default())
	assert.True(t, errors.IsType(err, errors.ErrorTypeCapability))

	_, err = r.Create("c", config.Default())
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestRegistryLogsThroughCurrentLogger(t *testing.T) {
	r := NewRegistry()

	core, logs := observer.New(zapcore.DebugLevel)
	r.SetLogger(zap.New(core))
	require.NoError(t, r.Register("echo", func(*config.RuntimeConfig) (Capability, error) { return &stub{}, nil }))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "echo", logs.All()[0].ContextMap()["name"])

	path := filepath.Join(t.TempDir(), "registry.log")
	r = NewRegistry()
	t.Cleanup(func() { _ = logger.Init(logger.Config{Level: "info"}) })
	require.NoError(t, logger.Init(logger.Config{Level: "debug", Encoding: "json", OutputPaths: []string{path}}))
	require.NoError(t, r.Register("later", func(*config.RuntimeConfig) (Capability, error) { return &stub{}, nil }))
	_ = logger.Get().Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "later")
}

func TestBaseDefaults(t *testing.T) {
	var c Capability = &stub{}
	assert.Empty(t, c.ConfigSchema())
	assert.Empty(t, c.Routes())
	assert.NoError(t, c.Start(context.Background(), StartParams{}))
	assert.NoError(t, c.Stop(context.Background()))
	assert.NoError(t, c.HealthCheck(context.Background()))
}

func TestDecodeConfig(t *testing.T) {
	params := StartParams{Config: map[string]interface{}{
		"apiKey":  "k-1",
		"baseUrl": "https://api.example.com",
		"limit":   float64(50),
	}}

	var cfg struct {
		APIKey  string `json:"apiKey"`
		BaseURL string `json:"baseUrl"`
		Limit   int    `json:"limit"`
	}
	require.NoError(t, params.DecodeConfig(&cfg))
	assert.Equal(t, "k-1", cfg.APIKey)
	assert.Equal(t, "https://api.example.com", cfg.BaseURL)
	assert.Equal(t, 50, cfg.Limit)

	var wrong struct {
		Limit string `json:"limit"`
	}
	err := params.DecodeConfig(&wrong)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
