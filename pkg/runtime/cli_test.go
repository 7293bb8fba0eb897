package runtime

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
)

func TestKeygenPrintsEnv(t *testing.T) {
	var out bytes.Buffer
	cmd := NewKeygenCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())

	var priv, pub string
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		k, v, _ := strings.Cut(line, "=")
		switch k {
		case "CONNECTOR_PRIVATE_KEY":
			priv = v
		case "CONNECTOR_PUBLIC_KEY":
			pub = v
		}
	}
	_, err := secrets.ParseKeypair(priv, pub)
	assert.NoError(t, err)
}

func TestKeygenWritesLoadableYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.yaml")
	var out bytes.Buffer
	cmd := NewKeygenCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--output", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), path)

	cfg := config.Default()
	require.NoError(t, config.Load(path, cfg))
	assert.Equal(t, "nebula-connector", cfg.Keys.Issuer)

	kp, err := secrets.ParseKeypair(cfg.Keys.PrivateKey, cfg.Keys.PublicKey)
	require.NoError(t, err)
	assert.Contains(t, out.String(), kp.Fingerprint())
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := NewVersionCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "Connector runtime v"+Version)
}
