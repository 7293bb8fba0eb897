package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Resolve.
const EnvPrefix = "CONNECTOR"

// Load loads a configuration from a YAML file
func Load(filePath string, config interface{}) error {
	data, err := os.ReadFile(filePath) //nolint:gosec // G304: File path is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(content), config); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// Save saves a configuration to a YAML file
func Save(filePath string, config interface{}) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are not scanned again.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}

type binding struct {
	key   string
	env   string
	apply func(c *RuntimeConfig, v *viper.Viper, key string)
}

func str(dst func(*RuntimeConfig) *string) func(*RuntimeConfig, *viper.Viper, string) {
	return func(c *RuntimeConfig, v *viper.Viper, key string) { *dst(c) = v.GetString(key) }
}

func dur(dst func(*RuntimeConfig) *time.Duration) func(*RuntimeConfig, *viper.Viper, string) {
	return func(c *RuntimeConfig, v *viper.Viper, key string) { *dst(c) = v.GetDuration(key) }
}

// bindings maps configuration keys to the environment variables operators
// use. Keys not listed here fall back to CONNECTOR_<SECTION>_<FIELD>.
var bindings = []binding{
	{"identity.id", "CONNECTOR_ID", str(func(c *RuntimeConfig) *string { return &c.Identity.ID })},
	{"identity.version", "CONNECTOR_VERSION", str(func(c *RuntimeConfig) *string { return &c.Identity.Version })},
	{"identity.name", "CONNECTOR_NAME", str(func(c *RuntimeConfig) *string { return &c.Identity.Name })},
	{"identity.icon_path", "CONNECTOR_ICON", str(func(c *RuntimeConfig) *string { return &c.Identity.IconPath })},
	{"identity.registration_token", "CONNECTOR_REGISTRATION_TOKEN", str(func(c *RuntimeConfig) *string { return &c.Identity.RegistrationToken })},
	{"endpoints.device_url", "CONNECTOR_DEVICE_URL", str(func(c *RuntimeConfig) *string { return &c.Endpoints.DeviceURL })},
	{"endpoints.socket_url", "CONNECTOR_SOCKET_URL", str(func(c *RuntimeConfig) *string { return &c.Endpoints.SocketURL })},
	{"keys.private_key", "CONNECTOR_PRIVATE_KEY", str(func(c *RuntimeConfig) *string { return &c.Keys.PrivateKey })},
	{"keys.public_key", "CONNECTOR_PUBLIC_KEY", str(func(c *RuntimeConfig) *string { return &c.Keys.PublicKey })},
	{"keys.issuer", "", str(func(c *RuntimeConfig) *string { return &c.Keys.Issuer })},
	{"observability.log_level", "CONNECTOR_LOG_LEVEL", str(func(c *RuntimeConfig) *string { return &c.Observability.LogLevel })},
	{"observability.log_format", "CONNECTOR_LOG_FORMAT", str(func(c *RuntimeConfig) *string { return &c.Observability.LogFormat })},
	{"observability.metrics_addr", "CONNECTOR_METRICS_ADDR", str(func(c *RuntimeConfig) *string { return &c.Observability.MetricsAddr })},
	{"observability.enable_tracing", "", func(c *RuntimeConfig, v *viper.Viper, key string) {
		c.Observability.EnableTracing = v.GetBool(key)
	}},
	{"transport.ping_interval", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.Transport.PingInterval })},
	{"transport.heartbeat_grace", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.Transport.HeartbeatGrace })},
	{"transport.call_timeout", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.Transport.CallTimeout })},
	{"transport.reconnect_delay", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.Transport.ReconnectDelay })},
	{"fetch.retries", "", func(c *RuntimeConfig, v *viper.Viper, key string) {
		c.Fetch.Retries = v.GetInt(key)
	}},
	{"fetch.request_timeout", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.Fetch.RequestTimeout })},
	{"oauth.refresh_interval", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.OAuth.RefreshInterval })},
	{"oauth.disable_periodic_refresh", "", func(c *RuntimeConfig, v *viper.Viper, key string) {
		c.OAuth.DisablePeriodicRefresh = v.GetBool(key)
	}},
	{"shutdown.grace_period", "", dur(func(c *RuntimeConfig) *time.Duration { return &c.Shutdown.GracePeriod })},
}

// Resolve builds the effective configuration: defaults, then the optional
// YAML file at path, then environment variables and any flags already bound
// on v. A nil v uses a fresh viper instance.
func Resolve(v *viper.Viper, path string) (*RuntimeConfig, error) {
	cfg := Default()
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return nil, err
		}
	}

	if v == nil {
		v = viper.New()
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, b := range bindings {
		var err error
		if b.env != "" {
			err = v.BindEnv(b.key, b.env, envName(b.key))
		} else {
			err = v.BindEnv(b.key)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.key, err)
		}
		if v.IsSet(b.key) {
			b.apply(cfg, v, b.key)
		}
	}

	return cfg, nil
}

// envName is the generic CONNECTOR_<SECTION>_<FIELD> name for key.
func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}
