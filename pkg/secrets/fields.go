package secrets

import (
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
)

// ConfigField describes one configuration field of a capability.
type ConfigField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Optional bool   `json:"optional,omitempty"`
	// Plain fields are never encrypted
	Plain       bool   `json:"plain,omitempty"`
	Description string `json:"description,omitempty"`
}

// Schema is the ordered set of configuration fields.
type Schema []ConfigField

// alwaysPlain lists field names that are never secrets.
var alwaysPlain = map[string]struct{}{
	"endpoint":    {},
	"endpointUrl": {},
	"baseUrl":     {},
}

// Field returns the named field.
func (s Schema) Field(name string) (ConfigField, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return ConfigField{}, false
}

// IsPlain reports whether the named field bypasses the codec. Fields missing
// from the schema are treated as secrets unless allow-listed.
func (s Schema) IsPlain(name string) bool {
	if _, ok := alwaysPlain[name]; ok {
		return true
	}
	f, ok := s.Field(name)
	return ok && f.Plain
}

// DecryptBundle turns a bundle as received from the server into plaintext.
// Plain fields pass through; a secret field that fails to decrypt is
// dropped and logged.
func (c *Codec) DecryptBundle(schema Schema, bundle map[string]interface{}, audience string, logger *zap.Logger) map[string]interface{} {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(map[string]interface{}, len(bundle))
	for name, value := range bundle {
		if schema.IsPlain(name) {
			out[name] = value
			continue
		}
		token, ok := value.(string)
		if !ok {
			metrics.DecryptionFailures.Inc()
			logger.Warn("dropping config field: value is not a token", zap.String("field", name))
			continue
		}
		var plain interface{}
		if err := c.Decrypt(token, audience, &plain); err != nil {
			metrics.DecryptionFailures.Inc()
			logger.Warn("dropping config field: decryption failed",
				zap.String("field", name), zap.Error(err))
			continue
		}
		out[name] = plain
	}
	return out
}

// EncryptBundle is the inverse of DecryptBundle; values are durable tokens.
func (c *Codec) EncryptBundle(schema Schema, plain map[string]interface{}, audience string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(plain))
	for name, value := range plain {
		if schema.IsPlain(name) {
			out[name] = value
			continue
		}
		token, err := c.Encrypt(value, NoExpiry, audience)
		if err != nil {
			return nil, err
		}
		out[name] = token
	}
	return out, nil
}
