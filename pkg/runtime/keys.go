package runtime

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
)

// ResolveKeypair loads the configured keypair. With no key configured a new
// one is generated and its environment values are written to out so the
// operator can persist them; a partial or invalid key is an error.
func ResolveKeypair(keys config.KeysConfig, out io.Writer, logger *zap.Logger) (*secrets.Keypair, error) {
	if keys.HasKeys() {
		return secrets.ParseKeypair(keys.PrivateKey, keys.PublicKey)
	}

	kp, err := secrets.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	logger.Warn("no keypair configured, generated a new one; persist it or encrypted configuration will be lost on restart",
		zap.String("fingerprint", kp.Fingerprint()))
	if out != nil {
		if err := WriteKeypairEnv(out, kp); err != nil {
			return nil, err
		}
	}
	return kp, nil
}

// WriteKeypairEnv writes the keypair as environment assignments.
func WriteKeypairEnv(w io.Writer, kp *secrets.Keypair) error {
	priv, pub, err := encodeKeypair(kp)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "CONNECTOR_PRIVATE_KEY=%s\nCONNECTOR_PUBLIC_KEY=%s\n", priv, pub)
	return err
}

// WriteKeypairYAML writes the keypair as a keys section that config.Load
// accepts.
func WriteKeypairYAML(w io.Writer, kp *secrets.Keypair) error {
	priv, pub, err := encodeKeypair(kp)
	if err != nil {
		return err
	}
	type keys struct {
		PrivateKey string `yaml:"private_key"`
		PublicKey  string `yaml:"public_key"`
	}
	doc := struct {
		Keys keys `yaml:"keys"`
	}{
		Keys: keys{PrivateKey: priv, PublicKey: pub},
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode keypair: %w", err)
	}
	return enc.Close()
}

func encodeKeypair(kp *secrets.Keypair) (string, string, error) {
	priv, err := kp.EncodePrivate()
	if err != nil {
		return "", "", err
	}
	pub, err := kp.EncodePublic()
	if err != nil {
		return "", "", err
	}
	return priv, pub, nil
}
