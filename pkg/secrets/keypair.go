package secrets

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"

	"github.com/go-jose/go-jose/v4"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

const keyBits = 2048

// Keypair is the RSA key material protecting configuration fields.
type Keypair struct {
	private *jose.JSONWebKey
	public  *jose.JSONWebKey
}

// GenerateKeypair creates a fresh keypair.
func GenerateKeypair() (*Keypair, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to generate RSA key")
	}
	priv := &jose.JSONWebKey{
		Key:       key,
		Algorithm: string(jose.RSA_OAEP_256),
		Use:       "enc",
	}
	thumb, err := priv.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to compute key thumbprint")
	}
	priv.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	pub := priv.Public()
	return &Keypair{private: priv, public: &pub}, nil
}

// ParseKeypair decodes the base64 JWK pair produced by EncodePrivate and
// EncodePublic. Both halves are required and must belong together.
func ParseKeypair(privateB64, publicB64 string) (*Keypair, error) {
	if privateB64 == "" || publicB64 == "" {
		return nil, errors.New(errors.ErrorTypeConfig,
			"both CONNECTOR_PRIVATE_KEY and CONNECTOR_PUBLIC_KEY must be set; unset both to generate a new keypair")
	}
	priv, err := decodeJWK(privateB64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid CONNECTOR_PRIVATE_KEY")
	}
	pub, err := decodeJWK(publicB64)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid CONNECTOR_PUBLIC_KEY")
	}

	privKey, ok := priv.Key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "CONNECTOR_PRIVATE_KEY is not an RSA private key")
	}
	pubKey, ok := pub.Key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New(errors.ErrorTypeConfig, "CONNECTOR_PUBLIC_KEY is not an RSA public key")
	}
	if !privKey.PublicKey.Equal(pubKey) {
		return nil, errors.New(errors.ErrorTypeConfig, "CONNECTOR_PUBLIC_KEY does not match CONNECTOR_PRIVATE_KEY")
	}
	return &Keypair{private: priv, public: pub}, nil
}

func decodeJWK(b64 string) (*jose.JSONWebKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return &jwk, nil
}

func encodeJWK(jwk *jose.JSONWebKey) (string, error) {
	raw, err := jwk.MarshalJSON()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode key")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodePrivate returns the private key as base64 JWK JSON.
func (k *Keypair) EncodePrivate() (string, error) { return encodeJWK(k.private) }

// EncodePublic returns the public key as base64 JWK JSON.
func (k *Keypair) EncodePublic() (string, error) { return encodeJWK(k.public) }

// PublicJWK returns the public key as a JSON value for registration.
func (k *Keypair) PublicJWK() (json.RawMessage, error) {
	raw, err := k.public.MarshalJSON()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode public key")
	}
	return raw, nil
}

// Fingerprint is the RFC 7638 thumbprint of the public key.
func (k *Keypair) Fingerprint() string {
	thumb, err := k.public.Thumbprint(crypto.SHA256)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(thumb)
}

func (k *Keypair) privateKey() *rsa.PrivateKey { return k.private.Key.(*rsa.PrivateKey) }

func (k *Keypair) publicKey() *rsa.PublicKey { return k.public.Key.(*rsa.PublicKey) }
