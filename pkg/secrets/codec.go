// Package secrets implements per-field asymmetric encryption of connector
// configuration. Values are encrypted JWTs (RSA-OAEP-256 key wrapping,
// A256GCM content encryption) bound to an issuer and the connector id as
// audience.
package secrets

import (
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// NoExpiry produces durable tokens, e.g. persisted OAuth sessions.
const NoExpiry time.Duration = 0

type payloadClaims struct {
	Payload json.RawMessage `json:"payload"`
}

// Codec encrypts and decrypts field values.
type Codec struct {
	issuer  string
	keypair *Keypair
	now     func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithClock overrides the time source used for iat/exp.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec bound to issuer.
func NewCodec(issuer string, keypair *Keypair, opts ...CodecOption) *Codec {
	c := &Codec{issuer: issuer, keypair: keypair, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Keypair returns the codec key material.
func (c *Codec) Keypair() *Keypair {
	return c.keypair
}

// Encrypt wraps payload in an encrypted token for audience. An expiration of
// NoExpiry omits the exp claim.
func (c *Codec) Encrypt(payload interface{}, expiration time.Duration, audience string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, "failed to encode payload")
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.RSA_OAEP_256, Key: c.keypair.publicKey(), KeyID: c.keypair.public.KeyID},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to create encrypter")
	}

	now := c.now()
	std := jwt.Claims{
		Issuer:   c.issuer,
		Audience: jwt.Audience{audience},
		IssuedAt: jwt.NewNumericDate(now),
	}
	if expiration != NoExpiry {
		std.Expiry = jwt.NewNumericDate(now.Add(expiration))
	}

	token, err := jwt.Encrypted(enc).Claims(std).Claims(payloadClaims{Payload: raw}).Serialize()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "failed to serialize token")
	}
	return token, nil
}

// Decrypt verifies token against the issuer and audience and decodes its
// payload into out.
func (c *Codec) Decrypt(token, audience string, out interface{}) error {
	tok, err := jwt.ParseEncrypted(token,
		[]jose.KeyAlgorithm{jose.RSA_OAEP_256},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeDecryption, "malformed token")
	}

	var std jwt.Claims
	var custom payloadClaims
	if err := tok.Claims(c.keypair.privateKey(), &std, &custom); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDecryption, "failed to decrypt token")
	}

	expected := jwt.Expected{
		Issuer:      c.issuer,
		AnyAudience: jwt.Audience{audience},
		Time:        c.now(),
	}
	if err := std.ValidateWithLeeway(expected, 0); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDecryption, "token rejected")
	}

	if len(custom.Payload) == 0 {
		return errors.New(errors.ErrorTypeDecryption, "token has no payload")
	}
	if err := json.Unmarshal(custom.Payload, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDecryption, "failed to decode payload")
	}
	return nil
}
