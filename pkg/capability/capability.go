// Package capability defines the contract between the connector runtime and
// the business logic it hosts.
//
// A capability declares its configuration schema, an introspection payload
// describing its methods, and a tree of query handlers. The runtime starts it
// once the server pushes configuration and stops it on shutdown:
//
//	type companies struct{ capability.Base }
//
//	func (c *companies) Routes() capability.Routes {
//		return capability.Routes{
//			"companies": capability.Routes{
//				"getPage": capability.Handler(c.getPage),
//			},
//		}
//	}
package capability

import (
	"context"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/oauth"
	"github.com/ajitpratap0/nebula-connector/pkg/secrets"
)

// Handler answers a query with the supplied variables.
type Handler func(ctx context.Context, variables json.RawMessage) (interface{}, error)

// Routes maps a name to a Handler or to nested Routes.
type Routes map[string]interface{}

// Fetcher makes outbound HTTP calls to the integrated API. Both plain and
// OAuth-authenticated clients satisfy it.
type Fetcher interface {
	Fetch(ctx context.Context, target string, opts *fetch.Options) (*fetch.Result, error)
	FetchJSON(ctx context.Context, target string, opts *fetch.Options, out interface{}) error
}

// TokenSource yields the current OAuth access token.
type TokenSource interface {
	Token(ctx context.Context, force bool) (string, error)
}

// Tasks creates and updates tasks on the orchestration service.
type Tasks interface {
	NewTask(ctx context.Context, task interface{}) (json.RawMessage, error)
	UpdateTask(ctx context.Context, id string, update interface{}) (json.RawMessage, error)
}

// Blobs reads and creates blobs on the orchestration service.
type Blobs interface {
	GetBlob(ctx context.Context, id string) (json.RawMessage, error)
	GetBlobContent(ctx context.Context, id string) ([]byte, error)
	CreateBlob(ctx context.Context, blob interface{}) (json.RawMessage, error)
}

// StartParams is everything a capability receives when it starts.
type StartParams struct {
	// Config is the decrypted configuration
	Config map[string]interface{}
	// OAuth is nil unless the capability provides an OAuth descriptor
	OAuth TokenSource
	Tasks Tasks
	Blobs Blobs
	// GetClient returns a client for baseURL, authenticated when OAuth is configured
	GetClient func(baseURL string) Fetcher
}

// DecodeConfig decodes the decrypted configuration into out.
func (p StartParams) DecodeConfig(out interface{}) error {
	raw, err := json.Marshal(p.Config)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode configuration")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "configuration does not match the expected shape")
	}
	return nil
}

// Capability is the business logic hosted by the runtime.
type Capability interface {
	ConfigSchema() secrets.Schema
	Introspect() interface{}
	Routes() Routes
	Start(ctx context.Context, params StartParams) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error
}

// OAuthProvider is implemented by capabilities that integrate with an OAuth API.
type OAuthProvider interface {
	OAuthDescriptor() oauth.Descriptor
}

// DefaultQuerier answers queries that match no route.
type DefaultQuerier interface {
	DefaultQuery(ctx context.Context, name string, variables json.RawMessage) (interface{}, error)
}

// Base provides no-op lifecycle methods for embedding.
type Base struct{}

// ConfigSchema implements Capability.
func (Base) ConfigSchema() secrets.Schema { return nil }

// Introspect implements Capability.
func (Base) Introspect() interface{} { return map[string]interface{}{} }

// Routes implements Capability.
func (Base) Routes() Routes { return Routes{} }

// Start implements Capability.
func (Base) Start(context.Context, StartParams) error { return nil }

// Stop implements Capability.
func (Base) Stop(context.Context) error { return nil }

// HealthCheck implements Capability.
func (Base) HealthCheck(context.Context) error { return nil }
