// Package oauth manages third-party OAuth sessions on behalf of a capability:
// the authorization code exchange, refresh token exchange, periodic refresh
// and bearer token injection into outbound fetches.
package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRefreshInterval is the periodic refresh period when none is set.
const DefaultRefreshInterval = 4 * time.Hour

// ExchangeRequest carries the inputs of an authorization code exchange.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	// HTTPClient is the runtime's shared client
	HTTPClient *http.Client
}

// ExchangeFunc replaces the built-in authorization code exchange.
type ExchangeFunc func(ctx context.Context, req ExchangeRequest) (*Session, error)

// RefreshFunc replaces the built-in refresh token exchange. Return an error
// wrapping ErrRefreshRejected when the provider rejects the refresh token.
type RefreshFunc func(ctx context.Context, refreshToken string, hc *http.Client) (*Session, error)

// Descriptor is the OAuth configuration a capability declares.
type Descriptor struct {
	// AuthorizationURL may contain {clientId} and {scope} placeholders
	AuthorizationURL string
	TokenURL         string
	ClientID         string
	ClientSecret     string
	Scope            string
	// UseBasicAuth sends client credentials in an Authorization header
	// instead of the form body
	UseBasicAuth bool
	// UsePKCE forwards the code verifier on exchange when one is supplied
	UsePKCE                bool
	RefreshInterval        time.Duration
	DisablePeriodicRefresh bool
	Exchange               ExchangeFunc
	Refresh                RefreshFunc
}

func (d *Descriptor) refreshInterval() time.Duration {
	if d.RefreshInterval > 0 {
		return d.RefreshInterval
	}
	return DefaultRefreshInterval
}

// authorizationURL substitutes the placeholders with query-escaped values.
func (d *Descriptor) authorizationURL() string {
	r := strings.NewReplacer(
		"{clientId}", url.QueryEscape(d.ClientID),
		"{scope}", url.QueryEscape(d.Scope),
	)
	return r.Replace(d.AuthorizationURL)
}

func (d *Descriptor) config(redirectURI string) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if d.UseBasicAuth {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       strings.Fields(d.Scope),
		Endpoint: oauth2.Endpoint{
			TokenURL:  d.TokenURL,
			AuthStyle: style,
		},
	}
}
