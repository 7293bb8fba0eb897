package oauth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/fetch"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
)

// Fetcher is a fetch client that sends the session's bearer token. A 401
// triggers exactly one forced refresh and one retry.
type Fetcher struct {
	m      *Manager
	client *fetch.Client
}

func newFetcher(m *Manager, baseURL string) *Fetcher {
	f := &Fetcher{m: m}
	opts := []fetch.Option{
		fetch.WithBaseURL(baseURL),
		fetch.WithCustomizer(f.authorize),
		// 401 is handled here with a refresh, not by the retry budget
		fetch.WithFatalStatuses(http.StatusUnauthorized),
	}
	if m.client != nil {
		f.client = m.client.With(opts...)
	} else {
		f.client = fetch.New(fetch.DefaultSettings(), append(opts, fetch.WithLogger(m.logger))...)
	}
	return f
}

func (f *Fetcher) authorize(ctx context.Context, o *fetch.Options, _ interface{}) error {
	tok, err := f.m.Token(ctx, false)
	if err != nil {
		return err
	}
	o.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

// Fetch performs an authenticated request with the default retry budget.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts *fetch.Options) (*fetch.Result, error) {
	return f.FetchRetry(ctx, target, opts, f.client.Retries())
}

// FetchJSON performs an authenticated request and decodes the JSON body into out.
func (f *Fetcher) FetchJSON(ctx context.Context, target string, opts *fetch.Options, out interface{}) error {
	res, err := f.Fetch(ctx, target, opts)
	if err != nil {
		return err
	}
	return res.Decode(out)
}

// FetchRetry performs an authenticated request with an explicit retry budget.
func (f *Fetcher) FetchRetry(ctx context.Context, target string, opts *fetch.Options, retries int) (*fetch.Result, error) {
	res, err := f.client.FetchRetry(ctx, target, opts, retries, nil)
	if fetch.StatusCode(err) != http.StatusUnauthorized {
		return res, err
	}

	metrics.FetchRetries.WithLabelValues("unauthorized").Inc()
	f.m.logger.Debug("unauthorized response, forcing token refresh", zap.String("url", target))
	if _, rerr := f.m.Token(ctx, true); rerr != nil {
		return nil, rerr
	}
	return f.client.FetchRetry(ctx, target, opts, retries, nil)
}
