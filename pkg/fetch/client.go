// Package fetch provides the resilient HTTP client handed to capabilities for
// calls to the third-party API they integrate with.
//
// Failures are classified per attempt: 429 waits the rate-limit delay and
// retries without spending the retry budget, 400 and 422 are returned
// immediately, and anything else spends one retry after a short delay.
package fetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connector/pkg/config"
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
	"github.com/ajitpratap0/nebula-connector/pkg/metrics"
	"github.com/ajitpratap0/nebula-connector/pkg/observability"
)

const (
	contentTypeJSON = "application/json"
	contentTypeForm = "application/x-www-form-urlencoded"
)

// ResponseFormat selects how a successful body is unwrapped.
type ResponseFormat int

const (
	// ResponseJSON parses the body as JSON
	ResponseJSON ResponseFormat = iota
	// ResponseText returns the body as a string
	ResponseText
	// ResponseBase64 returns the body base64 encoded
	ResponseBase64
	// ResponseHeaders returns only the response headers
	ResponseHeaders
)

// Options describes one request.
type Options struct {
	Method string
	Header http.Header
	// Body is sent verbatim when it is []byte, string, io.Reader or
	// url.Values, and JSON encoded otherwise.
	Body     interface{}
	Timeout  time.Duration
	Response ResponseFormat
}

func (o *Options) clone() *Options {
	c := &Options{}
	if o != nil {
		*c = *o
		c.Header = o.Header.Clone()
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	if c.Method == "" {
		c.Method = http.MethodGet
	}
	return c
}

// Result is an unwrapped response.
type Result struct {
	Status int
	Header http.Header
	// Data is the parsed JSON value, a string for text and base64, or a
	// map[string]string for headers-only responses.
	Data interface{}
}

// Decode re-encodes Data into v.
func (r *Result) Decode(v interface{}) error {
	raw, err := json.Marshal(r.Data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to encode response data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response data")
	}
	return nil
}

// Customizer mutates the options before every attempt.
type Customizer func(ctx context.Context, opts *Options, args interface{}) error

// Client performs requests with retry and error classification.
type Client struct {
	baseURL   string
	http      *http.Client
	settings  config.FetchConfig
	customize Customizer
	fatal     map[int]bool
	logger    *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL resolves relative request URLs against base.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// WithHTTPClient shares an existing *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCustomizer installs the per-attempt hook.
func WithCustomizer(fn Customizer) Option {
	return func(c *Client) { c.customize = fn }
}

// WithFatalStatuses marks additional statuses that are returned without
// retrying, like 400 and 422.
func WithFatalStatuses(statuses ...int) Option {
	return func(c *Client) {
		fatal := make(map[int]bool, len(c.fatal)+len(statuses))
		for s := range c.fatal {
			fatal[s] = true
		}
		for _, s := range statuses {
			fatal[s] = true
		}
		c.fatal = fatal
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// DefaultSettings returns the default retry settings.
func DefaultSettings() config.FetchConfig {
	return config.Default().Fetch
}

// New creates a client with the given retry settings.
func New(settings config.FetchConfig, opts ...Option) *Client {
	c := &Client{settings: settings}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.With(zap.String("component", "fetch"))
	if c.http == nil {
		c.http = NewHTTPClient(nil, c.logger)
	}
	return c
}

// With returns a copy of c with additional options applied. The underlying
// *http.Client is shared.
func (c *Client) With(opts ...Option) *Client {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// HTTPClient returns the underlying *http.Client.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// BaseURL returns the base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Retries returns the default retry budget.
func (c *Client) Retries() int {
	return c.settings.Retries
}

// Fetch performs a request with the default retry budget.
func (c *Client) Fetch(ctx context.Context, target string, opts *Options) (*Result, error) {
	return c.FetchRetry(ctx, target, opts, c.settings.Retries, nil)
}

// FetchJSON performs a request and decodes the JSON response into out.
func (c *Client) FetchJSON(ctx context.Context, target string, opts *Options, out interface{}) error {
	res, err := c.Fetch(ctx, target, opts)
	if err != nil {
		return err
	}
	return res.Decode(out)
}

// FetchRetry performs a request with an explicit retry budget. args is
// passed to the customizer on every attempt.
func (c *Client) FetchRetry(ctx context.Context, target string, opts *Options, retries int, args interface{}) (*Result, error) {
	resolved := ResolveURL(c.baseURL, target)
	base := opts.clone()

	// Readers cannot be replayed, so buffer them once.
	if r, ok := base.Body.(io.Reader); ok {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to read request body")
		}
		base.Body = data
	}

	ctx, span := observability.StartSpan(ctx, "fetch",
		attribute.String("http.method", base.Method),
		attribute.String("http.url", resolved),
	)
	defer span.End()

	var limitedSince time.Time
	for attempt := 1; ; attempt++ {
		o := base.clone()
		if c.customize != nil {
			if err := c.customize(ctx, o, args); err != nil {
				observability.RecordError(span, err)
				return nil, err
			}
		}

		res, err := c.attempt(ctx, resolved, o)
		if err == nil {
			span.SetAttributes(attribute.Int("http.status_code", res.Status), attribute.Int("fetch.attempts", attempt))
			observability.RecordError(span, nil)
			return res, nil
		}

		if ctx.Err() != nil {
			observability.RecordError(span, err)
			return nil, err
		}

		status := StatusCode(err)
		switch {
		case status == http.StatusTooManyRequests:
			if limitedSince.IsZero() {
				limitedSince = time.Now()
			}
			if c.settings.MaxTimeout > 0 && time.Since(limitedSince) >= c.settings.MaxTimeout {
				c.logger.Warn("rate limited past max timeout, giving up",
					zap.String("url", resolved),
					zap.Duration("max_timeout", c.settings.MaxTimeout))
				observability.RecordError(span, err)
				return nil, err
			}
			metrics.FetchRetries.WithLabelValues("rate_limit").Inc()
			c.logger.Warn("rate limited, backing off",
				zap.String("url", resolved),
				zap.Duration("delay", c.settings.RateLimitDelay))
			if werr := sleep(ctx, c.settings.RateLimitDelay); werr != nil {
				observability.RecordError(span, err)
				return nil, err
			}

		case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity,
			c.fatal[status],
			errors.IsType(err, errors.ErrorTypeData),
			errors.IsType(err, errors.ErrorTypeValidation):
			observability.RecordError(span, err)
			return nil, err

		default:
			if retries <= 0 {
				observability.RecordError(span, err)
				return nil, err
			}
			retries--
			metrics.FetchRetries.WithLabelValues("failure").Inc()
			c.logger.Debug("request failed, retrying",
				zap.String("url", resolved),
				zap.Int("status", status),
				zap.Int("retries_remaining", retries),
				zap.Error(err))
			if werr := sleep(ctx, c.settings.RetryDelay); werr != nil {
				observability.RecordError(span, err)
				return nil, err
			}
		}
	}
}

func (c *Client) attempt(ctx context.Context, target string, o *Options) (*Result, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = c.settings.RequestTimeout
	}
	if c.settings.MaxTimeout > 0 && (timeout <= 0 || timeout > c.settings.MaxTimeout) {
		timeout = c.settings.MaxTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body, err := encodeBody(o)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, o.Method, target, body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "invalid request")
	}
	req.Header = o.Header
	observability.InjectHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.FetchRequests.WithLabelValues(metrics.StatusClass(0)).Inc()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request timed out")
		}
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed")
	}
	defer resp.Body.Close()
	metrics.FetchRequests.WithLabelValues(metrics.StatusClass(resp.StatusCode)).Inc()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read response body")
	}

	if resp.StatusCode >= 400 {
		return nil, newHTTPError(o.Method, target, resp.StatusCode, data)
	}

	return unwrap(resp, data, o.Response)
}

// encodeBody applies the Accept and Content-Type defaults and returns the
// request body.
func encodeBody(o *Options) (io.Reader, error) {
	if o.Header.Get("Accept") == "" {
		o.Header.Set("Accept", contentTypeJSON)
	}

	var reader io.Reader
	switch b := o.Body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = strings.NewReader(b)
	case url.Values:
		if o.Header.Get("Content-Type") == "" {
			o.Header.Set("Content-Type", contentTypeForm)
		}
		reader = strings.NewReader(b.Encode())
	default:
		ct := o.Header.Get("Content-Type")
		if ct != "" && !strings.Contains(ct, "json") {
			return nil, errors.Newf(errors.ErrorTypeValidation,
				"cannot encode %T body as %s", b, ct)
		}
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode request body")
		}
		reader = bytes.NewReader(raw)
	}

	if o.Header.Get("Content-Type") == "" {
		o.Header.Set("Content-Type", contentTypeJSON)
	}
	return reader, nil
}

func unwrap(resp *http.Response, data []byte, format ResponseFormat) (*Result, error) {
	res := &Result{Status: resp.StatusCode, Header: resp.Header}

	if resp.StatusCode == http.StatusNoContent {
		res.Data = map[string]interface{}{"ok": true}
		return res, nil
	}

	switch format {
	case ResponseText:
		res.Data = string(data)
	case ResponseBase64:
		res.Data = base64.StdEncoding.EncodeToString(data)
	case ResponseHeaders:
		headers := make(map[string]string, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		res.Data = headers
	default:
		if len(bytes.TrimSpace(data)) == 0 {
			return res, nil
		}
		var v interface{}
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData,
				fmt.Sprintf("failed to parse JSON response (status %d)", resp.StatusCode))
		}
		res.Data = v
	}
	return res, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
