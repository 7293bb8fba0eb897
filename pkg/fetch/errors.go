package fetch

import (
	"fmt"
	"net/http"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
)

const maxErrorBody = 512

// HTTPError records a response with status >= 400.
type HTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.Status, http.StatusText(e.Status), e.Body)
}

// StatusCode returns the HTTP status recorded anywhere in err's chain, or 0.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status
	}
	return 0
}

func newHTTPError(method, url string, status int, body []byte) error {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	httpErr := &HTTPError{Method: method, URL: url, Status: status, Body: string(body)}
	return errors.Wrap(httpErr, errorTypeForStatus(status), "request failed").
		WithDetail("status", status)
}

func errorTypeForStatus(status int) errors.ErrorType {
	switch {
	case status == http.StatusTooManyRequests:
		return errors.ErrorTypeRateLimit
	case status == http.StatusUnauthorized:
		return errors.ErrorTypeAuthentication
	case status == http.StatusForbidden:
		return errors.ErrorTypePermission
	case status == http.StatusNotFound:
		return errors.ErrorTypeNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return errors.ErrorTypeValidation
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return errors.ErrorTypeTimeout
	case status >= 500:
		return errors.ErrorTypeConnection
	default:
		return errors.ErrorTypeInternal
	}
}
