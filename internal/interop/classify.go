package interop

import (
	"fmt"
	"net/http"
)

// ClassifyHTTP maps an HTTP status to the taxonomy. It returns nil for 2xx
// and 3xx. 429 and the gateway-style 5xx codes are retryable; 501 and 505
// will not change on retry; 401/403 are auth rejections.
func ClassifyHTTP(status int, message string) *Error {
	if status < 400 {
		return nil
	}
	code := fmt.Sprintf("HTTP_%d", status)
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return Transient(code, "%s", message).WithStatus(status)
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return Auth(code, "%s", message).WithStatus(status)
	case status == http.StatusNotImplemented, status == http.StatusHTTPVersionNotSupported:
		return Permanent(code, "%s", message).WithStatus(status)
	case status >= 500:
		return Transient(code, "%s", message).WithStatus(status)
	default:
		return Permanent(code, "%s", message).WithStatus(status)
	}
}

// ClassifySMTP maps an SMTP reply code: 4yz replies are transient, 5yz are
// permanent.
func ClassifySMTP(code int, message string) *Error {
	ec := fmt.Sprintf("SMTP_%d", code)
	switch {
	case code >= 400 && code < 500:
		return Transient(ec, "%s", message).WithStatus(code)
	case code == 530 || code == 535:
		return Auth(ec, "%s", message).WithStatus(code)
	default:
		return Permanent(ec, "%s", message).WithStatus(code)
	}
}

// Retryable reports whether a failure of kind k may be retried under the
// standard backoff policy. Timeouts follow their own policy and auth
// rejections get at most one retry after a forced refresh, so neither is
// retryable here.
func Retryable(k Kind) bool {
	return k == KindTransient || k == KindUnavailable
}
