package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// APIError is a non-2xx response from the provider, classified so the
// coordinator can tell a retryable hiccup from a capability rejection.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider API request failed: status=%d error=%s", e.StatusCode, e.Message)
}

// IsTransient reports whether the error is worth surfacing as retryable:
// timeouts, rate limits and server-side failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

// IsToolsUnsupported reports whether the provider explicitly rejected the
// request because the selected model cannot accept tool schemas.
func IsToolsUnsupported(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode != 400 && apiErr.StatusCode != 404 && apiErr.StatusCode != 422 {
		return false
	}
	lower := strings.ToLower(apiErr.Message)
	for _, marker := range []string{
		"does not support tools",
		"does not support tool use",
		"does not support function calling",
		"tools are not supported",
		"tool use is not supported",
		"no endpoints found that support tool use",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
