package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FailReason categorizes why an upstream call failed. It drives the single
// retry the adapter performs and the error envelope the front-end returns.
type FailReason string

const (
	FailRateLimit      FailReason = "rate_limit"
	FailAuth           FailReason = "auth"
	FailTimeout        FailReason = "timeout"
	FailServerError    FailReason = "server_error"
	FailConnReset      FailReason = "connection_reset"
	FailInvalidRequest FailReason = "invalid_request"
	FailModelMissing   FailReason = "model_unavailable"
	FailUnknown        FailReason = "unknown"
)

// IsRetryable reports whether one retry is worth attempting: rate limits,
// 502/503-class server errors, and connection resets. Timeouts are not
// retried; the caller's deadline owns that decision.
func (r FailReason) IsRetryable() bool {
	switch r {
	case FailRateLimit, FailServerError, FailConnReset:
		return true
	}
	return false
}

// ProviderError is a structured upstream failure.
type ProviderError struct {
	Reason   FailReason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// NewProviderError wraps cause with provider context and a classified reason.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   FailUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = Classify(cause)
		if status := statusOf(cause); status != 0 {
			err.Status = status
			if r := classifyStatus(status); r != FailUnknown {
				err.Reason = r
			}
		}
	}
	return err
}

// Classify maps an error to a FailReason by message inspection. The SDK does
// not expose typed errors for every failure mode, so string matching is the
// fallback.
func Classify(err error) FailReason {
	if err == nil {
		return FailUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "econnreset"):
		return FailConnReset
	case strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"):
		return FailTimeout
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return FailRateLimit
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return FailAuth
	case strings.Contains(msg, "model not found"),
		strings.Contains(msg, "does not exist"):
		return FailModelMissing
	case strings.Contains(msg, "502"),
		strings.Contains(msg, "503"):
		return FailServerError
	case strings.Contains(msg, "500"),
		strings.Contains(msg, "504"),
		strings.Contains(msg, "internal server"):
		return FailServerError
	case strings.Contains(msg, "400"),
		strings.Contains(msg, "invalid request"):
		return FailInvalidRequest
	}
	return FailUnknown
}

// classifyStatus maps an HTTP status to a FailReason.
func classifyStatus(status int) FailReason {
	switch {
	case status == http.StatusTooManyRequests:
		return FailRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return FailAuth
	case status == http.StatusNotFound:
		return FailModelMissing
	case status == http.StatusBadRequest:
		return FailInvalidRequest
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return FailServerError
	case status >= 500:
		return FailServerError
	}
	return FailUnknown
}

// AsProviderError extracts a ProviderError from the chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRetryable reports whether the error's classified reason permits the
// adapter's single retry.
func IsRetryable(err error) bool {
	if pe, ok := AsProviderError(err); ok {
		return pe.Reason.IsRetryable()
	}
	return Classify(err).IsRetryable()
}
