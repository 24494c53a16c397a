package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a transport failure.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindTooLarge    Kind = "too_large"
	KindRateLimited Kind = "rate_limited"
	KindServer      Kind = "server"
	KindClient      Kind = "client"
	KindNetwork     Kind = "network"
	KindSecurity    Kind = "security"
	KindResponse    Kind = "response"
)

const serverErrorMessage = "Server error occurred. Please try again later."

var (
	// ErrEmptyResponse indicates the API returned no body.
	ErrEmptyResponse = errors.New("empty response from api")
	// ErrResponseTooLarge indicates the body exceeded the configured limit.
	ErrResponseTooLarge = errors.New("response too large")
	// ErrMalformedResponse indicates a declared JSON body did not parse.
	ErrMalformedResponse = errors.New("invalid JSON response format")
	// ErrInvalidDeployment indicates a deployment response missing required fields.
	ErrInvalidDeployment = errors.New("invalid deployment response")
)

// APIError represents an error status returned by the API.
type APIError struct {
	Status  int
	Kind    Kind
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func newAPIError(status int, message string) *APIError {
	kind := KindClient
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusRequestEntityTooLarge:
		kind = KindTooLarge
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= http.StatusInternalServerError:
		// Server bodies may carry stack traces; never surface them.
		kind = KindServer
		message = serverErrorMessage
	}
	return &APIError{Status: status, Kind: kind, Message: message}
}

// SecurityError reports a rejected host, certificate or response payload.
type SecurityError struct {
	Reason string
	Host   string
	Err    error
}

func (e *SecurityError) Error() string {
	msg := "security check failed: " + e.Reason
	if e.Host != "" {
		msg += " (" + e.Host + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SecurityError) Unwrap() error { return e.Err }

// NetworkError wraps failures that happened before a response was received.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *NetworkError) Unwrap() error { return e.Err }

// Classify maps err onto a Kind. Unknown errors report KindNetwork when they
// wrap a net.Error and KindClient otherwise.
func Classify(err error) Kind {
	var apiErr *APIError
	var secErr *SecurityError
	var netErr *NetworkError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &secErr):
		return KindSecurity
	case errors.As(err, &apiErr):
		return apiErr.Kind
	case errors.Is(err, ErrEmptyResponse), errors.Is(err, ErrResponseTooLarge),
		errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrInvalidDeployment):
		return KindResponse
	case errors.As(err, &netErr):
		return KindNetwork
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindNetwork
	}
	return KindClient
}

// Retryable reports whether repeating the request could succeed. Only
// network failures and 5xx responses qualify; cancellation never does.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case KindNetwork, KindServer:
		return true
	default:
		return false
	}
}

func isCertificateError(err error) bool {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		hostname         x509.HostnameError
		verification     *tls.CertificateVerificationError
	)
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &invalid) ||
		errors.As(err, &hostname) ||
		errors.As(err, &verification)
}
