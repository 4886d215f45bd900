package httpfetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// ErrorType classifies a failed fetch attempt.
type ErrorType string

const (
	// ErrCORS means the origin refused or dropped a direct request in a way
	// that routing through a proxy can get around (reset connection, failed
	// TLS handshake, connection closed before a response).
	ErrCORS      ErrorType = "cors"
	ErrTimeout   ErrorType = "timeout"
	ErrNetwork   ErrorType = "network"
	ErrServer    ErrorType = "server"
	ErrClient    ErrorType = "client"
	ErrRateLimit ErrorType = "rate-limit"
)

// NetworkError describes one failed attempt.
type NetworkError struct {
	Type      ErrorType
	Message   string
	Status    int // HTTP status, 0 for transport failures
	UsedProxy bool
	CanRetry  bool

	retryAfter time.Duration
	err        error
}

func (e *NetworkError) Error() string {
	via := ""
	if e.UsedProxy {
		via = " (via proxy)"
	}
	if e.Status != 0 {
		return fmt.Sprintf("%s error%s: HTTP %d: %s", e.Type, via, e.Status, e.Message)
	}
	return fmt.Sprintf("%s error%s: %s", e.Type, via, e.Message)
}

func (e *NetworkError) Unwrap() error { return e.err }

// FetchError is returned once every attempt has failed.
type FetchError struct {
	URL      string
	Attempts int
	Last     *NetworkError
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Last)
}

func (e *FetchError) Unwrap() error { return e.Last }

// AsNetworkError extracts the classified NetworkError from err, if any.
func AsNetworkError(err error) (*NetworkError, bool) {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne, true
	}
	return nil, false
}

func statusError(status int, text string, usedProxy bool) *NetworkError {
	ne := &NetworkError{Status: status, Message: text, UsedProxy: usedProxy}
	switch {
	case status == 429:
		ne.Type = ErrRateLimit
		ne.CanRetry = true
	case status >= 500:
		ne.Type = ErrServer
		ne.CanRetry = true
	default:
		ne.Type = ErrClient
		ne.CanRetry = false
	}
	return ne
}

// classifyTransport maps an error from http.Client.Do (or from reading the
// body) onto the taxonomy.
func classifyTransport(err error, usedProxy bool) *NetworkError {
	ne := &NetworkError{
		Message:   err.Error(),
		UsedProxy: usedProxy,
		CanRetry:  true,
		err:       err,
	}

	var netErr net.Error
	var dnsErr *net.DNSError
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		ne.Type = ErrTimeout
	case errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		ne.Type = ErrNetwork
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &recordErr),
		errors.As(err, &certErr),
		errors.As(err, &unknownAuth),
		errors.As(err, &hostnameErr):
		ne.Type = ErrCORS
	default:
		ne.Type = ErrNetwork
	}
	return ne
}
