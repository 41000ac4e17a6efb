package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/sardanioss/mimic/clienthello"
	"github.com/sardanioss/mimic/fingerprint"
)

// Error categories. Every error leaving this package wraps exactly one of
// these, so callers classify with errors.Is instead of string matching.
var (
	ErrTLS              = errors.New("tls failure")
	ErrConnection       = errors.New("connection failure")
	ErrProxy            = errors.New("proxy failure")
	ErrDNS              = errors.New("dns failure")
	ErrTimeout          = errors.New("timeout")
	ErrProtocol         = errors.New("protocol error")
	ErrRequest          = errors.New("bad request")
	ErrTooManyRedirects = errors.New("too many redirects")
	ErrCancelled        = errors.New("cancelled")

	// ErrClosed is returned by operations on a transport or connection
	// that has been shut down.
	ErrClosed = errors.New("transport closed")
)

// Parse and coherence failures originate upstream of any dial; their
// sentinels live with the types that raise them and are aliased here so the
// boundary classifies every kind against one package.
var (
	ErrFingerprintParse = fingerprint.ErrParse
	ErrSpecIncoherent   = clienthello.ErrIncoherent
)

var (
	errConnClosed = errors.New("connection closed")
	errConnBusy   = errors.New("connection busy")
)

// TransportError carries where and how a transport operation failed.
type TransportError struct {
	Op       string // "dial", "tls_handshake", "roundtrip", ...
	Host     string
	Port     string
	Protocol string // "h1", "h2", "h3", "ws", "sse"
	Category error  // one of the Err* sentinels
	Cause    error
}

func (e *TransportError) Error() string {
	var b []byte
	if e.Protocol != "" {
		b = append(b, e.Protocol...)
		b = append(b, ' ')
	}
	if e.Op != "" {
		b = append(b, e.Op...)
		b = append(b, ' ')
	}
	if e.Host != "" {
		b = append(b, e.Host...)
		if e.Port != "" {
			b = append(b, ':')
			b = append(b, e.Port...)
		}
		b = append(b, ' ')
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", string(b[:len(b)-1]), e.Cause)
	}
	if e.Category != nil {
		return fmt.Sprintf("%s: %v", string(b[:len(b)-1]), e.Category)
	}
	return string(b)
}

func (e *TransportError) Unwrap() error { return e.Cause }

// Is matches the error's category, so errors.Is(err, ErrTLS) works without
// the sentinel appearing in the cause chain.
func (e *TransportError) Is(target error) bool { return target == e.Category }

// NewTLSError reports a handshake failure.
func NewTLSError(op, host, port, protocol string, cause error) *TransportError {
	return &TransportError{Op: op, Host: host, Port: port, Protocol: protocol, Category: ErrTLS, Cause: cause}
}

// NewConnectionError reports a dial or socket failure.
func NewConnectionError(op, host, port, protocol string, cause error) *TransportError {
	return &TransportError{Op: op, Host: host, Port: port, Protocol: protocol, Category: ErrConnection, Cause: cause}
}

// NewProxyError reports a failure establishing or speaking to a proxy.
func NewProxyError(op, host, port string, cause error) *TransportError {
	return &TransportError{Op: op, Host: host, Port: port, Category: ErrProxy, Cause: cause}
}

// NewDNSError reports a resolution failure.
func NewDNSError(host string, cause error) *TransportError {
	return &TransportError{Op: "resolve", Host: host, Category: ErrDNS, Cause: cause}
}

// NewRequestError reports an invalid request before anything hit the wire.
func NewRequestError(op, host, port, protocol string, cause error) *TransportError {
	return &TransportError{Op: op, Host: host, Port: port, Protocol: protocol, Category: ErrRequest, Cause: cause}
}

// NewProtocolError reports a peer violating the wire protocol.
func NewProtocolError(host, port, protocol string, cause error) *TransportError {
	return &TransportError{Op: "protocol", Host: host, Port: port, Protocol: protocol, Category: ErrProtocol, Cause: cause}
}

// WrapError classifies an arbitrary error from a roundtrip into a category.
// TransportErrors pass through unchanged so the innermost classification
// wins.
func WrapError(op, host, port, protocol string, cause error) error {
	if cause == nil {
		return nil
	}
	var te *TransportError
	if errors.As(cause, &te) {
		return cause
	}
	return &TransportError{
		Op:       op,
		Host:     host,
		Port:     port,
		Protocol: protocol,
		Category: classify(cause),
		Cause:    cause,
	}
}

// classify maps an error to the category sentinel it most resembles.
func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrDNS
	}
	return ErrConnection
}

// CategoryOf returns the sentinel category of err, or nil when it carries
// none. Used by the boundary layer to name error kinds.
func CategoryOf(err error) error {
	for _, cat := range []error{ErrFingerprintParse, ErrSpecIncoherent,
		ErrTimeout, ErrCancelled, ErrTLS, ErrProxy, ErrDNS,
		ErrTooManyRedirects, ErrProtocol, ErrRequest, ErrConnection} {
		if errors.Is(err, cat) {
			return cat
		}
	}
	return nil
}
