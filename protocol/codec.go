package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/sardanioss/mimic/transport"
)

// Encode marshals v to MessagePack.
func Encode(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

// Decode unmarshals MessagePack into v.
func Decode(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }

// EncodeBase64 marshals v and wraps it for NUL-free string channels.
func EncodeBase64(v interface{}) (string, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeBase64 unwraps a base64 payload and unmarshals it into v.
func DecodeBase64(s string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}
	return msgpack.Unmarshal(raw, v)
}

// NewResponse builds a response shell whose Headers and Cookies are
// indexable without nil checks.
func NewResponse(requestID string) *ResponseMessage {
	return &ResponseMessage{
		RequestID: requestID,
		Headers:   map[string]string{},
		Cookies:   []ResponseCookie{},
	}
}

// ErrorResponse encodes a failed request: status 0 with the diagnostic in
// Body, prefixed by the error kind so hosts classify without parsing Go
// error text.
func ErrorResponse(requestID string, err error) *ResponseMessage {
	return ErrorResponseWithKind(requestID, KindOf(err), err.Error())
}

// ErrorResponseWithKind is ErrorResponse for failures that never were
// errors, such as recovered panics.
func ErrorResponseWithKind(requestID, kind, msg string) *ResponseMessage {
	resp := NewResponse(requestID)
	resp.Body = kind + ": " + msg
	return resp
}

// KindOf names err's boundary error kind.
func KindOf(err error) string {
	switch transport.CategoryOf(err) {
	case transport.ErrFingerprintParse:
		return "FingerprintParseError"
	case transport.ErrSpecIncoherent:
		return "SpecIncoherent"
	case transport.ErrTLS:
		return "TLSError"
	case transport.ErrProxy:
		return "ProxyError"
	case transport.ErrDNS, transport.ErrConnection:
		return "ConnectionError"
	case transport.ErrTimeout:
		return "Timeout"
	case transport.ErrTooManyRedirects:
		return "TooManyRedirects"
	case transport.ErrCancelled:
		return "Cancelled"
	case transport.ErrRequest:
		return "RequestError"
	}
	return "ProtocolError"
}
