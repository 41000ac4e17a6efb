// Package protocol defines the message schema crossing the host-language
// boundary. Payloads are MessagePack documents; the legacy entry points
// additionally base64-wrap them so they survive NUL-free string channels.
// The daemon frames the same payloads in JSON-lines envelopes.
package protocol

import (
	nhttp "net/http"
	"time"

	http "github.com/sardanioss/http"
	"github.com/vmihailenco/msgpack/v5"
)

// RequestMessage is one request as the host sends it. Fields the host omits
// keep their zero value; the two *bool fields default to true when absent.
type RequestMessage struct {
	RequestID string  `msgpack:"requestId"`
	URL       string  `msgpack:"url"`
	Method    string  `msgpack:"method"`
	Headers   Headers `msgpack:"headers"`

	HeaderOrder            []string `msgpack:"headerOrder"`
	OrderHeadersAsProvided bool     `msgpack:"orderHeadersAsProvided"`

	Cookies   []RequestCookie `msgpack:"cookies"`
	Body      string          `msgpack:"body"`
	BodyBytes []byte          `msgpack:"bodyBytes"`

	JA3              string `msgpack:"ja3"`
	JA4R             string `msgpack:"ja4r"`
	HTTP2Fingerprint string `msgpack:"http2Fingerprint"`
	QUICFingerprint  string `msgpack:"quicFingerprint"`
	DisableGREASE    bool   `msgpack:"disableGrease"`

	UserAgent string `msgpack:"userAgent"`
	Proxy     string `msgpack:"proxy"`
	Timeout   int    `msgpack:"timeout"` // seconds

	DisableRedirect       bool   `msgpack:"disableRedirect"`
	EnableConnectionReuse *bool  `msgpack:"enableConnectionReuse"`
	InsecureSkipVerify    bool   `msgpack:"insecureSkipVerify"`
	ServerName            string `msgpack:"serverName"`

	ForceHTTP1     bool   `msgpack:"forceHTTP1"`
	ForceHTTP3     bool   `msgpack:"forceHTTP3"`
	Protocol       string `msgpack:"protocol"`
	TLS13AutoRetry *bool  `msgpack:"tls13AutoRetry"`
}

// ConnectionReuse reports the effective enableConnectionReuse value.
func (m *RequestMessage) ConnectionReuse() bool {
	return m.EnableConnectionReuse == nil || *m.EnableConnectionReuse
}

// AutoRetry reports the effective tls13AutoRetry value.
func (m *RequestMessage) AutoRetry() bool {
	return m.TLS13AutoRetry == nil || *m.TLS13AutoRetry
}

// ResponseMessage is one response as the engine returns it. Headers and
// Cookies are always present, empty rather than nil, so hosts can index
// them without guarding.
type ResponseMessage struct {
	RequestID string            `msgpack:"RequestID"`
	Status    int               `msgpack:"Status"`
	Body      string            `msgpack:"Body"`
	BodyBytes []byte            `msgpack:"BodyBytes,omitempty"`
	Headers   map[string]string `msgpack:"Headers"`
	FinalURL  string            `msgpack:"FinalUrl"`
	Cookies   []ResponseCookie  `msgpack:"Cookies"`
	Protocol  string            `msgpack:"Protocol,omitempty"`
}

// BatchRequest carries N requests in one boundary message.
type BatchRequest struct {
	Requests []RequestMessage `msgpack:"requests"`
}

// BatchResponse carries the N responses in declaration order.
type BatchResponse struct {
	Responses []*ResponseMessage `msgpack:"responses"`
}

// WSFrame is one WebSocket message crossing the boundary. Type follows
// RFC 6455 opcodes; binary payloads ride base64 in Data.
type WSFrame struct {
	Type  int    `msgpack:"type"`
	Data  string `msgpack:"data"`
	Code  int    `msgpack:"code,omitempty"` // close status when Type is 8
	Error string `msgpack:"error,omitempty"`
}

// SSEMessage is one server-sent event, or the stream-end marker when EOF is
// set.
type SSEMessage struct {
	Data  string `msgpack:"data"`
	Event string `msgpack:"event,omitempty"`
	ID    string `msgpack:"id,omitempty"`
	Retry int    `msgpack:"retry,omitempty"`
	EOF   bool   `msgpack:"eof,omitempty"`
	Error string `msgpack:"error,omitempty"`
}

// HeaderPair is one request header in wire order.
type HeaderPair struct {
	Name  string
	Value string
}

// Headers is an order-preserving header mapping. MessagePack maps carry
// entries in the order the host wrote them; decoding into a Go map would
// shuffle that, and orderHeadersAsProvided needs the original sequence.
type Headers struct {
	pairs []HeaderPair
}

var (
	_ msgpack.CustomEncoder = (*Headers)(nil)
	_ msgpack.CustomDecoder = (*Headers)(nil)
)

// HeadersFrom builds Headers from explicit pairs.
func HeadersFrom(pairs ...HeaderPair) Headers {
	return Headers{pairs: pairs}
}

// EncodeMsgpack writes the pairs as a map, in order.
func (h *Headers) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(len(h.pairs)); err != nil {
		return err
	}
	for _, p := range h.pairs {
		if err := enc.EncodeString(p.Name); err != nil {
			return err
		}
		if err := enc.EncodeString(p.Value); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsgpack reads a map keeping wire order.
func (h *Headers) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n <= 0 {
		h.pairs = nil
		return nil
	}
	h.pairs = make([]HeaderPair, 0, n)
	for i := 0; i < n; i++ {
		name, err := dec.DecodeString()
		if err != nil {
			return err
		}
		value, err := dec.DecodeString()
		if err != nil {
			return err
		}
		h.pairs = append(h.pairs, HeaderPair{Name: name, Value: value})
	}
	return nil
}

// Len reports the pair count.
func (h Headers) Len() int { return len(h.pairs) }

// Set appends, or replaces the first pair with the same name.
func (h *Headers) Set(name, value string) {
	for i := range h.pairs {
		if h.pairs[i].Name == name {
			h.pairs[i].Value = value
			return
		}
	}
	h.pairs = append(h.pairs, HeaderPair{Name: name, Value: value})
}

// Names returns header names in wire order.
func (h Headers) Names() []string {
	names := make([]string, len(h.pairs))
	for i, p := range h.pairs {
		names[i] = p.Name
	}
	return names
}

// Map flattens the pairs; later duplicates win.
func (h Headers) Map() map[string]string {
	if len(h.pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(h.pairs))
	for _, p := range h.pairs {
		m[p.Name] = p.Value
	}
	return m
}

// RequestCookie is a cookie the host attaches to a request. Expiry arrives
// as rawExpires, an HTTP-date string, and sameSite as net/http's integer
// constants (1 default, 2 lax, 3 strict, 4 none).
type RequestCookie struct {
	Name       string `msgpack:"name"`
	Value      string `msgpack:"value"`
	Path       string `msgpack:"path,omitempty"`
	Domain     string `msgpack:"domain,omitempty"`
	RawExpires string `msgpack:"rawExpires,omitempty"`
	MaxAge     int    `msgpack:"maxAge,omitempty"`
	Secure     bool   `msgpack:"secure,omitempty"`
	HTTPOnly   bool   `msgpack:"httpOnly,omitempty"`
	SameSite   int    `msgpack:"sameSite,omitempty"`
}

// HTTP converts the wire cookie for the executor.
func (c RequestCookie) HTTP() *http.Cookie {
	ck := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		MaxAge:   c.MaxAge,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		SameSite: http.SameSite(c.SameSite),
	}
	if c.RawExpires != "" {
		if t, err := nhttp.ParseTime(c.RawExpires); err == nil {
			ck.Expires = t
			ck.RawExpires = c.RawExpires
		}
	}
	return ck
}

// ResponseCookie is a cookie collected during an exchange. Expires is
// RFC 3339 with nanoseconds, sameSite one of Default, Lax, Strict, None.
type ResponseCookie struct {
	Name     string `msgpack:"name"`
	Value    string `msgpack:"value"`
	Path     string `msgpack:"path,omitempty"`
	Domain   string `msgpack:"domain,omitempty"`
	Expires  string `msgpack:"expires,omitempty"`
	MaxAge   int    `msgpack:"maxAge,omitempty"`
	Secure   bool   `msgpack:"secure,omitempty"`
	HTTPOnly bool   `msgpack:"httpOnly,omitempty"`
	SameSite string `msgpack:"sameSite,omitempty"`
}

// NewResponseCookie converts an executor cookie to the wire form.
func NewResponseCookie(ck *http.Cookie) ResponseCookie {
	out := ResponseCookie{
		Name:     ck.Name,
		Value:    ck.Value,
		Path:     ck.Path,
		Domain:   ck.Domain,
		MaxAge:   ck.MaxAge,
		Secure:   ck.Secure,
		HTTPOnly: ck.HttpOnly,
	}
	if !ck.Expires.IsZero() {
		out.Expires = ck.Expires.UTC().Format(time.RFC3339Nano)
	}
	switch ck.SameSite {
	case http.SameSiteDefaultMode:
		out.SameSite = "Default"
	case http.SameSiteLaxMode:
		out.SameSite = "Lax"
	case http.SameSiteStrictMode:
		out.SameSite = "Strict"
	case http.SameSiteNoneMode:
		out.SameSite = "None"
	}
	return out
}

// MessageType labels a daemon envelope.
type MessageType string

const (
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeRequest  MessageType = "request"
	TypeBatch    MessageType = "batch"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
	TypeShutdown MessageType = "shutdown"
)

// Envelope frames one daemon exchange on the JSON-lines channel. Payload
// carries a base64 MessagePack document whose schema depends on Type.
type Envelope struct {
	ID      string      `json:"id,omitempty"`
	Type    MessageType `json:"type"`
	Payload string      `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
	Version string      `json:"version,omitempty"`
}
