package client

import (
	"encoding/json"
	"strings"
	"time"

	http "github.com/sardanioss/http"
)

// Request describes one HTTP exchange. Everything except URL is optional;
// zero values mean "use the client's configuration".
type Request struct {
	// Method defaults to GET. Unrecognized methods are normalized to GET
	// rather than rejected.
	Method string
	URL    string

	// Params are merged into the URL's query string before dialing.
	Params map[string]string

	// Headers are sent verbatim. HeaderOrder lists header names (case
	// insensitive) to send first, in order; unlisted headers follow. When
	// empty, the profile's order applies.
	Headers     map[string]string
	HeaderOrder []string

	// Cookies seed the per-request jar before the first hop. The jar picks
	// up Set-Cookie from every hop and re-sends matching cookies.
	Cookies []*http.Cookie

	Body []byte

	// Fingerprint overrides. When any of these is set the client's profile
	// is ignored for that concern.
	JA3              string
	JA4R             string
	HTTP2Fingerprint string
	QUICFingerprint  string
	DisableGREASE    bool

	UserAgent string

	// Proxy overrides the client proxy for this request.
	// Schemes: http, https, socks4, socks5, socks5h.
	Proxy string

	// Timeout is the wall-clock budget for the whole exchange including
	// redirects. Zero uses the client default.
	Timeout time.Duration

	DisableRedirect bool

	// DisableConnectionReuse bypasses the pool: a fresh dial, never
	// inserted, closed when the response has been read.
	DisableConnectionReuse bool

	InsecureSkipVerify bool

	// ServerName overrides the SNI and certificate host.
	ServerName string

	// Protocol pins the HTTP version: "http1", "http2" or "http3".
	// Empty negotiates h2/http1.1 via ALPN. ForceHTTP1/ForceHTTP3 are the
	// flag spellings of the same thing and lose to Protocol when both are
	// given.
	Protocol   string
	ForceHTTP1 bool
	ForceHTTP3 bool

	// DisableTLS13Retry turns off the automatic curve-rewrite redial when a
	// server rejects the spec's TLS 1.3 groups.
	DisableTLS13Retry bool
}

// Response is a fully read HTTP response. Header keys are lowercased;
// value order is preserved per key.
type Response struct {
	Status   int
	Headers  map[string][]string
	Body     []byte
	FinalURL string

	// Protocol is "h1", "h2" or "h3".
	Protocol string

	// Cookies holds every cookie the exchange left in the jar, with full
	// attributes.
	Cookies []*http.Cookie
}

// Header returns the first value of the named header, or "".
func (r *Response) Header(name string) string {
	vals := r.Headers[strings.ToLower(name)]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// HeaderValues returns all values of the named header.
func (r *Response) HeaderValues(name string) []string {
	return r.Headers[strings.ToLower(name)]
}

// Text returns the body as a string.
func (r *Response) Text() string { return string(r.Body) }

// JSON unmarshals the body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Body, v)
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool { return r.Status >= 200 && r.Status < 300 }

// IsRedirect reports a status the executor would follow.
func (r *Response) IsRedirect() bool { return isRedirect(r.Status) }

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true, "PATCH": true,
	"DELETE": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

// normalizeMethod uppercases the method and falls back to GET for anything
// that is not an HTTP method, matching the boundary contract.
func normalizeMethod(method string) string {
	m := strings.ToUpper(strings.TrimSpace(method))
	if m == "" || !knownMethods[m] {
		return "GET"
	}
	return m
}
