// Package mimic is a fingerprint-driven HTTP client. Requests present an
// exact TLS ClientHello (JA3/JA4R), HTTP/2 frame shape (Akamai fingerprint)
// and QUIC shape on the wire, instead of the Go defaults.
//
// Basic usage:
//
//	c, err := mimic.New("chrome_120")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	resp, err := c.Get(ctx, "https://example.com", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(resp.Text())
//
// Raw fingerprints override the profile per request:
//
//	resp, err := c.Do(ctx, &mimic.Request{
//	    URL: "https://example.com",
//	    JA3: "771,4865-4866-4867,0-23-65281-10-11,29-23-24,0",
//	})
//
// With options:
//
//	c, err := mimic.New("firefox_121",
//	    mimic.WithTimeout(60*time.Second),
//	    mimic.WithProxy("socks5://127.0.0.1:9050"),
//	)
//
// The full option surface lives in package client; everything here is an
// alias, so client options mix freely with these.
package mimic

import (
	"context"
	"sync"
	"time"

	"github.com/sardanioss/mimic/client"
	"github.com/sardanioss/mimic/fingerprint"
)

// Core types, re-exported so callers import one package.
type (
	Client    = client.Client
	Request   = client.Request
	Response  = client.Response
	Option    = client.Option
	WSConn    = client.WSConn
	WSMessage = client.WSMessage
	SSEConn   = client.SSEConn
	SSEEvent  = client.SSEEvent
)

// WebSocket opcodes, RFC 6455 numbering.
const (
	WSOpText   = client.WSOpText
	WSOpBinary = client.WSOpBinary
	WSOpClose  = client.WSOpClose
	WSOpPing   = client.WSOpPing
	WSOpPong   = client.WSOpPong
)

// New builds a client speaking as the named profile. Empty selects the
// engine default (Firefox 87). Profiles() lists what is available; extra
// profiles load from JSON/YAML files via MIMIC_PROFILE_DIR.
func New(profile string, opts ...Option) (*Client, error) {
	if profile != "" {
		opts = append([]Option{client.WithProfile(profile)}, opts...)
	}
	return client.New(opts...)
}

// WithTimeout sets the per-request budget, redirects included.
func WithTimeout(d time.Duration) Option { return client.WithTimeout(d) }

// WithProxy routes every request through the proxy URL
// (http, https, socks4, socks5, socks5h).
func WithProxy(proxyURL string) Option { return client.WithProxy(proxyURL) }

// WithUserAgent overrides the profile's User-Agent.
func WithUserAgent(ua string) Option { return client.WithUserAgent(ua) }

// WithoutRedirects disables redirect following.
func WithoutRedirects() Option { return client.WithoutRedirects() }

// WithInsecureSkipVerify disables certificate verification. Testing only.
func WithInsecureSkipVerify() Option { return client.WithInsecureSkipVerify() }

// WithDNSServer resolves through a specific DNS server ("ip" or "ip:port").
func WithDNSServer(addr string) Option { return client.WithDNSServer(addr) }

// WithForceHTTP1 pins every request to HTTP/1.1.
func WithForceHTTP1() Option { return client.WithForceHTTP1() }

// WithForceHTTP3 pins every request to HTTP/3 over QUIC.
func WithForceHTTP3() Option { return client.WithForceHTTP3() }

// Profiles lists the registered fingerprint profiles.
func Profiles() []string { return fingerprint.DefaultRegistry().Names() }

var (
	defaultMu sync.Mutex
	defaultC  *Client
)

// defaultClient lazily builds the process-default client used by the
// package-level helpers.
func defaultClient() (*Client, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultC == nil {
		c, err := client.New()
		if err != nil {
			return nil, err
		}
		defaultC = c
	}
	return defaultC, nil
}

// Do executes req on the process-default client.
func Do(ctx context.Context, req *Request) (*Response, error) {
	c, err := defaultClient()
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Get issues a GET on the process-default client.
func Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	c, err := defaultClient()
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, url, headers)
}

// Post issues a POST with the given content type on the process-default
// client.
func Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	c, err := defaultClient()
	if err != nil {
		return nil, err
	}
	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	return c.Do(ctx, &Request{Method: "POST", URL: url, Headers: headers, Body: body})
}

// PostJSON posts a JSON body.
func PostJSON(ctx context.Context, url string, body []byte) (*Response, error) {
	return Post(ctx, url, "application/json", body)
}

// PostForm posts form-encoded data.
func PostForm(ctx context.Context, url string, body []byte) (*Response, error) {
	return Post(ctx, url, "application/x-www-form-urlencoded", body)
}
