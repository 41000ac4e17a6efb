// Package client executes fingerprinted HTTP requests.
//
// A Client resolves each request to a TransportSpec (profile lookup or
// explicit JA3/JA4R/HTTP2/QUIC strings), leases a carrier from the pool,
// composes the request with ordered headers, reads and transparently
// decompresses the response, and follows redirects with a mechanical cookie
// jar. WebSocket and SSE upgrades ride the same fingerprinted dial.
//
// Construction uses functional options:
//
//	c, err := client.New(
//	    client.WithProfile("chrome_120"),
//	    client.WithTimeout(60*time.Second),
//	    client.WithProxy("socks5://127.0.0.1:9050"),
//	)
package client

import (
	"time"

	"github.com/sardanioss/mimic/fingerprint"
	"github.com/sardanioss/mimic/pool"
)

// Config holds client-level defaults. Per-request fields on Request override
// these for a single exchange.
type Config struct {
	// Profile names a registry entry used when a request carries no
	// fingerprint strings of its own. Empty uses the engine default.
	Profile string

	// UserAgent overrides the profile's User-Agent.
	UserAgent string

	// Proxy is the default proxy URL (http, https, socks4, socks5, socks5h).
	Proxy string

	// Timeout is the per-request wall-clock budget, redirects included.
	Timeout time.Duration

	// ConnectTimeout bounds a single dial (TCP + TLS).
	ConnectTimeout time.Duration

	// FollowRedirects and MaxRedirects shape the redirect loop.
	FollowRedirects bool
	MaxRedirects    int

	InsecureSkipVerify bool

	// TLS13AutoRetry redials once with rewritten supported_groups when a
	// server rejects the spec's TLS 1.3 curves.
	TLS13AutoRetry bool

	DisableGREASE bool

	ForceHTTP1 bool
	ForceHTTP3 bool

	// DisableKeepAlives makes every request dial fresh (pool bypass).
	DisableKeepAlives bool

	// DNSServer, when set, resolves through that server ("ip" or "ip:port")
	// instead of the system resolver. DNSCacheTTL overrides the cache's
	// fallback TTL for answers that carry none.
	DNSServer   string
	DNSCacheTTL time.Duration

	// Pool tunes idle lifetime and sweep cadence of pooled carriers.
	Pool pool.Options

	// Registry supplies profile lookups. Nil uses the process registry.
	Registry *fingerprint.Registry
}

// DefaultConfig returns the defaults New starts from.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		ConnectTimeout:  15 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
		TLS13AutoRetry:  true,
	}
}

// Option mutates a Config during New.
type Option func(*Config)

// WithProfile selects the named fingerprint profile.
func WithProfile(name string) Option {
	return func(c *Config) { c.Profile = name }
}

// WithUserAgent overrides the profile User-Agent.
func WithUserAgent(ua string) Option {
	return func(c *Config) { c.UserAgent = ua }
}

// WithProxy routes every request through the proxy URL.
func WithProxy(proxyURL string) Option {
	return func(c *Config) { c.Proxy = proxyURL }
}

// WithTimeout sets the per-request budget.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithConnectTimeout bounds a single dial.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

// WithoutRedirects disables redirect following.
func WithoutRedirects() Option {
	return func(c *Config) { c.FollowRedirects = false }
}

// WithMaxRedirects caps the redirect chain.
func WithMaxRedirects(n int) Option {
	return func(c *Config) { c.MaxRedirects = n }
}

// WithInsecureSkipVerify disables certificate verification. Testing only.
func WithInsecureSkipVerify() Option {
	return func(c *Config) { c.InsecureSkipVerify = true }
}

// WithoutTLS13Retry disables the curve-rewrite redial.
func WithoutTLS13Retry() Option {
	return func(c *Config) { c.TLS13AutoRetry = false }
}

// WithDisableGREASE strips GREASE from every synthesized ClientHello.
func WithDisableGREASE() Option {
	return func(c *Config) { c.DisableGREASE = true }
}

// WithForceHTTP1 pins every request to HTTP/1.1.
func WithForceHTTP1() Option {
	return func(c *Config) { c.ForceHTTP1 = true }
}

// WithForceHTTP3 pins every request to HTTP/3 over QUIC.
func WithForceHTTP3() Option {
	return func(c *Config) { c.ForceHTTP3 = true }
}

// WithDisableKeepAlives dials fresh for every request.
func WithDisableKeepAlives() Option {
	return func(c *Config) { c.DisableKeepAlives = true }
}

// WithDNSServer resolves through a specific DNS server.
func WithDNSServer(addr string) Option {
	return func(c *Config) { c.DNSServer = addr }
}

// WithDNSCache sets the fallback TTL for cached answers without one.
func WithDNSCache(ttl time.Duration) Option {
	return func(c *Config) { c.DNSCacheTTL = ttl }
}

// WithPoolOptions tunes the connection pool.
func WithPoolOptions(opts pool.Options) Option {
	return func(c *Config) { c.Pool = opts }
}

// WithRegistry uses a private profile registry instead of the process one.
func WithRegistry(r *fingerprint.Registry) Option {
	return func(c *Config) { c.Registry = r }
}
