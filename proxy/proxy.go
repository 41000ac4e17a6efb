// Package proxy establishes TCP tunnels through HTTP CONNECT, SOCKS4 and
// SOCKS5 proxies. Dialers return a raw net.Conn with the tunnel already
// open; TLS to the origin is layered on top by the transport.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Supported proxy URL schemes.
const (
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
	SchemeSOCKS4  = "socks4"
	SchemeSOCKS5  = "socks5"
	SchemeSOCKS5H = "socks5h"
)

// Dialer opens a connection to addr with the proxy tunnel established.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// ResolveFunc resolves a hostname to a single IP. Dialers that resolve the
// target locally (socks4, socks5) use it; when nil they fall back to the
// system resolver.
type ResolveFunc func(ctx context.Context, host string) (net.IP, error)

// Config is a parsed proxy URL.
type Config struct {
	Scheme   string
	Host     string
	Port     string
	Username string
	Password string
}

// Parse validates a proxy URL of the form scheme://[user:pass@]host[:port].
// Missing ports default per scheme: 8080 for http, 443 for https, 1080 for
// the SOCKS variants.
func Parse(proxyURL string) (*Config, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	cfg := &Config{Scheme: parsed.Scheme, Host: parsed.Hostname(), Port: parsed.Port()}

	switch cfg.Scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS4, SchemeSOCKS5, SchemeSOCKS5H:
	case "":
		return nil, fmt.Errorf("proxy URL %q has no scheme (need http, https, socks4, socks5 or socks5h)", proxyURL)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", cfg.Scheme)
	}

	if cfg.Host == "" {
		return nil, fmt.Errorf("proxy URL %q has no host", proxyURL)
	}

	if cfg.Port == "" {
		switch cfg.Scheme {
		case SchemeHTTPS:
			cfg.Port = "443"
		case SchemeHTTP:
			cfg.Port = "8080"
		default:
			cfg.Port = "1080"
		}
	}

	if parsed.User != nil {
		cfg.Username = parsed.User.Username()
		cfg.Password, _ = parsed.User.Password()
	}

	return cfg, nil
}

// Address returns the proxy endpoint as host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// CacheKey returns a canonical form of the proxy identity, including
// credentials. Connections tunneled through different proxies (or the same
// proxy with different credentials) must never share a pool slot.
func (c *Config) CacheKey() string {
	if c == nil {
		return ""
	}
	if c.Username == "" {
		return c.Scheme + "://" + c.Address()
	}
	return c.Scheme + "://" + c.Username + ":" + c.Password + "@" + c.Address()
}

// NewDialer builds the dialer for the config's scheme. The resolve func is
// used by schemes that resolve the target locally; http and socks5h hand
// the hostname to the proxy untouched.
func NewDialer(cfg *Config, timeout time.Duration, resolve ResolveFunc) (Dialer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil proxy config")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	switch cfg.Scheme {
	case SchemeHTTP, SchemeHTTPS:
		return newConnectDialer(cfg, timeout), nil
	case SchemeSOCKS4:
		return newSOCKS4Dialer(cfg, timeout, resolve), nil
	case SchemeSOCKS5, SchemeSOCKS5H:
		return newSOCKS5Dialer(cfg, timeout, resolve), nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", cfg.Scheme)
	}
}

// FromURL parses the URL and builds its dialer in one step.
func FromURL(proxyURL string, timeout time.Duration, resolve ResolveFunc) (Dialer, error) {
	cfg, err := Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	return NewDialer(cfg, timeout, resolve)
}

// dialProxy opens the TCP leg to the proxy itself and arms the handshake
// deadline from the context.
func dialProxy(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to proxy: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	return conn, nil
}

// resolveTarget picks an IP for host using the configured resolver, falling
// back to the system resolver.
func resolveTarget(ctx context.Context, host string, resolve ResolveFunc) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	if resolve != nil {
		return resolve(ctx, host)
	}
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0], nil
}
