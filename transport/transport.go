// Package transport establishes fingerprinted connections and carries HTTP
// exchanges over them.
//
// A dial takes a TransportSpec (package fingerprint), synthesizes the
// ClientHello (package clienthello), shakes hands with the configured retry
// ladder, and returns a Carrier: an HTTP/1.1 connection with ordered header
// writes, an HTTP/2 connection shaped by an Akamai-format fingerprint, or an
// HTTP/3 connection over QUIC. Carriers are pooled by package pool; the
// executor in package client never touches sockets directly.
package transport

import (
	"context"
	"net"
	"time"

	http "github.com/sardanioss/http"
	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/mimic/dns"
	"github.com/sardanioss/mimic/fingerprint"
	"github.com/sardanioss/mimic/proxy"
)

// Mode selects the carrier family for a dial.
type Mode int

const (
	// ModeAuto offers h2 and http/1.1 and lets ALPN decide.
	ModeAuto Mode = iota
	// ModeHTTP1 keeps h2 out of the ALPN list.
	ModeHTTP1
	// ModeHTTP3 dials QUIC.
	ModeHTTP3
)

// Config carries everything a dial needs beyond the target address.
type Config struct {
	Spec *fingerprint.TransportSpec

	DNS   *dns.Cache
	Proxy *proxy.Config

	// ServerName overrides the SNI and certificate host; empty uses the
	// target host.
	ServerName         string
	InsecureSkipVerify bool

	ConnectTimeout time.Duration

	// Sessions enables TLS resumption. The pool hands each ConnectionKey
	// its own cache so tickets never cross fingerprints or proxies.
	Sessions tls.ClientSessionCache

	// TLS13AutoRetry redials with a rewritten supported_groups list when
	// the server rejects the spec's curves (see DialTLS).
	TLS13AutoRetry bool
}

func (c *Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 30 * time.Second
}

func (c *Config) serverName(host string) string {
	if c.ServerName != "" {
		return c.ServerName
	}
	return host
}

// Carrier is an established connection able to carry HTTP exchanges.
// HTTP/1.1 carriers serve one request at a time; h2 and h3 carriers
// multiplex.
type Carrier interface {
	// Protocol returns "h1", "h2" or "h3".
	Protocol() string

	RoundTrip(req *http.Request) (*http.Response, error)

	// Reusable reports whether the carrier can take another request.
	Reusable() bool

	Close() error
}

// Dial establishes a carrier to host:port. Scheme "http" yields a plaintext
// HTTP/1.1 carrier; "https" (and the WebSocket schemes upstream of it)
// handshakes with the configured spec first.
func Dial(ctx context.Context, cfg *Config, mode Mode, scheme, host, port string) (Carrier, error) {
	if scheme == "http" {
		if mode == ModeHTTP3 {
			return nil, NewProtocolError(host, port, "h3", errPlaintextH3)
		}
		raw, err := dialTCP(ctx, cfg, host, port)
		if err != nil {
			return nil, err
		}
		return newH1Carrier(raw, host, port), nil
	}

	switch mode {
	case ModeHTTP3:
		return dialH3(ctx, cfg, host, port)

	case ModeHTTP1:
		hs, err := DialTLS(ctx, cfg, host, port, []string{"http/1.1"})
		if err != nil {
			return nil, err
		}
		return newH1Carrier(hs.Conn, host, port), nil

	default:
		alpn := cfg.Spec.ALPN
		if len(alpn) == 0 {
			alpn = []string{"h2", "http/1.1"}
		}
		hs, err := DialTLS(ctx, cfg, host, port, alpn)
		if err != nil {
			return nil, err
		}
		if hs.Protocol == "h2" {
			carrier, err := newH2Carrier(hs.Conn, cfg.Spec.HTTP2, host, port)
			if err != nil {
				hs.Conn.Close()
				return nil, NewProtocolError(host, port, "h2", err)
			}
			return carrier, nil
		}
		return newH1Carrier(hs.Conn, host, port), nil
	}
}

// DialRaw opens the TCP leg without TLS. The WebSocket path uses it for
// ws:// targets; everything else goes through Dial or DialTLS.
func DialRaw(ctx context.Context, cfg *Config, host, port string) (net.Conn, error) {
	return dialTCP(ctx, cfg, host, port)
}

// dialTCP opens the raw TCP leg, through the proxy when one is configured.
func dialTCP(ctx context.Context, cfg *Config, host, port string) (net.Conn, error) {
	timeout := cfg.connectTimeout()

	if cfg.Proxy != nil {
		dialer, err := proxy.NewDialer(cfg.Proxy, timeout, resolveFunc(cfg.DNS))
		if err != nil {
			return nil, NewProxyError("proxy_config", host, port, err)
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, NewProxyError("dial_proxy", host, port, err)
		}
		tuneTCP(conn)
		return conn, nil
	}

	ips, err := resolveAll(ctx, cfg.DNS, host)
	if err != nil {
		return nil, NewDNSError(host, err)
	}

	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}

	// The cache returns addresses interleaved IPv6-first; try them in order.
	var lastErr error
	for _, ip := range ips {
		network := "tcp4"
		if ip.To4() == nil {
			network = "tcp6"
		}
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			tuneTCP(conn)
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = errNoAddresses
	}
	return nil, NewConnectionError("dial", host, port, "", lastErr)
}

func tuneTCP(conn net.Conn) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetKeepAlive(true)
		tcp.SetKeepAlivePeriod(30 * time.Second)
		tcp.SetNoDelay(true)
	}
}

func resolveAll(ctx context.Context, cache *dns.Cache, host string) ([]net.IP, error) {
	if cache != nil {
		return cache.ResolveAllSorted(ctx, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// resolveFunc adapts the DNS cache to the proxy package's resolver seam, so
// socks4/socks5 local resolution shares cached answers.
func resolveFunc(cache *dns.Cache) proxy.ResolveFunc {
	if cache == nil {
		return nil
	}
	return func(ctx context.Context, host string) (net.IP, error) {
		return cache.ResolveOne(ctx, host)
	}
}
