package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// ConnectDialer tunnels TCP through an HTTP proxy using the CONNECT method.
// For the https scheme the hop to the proxy itself is wrapped in TLS; the
// origin handshake still happens on top of the tunnel.
type ConnectDialer struct {
	cfg     *Config
	timeout time.Duration
}

func newConnectDialer(cfg *Config, timeout time.Duration) *ConnectDialer {
	return &ConnectDialer{cfg: cfg, timeout: timeout}
}

// DialContext connects to the proxy, issues CONNECT for addr and returns
// the open tunnel.
func (d *ConnectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := dialProxy(ctx, d.cfg.Address(), d.timeout)
	if err != nil {
		return nil, err
	}

	if d.cfg.Scheme == SchemeHTTPS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: d.cfg.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("TLS handshake with proxy failed: %w", err)
		}
		conn = tlsConn
	}

	tunnel, err := d.connect(conn, addr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	tunnel.SetDeadline(time.Time{})
	return tunnel, nil
}

func (d *ConnectDialer) connect(conn net.Conn, addr string) (net.Conn, error) {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if auth := d.proxyAuth(); auth != "" {
		req += fmt.Sprintf("Proxy-Authorization: Basic %s\r\n", auth)
	}
	req += "\r\n"

	if _, err := conn.Write([]byte(req)); err != nil {
		return nil, fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusProxyAuthRequired:
		return nil, fmt.Errorf("proxy authentication required (status %d)", resp.StatusCode)
	default:
		return nil, fmt.Errorf("proxy CONNECT failed with status %d: %s", resp.StatusCode, resp.Status)
	}

	// Tunnel bytes may already sit in the read buffer; they belong to the
	// origin stream, not the proxy exchange.
	if n := br.Buffered(); n > 0 {
		rest := make([]byte, n)
		io.ReadFull(br, rest)
		return &bufferedTunnel{Conn: conn, rest: rest}, nil
	}
	return conn, nil
}

// bufferedTunnel replays bytes over-read during the CONNECT exchange before
// reading from the connection itself.
type bufferedTunnel struct {
	net.Conn
	rest []byte
}

func (c *bufferedTunnel) Read(p []byte) (int, error) {
	if len(c.rest) > 0 {
		n := copy(p, c.rest)
		c.rest = c.rest[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// proxyAuth returns base64-encoded credentials for Proxy-Authorization.
func (d *ConnectDialer) proxyAuth() string {
	if d.cfg.Username == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(d.cfg.Username + ":" + d.cfg.Password))
}
