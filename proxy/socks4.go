package proxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// SOCKS4 protocol constants.
const (
	socks4Version = 0x04
	socks4Connect = 0x01

	socks4Granted       = 90
	socks4Rejected      = 91
	socks4IdentRequired = 92
	socks4IdentMismatch = 93
)

// SOCKS4Dialer tunnels TCP through a SOCKS4 proxy. SOCKS4 only carries
// IPv4 destinations, so the target is always resolved locally; the username
// field doubles as the protocol's ident string.
type SOCKS4Dialer struct {
	cfg     *Config
	timeout time.Duration
	resolve ResolveFunc
}

func newSOCKS4Dialer(cfg *Config, timeout time.Duration, resolve ResolveFunc) *SOCKS4Dialer {
	return &SOCKS4Dialer{cfg: cfg, timeout: timeout, resolve: resolve}
}

// DialContext connects to the proxy and issues a SOCKS4 CONNECT for addr.
func (d *SOCKS4Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	targetHost, targetPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}

	ip, err := resolveTarget(ctx, targetHost, d.resolve)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %w", targetHost, err)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("SOCKS4 requires an IPv4 target, got %s", ip)
	}

	portNum, err := net.LookupPort("tcp", targetPort)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	conn, err := dialProxy(ctx, d.cfg.Address(), d.timeout)
	if err != nil {
		return nil, err
	}

	if err := d.connect(conn, ip4, uint16(portNum)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("SOCKS4 CONNECT failed: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// connect sends a CONNECT request and reads the 8-byte reply.
func (d *SOCKS4Dialer) connect(conn net.Conn, ip4 net.IP, port uint16) error {
	// VN(1) + CD(1) + DSTPORT(2) + DSTIP(4) + USERID + NUL(1)
	request := make([]byte, 0, 9+len(d.cfg.Username))
	request = append(request, socks4Version, socks4Connect)
	request = binary.BigEndian.AppendUint16(request, port)
	request = append(request, ip4...)
	request = append(request, []byte(d.cfg.Username)...)
	request = append(request, 0x00)

	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	// VN(1) + CD(1) + DSTPORT(2) + DSTIP(4)
	reply := make([]byte, 8)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return fmt.Errorf("failed to read reply: %w", err)
	}

	if reply[0] != 0x00 {
		return fmt.Errorf("invalid reply version: %d", reply[0])
	}

	switch reply[1] {
	case socks4Granted:
		return nil
	case socks4Rejected:
		return errors.New("request rejected or failed")
	case socks4IdentRequired:
		return errors.New("request rejected: proxy cannot reach identd")
	case socks4IdentMismatch:
		return errors.New("request rejected: ident mismatch")
	default:
		return fmt.Errorf("request rejected: unknown code %d", reply[1])
	}
}
