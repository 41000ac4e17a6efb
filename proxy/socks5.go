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

// SOCKS5 protocol constants (RFC 1928 / RFC 1929).
const (
	socks5Version = 0x05

	authNone     = 0x00
	authPassword = 0x02
	authNoAccept = 0xFF

	cmdConnect = 0x01

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySuccess          = 0x00
	replyGeneralFailure   = 0x01
	replyConnNotAllowed   = 0x02
	replyNetworkUnreach   = 0x03
	replyHostUnreach      = 0x04
	replyConnRefused      = 0x05
	replyTTLExpired       = 0x06
	replyCmdNotSupported  = 0x07
	replyAddrNotSupported = 0x08
)

// SOCKS5Dialer tunnels TCP through a SOCKS5 proxy. The socks5 scheme
// resolves the target locally and sends an IP to the proxy; socks5h hands
// the hostname over so the proxy resolves it.
type SOCKS5Dialer struct {
	cfg            *Config
	timeout        time.Duration
	resolve        ResolveFunc
	resolveLocally bool
}

func newSOCKS5Dialer(cfg *Config, timeout time.Duration, resolve ResolveFunc) *SOCKS5Dialer {
	return &SOCKS5Dialer{
		cfg:            cfg,
		timeout:        timeout,
		resolve:        resolve,
		resolveLocally: cfg.Scheme == SchemeSOCKS5,
	}
}

// DialContext connects to the proxy, negotiates authentication and issues
// CONNECT for addr.
func (d *SOCKS5Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	targetHost, targetPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address: %w", err)
	}

	if d.resolveLocally && net.ParseIP(targetHost) == nil {
		ip, err := resolveTarget(ctx, targetHost, d.resolve)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target %s: %w", targetHost, err)
		}
		targetHost = ip.String()
	}

	conn, err := dialProxy(ctx, d.cfg.Address(), d.timeout)
	if err != nil {
		return nil, err
	}

	if err := d.handshake(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("SOCKS5 handshake failed: %w", err)
	}

	if err := d.connect(conn, targetHost, targetPort); err != nil {
		conn.Close()
		return nil, fmt.Errorf("SOCKS5 CONNECT failed: %w", err)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}

// handshake performs version negotiation and authentication.
func (d *SOCKS5Dialer) handshake(conn net.Conn) error {
	var greeting []byte
	if d.cfg.Username != "" {
		greeting = []byte{socks5Version, 0x02, authNone, authPassword}
	} else {
		greeting = []byte{socks5Version, 0x01, authNone}
	}

	if _, err := conn.Write(greeting); err != nil {
		return fmt.Errorf("failed to send greeting: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if resp[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version: %d", resp[0])
	}

	switch resp[1] {
	case authNone:
		return nil
	case authPassword:
		return d.passwordAuth(conn)
	case authNoAccept:
		return errors.New("proxy rejected all authentication methods")
	default:
		return fmt.Errorf("unsupported authentication method: %d", resp[1])
	}
}

// passwordAuth performs username/password authentication (RFC 1929).
func (d *SOCKS5Dialer) passwordAuth(conn net.Conn) error {
	if d.cfg.Username == "" {
		return errors.New("proxy requires authentication but no credentials provided")
	}

	// VER(1) + ULEN(1) + UNAME + PLEN(1) + PASSWD
	req := make([]byte, 0, 3+len(d.cfg.Username)+len(d.cfg.Password))
	req = append(req, 0x01)
	req = append(req, byte(len(d.cfg.Username)))
	req = append(req, []byte(d.cfg.Username)...)
	req = append(req, byte(len(d.cfg.Password)))
	req = append(req, []byte(d.cfg.Password)...)

	if _, err := conn.Write(req); err != nil {
		return fmt.Errorf("failed to send auth request: %w", err)
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}

	if resp[1] != 0x00 {
		return errors.New("authentication failed: invalid credentials")
	}
	return nil
}

// connect sends a CONNECT request and reads the reply.
func (d *SOCKS5Dialer) connect(conn net.Conn, host, port string) error {
	portNum, err := net.LookupPort("tcp", port)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}

	// VER(1) + CMD(1) + RSV(1) + ATYP(1) + DST.ADDR + DST.PORT(2)
	request := []byte{socks5Version, cmdConnect, 0x00}

	ip := net.ParseIP(host)
	switch {
	case ip != nil && ip.To4() != nil:
		request = append(request, atypIPv4)
		request = append(request, ip.To4()...)
	case ip != nil:
		request = append(request, atypIPv6)
		request = append(request, ip.To16()...)
	default:
		if len(host) > 255 {
			return errors.New("domain name too long")
		}
		request = append(request, atypDomain)
		request = append(request, byte(len(host)))
		request = append(request, []byte(host)...)
	}

	request = binary.BigEndian.AppendUint16(request, uint16(portNum))

	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("failed to send CONNECT request: %w", err)
	}

	// VER(1) + REP(1) + RSV(1) + ATYP(1)
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return fmt.Errorf("failed to read reply header: %w", err)
	}

	if header[0] != socks5Version {
		return fmt.Errorf("invalid SOCKS version in reply: %d", header[0])
	}
	if header[1] != replySuccess {
		return fmt.Errorf("%s (reply=%d)", socks5ReplyString(header[1]), header[1])
	}

	// Discard the bound address; TCP CONNECT has no use for it.
	switch header[3] {
	case atypIPv4:
		_, err = io.ReadFull(conn, make([]byte, 6))
	case atypIPv6:
		_, err = io.ReadFull(conn, make([]byte, 18))
	case atypDomain:
		lenByte := make([]byte, 1)
		if _, err = io.ReadFull(conn, lenByte); err == nil {
			_, err = io.ReadFull(conn, make([]byte, int(lenByte[0])+2))
		}
	default:
		return fmt.Errorf("unsupported address type in reply: %d", header[3])
	}
	if err != nil {
		return fmt.Errorf("failed to read bound address: %w", err)
	}

	return nil
}

func socks5ReplyString(code byte) string {
	switch code {
	case replySuccess:
		return "success"
	case replyGeneralFailure:
		return "general SOCKS server failure"
	case replyConnNotAllowed:
		return "connection not allowed by ruleset"
	case replyNetworkUnreach:
		return "network unreachable"
	case replyHostUnreach:
		return "host unreachable"
	case replyConnRefused:
		return "connection refused"
	case replyTTLExpired:
		return "TTL expired"
	case replyCmdNotSupported:
		return "command not supported"
	case replyAddrNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("unknown error (code %d)", code)
	}
}
