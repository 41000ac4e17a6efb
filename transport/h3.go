package transport

import (
	"context"
	crand "crypto/rand"
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/quic-go"
	"github.com/sardanioss/quic-go/http3"
	"github.com/sardanioss/quic-go/quicvarint"
	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/mimic/clienthello"
	"github.com/sardanioss/mimic/dns"
	"github.com/sardanioss/mimic/fingerprint"
	"github.com/sardanioss/mimic/keylog"
)

// HTTP/3 SETTINGS identifiers.
const (
	settingQPACKMaxTableCapacity = 0x1
	settingQPACKBlockedStreams   = 0x7
)

var (
	errNoQUICShape = errors.New("no QUIC fingerprint and none derivable from the TLS fingerprint")
	errH3Proxy     = errors.New("http/3 does not dial through proxies")
	errH3Gone      = errors.New("QUIC connection is closed")
)

// quicTuneMu serializes the process-wide QUIC knobs around a dial. The
// underlying stack reads connection ID length and additional transport
// parameters from globals, so concurrent dials with different shapes must
// not interleave.
var quicTuneMu sync.Mutex

// h3Carrier runs requests over one QUIC connection. The connection is
// dialed eagerly on a dedicated UDP socket; the pool, not the HTTP/3
// transport, decides when a new one is needed.
type h3Carrier struct {
	udpConn *net.UDPConn
	qt      *quic.Transport
	conn    *quic.Conn
	tr      *http3.Transport
	host    string
	port    string
}

func dialH3(ctx context.Context, cfg *Config, host, port string) (*h3Carrier, error) {
	if cfg.Proxy != nil {
		return nil, NewProxyError("dial", host, port, errH3Proxy)
	}

	spec := cfg.Spec
	shape := spec.QUIC
	if shape == nil {
		derived, ok := fingerprint.DeriveQUICShape(spec.JA4R)
		if !ok {
			return nil, NewRequestError("dial", host, port, "h3", errNoQUICShape)
		}
		shape = derived
		spec = spec.Clone()
		spec.QUIC = shape
	}

	hello, err := clienthello.Build(spec, clienthello.Options{
		ALPN:    []string{http3.NextProtoH3},
		ForQUIC: true,
	})
	if err != nil {
		return nil, err
	}

	ips, err := resolveAll(ctx, cfg.DNS, host)
	if err != nil {
		return nil, NewDNSError(host, err)
	}
	portInt, err := strconv.Atoi(port)
	if err != nil {
		return nil, NewRequestError("dial", host, port, "h3", err)
	}

	tlsCfg := &tls.Config{
		ServerName:         cfg.serverName(host),
		NextProtos:         []string{http3.NextProtoH3},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ClientSessionCache: cfg.Sessions,
		KeyLogWriter:       keylog.Writer(),
	}

	quicCfg := quicConfigForShape(shape, hello)
	// ECH is opportunistic: hosts without an HTTPS record dial without it.
	quicCfg.ECHConfigList, _ = dns.FetchECHConfigs(ctx, host)

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		udpConn, err = net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: 0})
		if err != nil {
			return nil, NewConnectionError("listen_udp", host, port, "h3", err)
		}
	}
	qt := &quic.Transport{Conn: udpConn}

	quicTuneMu.Lock()
	applyQUICGlobals(shape, spec.DisableGREASE)
	conn, err := dialFirstQUIC(ctx, qt, ips, portInt, tlsCfg, quicCfg)
	quicTuneMu.Unlock()
	if err != nil {
		qt.Close()
		udpConn.Close()
		return nil, WrapError("dial", host, port, "h3", err)
	}

	c := &h3Carrier{
		udpConn: udpConn,
		qt:      qt,
		conn:    conn,
		host:    host,
		port:    port,
	}
	c.tr = &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig:      quicCfg,
		Dial: func(ctx context.Context, addr string, _ *tls.Config, _ *quic.Config) (*quic.Conn, error) {
			if !c.Reusable() {
				return nil, errH3Gone
			}
			return c.conn, nil
		},
		EnableDatagrams:        true,
		AdditionalSettings:     h3Settings(spec.DisableGREASE),
		MaxResponseHeaderBytes: 262144,
		SendGreaseFrames:       !spec.DisableGREASE,
	}
	return c, nil
}

// dialFirstQUIC tries each resolved address in order until one completes a
// handshake. resolveAll already interleaved families IPv6-first.
func dialFirstQUIC(ctx context.Context, qt *quic.Transport, ips []net.IP, port int, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
	var lastErr error
	for _, ip := range ips {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		conn, err := qt.Dial(ctx, &net.UDPAddr{IP: ip, Port: port}, tlsCfg, cfg)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errNoAddresses
	}
	return nil, lastErr
}

func (c *h3Carrier) Protocol() string { return "h3" }

func (c *h3Carrier) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.tr.RoundTrip(req)
	if err != nil {
		return nil, WrapError("roundtrip", c.host, c.port, "h3", err)
	}
	return resp, nil
}

func (c *h3Carrier) Reusable() bool {
	select {
	case <-c.conn.Context().Done():
		return false
	default:
		return true
	}
}

func (c *h3Carrier) Close() error {
	err := c.tr.Close()
	c.qt.Close()
	c.udpConn.Close()
	return err
}

// quicConfigForShape converts an Initial-packet shape into the stack's
// configuration. Idle, keep-alive and stream limits stay at browser values;
// the shape drives packet sizing and the ClientHello.
func quicConfigForShape(shape *fingerprint.QUICShape, hello *tls.ClientHelloSpec) *quic.Config {
	initialPacketSize := shape.UDPMinSize
	if initialPacketSize == 0 {
		initialPacketSize = 1250
	}
	return &quic.Config{
		MaxIdleTimeout:                30 * time.Second,
		KeepAlivePeriod:               30 * time.Second,
		MaxIncomingStreams:            100,
		MaxIncomingUniStreams:         103,
		Allow0RTT:                     true,
		EnableDatagrams:               true,
		InitialPacketSize:             uint16(initialPacketSize),
		DisablePathMTUDiscovery:       false,
		DisableClientHelloScrambling:  true,
		ChromeStyleInitialPackets:     true,
		CachedClientHelloSpec:         hello,
		TransportParameterOrder:       quic.TransportParameterOrderChrome,
		TransportParameterShuffleSeed: newShuffleSeed(),
	}
}

// applyQUICGlobals installs the shape's process-wide knobs. Callers hold
// quicTuneMu across the subsequent dial.
func applyQUICGlobals(shape *fingerprint.QUICShape, disableGREASE bool) {
	if shape.SrcConnIDLen > 0 {
		quic.SetDefaultConnectionIDLength(shape.SrcConnIDLen)
	}
	quic.SetMaxDatagramSize(65536)
	quic.SetAdditionalTransportParameters(additionalTransportParams(shape, disableGREASE))
}

// additionalTransportParams builds the transport parameters beyond the
// RFC 9000 set. A shape with explicit parameters sends exactly those; a
// derived shape sends the browser trio of version_information,
// google_version and initial_rtt.
func additionalTransportParams(shape *fingerprint.QUICShape, disableGREASE bool) map[uint64][]byte {
	wireVersion := shape.Version
	if wireVersion == 1 {
		wireVersion = 0x00000001
	}

	params := make(map[uint64][]byte)
	if len(shape.Params) == 0 {
		params[fingerprint.QUICParamVersionInfo] = versionInfoValue(wireVersion, disableGREASE)
		params[fingerprint.QUICParamGoogleVersion] = googleVersionValue(wireVersion)
		params[fingerprint.QUICParamInitialRTT] = quicvarint.Append(nil, 230000+uint64(rand.Intn(10000)))
	} else {
		for _, p := range shape.Params {
			params[p.ID] = encodeTransportParam(p, wireVersion, disableGREASE)
		}
	}
	if !disableGREASE {
		params[greaseTransportParamID()] = greaseTransportParamValue()
	}
	return params
}

func encodeTransportParam(p fingerprint.QUICParam, wireVersion uint32, disableGREASE bool) []byte {
	switch p.ID {
	case fingerprint.QUICParamVersionInfo:
		chosen := uint32(p.Val)
		if chosen == 0 {
			chosen = wireVersion
		}
		return versionInfoValue(chosen, disableGREASE)
	case fingerprint.QUICParamGoogleVersion:
		return googleVersionValue(uint32(p.Val))
	default:
		return quicvarint.Append(nil, p.Val)
	}
}

// versionInfoValue encodes RFC 9368 version_information: the chosen version
// followed by the available versions, GREASE first the way browsers send it.
func versionInfoValue(chosen uint32, disableGREASE bool) []byte {
	value := binary.BigEndian.AppendUint32(nil, chosen)
	if !disableGREASE {
		value = binary.BigEndian.AppendUint32(value, greaseQUICVersion())
	}
	return binary.BigEndian.AppendUint32(value, chosen)
}

func googleVersionValue(version uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, version)
}

// greaseQUICVersion returns a reserved version of the form 0xNaNaNaNa with
// a single random nibble, the pattern browsers use.
func greaseQUICVersion() uint32 {
	nibble := uint32(rand.Intn(16))
	return nibble<<28 | 0x0a000000 |
		nibble<<20 | 0x000a0000 |
		nibble<<12 | 0x00000a00 |
		nibble<<4 | 0x0000000a
}

// greaseTransportParamID returns a reserved parameter ID (31*N + 27,
// RFC 9000 §18.1).
func greaseTransportParamID() uint64 {
	return 31*uint64(1+rand.Int63n(1<<30)) + 27
}

func greaseTransportParamValue() []byte {
	value := make([]byte, 9)
	crand.Read(value)
	return value
}

// h3Settings returns the SETTINGS sent on the control stream. QPACK sizing
// follows browser values; a GREASE entry (0x1f*N + 0x21) rides along unless
// the spec disables GREASE.
func h3Settings(disableGREASE bool) map[uint64]uint64 {
	settings := map[uint64]uint64{
		settingQPACKMaxTableCapacity: 65536,
		settingQPACKBlockedStreams:   100,
	}
	if !disableGREASE {
		settings[greaseSettingID()] = 1 + uint64(rand.Uint32())
	}
	return settings
}

func greaseSettingID() uint64 {
	n := uint64(1000000000 + rand.Int63n(9000000000))
	return 0x1f*n + 0x21
}

func newShuffleSeed() int64 {
	var seed [8]byte
	crand.Read(seed[:])
	return int64(binary.LittleEndian.Uint64(seed[:]))
}
