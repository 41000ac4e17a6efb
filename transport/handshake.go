package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/mimic/clienthello"
	"github.com/sardanioss/mimic/fingerprint"
	"github.com/sardanioss/mimic/keylog"
)

var (
	errPlaintextH3 = errors.New("http/3 requires https")
	errNoAddresses = errors.New("no addresses to dial")
)

// ja3FallbackAlerts is the closed set of TLS alerts that downgrade a
// JA4R-derived TLS 1.3 spec to its attached JA3 at TLS 1.2. The keys are the
// RFC 8446 alert codes; the values are how crypto/tls renders them, which is
// the only form a client sees.
var ja3FallbackAlerts = map[int]string{
	40:  "handshake failure",
	70:  "protocol version not supported",
	71:  "insufficient security level",
	120: "no application protocol",
}

// curveRetryMarkers identify handshake failures caused by the server
// rejecting the spec's supported_groups content (typically a TLS 1.3 server
// that cannot use any offered key share).
var curveRetryMarkers = []string{
	"unsupported group",
	"unsupported curve",
	"CurvePreferences includes unsupported curve",
}

// HandshakeResult is an established fingerprinted TLS connection.
type HandshakeResult struct {
	Conn *tls.UConn

	// Protocol is the negotiated ALPN protocol; empty when the server
	// declined every offer.
	Protocol string

	// Version is the negotiated TLS version.
	Version uint16

	// Spec is the spec that actually completed the handshake. It differs
	// from the dial config's spec after a curve rewrite or JA3 fallback.
	Spec *fingerprint.TransportSpec

	// FellBack reports that the JA4R-derived spec was abandoned for the
	// attached JA3.
	FellBack bool
}

// DialTLS dials host:port and completes a fingerprinted handshake,
// applying the retry ladder in order:
//
//  1. the spec exactly as given;
//  2. when TLS13AutoRetry is set and the server rejected the offered
//     curves: the same spec with supported_groups rewritten to the
//     TLS 1.3 set (X25519, P-256, P-384, P-521) — cipher and extension
//     order untouched;
//  3. when the spec derives from a JA4R that carries a JA3 and the server
//     answered with an alert from ja3FallbackAlerts, or negotiated no
//     protocol although h2 was offered: a TLS 1.2 spec reparsed from the
//     JA3.
//
// Each retry redials; callers serialize dials per address via the pool's
// address mutex.
func DialTLS(ctx context.Context, cfg *Config, host, port string, alpn []string) (*HandshakeResult, error) {
	spec := cfg.Spec
	attempted := []uint16{spec.TLSVersMax}

	res, err := dialAndShake(ctx, cfg, spec, host, port, alpn)
	if err == nil {
		if !declinedH2(res, alpn, spec) {
			return res, nil
		}
		// Treat an empty negotiation on a JA4R-derived spec like an
		// ALPN alert: close and fall back.
		res.Conn.Close()
		err = fmt.Errorf("requested %v, negotiated no protocol", alpn)
	} else if cfg.TLS13AutoRetry && needsCurveRetry(spec, err) {
		retry := spec.Clone()
		retry.SupportedGroups = append([]uint16(nil), clienthello.FallbackGroups...)
		attempted = append(attempted, retry.TLSVersMax)

		res, rerr := dialAndShake(ctx, cfg, retry, host, port, alpn)
		if rerr == nil {
			if !declinedH2(res, alpn, retry) {
				return res, nil
			}
			res.Conn.Close()
			rerr = fmt.Errorf("requested %v, negotiated no protocol", alpn)
		}
		err = rerr
	}

	if fb, ok := ja3FallbackSpec(spec, err); ok {
		attempted = append(attempted, fb.TLSVersMax)
		res, ferr := dialAndShake(ctx, cfg, fb, host, port, alpn)
		if ferr == nil {
			res.FellBack = true
			return res, nil
		}
		err = ferr
	}

	return nil, tlsDialError(host, port, attempted, err)
}

// dialAndShake performs one dial + handshake attempt with the given spec.
func dialAndShake(ctx context.Context, cfg *Config, spec *fingerprint.TransportSpec, host, port string, alpn []string) (*HandshakeResult, error) {
	hello, err := clienthello.Build(spec, clienthello.Options{ALPN: alpn})
	if err != nil {
		return nil, err
	}

	raw, err := dialTCP(ctx, cfg, host, port)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{
		ServerName:         cfg.serverName(host),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         spec.TLSVersMin,
		MaxVersion:         spec.TLSVersMax,
		NextProtos:         alpn,
		ClientSessionCache: cfg.Sessions,
		KeyLogWriter:       keylog.Writer(),
	}

	uconn := tls.UClient(raw, tlsCfg, tls.HelloCustom)
	if err := uconn.ApplyPreset(hello); err != nil {
		raw.Close()
		return nil, err
	}
	if cfg.Sessions != nil {
		uconn.SetSessionCache(cfg.Sessions)
	}

	if err := uconn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	state := uconn.ConnectionState()
	return &HandshakeResult{
		Conn:     uconn,
		Protocol: state.NegotiatedProtocol,
		Version:  state.Version,
		Spec:     spec,
	}, nil
}

// declinedH2 reports the post-handshake fallback condition: h2 was offered,
// nothing was negotiated, and the spec has a JA3 to fall back to.
func declinedH2(res *HandshakeResult, alpn []string, spec *fingerprint.TransportSpec) bool {
	if res.Protocol != "" || !spec.DerivedFromJA4R() || spec.JA3 == "" {
		return false
	}
	for _, p := range alpn {
		if p == "h2" {
			return true
		}
	}
	return false
}

// needsCurveRetry reports whether err is a curve rejection worth one redial
// with the rewritten group list.
func needsCurveRetry(spec *fingerprint.TransportSpec, err error) bool {
	if spec.TLSVersMax < fingerprint.VersionTLS13 {
		return false
	}
	msg := err.Error()
	for _, marker := range curveRetryMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ja3FallbackSpec builds the TLS 1.2 fallback spec from the original JA3
// when the failure matches the alert table. The HTTP/2 and QUIC shapes and
// the GREASE policy carry over; version range is pinned to TLS 1.2.
func ja3FallbackSpec(spec *fingerprint.TransportSpec, err error) (*fingerprint.TransportSpec, bool) {
	if err == nil || !spec.DerivedFromJA4R() || spec.JA3 == "" {
		return nil, false
	}
	if spec.TLSVersMax < fingerprint.VersionTLS13 {
		return nil, false
	}
	if !matchesFallbackAlert(err) {
		return nil, false
	}

	fb, perr := fingerprint.ParseJA3(spec.JA3)
	if perr != nil {
		return nil, false
	}
	fb.TLSVersMax = fingerprint.VersionTLS12
	if fb.TLSVersMin > fb.TLSVersMax {
		fb.TLSVersMin = fb.TLSVersMax
	}
	fb.HTTP2 = spec.HTTP2
	fb.QUIC = spec.QUIC
	fb.DisableGREASE = spec.DisableGREASE
	fb.JA4R = spec.JA4R
	return fb, true
}

func matchesFallbackAlert(err error) bool {
	msg := err.Error()
	if strings.Contains(msg, "negotiated no protocol") {
		return true
	}
	for _, text := range ja3FallbackAlerts {
		if strings.Contains(msg, "tls: "+text) {
			return true
		}
	}
	return false
}

// tlsDialError shapes the final error. Dial-stage failures (DNS, TCP,
// proxy) and spec validation errors pass through untouched; handshake
// failures become TLSError with the attempted versions in the message.
func tlsDialError(host, port string, attempted []uint16, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	var inc *clienthello.IncoherentError
	if errors.As(err, &inc) {
		return err
	}
	return NewTLSError("tls_handshake", host, port, "", fmt.Errorf("%w (attempted versions %s)", err, versionList(attempted)))
}

func versionList(versions []uint16) string {
	names := make([]string, 0, len(versions))
	for _, v := range versions {
		switch v {
		case fingerprint.VersionTLS13:
			names = append(names, "1.3")
		case fingerprint.VersionTLS12:
			names = append(names, "1.2")
		case fingerprint.VersionTLS11:
			names = append(names, "1.1")
		case fingerprint.VersionTLS10:
			names = append(names, "1.0")
		default:
			names = append(names, fmt.Sprintf("%#x", v))
		}
	}
	return strings.Join(names, ",")
}
