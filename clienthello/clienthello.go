// Package clienthello synthesizes utls ClientHelloSpecs from parsed
// transport specs. It is the only package that touches TLS-library
// extension types; everything upstream works on plain fingerprint values.
package clienthello

import (
	"errors"
	"fmt"

	"github.com/sardanioss/mimic/fingerprint"
	tls "github.com/sardanioss/utls"
)

// ErrIncoherent is the category every IncoherentError matches with
// errors.Is; transport aliases it as ErrSpecIncoherent.
var ErrIncoherent = errors.New("spec incoherent")

// IncoherentError reports a spec whose parts cannot produce a valid
// ClientHello together, even though each part parsed cleanly.
type IncoherentError struct {
	Detail string
}

func (e *IncoherentError) Error() string {
	return "spec incoherent: " + e.Detail
}

// Is matches ErrIncoherent for sentinel classification.
func (e *IncoherentError) Is(target error) bool { return target == ErrIncoherent }

func incoherentf(format string, args ...interface{}) *IncoherentError {
	return &IncoherentError{Detail: fmt.Sprintf(format, args...)}
}

// FallbackGroups is the supported_groups rewrite applied when a server
// rejects the offered TLS 1.3 key-share curve: the widest set browsers
// negotiate, most-preferred first.
var FallbackGroups = []uint16{
	uint16(tls.X25519),
	uint16(tls.CurveP256),
	uint16(tls.CurveP384),
	uint16(tls.CurveP521),
}

// defaultGroups stands in when a spec (JA4R without JA3 material) carries
// no supported-groups data.
var defaultGroups = []uint16{
	uint16(tls.X25519),
	uint16(tls.CurveP256),
	uint16(tls.CurveP384),
}

// defaultSignatureAlgorithms matches modern Chrome's handshake signature
// list, used when the spec carries none.
var defaultSignatureAlgorithms = []tls.SignatureScheme{
	tls.ECDSAWithP256AndSHA256,
	tls.PSSWithSHA256,
	tls.PKCS1WithSHA256,
	tls.ECDSAWithP384AndSHA384,
	tls.PSSWithSHA384,
	tls.PKCS1WithSHA384,
	tls.PSSWithSHA512,
	tls.PKCS1WithSHA512,
}

// Options adjusts synthesis for the connection being dialed.
type Options struct {
	// ALPN overrides the spec's protocol list (WebSocket forces http/1.1,
	// HTTP/3 forces h3, ForceHTTP1 strips h2). Nil keeps the spec's list.
	ALPN []string

	// RecordSizeLimit fills extension 28 when the spec mentions it.
	// Zero means the Firefox default 0x4001.
	RecordSizeLimit uint16

	// ForQUIC builds a hello the QUIC stack can complete: extension 57
	// becomes a real quic_transport_parameters carrier, appended when the
	// spec does not already list it.
	ForQUIC bool
}

// Build synthesizes a ClientHelloSpec. Cipher suites, extensions, groups
// and point formats keep the spec's exact order. GREASE slots become
// placeholders that utls randomizes per handshake with distinct values;
// with spec.DisableGREASE the slots are omitted entirely.
func Build(spec *fingerprint.TransportSpec, opts Options) (*tls.ClientHelloSpec, error) {
	if err := validate(spec); err != nil {
		return nil, err
	}

	alpn := opts.ALPN
	if alpn == nil {
		alpn = spec.ALPN
	}
	if alpn == nil {
		alpn = []string{"h2", "http/1.1"}
	}

	sigAlgs := make([]tls.SignatureScheme, 0, len(spec.SignatureAlgorithms))
	for _, a := range spec.SignatureAlgorithms {
		sigAlgs = append(sigAlgs, tls.SignatureScheme(a))
	}
	if len(sigAlgs) == 0 {
		sigAlgs = defaultSignatureAlgorithms
	}

	curves := buildCurves(spec)
	pointFormats := spec.PointFormats
	if pointFormats == nil {
		pointFormats = []uint8{0}
	}

	ciphers := make([]uint16, 0, len(spec.CipherSuites))
	for _, cs := range spec.CipherSuites {
		if fingerprint.IsGREASE(cs) {
			if spec.DisableGREASE {
				continue
			}
			ciphers = append(ciphers, tls.GREASE_PLACEHOLDER)
			continue
		}
		ciphers = append(ciphers, cs)
	}
	if len(ciphers) == 0 {
		return nil, incoherentf("cipher list is empty once GREASE slots are removed")
	}

	b := &builder{
		spec:         spec,
		alpn:         alpn,
		sigAlgs:      sigAlgs,
		curves:       curves,
		pointFormats: pointFormats,
		recordLimit:  opts.RecordSizeLimit,
		forQUIC:      opts.ForQUIC,
	}

	extensions := make([]tls.TLSExtension, 0, len(spec.Extensions))
	for _, id := range spec.Extensions {
		if fingerprint.IsGREASE(id) {
			if spec.DisableGREASE {
				continue
			}
			extensions = append(extensions, &tls.UtlsGREASEExtension{})
			continue
		}
		extensions = append(extensions, b.extensionForID(id))
	}
	if opts.ForQUIC && !spec.HasExtension(57) {
		extensions = append(extensions, &tls.QUICTransportParametersExtension{})
	}

	return &tls.ClientHelloSpec{
		TLSVersMin:         spec.TLSVersMin,
		TLSVersMax:         spec.TLSVersMax,
		CipherSuites:       ciphers,
		CompressionMethods: []uint8{0},
		Extensions:         extensions,
	}, nil
}

// validate rejects combinations that would encode an impossible hello.
func validate(spec *fingerprint.TransportSpec) error {
	if spec == nil {
		return incoherentf("no transport spec")
	}
	if len(spec.CipherSuites) == 0 {
		return incoherentf("no cipher suites")
	}
	if spec.TLSVersMin > spec.TLSVersMax {
		return incoherentf("TLS version range inverted: min 0x%04x > max 0x%04x",
			spec.TLSVersMin, spec.TLSVersMax)
	}
	if spec.TLSVersMax >= fingerprint.VersionTLS13 && !spec.HasExtension(43) {
		return incoherentf("TLS 1.3 requires the supported_versions extension (43)")
	}
	if spec.HasExtension(51) && !spec.HasExtension(10) {
		return incoherentf("key_share (51) requires supported_groups (10)")
	}
	if spec.QUIC != nil && spec.TLSVersMax < fingerprint.VersionTLS13 {
		return incoherentf("QUIC fingerprint with max TLS version 0x%04x; QUIC requires TLS 1.3",
			spec.TLSVersMax)
	}
	return nil
}

// buildCurves converts the spec's groups, keeping GREASE slots as
// placeholders, and falls back to browser defaults when the spec has none.
func buildCurves(spec *fingerprint.TransportSpec) []tls.CurveID {
	groups := spec.SupportedGroups
	if len(groups) == 0 {
		groups = defaultGroups
	}
	curves := make([]tls.CurveID, 0, len(groups))
	for _, g := range groups {
		if fingerprint.IsGREASE(g) {
			if spec.DisableGREASE {
				continue
			}
			curves = append(curves, tls.CurveID(tls.GREASE_PLACEHOLDER))
			continue
		}
		curves = append(curves, tls.CurveID(g))
	}
	return curves
}
