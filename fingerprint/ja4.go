package fingerprint

import (
	"strconv"
	"strings"
)

// ParseJA4R parses a raw-form JA4 fingerprint into a TransportSpec.
//
// Format: <prefix>_<ciphers>_<extensions>[_<sigalgs>] where the prefix is
// t|q (TCP or QUIC), a two-digit TLS version, d|i (SNI domain or IP), a
// two-digit cipher count, a two-digit extension count, and the first+last
// characters of the first ALPN value. The three list segments are
// comma-joined four-digit hex values.
//
// Unlike the hashed JA4 form, the raw lists preserve the ClientHello order
// and are consumed as-is: the parser never re-sorts them.
func ParseJA4R(ja4r string) (*TransportSpec, error) {
	segments := strings.Split(ja4r, "_")
	if len(segments) < 3 || len(segments) > 4 {
		return nil, parseErrorf("ja4r", -1, "expected 3 or 4 underscore-separated segments, got %d", len(segments))
	}

	prefix := segments[0]
	if len(prefix) != 10 {
		return nil, parseErrorf("ja4r", 0, "prefix %q: expected 10 characters", prefix)
	}

	transport := prefix[0]
	if transport != 't' && transport != 'q' {
		return nil, parseErrorf("ja4r", 0, "prefix %q: transport must be 't' or 'q'", prefix)
	}

	maxVersion, ok := ja4Version(prefix[1:3])
	if !ok {
		return nil, parseErrorf("ja4r", 0, "prefix %q: unknown TLS version %q", prefix, prefix[1:3])
	}

	if sni := prefix[3]; sni != 'd' && sni != 'i' {
		return nil, parseErrorf("ja4r", 0, "prefix %q: SNI marker must be 'd' or 'i'", prefix)
	}

	cipherCount, err := strconv.Atoi(prefix[4:6])
	if err != nil {
		return nil, parseErrorf("ja4r", 0, "prefix %q: invalid cipher count", prefix)
	}
	extCount, err := strconv.Atoi(prefix[6:8])
	if err != nil {
		return nil, parseErrorf("ja4r", 0, "prefix %q: invalid extension count", prefix)
	}

	ciphers, err := parseCommaHexUint16("ja4r", 1, segments[1])
	if err != nil {
		return nil, err
	}
	extensions, err := parseCommaHexUint16("ja4r", 2, segments[2])
	if err != nil {
		return nil, err
	}
	var sigAlgs []uint16
	if len(segments) == 4 {
		sigAlgs, err = parseCommaHexUint16("ja4r", 3, segments[3])
		if err != nil {
			return nil, err
		}
	}

	if !ja4CountMatches(cipherCount, ciphers, 0) {
		return nil, parseErrorf("ja4r", 1, "declared %d ciphers, list has %d", cipherCount, len(ciphers))
	}
	if !ja4CountMatches(extCount, extensions, countSNIALPN(extensions)) {
		return nil, parseErrorf("ja4r", 2, "declared %d extensions, list has %d", extCount, len(extensions))
	}

	minVersion := VersionTLS12
	if minVersion > maxVersion {
		minVersion = maxVersion
	}
	if transport == 'q' {
		// QUIC mandates TLS 1.3.
		minVersion, maxVersion = VersionTLS13, VersionTLS13
	}

	return &TransportSpec{
		TLSVersMin:          minVersion,
		TLSVersMax:          maxVersion,
		CipherSuites:        ciphers,
		Extensions:          extensions,
		SignatureAlgorithms: sigAlgs,
		ALPN:                ja4ALPN(prefix[8:10], transport),
		JA4R:                ja4r,
	}, nil
}

// JA4RTransport returns the transport marker of a JA4R string ('t' or 'q'),
// or 0 when the string is too short to carry one.
func JA4RTransport(ja4r string) byte {
	if len(ja4r) == 0 || (ja4r[0] != 't' && ja4r[0] != 'q') {
		return 0
	}
	return ja4r[0]
}

// MergeJA4R combines a JA4R-derived spec with a JA3-derived one. JA4R wins
// for cipher order, extension order and signature algorithms; JA3 supplies
// the supported-groups and point-format data JA4R cannot carry. The inputs
// are not modified.
func MergeJA4R(ja4Spec, ja3Spec *TransportSpec) *TransportSpec {
	if ja4Spec == nil {
		return ja3Spec.Clone()
	}
	merged := ja4Spec.Clone()
	if ja3Spec == nil {
		return merged
	}
	if len(merged.SupportedGroups) == 0 {
		merged.SupportedGroups = append([]uint16(nil), ja3Spec.SupportedGroups...)
	}
	if len(merged.PointFormats) == 0 {
		merged.PointFormats = append([]uint8(nil), ja3Spec.PointFormats...)
	}
	merged.JA3 = ja3Spec.JA3
	return merged
}

// ja4Version maps the prefix version digits to a TLS version constant.
func ja4Version(s string) (uint16, bool) {
	switch s {
	case "10":
		return VersionTLS10, true
	case "11":
		return VersionTLS11, true
	case "12":
		return VersionTLS12, true
	case "13":
		return VersionTLS13, true
	}
	return 0, false
}

// ja4ALPN expands the two-character ALPN marker into the protocol list a
// browser with that marker actually offers. "00" means no ALPN extension
// content was observed.
func ja4ALPN(marker string, transport byte) []string {
	switch marker {
	case "h2":
		return []string{"h2", "http/1.1"}
	case "h1":
		return []string{"http/1.1"}
	case "h3":
		return []string{"h3"}
	case "00":
		return nil
	}
	if transport == 'q' {
		return []string{"h3"}
	}
	return nil
}

// ja4CountMatches checks a declared JA4 count against a parsed list. JA4
// counts exclude GREASE values, and the extension count additionally
// excludes SNI and ALPN; raw lists may carry any of those, so all three
// interpretations are accepted. Counts cap at 99.
func ja4CountMatches(declared int, values []uint16, sniALPN int) bool {
	if declared == 99 {
		return len(values) >= 99
	}
	grease := 0
	for _, v := range values {
		if IsGREASE(v) {
			grease++
		}
	}
	switch declared {
	case len(values), len(values) - grease, len(values) - grease - sniALPN:
		return true
	}
	return false
}

func countSNIALPN(extensions []uint16) int {
	n := 0
	for _, e := range extensions {
		if e == extServerName || e == extALPN {
			n++
		}
	}
	return n
}

// parseCommaHexUint16 parses a comma-joined list of four-digit hex values.
func parseCommaHexUint16(field string, fieldPos int, s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	result := make([]uint16, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 16, 16)
		if err != nil {
			return nil, parseErrorf(field, fieldPos, "list entry %d: invalid hex value %q", i, p)
		}
		result = append(result, uint16(v))
	}
	return result, nil
}
