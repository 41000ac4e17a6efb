package fingerprint

import (
	"strconv"
	"strings"
)

// ParseJA3 parses a JA3 fingerprint string into a TransportSpec.
//
// Format: TLSVersion,CipherSuites,Extensions,EllipticCurves,PointFormats
// with dash-separated decimal values inside each list field.
//
// GREASE values are kept in place: their positions are part of the
// fingerprint, their contents are randomized per handshake by the
// synthesizer. Extension IDs the synthesizer does not recognize become raw
// zero-length extensions, so unknown IDs are not a parse error.
func ParseJA3(ja3 string) (*TransportSpec, error) {
	parts := strings.Split(ja3, ",")
	if len(parts) != 5 {
		return nil, parseErrorf("ja3", -1, "expected 5 comma-separated fields, got %d", len(parts))
	}

	tlsVersion, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 16)
	if err != nil {
		return nil, parseErrorf("ja3", 0, "invalid TLS version %q", parts[0])
	}

	ciphers, err := parseDashSeparatedUint16("ja3", 1, parts[1])
	if err != nil {
		return nil, err
	}
	if len(ciphers) == 0 {
		return nil, parseErrorf("ja3", 1, "empty cipher list")
	}

	extensions, err := parseDashSeparatedUint16("ja3", 2, parts[2])
	if err != nil {
		return nil, err
	}

	curves, err := parseDashSeparatedUint16("ja3", 3, parts[3])
	if err != nil {
		return nil, err
	}

	pointFormats, err := parseDashSeparatedUint8("ja3", 4, parts[4])
	if err != nil {
		return nil, err
	}

	spec := &TransportSpec{
		CipherSuites:    ciphers,
		Extensions:      extensions,
		SupportedGroups: curves,
		PointFormats:    pointFormats,
		JA3:             ja3,
	}
	spec.TLSVersMin, spec.TLSVersMax = ja3VersionRange(uint16(tlsVersion), extensions)

	return spec, nil
}

// ja3VersionRange derives the negotiable version range. The JA3 version
// field records the ClientHello legacy_version, which stays 0x0303 even for
// TLS 1.3 clients; the real maximum is signalled by the supported_versions
// extension (43). Minimum is pinned to TLS 1.2 — modern servers reject
// anything older, and the handshake driver can widen it when a caller
// insists.
func ja3VersionRange(recorded uint16, extensions []uint16) (min, max uint16) {
	min = VersionTLS12
	max = recorded
	for _, id := range extensions {
		if id == extSupportedVersions {
			max = VersionTLS13
			break
		}
	}
	if max < VersionTLS12 {
		max = VersionTLS12
	}
	if min > max {
		min = max
	}
	return min, max
}

// Extension IDs the parser itself needs to recognize. The full ID-to-content
// mapping lives in the synthesizer.
const (
	extServerName        uint16 = 0
	extSupportedGroups   uint16 = 10
	extALPN              uint16 = 16
	extSignatureAlgs     uint16 = 13
	extSupportedVersions uint16 = 43
)

// parseDashSeparatedUint16 parses a dash-separated string of decimal uint16
// values. Empty input yields an empty list.
func parseDashSeparatedUint16(field string, fieldPos int, s string) ([]uint16, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint16, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, parseErrorf(field, fieldPos, "list entry %d: invalid value %q", i, p)
		}
		result = append(result, uint16(v))
	}
	return result, nil
}

// parseDashSeparatedUint8 parses a dash-separated string of decimal uint8
// values.
func parseDashSeparatedUint8(field string, fieldPos int, s string) ([]uint8, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "-")
	result := make([]uint8, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, parseErrorf(field, fieldPos, "list entry %d: invalid value %q", i, p)
		}
		result = append(result, uint8(v))
	}
	return result, nil
}
