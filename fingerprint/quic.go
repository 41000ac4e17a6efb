package fingerprint

import (
	"strconv"
	"strings"
)

// QUIC transport parameter IDs carried by browser Initials beyond the
// RFC 9000 set.
const (
	QUICParamVersionInfo   uint64 = 0x11   // version_information (RFC 9368)
	QUICParamGoogleVersion uint64 = 0x4752 // google_version (18258)
	QUICParamInitialRTT    uint64 = 0x3127 // initial_rtt (12583)
)

// ParseQUIC parses a QUIC Initial fingerprint.
//
// Format: VERSION|CONNID|UDPMIN|PARAMS
//
//	VERSION decimal or 0x-prefixed hex QUIC version (1 = QUICv1)
//	CONNID  srcLen-destLen-pnLen-tokenLen, all decimal byte counts
//	UDPMIN  minimum UDP payload size for Initial packets, 0 for the
//	        transport default
//	PARAMS  "id:value" transport parameters, ';'-joined, order kept;
//	        "0" or empty for none. IDs and values accept decimal or
//	        0x-prefixed hex.
//
// Example (Chrome): "1|8-8-1-0|1250|12583:230000"
func ParseQUIC(fp string) (*QUICShape, error) {
	parts := strings.Split(fp, "|")
	if len(parts) != 4 {
		return nil, parseErrorf("quic", -1, "expected 4 pipe-separated fields, got %d", len(parts))
	}

	version, err := parseUintAuto(parts[0], 32)
	if err != nil {
		return nil, parseErrorf("quic", 0, "invalid version %q", parts[0])
	}

	connID := strings.Split(strings.TrimSpace(parts[1]), "-")
	if len(connID) != 4 {
		return nil, parseErrorf("quic", 1, "expected srcLen-destLen-pnLen-tokenLen, got %q", parts[1])
	}
	lens := make([]int, 4)
	for i, field := range connID {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || n < 0 || n > 255 {
			return nil, parseErrorf("quic", 1, "invalid length %q", field)
		}
		lens[i] = n
	}

	udpMin := 0
	if w := strings.TrimSpace(parts[2]); w != "" && w != "0" {
		udpMin, err = strconv.Atoi(w)
		if err != nil || udpMin < 0 || udpMin > 65535 {
			return nil, parseErrorf("quic", 2, "invalid minimum UDP size %q", parts[2])
		}
	}

	params, err := parseQUICParams(parts[3])
	if err != nil {
		return nil, err
	}

	return &QUICShape{
		Version:         uint32(version),
		SrcConnIDLen:    lens[0],
		DestConnIDLen:   lens[1],
		PacketNumberLen: lens[2],
		TokenLen:        lens[3],
		UDPMinSize:      udpMin,
		Params:          params,
	}, nil
}

func parseQUICParams(s string) ([]QUICParam, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil, nil
	}
	pairs := strings.Split(s, ";")
	params := make([]QUICParam, 0, len(pairs))
	for i, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, parseErrorf("quic", 3, "parameter %d: %q is not id:value", i, pair)
		}
		id, err := parseUintAuto(kv[0], 64)
		if err != nil {
			return nil, parseErrorf("quic", 3, "parameter %d: invalid id %q", i, kv[0])
		}
		val, err := parseUintAuto(kv[1], 64)
		if err != nil {
			return nil, parseErrorf("quic", 3, "parameter %d: invalid value %q", i, kv[1])
		}
		params = append(params, QUICParam{ID: id, Val: val})
	}
	return params, nil
}

// parseUintAuto parses decimal or 0x-prefixed hex.
func parseUintAuto(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, bits)
	}
	return strconv.ParseUint(s, 10, bits)
}

// quicDerivable lists the JA4R prefixes QUIC Initial shapes are known for.
// Browsers that speak h3 today all pad Initials the same way and use 8-byte
// connection IDs, so the curated entries share one shape.
var quicDerivable = map[string]bool{
	"q13d0310h3": true,
	"q13d0311h3": true,
	"q13d0312h3": true,
	"q13i0310h3": true,
	"q13i0311h3": true,
	"q13i0312h3": true,
}

// DeriveQUICShape maps a QUIC-transport JA4R onto a known Initial shape.
// It reports false when the prefix is not in the curated set; callers must
// then demand an explicit QUIC fingerprint rather than guess.
func DeriveQUICShape(ja4r string) (*QUICShape, bool) {
	prefix, _, _ := strings.Cut(ja4r, "_")
	if len(prefix) != 10 || prefix[0] != 'q' {
		return nil, false
	}
	if !quicDerivable[prefix] {
		return nil, false
	}
	return &QUICShape{
		Version:         1,
		SrcConnIDLen:    8,
		DestConnIDLen:   8,
		PacketNumberLen: 1,
		TokenLen:        0,
		UDPMinSize:      1250,
	}, true
}
