package fingerprint

import (
	"strconv"
	"strings"
)

// HTTP/2 SETTINGS identifiers (RFC 7540 §6.5.2 plus RFC 8441/9218).
const (
	Setting2HeaderTableSize      uint16 = 0x1
	Setting2EnablePush           uint16 = 0x2
	Setting2MaxConcurrentStreams uint16 = 0x3
	Setting2InitialWindowSize    uint16 = 0x4
	Setting2MaxFrameSize         uint16 = 0x5
	Setting2MaxHeaderListSize    uint16 = 0x6
	Setting2EnableConnectProto   uint16 = 0x8
	Setting2NoRFC7540Priorities  uint16 = 0x9
)

// ParseHTTP2 parses an Akamai-format HTTP/2 fingerprint.
//
// Format: SETTINGS|WINDOW_UPDATE|PRIORITY|PSEUDO_HEADER_ORDER
//
//	SETTINGS            "id:value" pairs, ';' or ',' separated, order kept
//	WINDOW_UPDATE       decimal connection-level increment, 0 for none
//	PRIORITY            "0" for none, or "stream:exclusive:depends:weight"
//	                    groups comma-joined (a single group rides on request
//	                    HEADERS; several become PRIORITY frames)
//	PSEUDO_HEADER_ORDER comma-joined permutation of m,p,a,s
//
// Example (Chrome): "1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p"
//
// Settings keep exactly the entries given, in the order given; anything not
// mentioned is left out of the frame entirely.
func ParseHTTP2(fp string) (*HTTP2Shape, error) {
	parts := strings.Split(fp, "|")
	if len(parts) != 4 {
		return nil, parseErrorf("http2", -1, "expected 4 pipe-separated fields, got %d", len(parts))
	}

	shape := &HTTP2Shape{}

	settings, err := parseHTTP2Settings(parts[0])
	if err != nil {
		return nil, err
	}
	shape.Settings = settings

	if w := strings.TrimSpace(parts[1]); w != "" && w != "0" {
		windowUpdate, err := strconv.ParseUint(w, 10, 32)
		if err != nil {
			return nil, parseErrorf("http2", 1, "invalid window update %q", parts[1])
		}
		shape.WindowUpdate = uint32(windowUpdate)
	}

	priorities, err := parseHTTP2Priorities(parts[2])
	if err != nil {
		return nil, err
	}
	shape.Priorities = priorities

	pseudo, err := parsePseudoOrder(parts[3])
	if err != nil {
		return nil, err
	}
	shape.PseudoOrder = pseudo

	return shape, nil
}

// parseHTTP2Settings parses the SETTINGS field. Profile strings in the wild
// separate pairs with commas where the Akamai format uses semicolons; both
// are accepted. Unknown setting IDs are kept verbatim — they are part of the
// shape.
func parseHTTP2Settings(s string) ([]HTTP2Setting, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	sep := ";"
	if !strings.Contains(s, ";") && strings.Contains(s, ",") {
		sep = ","
	}
	pairs := strings.Split(s, sep)
	settings := make([]HTTP2Setting, 0, len(pairs))
	for i, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			return nil, parseErrorf("http2", 0, "settings pair %d: %q is not id:value", i, pair)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(kv[0]), 10, 16)
		if err != nil {
			return nil, parseErrorf("http2", 0, "settings pair %d: invalid id %q", i, kv[0])
		}
		val, err := strconv.ParseUint(strings.TrimSpace(kv[1]), 10, 32)
		if err != nil {
			return nil, parseErrorf("http2", 0, "settings pair %d: invalid value %q", i, kv[1])
		}
		settings = append(settings, HTTP2Setting{ID: uint16(id), Val: uint32(val)})
	}
	return settings, nil
}

// parseHTTP2Priorities parses the PRIORITY field: "0" (or empty) for none,
// otherwise comma-joined "stream:exclusive:depends:weight" groups.
func parseHTTP2Priorities(s string) ([]StreamPriority, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return nil, nil
	}
	groups := strings.Split(s, ",")
	priorities := make([]StreamPriority, 0, len(groups))
	for i, group := range groups {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		fields := strings.Split(group, ":")
		if len(fields) != 4 {
			return nil, parseErrorf("http2", 2, "priority group %d: %q is not stream:exclusive:depends:weight", i, group)
		}
		stream, err := strconv.ParseUint(fields[0], 10, 31)
		if err != nil {
			return nil, parseErrorf("http2", 2, "priority group %d: invalid stream id %q", i, fields[0])
		}
		excl, err := strconv.ParseUint(fields[1], 10, 1)
		if err != nil {
			return nil, parseErrorf("http2", 2, "priority group %d: invalid exclusive flag %q", i, fields[1])
		}
		depends, err := strconv.ParseUint(fields[2], 10, 31)
		if err != nil {
			return nil, parseErrorf("http2", 2, "priority group %d: invalid dependency %q", i, fields[2])
		}
		weight, err := strconv.ParseUint(fields[3], 10, 16)
		if err != nil || weight == 0 || weight > 256 {
			return nil, parseErrorf("http2", 2, "priority group %d: invalid weight %q", i, fields[3])
		}
		priorities = append(priorities, StreamPriority{
			StreamID:  uint32(stream),
			Exclusive: excl == 1,
			DependsOn: uint32(depends),
			Weight:    uint8(weight - 1), // wire format carries weight-1
		})
	}
	return priorities, nil
}

// parsePseudoOrder expands the m,p,a,s permutation into pseudo-header names.
func parsePseudoOrder(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	chars := strings.Split(s, ",")
	order := make([]string, 0, len(chars))
	seen := make(map[string]bool, 4)
	for _, ch := range chars {
		var name string
		switch strings.TrimSpace(ch) {
		case "m":
			name = ":method"
		case "p":
			name = ":path"
		case "a":
			name = ":authority"
		case "s":
			name = ":scheme"
		default:
			return nil, parseErrorf("http2", 3, "unknown pseudo-header identifier %q", ch)
		}
		if seen[name] {
			return nil, parseErrorf("http2", 3, "duplicate pseudo-header identifier %q", ch)
		}
		seen[name] = true
		order = append(order, name)
	}
	return order, nil
}
