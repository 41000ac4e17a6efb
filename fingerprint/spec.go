// Package fingerprint parses TLS, HTTP/2 and QUIC fingerprint strings into
// a normalized TransportSpec, and manages the browser-profile registry.
//
// The package is deliberately free of TLS-library types: a TransportSpec is
// plain integers and strings, so the ClientHello synthesizer (package
// clienthello) can be swapped without reshaping the parser or the pool.
package fingerprint

import (
	"errors"
	"fmt"
	"hash/fnv"
)

// ErrParse is the category every ParseError matches with errors.Is. The
// transport package aliases it as ErrFingerprintParse so callers classify
// all engine errors against one set of sentinels.
var ErrParse = errors.New("malformed fingerprint")

// TLS protocol versions as they appear in fingerprint strings.
const (
	VersionTLS10 uint16 = 0x0301
	VersionTLS11 uint16 = 0x0302
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// GREASEPlaceholder is the canonical GREASE value (RFC 8701) used to mark a
// GREASE slot inside a parsed spec. Slot positions come from the input
// fingerprint; the synthesizer replaces each slot with a fresh random GREASE
// value at handshake time, so reparsing the same input always yields a
// structurally equal spec.
const GREASEPlaceholder uint16 = 0x0a0a

// IsGREASE reports whether v is a TLS GREASE value (RFC 8701).
func IsGREASE(v uint16) bool {
	return (v & 0x0f0f) == 0x0a0a
}

// TransportSpec is the canonical, fingerprint-derived description of how to
// dial. It is immutable once parsed; retry paths that need a modified spec
// (for example the TLS 1.3 curve rewrite) work on a Clone.
type TransportSpec struct {
	TLSVersMin uint16
	TLSVersMax uint16

	// CipherSuites, Extensions and SupportedGroups preserve the exact order
	// of the source fingerprint, GREASE slots included.
	CipherSuites    []uint16
	Extensions      []uint16
	SupportedGroups []uint16
	PointFormats    []uint8

	// SignatureAlgorithms comes from JA4R when present; empty means the
	// synthesizer supplies browser defaults.
	SignatureAlgorithms []uint16

	// ALPN protocols in preference order. Empty means synthesizer defaults.
	ALPN []string

	// DisableGREASE omits every GREASE slot entirely (required for
	// byte-exact JA4R reproduction).
	DisableGREASE bool

	HTTP2 *HTTP2Shape
	QUIC  *QUICShape

	// Source strings, kept for fallback decisions and diagnostics. JA4R
	// non-empty means cipher/extension order and signature algorithms came
	// from JA4R.
	JA3  string
	JA4R string
}

// Clone returns a deep copy. The copy may be mutated freely.
func (s *TransportSpec) Clone() *TransportSpec {
	if s == nil {
		return nil
	}
	out := *s
	out.CipherSuites = append([]uint16(nil), s.CipherSuites...)
	out.Extensions = append([]uint16(nil), s.Extensions...)
	out.SupportedGroups = append([]uint16(nil), s.SupportedGroups...)
	out.PointFormats = append([]uint8(nil), s.PointFormats...)
	out.SignatureAlgorithms = append([]uint16(nil), s.SignatureAlgorithms...)
	out.ALPN = append([]string(nil), s.ALPN...)
	out.HTTP2 = s.HTTP2.clone()
	out.QUIC = s.QUIC.clone()
	return &out
}

// DerivedFromJA4R reports whether cipher/extension ordering came from a JA4R
// string. The TLS 1.2 JA3 fallback (transport package) only applies to such
// specs.
func (s *TransportSpec) DerivedFromJA4R() bool {
	return s.JA4R != ""
}

// HasExtension reports whether the spec's extension list mentions id.
func (s *TransportSpec) HasExtension(id uint16) bool {
	for _, e := range s.Extensions {
		if e == id {
			return true
		}
	}
	return false
}

// HelloSum is a stable hash of every field that shapes the ClientHello.
// Two specs with equal HelloSum dial byte-identical handshakes (GREASE slot
// contents aside), which makes the sum safe to use in pool keys.
func (s *TransportSpec) HelloSum() uint64 {
	h := fnv.New64a()
	w16 := func(v uint16) { h.Write([]byte{byte(v >> 8), byte(v)}) }
	w16(s.TLSVersMin)
	w16(s.TLSVersMax)
	h.Write([]byte{'c'})
	for _, c := range s.CipherSuites {
		w16(c)
	}
	h.Write([]byte{'e'})
	for _, e := range s.Extensions {
		w16(e)
	}
	h.Write([]byte{'g'})
	for _, g := range s.SupportedGroups {
		w16(g)
	}
	h.Write([]byte{'p'})
	h.Write(s.PointFormats)
	h.Write([]byte{'s'})
	for _, a := range s.SignatureAlgorithms {
		w16(a)
	}
	h.Write([]byte{'a'})
	for _, p := range s.ALPN {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	if s.DisableGREASE {
		h.Write([]byte{1})
	}
	return h.Sum64()
}

// ShapeSum hashes the HTTP/2 shape, or returns 0 when the spec has none.
func (s *TransportSpec) ShapeSum() uint64 {
	if s.HTTP2 == nil {
		return 0
	}
	return s.HTTP2.Sum()
}

// HTTP2Setting is one SETTINGS entry. Order matters: the shaper emits
// entries exactly as listed and emits nothing else.
type HTTP2Setting struct {
	ID  uint16
	Val uint32
}

// StreamPriority describes HTTP/2 priority data: either the priority fields
// carried on a request HEADERS frame, or a standalone PRIORITY frame for the
// given stream.
type StreamPriority struct {
	StreamID  uint32
	Exclusive bool
	DependsOn uint32
	Weight    uint8 // wire value; effective weight is Weight+1
}

// HTTP2Shape is the parsed form of an Akamai-format HTTP/2 fingerprint.
//
// Settings absent from the fingerprint are omitted from the SETTINGS frame,
// not filled with defaults. That deviates from the RFC 7540 expectation that
// peers announce defaults, and is intentional: an omitted setting is part of
// the shape being reproduced, and the peer applies RFC defaults on its side.
type HTTP2Shape struct {
	Settings     []HTTP2Setting
	WindowUpdate uint32
	Priorities   []StreamPriority
	PseudoOrder  []string
}

func (h *HTTP2Shape) clone() *HTTP2Shape {
	if h == nil {
		return nil
	}
	out := *h
	out.Settings = append([]HTTP2Setting(nil), h.Settings...)
	out.Priorities = append([]StreamPriority(nil), h.Priorities...)
	out.PseudoOrder = append([]string(nil), h.PseudoOrder...)
	return &out
}

// Sum is a stable hash of the shape, used in pool keys.
func (h *HTTP2Shape) Sum() uint64 {
	sum := fnv.New64a()
	for _, s := range h.Settings {
		fmt.Fprintf(sum, "%d:%d;", s.ID, s.Val)
	}
	fmt.Fprintf(sum, "|%d|", h.WindowUpdate)
	for _, p := range h.Priorities {
		fmt.Fprintf(sum, "%d:%t:%d:%d,", p.StreamID, p.Exclusive, p.DependsOn, p.Weight)
	}
	sum.Write([]byte{'|'})
	for _, o := range h.PseudoOrder {
		sum.Write([]byte(o))
	}
	return sum.Sum64()
}

// HeaderPriority returns the priority fields to carry on request HEADERS
// frames: the single-entry form of the fingerprint's priority field. A
// multi-entry list (Firefox style) primes idle streams instead and leaves
// request HEADERS unflagged.
func (h *HTTP2Shape) HeaderPriority() *StreamPriority {
	if len(h.Priorities) == 1 {
		p := h.Priorities[0]
		return &p
	}
	return nil
}

// PriorityFrames returns the PRIORITY frames to write right after SETTINGS
// and WINDOW_UPDATE, one per listed stream. Only multi-entry priority
// fields produce frames.
func (h *HTTP2Shape) PriorityFrames() []StreamPriority {
	if len(h.Priorities) > 1 {
		return h.Priorities
	}
	return nil
}

// QUICParam is one QUIC transport parameter carried by a QUIC fingerprint.
type QUICParam struct {
	ID  uint64
	Val uint64
}

// QUICShape drives Initial-packet synthesis for the HTTP/3 engine.
type QUICShape struct {
	Version         uint32
	SrcConnIDLen    int
	DestConnIDLen   int
	PacketNumberLen int
	TokenLen        int
	UDPMinSize      int
	Params          []QUICParam
}

func (q *QUICShape) clone() *QUICShape {
	if q == nil {
		return nil
	}
	out := *q
	out.Params = append([]QUICParam(nil), q.Params...)
	return &out
}

// Sum is a stable hash of the shape, used in pool keys.
func (q *QUICShape) Sum() uint64 {
	if q == nil {
		return 0
	}
	sum := fnv.New64a()
	fmt.Fprintf(sum, "%d|%d-%d-%d-%d|%d|", q.Version, q.SrcConnIDLen, q.DestConnIDLen, q.PacketNumberLen, q.TokenLen, q.UDPMinSize)
	for _, p := range q.Params {
		fmt.Fprintf(sum, "%d:%d;", p.ID, p.Val)
	}
	return sum.Sum64()
}

// ParseError reports a malformed fingerprint string. Field names the input
// form ("ja3", "ja4r", "http2", "quic"), Position the offending list index
// (-1 when the problem is structural), and Reason the detail.
type ParseError struct {
	Field    string
	Position int
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("fingerprint: %s[%d]: %s", e.Field, e.Position, e.Reason)
	}
	return fmt.Sprintf("fingerprint: %s: %s", e.Field, e.Reason)
}

// Is matches ErrParse so errors.Is classification works without the sentinel
// appearing in a cause chain.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

func parseErrorf(field string, pos int, format string, args ...interface{}) *ParseError {
	return &ParseError{Field: field, Position: pos, Reason: fmt.Sprintf(format, args...)}
}
