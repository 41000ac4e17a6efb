package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sardanioss/mimic/fingerprint"
)

// recordConn captures everything written to it.
type recordConn struct {
	buf bytes.Buffer
}

func (c *recordConn) Read(p []byte) (int, error)         { return 0, io.EOF }
func (c *recordConn) Write(p []byte) (int, error)        { return c.buf.Write(p) }
func (c *recordConn) Close() error                       { return nil }
func (c *recordConn) LocalAddr() net.Addr                { return nil }
func (c *recordConn) RemoteAddr() net.Addr               { return nil }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

type frame struct {
	typ      byte
	flags    byte
	streamID uint32
	payload  []byte
}

// parseFrames splits raw bytes (after the preface) into frames.
func parseFrames(t *testing.T, data []byte) []frame {
	t.Helper()
	var frames []frame
	for len(data) > 0 {
		if len(data) < frameHeaderLen {
			t.Fatalf("trailing %d bytes are not a full frame header", len(data))
		}
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		if len(data) < frameHeaderLen+length {
			t.Fatalf("frame truncated: header says %d, %d available", length, len(data)-frameHeaderLen)
		}
		frames = append(frames, frame{
			typ:      data[3],
			flags:    data[4],
			streamID: binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff,
			payload:  data[frameHeaderLen : frameHeaderLen+length],
		})
		data = data[frameHeaderLen+length:]
	}
	return frames
}

func rawFrame(typ, flags byte, streamID uint32, payload []byte) []byte {
	f := make([]byte, frameHeaderLen+len(payload))
	f[0] = byte(len(payload) >> 16)
	f[1] = byte(len(payload) >> 8)
	f[2] = byte(len(payload))
	f[3] = typ
	f[4] = flags
	binary.BigEndian.PutUint32(f[5:9], streamID)
	copy(f[frameHeaderLen:], payload)
	return f
}

func chromeShape(t *testing.T) *fingerprint.HTTP2Shape {
	t.Helper()
	shape, err := fingerprint.ParseHTTP2("1:65536;2:0;4:6291456;6:262144|15663105|0|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseHTTP2: %v", err)
	}
	return shape
}

// transportOpening mimics what the HTTP/2 client normally writes first:
// preface, its own SETTINGS, and a connection WINDOW_UPDATE.
func transportOpening() []byte {
	var out []byte
	out = append(out, h2Preface...)
	settings := make([]byte, 0, 12)
	settings = binary.BigEndian.AppendUint16(settings, 0x2)
	settings = binary.BigEndian.AppendUint32(settings, 0)
	settings = binary.BigEndian.AppendUint16(settings, 0x4)
	settings = binary.BigEndian.AppendUint32(settings, 4194304)
	out = append(out, rawFrame(frameTypeSettings, 0, 0, settings)...)
	wu := binary.BigEndian.AppendUint32(nil, 1073741824)
	out = append(out, rawFrame(frameTypeWindowUpdate, 0, 0, wu)...)
	return out
}

func TestShapedConn_ReplacesOpening(t *testing.T) {
	rec := &recordConn{}
	sc := newShapedConn(rec, chromeShape(t))

	if _, err := sc.Write(transportOpening()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := rec.buf.Bytes()
	if !bytes.HasPrefix(out, h2Preface) {
		t.Fatal("output does not start with the connection preface")
	}
	frames := parseFrames(t, out[len(h2Preface):])
	if len(frames) != 2 {
		t.Fatalf("expected SETTINGS + WINDOW_UPDATE, got %d frames", len(frames))
	}

	if frames[0].typ != frameTypeSettings {
		t.Fatalf("first frame type = %#x, want SETTINGS", frames[0].typ)
	}
	want := []struct {
		id  uint16
		val uint32
	}{{0x1, 65536}, {0x2, 0}, {0x4, 6291456}, {0x6, 262144}}
	payload := frames[0].payload
	if len(payload) != 6*len(want) {
		t.Fatalf("SETTINGS payload = %d bytes, want %d", len(payload), 6*len(want))
	}
	for i, w := range want {
		id := binary.BigEndian.Uint16(payload[i*6:])
		val := binary.BigEndian.Uint32(payload[i*6+2:])
		if id != w.id || val != w.val {
			t.Errorf("setting %d = (%#x, %d), want (%#x, %d)", i, id, val, w.id, w.val)
		}
	}

	if frames[1].typ != frameTypeWindowUpdate || frames[1].streamID != 0 {
		t.Fatalf("second frame = type %#x stream %d, want connection WINDOW_UPDATE", frames[1].typ, frames[1].streamID)
	}
	if got := binary.BigEndian.Uint32(frames[1].payload); got != 15663105 {
		t.Errorf("window increment = %d, want 15663105", got)
	}
}

func TestShapedConn_NoWindowUpdateWhenZero(t *testing.T) {
	shape, err := fingerprint.ParseHTTP2("1:4096;4:32768|0|0|m,p,a,s")
	if err != nil {
		t.Fatalf("ParseHTTP2: %v", err)
	}
	rec := &recordConn{}
	sc := newShapedConn(rec, shape)

	if _, err := sc.Write(transportOpening()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frames := parseFrames(t, rec.buf.Bytes()[len(h2Preface):])
	if len(frames) != 1 {
		t.Fatalf("expected only SETTINGS, got %d frames", len(frames))
	}
	if frames[0].typ != frameTypeSettings {
		t.Fatalf("frame type = %#x, want SETTINGS", frames[0].typ)
	}
}

func TestShapedConn_EmitsPriorityFrames(t *testing.T) {
	shape, err := fingerprint.ParseHTTP2("1:65536|12517377|3:0:0:201,5:0:0:101,7:0:0:1|m,p,a,s")
	if err != nil {
		t.Fatalf("ParseHTTP2: %v", err)
	}
	rec := &recordConn{}
	sc := newShapedConn(rec, shape)

	if _, err := sc.Write(transportOpening()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frames := parseFrames(t, rec.buf.Bytes()[len(h2Preface):])
	if len(frames) != 5 {
		t.Fatalf("expected SETTINGS + WINDOW_UPDATE + 3 PRIORITY, got %d frames", len(frames))
	}
	wantStreams := []uint32{3, 5, 7}
	wantWeights := []byte{200, 100, 0} // wire carries weight-1
	for i, f := range frames[2:] {
		if f.typ != frameTypePriority {
			t.Fatalf("frame %d type = %#x, want PRIORITY", i+2, f.typ)
		}
		if f.streamID != wantStreams[i] {
			t.Errorf("PRIORITY %d stream = %d, want %d", i, f.streamID, wantStreams[i])
		}
		if f.payload[4] != wantWeights[i] {
			t.Errorf("PRIORITY %d weight = %d, want %d", i, f.payload[4], wantWeights[i])
		}
	}

	// Multi-entry priorities do not flag request HEADERS.
	headers := rawFrame(frameTypeHeaders, flagEndHeaders|flagEndStream, 1, []byte{0xaa, 0xbb})
	if _, err := sc.Write(headers); err != nil {
		t.Fatalf("Write headers: %v", err)
	}
	frames = parseFrames(t, rec.buf.Bytes()[len(h2Preface):])
	last := frames[len(frames)-1]
	if last.flags&flagPriority != 0 {
		t.Error("HEADERS gained a priority flag despite multi-entry priorities")
	}
}

func TestShapedConn_InjectsHeaderPriority(t *testing.T) {
	shape, err := fingerprint.ParseHTTP2("1:65536;4:131072|0|1:1:0:256|m,a,s,p")
	if err != nil {
		t.Fatalf("ParseHTTP2: %v", err)
	}
	rec := &recordConn{}
	sc := newShapedConn(rec, shape)

	fragment := []byte{0xde, 0xad, 0xbe, 0xef}
	var in []byte
	in = append(in, transportOpening()...)
	in = append(in, rawFrame(frameTypeHeaders, flagEndHeaders|flagEndStream, 1, fragment)...)
	if _, err := sc.Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	frames := parseFrames(t, rec.buf.Bytes()[len(h2Preface):])
	h := frames[len(frames)-1]
	if h.typ != frameTypeHeaders {
		t.Fatalf("last frame type = %#x, want HEADERS", h.typ)
	}
	if h.flags&flagPriority == 0 {
		t.Fatal("HEADERS missing the priority flag")
	}
	if h.flags&(flagEndHeaders|flagEndStream) != flagEndHeaders|flagEndStream {
		t.Error("original HEADERS flags were not preserved")
	}
	if len(h.payload) != 5+len(fragment) {
		t.Fatalf("payload = %d bytes, want %d", len(h.payload), 5+len(fragment))
	}
	dep := binary.BigEndian.Uint32(h.payload[:4])
	if dep&0x80000000 == 0 {
		t.Error("exclusive bit not set")
	}
	if dep&0x7fffffff != 0 {
		t.Errorf("dependency = %d, want 0", dep&0x7fffffff)
	}
	if h.payload[4] != 255 { // weight 256 on the wire is 255
		t.Errorf("weight byte = %d, want 255", h.payload[4])
	}
	if !bytes.Equal(h.payload[5:], fragment) {
		t.Error("header block fragment was modified")
	}

	// A second HEADERS on the same stream (trailers) stays untouched.
	trailers := rawFrame(frameTypeHeaders, flagEndHeaders, 1, []byte{0x01})
	if _, err := sc.Write(trailers); err != nil {
		t.Fatalf("Write trailers: %v", err)
	}
	frames = parseFrames(t, rec.buf.Bytes()[len(h2Preface):])
	tr := frames[len(frames)-1]
	if tr.flags&flagPriority != 0 {
		t.Error("trailer HEADERS gained a priority flag")
	}
}

func TestShapedConn_SplitWrites(t *testing.T) {
	rec := &recordConn{}
	sc := newShapedConn(rec, chromeShape(t))

	in := transportOpening()
	in = append(in, rawFrame(frameTypeHeaders, flagEndHeaders, 1, []byte{0x88})...)
	for _, b := range in {
		if _, err := sc.Write([]byte{b}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	out := rec.buf.Bytes()
	if !bytes.HasPrefix(out, h2Preface) {
		t.Fatal("preface missing with byte-at-a-time writes")
	}
	frames := parseFrames(t, out[len(h2Preface):])
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want SETTINGS + WINDOW_UPDATE + HEADERS", len(frames))
	}
}

func TestShapedConn_PassesUnrelatedFramesThrough(t *testing.T) {
	rec := &recordConn{}
	sc := newShapedConn(rec, chromeShape(t))

	data := rawFrame(0x0 /* DATA */, 0, 1, []byte("hello"))
	var in []byte
	in = append(in, transportOpening()...)
	in = append(in, data...)
	// A later connection WINDOW_UPDATE must survive; only the first is ours.
	wu2 := rawFrame(frameTypeWindowUpdate, 0, 0, binary.BigEndian.AppendUint32(nil, 1024))
	in = append(in, wu2...)

	if _, err := sc.Write(in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	frames := parseFrames(t, rec.buf.Bytes()[len(h2Preface):])
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	if got := frames[2]; got.typ != 0x0 || !bytes.Equal(got.payload, []byte("hello")) {
		t.Error("DATA frame did not pass through intact")
	}
	if got := frames[3]; got.typ != frameTypeWindowUpdate || binary.BigEndian.Uint32(got.payload) != 1024 {
		t.Error("subsequent WINDOW_UPDATE did not pass through")
	}
}

func TestShapedConn_RawFallbackForNonHTTP2(t *testing.T) {
	rec := &recordConn{}
	sc := newShapedConn(rec, chromeShape(t))

	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	if _, err := sc.Write(req); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := sc.Write([]byte("more")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := rec.buf.String(); got != string(req)+"more" {
		t.Errorf("raw bytes altered:\n%q", got)
	}
}

func TestWithPriorityField_ReplacesExisting(t *testing.T) {
	p := &fingerprint.StreamPriority{Exclusive: false, DependsOn: 13, Weight: 41}
	orig := make([]byte, 0, 5+3)
	orig = binary.BigEndian.AppendUint32(orig, 0x80000000) // old: exclusive on 0
	orig = append(orig, 219)
	orig = append(orig, 0x11, 0x22, 0x33)
	in := rawFrame(frameTypeHeaders, flagEndHeaders|flagPriority, 5, orig)

	out := withPriorityField(in, p)
	if len(out) != len(in) {
		t.Fatalf("length changed from %d to %d when replacing in place", len(in), len(out))
	}
	dep := binary.BigEndian.Uint32(out[frameHeaderLen : frameHeaderLen+4])
	if dep != 13 {
		t.Errorf("dependency = %#x, want 13 with exclusive clear", dep)
	}
	if out[frameHeaderLen+4] != 41 {
		t.Errorf("weight = %d, want 41", out[frameHeaderLen+4])
	}
	if !bytes.Equal(out[frameHeaderLen+5:], []byte{0x11, 0x22, 0x33}) {
		t.Error("fragment altered")
	}
}

func TestSettingsFrame_Empty(t *testing.T) {
	f := settingsFrame(nil)
	if len(f) != frameHeaderLen {
		t.Fatalf("empty SETTINGS frame = %d bytes, want bare header", len(f))
	}
	if f[3] != frameTypeSettings {
		t.Errorf("type = %#x", f[3])
	}
}
