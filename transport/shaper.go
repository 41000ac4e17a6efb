package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"sync"

	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/mimic/fingerprint"
)

// HTTP/2 frame types the shaper cares about.
const (
	frameTypeHeaders      = 0x1
	frameTypePriority     = 0x2
	frameTypeSettings     = 0x4
	frameTypeWindowUpdate = 0x8
)

// HEADERS frame flags.
const (
	flagEndStream  = 0x1
	flagEndHeaders = 0x4
	flagPadded     = 0x8
	flagPriority   = 0x20
)

const frameHeaderLen = 9

var h2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// shapedConn sits between the HTTP/2 transport and the TLS connection and
// rewrites the client's opening bytes to match an HTTP2Shape:
//
//   - the first SETTINGS frame is replaced with one carrying exactly the
//     shape's entries, in the shape's order;
//   - a connection WINDOW_UPDATE follows immediately when the shape declares
//     an increment, and the transport's own first connection WINDOW_UPDATE
//     is swallowed either way;
//   - multi-entry priority shapes emit their PRIORITY frames next;
//   - the first HEADERS frame of every request stream gains the shape's
//     priority fields when the shape carries a single entry.
//
// Everything else passes through untouched. Frames can arrive split across
// Write calls, so input is buffered until a full frame is visible.
type shapedConn struct {
	net.Conn
	shape *fingerprint.HTTP2Shape

	mu            sync.Mutex
	buf           bytes.Buffer
	raw           bool // not HTTP/2; shaping disabled
	sentPreface   bool
	sentSettings  bool
	settledWindow bool
	primed        map[uint32]bool
}

func newShapedConn(conn net.Conn, shape *fingerprint.HTTP2Shape) *shapedConn {
	return &shapedConn{
		Conn:   conn,
		shape:  shape,
		primed: make(map[uint32]bool),
	}
}

func (c *shapedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.raw {
		return c.Conn.Write(p)
	}
	c.buf.Write(p)

	for c.buf.Len() > 0 {
		data := c.buf.Bytes()

		if !c.sentPreface {
			if len(data) < len(h2Preface) {
				break
			}
			if !bytes.Equal(data[:len(h2Preface)], h2Preface) {
				// Not HTTP/2 after all; stop interfering.
				c.raw = true
				if _, err := c.Conn.Write(data); err != nil {
					return 0, err
				}
				c.buf.Reset()
				break
			}
			if _, err := c.Conn.Write(h2Preface); err != nil {
				return 0, err
			}
			c.buf.Next(len(h2Preface))
			c.sentPreface = true
			continue
		}

		if len(data) < frameHeaderLen {
			break
		}
		length := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		frameSize := frameHeaderLen + length
		if len(data) < frameSize {
			break
		}

		frameType := data[3]
		flags := data[4]
		streamID := binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff

		switch {
		case frameType == frameTypeSettings && flags&0x1 == 0 && !c.sentSettings:
			if err := c.writeOpening(); err != nil {
				return 0, err
			}
			c.sentSettings = true
			c.buf.Next(frameSize)
			continue

		case frameType == frameTypeWindowUpdate && streamID == 0 && !c.settledWindow:
			// Ours (if any) already followed SETTINGS; drop the
			// transport's initial connection-level update.
			c.settledWindow = true
			c.buf.Next(frameSize)
			continue

		case frameType == frameTypeHeaders && streamID > 0 && !c.primed[streamID]:
			c.primed[streamID] = true
			if hp := c.shape.HeaderPriority(); hp != nil {
				frame := withPriorityField(data[:frameSize], hp)
				if _, err := c.Conn.Write(frame); err != nil {
					return 0, err
				}
				c.buf.Next(frameSize)
				continue
			}
		}

		if _, err := c.Conn.Write(data[:frameSize]); err != nil {
			return 0, err
		}
		c.buf.Next(frameSize)
	}

	return len(p), nil
}

// writeOpening emits the shape's replacement for the transport's first
// SETTINGS frame: SETTINGS, then WINDOW_UPDATE when declared, then any
// PRIORITY frames.
func (c *shapedConn) writeOpening() error {
	if _, err := c.Conn.Write(settingsFrame(c.shape.Settings)); err != nil {
		return err
	}
	if c.shape.WindowUpdate > 0 {
		if _, err := c.Conn.Write(windowUpdateFrame(c.shape.WindowUpdate)); err != nil {
			return err
		}
	}
	for _, p := range c.shape.PriorityFrames() {
		if _, err := c.Conn.Write(priorityFrame(p)); err != nil {
			return err
		}
	}
	return nil
}

// settingsFrame encodes the entries exactly as listed. Entries the shape
// does not mention are absent, not defaulted.
func settingsFrame(settings []fingerprint.HTTP2Setting) []byte {
	payloadLen := 6 * len(settings)
	frame := make([]byte, frameHeaderLen, frameHeaderLen+payloadLen)
	frame[0] = byte(payloadLen >> 16)
	frame[1] = byte(payloadLen >> 8)
	frame[2] = byte(payloadLen)
	frame[3] = frameTypeSettings
	for _, s := range settings {
		frame = binary.BigEndian.AppendUint16(frame, s.ID)
		frame = binary.BigEndian.AppendUint32(frame, s.Val)
	}
	return frame
}

func windowUpdateFrame(increment uint32) []byte {
	frame := make([]byte, frameHeaderLen+4)
	frame[2] = 4
	frame[3] = frameTypeWindowUpdate
	binary.BigEndian.PutUint32(frame[frameHeaderLen:], increment&0x7fffffff)
	return frame
}

func priorityFrame(p fingerprint.StreamPriority) []byte {
	frame := make([]byte, frameHeaderLen+5)
	frame[2] = 5
	frame[3] = frameTypePriority
	binary.BigEndian.PutUint32(frame[5:9], p.StreamID&0x7fffffff)
	dep := p.DependsOn & 0x7fffffff
	if p.Exclusive {
		dep |= 0x80000000
	}
	binary.BigEndian.PutUint32(frame[frameHeaderLen:], dep)
	frame[frameHeaderLen+4] = p.Weight
	return frame
}

// withPriorityField returns a copy of a HEADERS frame carrying the given
// priority fields. The header block is untouched; only the frame header and
// the five priority bytes change, so no HPACK state is disturbed.
func withPriorityField(frame []byte, p *fingerprint.StreamPriority) []byte {
	flags := frame[4]

	fieldOff := frameHeaderLen
	if flags&flagPadded != 0 {
		fieldOff++ // pad length byte precedes the priority fields
	}

	var out []byte
	if flags&flagPriority != 0 {
		out = append([]byte(nil), frame...)
	} else {
		out = make([]byte, 0, len(frame)+5)
		out = append(out, frame[:fieldOff]...)
		out = append(out, 0, 0, 0, 0, 0)
		out = append(out, frame[fieldOff:]...)
		newLen := len(out) - frameHeaderLen
		out[0] = byte(newLen >> 16)
		out[1] = byte(newLen >> 8)
		out[2] = byte(newLen)
		out[4] = flags | flagPriority
	}

	dep := p.DependsOn & 0x7fffffff
	if p.Exclusive {
		dep |= 0x80000000
	}
	binary.BigEndian.PutUint32(out[fieldOff:fieldOff+4], dep)
	out[fieldOff+4] = p.Weight
	return out
}

// tlsConnWrapper exposes the TLS state of the shaped connection to the
// HTTP/2 transport, which needs it for verification and ALPN checks.
type tlsConnWrapper struct {
	net.Conn
	tlsConn *tls.UConn
}

func (w *tlsConnWrapper) ConnectionState() tls.ConnectionState {
	return w.tlsConn.ConnectionState()
}
