package transport

import (
	"net"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/net/http2"
	tls "github.com/sardanioss/utls"

	"github.com/sardanioss/mimic/fingerprint"
)

// h2Carrier multiplexes requests over one HTTP/2 connection. The underlying
// TLS connection is wrapped in a shapedConn so the connection preamble and
// per-request priority fields match the fingerprint; header order flows
// through the http fork's order keys and needs no rewriting here.
type h2Carrier struct {
	uconn *tls.UConn
	cc    *http2.ClientConn
	host  string
	port  string
}

func newH2Carrier(uconn *tls.UConn, shape *fingerprint.HTTP2Shape, host, port string) (*h2Carrier, error) {
	var conn net.Conn = uconn
	if shape != nil {
		conn = newShapedConn(uconn, shape)
	}
	wrapped := &tlsConnWrapper{Conn: conn, tlsConn: uconn}

	t := &http2.Transport{
		AllowHTTP:                  false,
		DisableCompression:         false,
		StrictMaxConcurrentStreams: false,
	}
	// Align the transport's limits with what the shaped SETTINGS frame
	// announces, so HPACK tables and frame acceptance agree with the wire.
	if shape != nil {
		for _, s := range shape.Settings {
			switch s.ID {
			case fingerprint.Setting2HeaderTableSize:
				t.MaxDecoderHeaderTableSize = s.Val
				t.MaxEncoderHeaderTableSize = s.Val
			case fingerprint.Setting2MaxFrameSize:
				t.MaxReadFrameSize = s.Val
			case fingerprint.Setting2MaxHeaderListSize:
				t.MaxHeaderListSize = s.Val
			}
		}
	}

	cc, err := t.NewClientConn(wrapped)
	if err != nil {
		return nil, err
	}
	return &h2Carrier{uconn: uconn, cc: cc, host: host, port: port}, nil
}

func (c *h2Carrier) Protocol() string { return "h2" }

func (c *h2Carrier) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := c.cc.RoundTrip(req)
	if err != nil {
		return nil, WrapError("roundtrip", c.host, c.port, "h2", err)
	}
	return resp, nil
}

func (c *h2Carrier) Reusable() bool { return c.cc.CanTakeNewRequest() }

func (c *h2Carrier) Close() error {
	err := c.cc.Close()
	c.uconn.Close()
	return err
}
