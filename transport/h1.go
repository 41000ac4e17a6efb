package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	http "github.com/sardanioss/http"
)

// h1Carrier drives HTTP/1.1 over a single connection, TLS or plaintext.
// Requests are written by hand so the header order requested via
// http.HeaderOrderKey survives onto the wire; net/http-style transports
// would re-sort headers and destroy the fingerprint.
//
// One exchange at a time: the carrier stays busy until the response body is
// drained or closed, and the pool hands it out under an exclusive lease.
type h1Carrier struct {
	conn net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer
	host string
	port string

	mu    sync.Mutex
	busy  bool
	alive bool
}

func newH1Carrier(conn net.Conn, host, port string) *h1Carrier {
	return &h1Carrier{
		conn:  conn,
		br:    bufio.NewReaderSize(conn, 4096),
		bw:    bufio.NewWriterSize(conn, 4096),
		host:  host,
		port:  port,
		alive: true,
	}
}

func (c *h1Carrier) Protocol() string { return "h1" }

func (c *h1Carrier) Reusable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive && !c.busy
}

func (c *h1Carrier) Close() error {
	c.mu.Lock()
	c.alive = false
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *h1Carrier) RoundTrip(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	if !c.alive {
		c.mu.Unlock()
		return nil, NewConnectionError("roundtrip", c.host, c.port, "h1", errConnClosed)
	}
	if c.busy {
		c.mu.Unlock()
		return nil, NewConnectionError("roundtrip", c.host, c.port, "h1", errConnBusy)
	}
	c.busy = true
	c.mu.Unlock()

	if deadline, ok := req.Context().Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}

	if err := c.writeRequest(req); err != nil {
		c.fail()
		return nil, WrapError("roundtrip", c.host, c.port, "h1", err)
	}

	resp, err := http.ReadResponse(c.br, req)
	if err != nil {
		c.fail()
		return nil, WrapError("roundtrip", c.host, c.port, "h1", err)
	}

	keep := shouldKeepAlive(req, resp)
	resp.Body = &drainTracker{body: resp.Body, carrier: c, keep: keep}
	return resp, nil
}

func (c *h1Carrier) fail() {
	c.mu.Lock()
	c.busy = false
	c.alive = false
	c.mu.Unlock()
}

// finish releases the carrier after a body is done. A body closed before
// EOF leaves unread bytes on the wire, so the connection cannot be reused.
func (c *h1Carrier) finish(clean bool) {
	c.mu.Lock()
	if c.busy {
		c.busy = false
		if !clean {
			c.alive = false
		}
	}
	c.mu.Unlock()
}

func (c *h1Carrier) writeRequest(req *http.Request) error {
	uri := req.URL.RequestURI()
	if uri == "" {
		uri = "/"
	}
	fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, uri)

	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	fmt.Fprintf(c.bw, "Host: %s\r\n", host)

	c.writeOrderedHeaders(req)
	c.bw.WriteString("\r\n")
	if err := c.bw.Flush(); err != nil {
		return err
	}

	if req.Body != nil {
		if _, err := io.Copy(c.bw, req.Body); err != nil {
			req.Body.Close()
			return err
		}
		req.Body.Close()
		return c.bw.Flush()
	}
	return nil
}

// writeOrderedHeaders emits headers in the order listed under
// http.HeaderOrderKey, then whatever the list does not mention. Host is
// always first (written by the caller) and the order keys themselves never
// reach the wire.
func (c *h1Carrier) writeOrderedHeaders(req *http.Request) {
	written := map[string]bool{"Host": true}

	writeKey := func(key string) {
		canon := textproto.CanonicalMIMEHeaderKey(key)
		if written[canon] {
			return
		}
		if canon == "Content-Length" {
			written[canon] = true
			c.writeContentLength(req)
			return
		}
		values, ok := req.Header[canon]
		if !ok {
			values, ok = req.Header[key]
		}
		if !ok {
			return
		}
		written[canon] = true
		for _, v := range values {
			fmt.Fprintf(c.bw, "%s: %s\r\n", canon, v)
		}
	}

	for _, key := range req.Header[http.HeaderOrderKey] {
		writeKey(key)
	}

	for key := range req.Header {
		if key == http.HeaderOrderKey || key == http.PHeaderOrderKey {
			continue
		}
		writeKey(key)
	}

	if !written["Content-Length"] && req.Body != nil && req.ContentLength >= 0 {
		c.writeContentLength(req)
	}
	if !written["Connection"] {
		c.bw.WriteString("Connection: keep-alive\r\n")
	}
}

// writeContentLength prefers an explicit header, then the request's
// ContentLength. A present body with length zero still announces itself so
// the server does not wait for one.
func (c *h1Carrier) writeContentLength(req *http.Request) {
	if values, ok := req.Header["Content-Length"]; ok {
		for _, v := range values {
			fmt.Fprintf(c.bw, "Content-Length: %s\r\n", v)
		}
		return
	}
	if req.ContentLength > 0 {
		fmt.Fprintf(c.bw, "Content-Length: %d\r\n", req.ContentLength)
	} else if req.Body != nil {
		c.bw.WriteString("Content-Length: 0\r\n")
	}
}

func shouldKeepAlive(req *http.Request, resp *http.Response) bool {
	if strings.EqualFold(resp.Header.Get("Connection"), "close") {
		return false
	}
	if strings.EqualFold(req.Header.Get("Connection"), "close") {
		return false
	}
	if resp.ProtoMajor == 1 && resp.ProtoMinor >= 1 {
		return true
	}
	return strings.EqualFold(resp.Header.Get("Connection"), "keep-alive")
}

// drainTracker watches a response body and reports back to the carrier when
// the exchange is over. EOF marks a clean finish; Close before EOF poisons
// the connection.
type drainTracker struct {
	body    io.ReadCloser
	carrier *h1Carrier
	keep    bool
	done    bool
	mu      sync.Mutex
}

func (d *drainTracker) Read(p []byte) (int, error) {
	n, err := d.body.Read(p)
	if err == io.EOF {
		d.settle(d.keep)
	} else if err != nil {
		d.settle(false)
	}
	return n, err
}

func (d *drainTracker) Close() error {
	err := d.body.Close()
	d.settle(false)
	return err
}

func (d *drainTracker) settle(clean bool) {
	d.mu.Lock()
	if d.done {
		d.mu.Unlock()
		return
	}
	d.done = true
	d.mu.Unlock()
	d.carrier.finish(clean)
}
