package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	http "github.com/sardanioss/http"

	"github.com/sardanioss/mimic/transport"
)

// defaultSSERetry is the reconnection delay (ms) a stream starts with, per
// the EventSource processing model.
const defaultSSERetry = 3000

// SSEEvent is one dispatched server-sent event.
type SSEEvent struct {
	Event string // event type; "message" when the stream named none
	Data  string
	ID    string // last event ID at dispatch time
	Retry int    // reconnection delay in ms carried by this event, 0 if none
}

// SSEConn is an open text/event-stream. The connection never enters the
// pool and is not bound by the request timeout; it lives until the server
// ends the stream or Close is called.
type SSEConn struct {
	carrier transport.Carrier
	body    io.ReadCloser
	br      *bufio.Reader

	status   int
	header   http.Header
	finalURL string

	mu     sync.Mutex
	retry  int
	lastID string
	closed bool
}

// SSEConnect issues a GET to req.URL and keeps the response body open as an
// event stream. Redirects are followed before streaming starts. Accept and
// Cache-Control default to the event-stream values; Accept-Encoding defaults
// to identity so events are not stalled inside a compressor's window.
func (c *Client) SSEConnect(ctx context.Context, req *Request) (*SSEConn, error) {
	if req == nil || req.URL == "" {
		return nil, transport.NewRequestError("validate", "", "", "", errMissingURL)
	}
	r, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Headers)+3)
	for k, v := range req.Headers {
		headers[k] = v
	}
	setIfAbsent(headers, "Accept", "text/event-stream")
	setIfAbsent(headers, "Cache-Control", "no-cache")
	setIfAbsent(headers, "Accept-Encoding", "identity")

	target := mergeParams(req.URL, req.Params)
	jar := NewJar()
	if len(req.Cookies) > 0 {
		if u, perr := url.Parse(target); perr == nil {
			jar.SetCookies(u, req.Cookies)
		}
	}

	referer := ""
	for hop := 0; ; hop++ {
		carrier, resp, err := c.sseHop(ctx, r, target, headers, jar, referer)
		if err != nil {
			return nil, err
		}

		if r.redirects && isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "" {
			resp.Body.Close()
			carrier.Close()
			if hop+1 >= c.maxRedirects() {
				return nil, &transport.TransportError{
					Op:       "redirect",
					Category: transport.ErrTooManyRedirects,
					Cause:    fmt.Errorf("stopped after %d hops", c.maxRedirects()),
				}
			}
			referer = target
			target = JoinURL(target, resp.Header.Get("Location"))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			carrier.Close()
			return nil, transport.NewProtocolError("", "", carrier.Protocol(),
				fmt.Errorf("event stream refused with status %d", resp.StatusCode))
		}

		body := io.ReadCloser(resp.Body)
		if enc := resp.Header.Get("Content-Encoding"); enc != "" {
			if rc, did, derr := transport.Decompress(enc, body); derr == nil && did {
				body = rc
			}
		}

		return &SSEConn{
			carrier:  carrier,
			body:     body,
			br:       bufio.NewReader(body),
			status:   resp.StatusCode,
			header:   resp.Header,
			finalURL: target,
			retry:    defaultSSERetry,
		}, nil
	}
}

// sseHop dials fresh (streams never share a pooled carrier) and sends the
// GET. The request rides a detached context: the caller's deadline bounds
// the dial only, never the stream.
func (c *Client) sseHop(ctx context.Context, r *resolved, target string, headers map[string]string, jar *Jar, referer string) (transport.Carrier, *http.Response, error) {
	u, scheme, host, port, err := parseTarget(target)
	if err != nil {
		return nil, nil, err
	}

	spec := keySpec(r.spec, r.mode, r.pinH2)
	cfg := c.baseConfig(r, spec)

	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	carrier, err := c.dial(dialCtx, &cfg, r.mode, scheme, host, port)
	cancel()
	if err != nil {
		return nil, nil, transport.WrapError("dial", host, port, "", err)
	}

	hreq, err := c.buildRequest(context.WithoutCancel(ctx), r, "GET", target, u, nil, headers, jar, referer)
	if err != nil {
		carrier.Close()
		return nil, nil, err
	}
	resp, err := carrier.RoundTrip(hreq)
	if err != nil {
		proto := carrier.Protocol()
		carrier.Close()
		return nil, nil, transport.WrapError("roundtrip", host, port, proto, err)
	}
	jar.SetCookies(u, resp.Cookies())
	return carrier, resp, nil
}

// Next blocks until the stream dispatches an event. io.EOF reports a
// server-ended stream; an event buffered when the stream cuts off without a
// terminating blank line is discarded.
func (s *SSEConn) Next() (*SSEEvent, error) {
	var (
		data  []string
		event string
		retry int
	)
	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}

		if line == "" {
			if len(data) == 0 {
				event = ""
				continue
			}
			evt := &SSEEvent{
				Event: event,
				Data:  strings.Join(data, "\n"),
				ID:    s.LastEventID(),
				Retry: retry,
			}
			if evt.Event == "" {
				evt.Event = "message"
			}
			return evt, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := splitSSEField(line)
		switch field {
		case "event":
			event = value
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				s.mu.Lock()
				s.lastID = value
				s.mu.Unlock()
			}
		case "retry":
			if ms, perr := strconv.Atoi(value); perr == nil && ms >= 0 {
				retry = ms
				s.mu.Lock()
				s.retry = ms
				s.mu.Unlock()
			}
		}
	}
}

// readLine terminates on LF, CRLF or lone CR. A final unterminated line is
// returned as is; the next read reports EOF.
func (s *SSEConn) readLine() (string, error) {
	var b strings.Builder
	for {
		ch, err := s.br.ReadByte()
		if err != nil {
			if err == io.EOF && b.Len() > 0 {
				return b.String(), nil
			}
			return "", err
		}
		switch ch {
		case '\n':
			return b.String(), nil
		case '\r':
			if next, perr := s.br.ReadByte(); perr == nil && next != '\n' {
				s.br.UnreadByte()
			}
			return b.String(), nil
		default:
			b.WriteByte(ch)
		}
	}
}

// splitSSEField splits "field: value", stripping exactly one space after the
// colon. A line without a colon is a field with an empty value.
func splitSSEField(line string) (field, value string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	value = strings.TrimPrefix(value, " ")
	return field, value
}

// Status reports the upgrade response status.
func (s *SSEConn) Status() int { return s.status }

// Header reports the upgrade response headers.
func (s *SSEConn) Header() http.Header { return s.header }

// FinalURL reports the stream URL after redirects.
func (s *SSEConn) FinalURL() string { return s.finalURL }

// RetryTime reports the current reconnection delay in milliseconds.
func (s *SSEConn) RetryTime() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry
}

// LastEventID reports the most recent id field seen on the stream.
func (s *SSEConn) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

// Close tears the stream down. Safe to call twice.
func (s *SSEConn) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.body.Close()
	return s.carrier.Close()
}

func setIfAbsent(headers map[string]string, name, value string) {
	for k := range headers {
		if strings.EqualFold(k, name) {
			return
		}
	}
	headers[name] = value
}
