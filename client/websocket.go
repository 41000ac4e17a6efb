package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	nhttp "net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sardanioss/mimic/transport"
)

// WebSocket opcodes, RFC 6455 numbering.
const (
	WSOpText   = websocket.TextMessage
	WSOpBinary = websocket.BinaryMessage
	WSOpClose  = websocket.CloseMessage
	WSOpPing   = websocket.PingMessage
	WSOpPong   = websocket.PongMessage
)

const wsControlTimeout = 10 * time.Second

// WSMessage is one frame surfaced to the caller.
type WSMessage struct {
	Opcode int
	Data   []byte
	Code   int // close status, set when Opcode is WSOpClose
}

// WSConn is a WebSocket connection established through the fingerprinted
// dial path. The socket never enters the connection pool; it belongs to the
// caller until Close.
type WSConn struct {
	conn *websocket.Conn
	ctrl chan WSMessage

	writeMu sync.Mutex

	// closeSeen gates the one-time close message; gorilla re-reports the
	// same CloseError on every read after the peer closes. One reader at a
	// time, so no lock.
	closeSeen bool
}

// WSConnect upgrades req.URL to a WebSocket. ws/wss URLs are taken as is;
// http/https are rewritten. The TLS leg offers http/1.1 only, since the
// upgrade handshake is an HTTP/1.1 exchange. Fingerprint fields on req apply
// exactly as they do for plain requests; the timeout bounds the handshake,
// not the connection's lifetime.
func (c *Client) WSConnect(ctx context.Context, req *Request) (*WSConn, error) {
	if req == nil || req.URL == "" {
		return nil, transport.NewRequestError("validate", "", "", "", errMissingURL)
	}
	r, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, transport.NewRequestError("parse_url", "", "", "", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, transport.NewRequestError("parse_url", u.Hostname(), u.Port(), "",
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	spec := keySpec(r.spec, transport.ModeHTTP1, false)
	cfg := c.baseConfig(r, spec)

	header := make(nhttp.Header, len(req.Headers)+2)
	var subprotocols []string
	for k, v := range req.Headers {
		if strings.EqualFold(k, "Sec-WebSocket-Protocol") {
			for _, p := range strings.Split(v, ",") {
				subprotocols = append(subprotocols, strings.TrimSpace(p))
			}
			continue
		}
		if wsManagedHeader(k) {
			continue
		}
		header.Set(k, v)
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", r.userAgent)
	}
	if len(req.Cookies) > 0 && header.Get("Cookie") == "" {
		jar := NewJar()
		jar.SetCookies(u, req.Cookies)
		if ck := jar.Header(u); ck != "" {
			header.Set("Cookie", ck)
		}
	}

	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			return transport.DialRaw(ctx, &cfg, host, port)
		},
		NetDialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			hs, err := transport.DialTLS(ctx, &cfg, host, port, []string{"http/1.1"})
			if err != nil {
				return nil, err
			}
			return hs.Conn, nil
		},
		HandshakeTimeout: r.timeout,
		Subprotocols:     subprotocols,
	}

	dialCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, u.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (handshake status %d)", err, resp.StatusCode)
			if resp.Body != nil {
				resp.Body.Close()
			}
		}
		return nil, transport.WrapError("ws_connect", u.Hostname(), u.Port(), "", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	ws := &WSConn{conn: conn, ctrl: make(chan WSMessage, 8)}
	conn.SetPingHandler(func(data string) error {
		ws.queueControl(WSMessage{Opcode: WSOpPing, Data: []byte(data)})
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsControlTimeout))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(data string) error {
		ws.queueControl(WSMessage{Opcode: WSOpPong, Data: []byte(data)})
		return nil
	})
	return ws, nil
}

// Send writes one frame. Text and binary frames are serialized against each
// other; control frames may interleave.
func (ws *WSConn) Send(opcode int, data []byte) error {
	switch opcode {
	case WSOpText, WSOpBinary:
		ws.writeMu.Lock()
		defer ws.writeMu.Unlock()
		return ws.conn.WriteMessage(opcode, data)
	case WSOpPing, WSOpPong:
		return ws.conn.WriteControl(opcode, data, time.Now().Add(wsControlTimeout))
	case WSOpClose:
		payload := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(data))
		return ws.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(wsControlTimeout))
	}
	return fmt.Errorf("unsupported websocket opcode %d", opcode)
}

// Receive returns the next message. Control frames that arrived during an
// earlier read surface first. A close from the peer surfaces once as an
// opcode-8 message carrying the close code; reads after that fail.
func (ws *WSConn) Receive() (*WSMessage, error) {
	select {
	case m := <-ws.ctrl:
		return &m, nil
	default:
	}

	typ, data, err := ws.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && !ws.closeSeen {
			ws.closeSeen = true
			return &WSMessage{Opcode: WSOpClose, Code: ce.Code, Data: []byte(ce.Text)}, nil
		}
		return nil, err
	}
	return &WSMessage{Opcode: typ, Data: data}, nil
}

// SetReadDeadline bounds the next Receive.
func (ws *WSConn) SetReadDeadline(t time.Time) error {
	return ws.conn.SetReadDeadline(t)
}

// Subprotocol reports the protocol the server selected, or "".
func (ws *WSConn) Subprotocol() string { return ws.conn.Subprotocol() }

// Close sends a close frame (code 0 means 1000, normal closure) and tears
// the connection down.
func (ws *WSConn) Close(code int, reason string) error {
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	msg := websocket.FormatCloseMessage(code, reason)
	ws.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsControlTimeout))
	return ws.conn.Close()
}

func (ws *WSConn) queueControl(m WSMessage) {
	select {
	case ws.ctrl <- m:
	default:
	}
}

// wsManagedHeader reports headers the handshake owns; caller-supplied copies
// would make the dialer reject the request.
func wsManagedHeader(name string) bool {
	switch textprotoLower(name) {
	case "connection", "upgrade", "sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
		return true
	}
	return false
}

func textprotoLower(name string) string { return strings.ToLower(strings.TrimSpace(name)) }
