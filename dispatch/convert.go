package dispatch

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sardanioss/mimic/client"
	"github.com/sardanioss/mimic/protocol"
)

// buildRequest translates a boundary message into an executor request.
func buildRequest(msg *protocol.RequestMessage) *client.Request {
	req := &client.Request{
		Method:                 msg.Method,
		URL:                    msg.URL,
		Headers:                msg.Headers.Map(),
		HeaderOrder:            effectiveOrder(msg),
		JA3:                    msg.JA3,
		JA4R:                   msg.JA4R,
		HTTP2Fingerprint:       msg.HTTP2Fingerprint,
		QUICFingerprint:        msg.QUICFingerprint,
		DisableGREASE:          msg.DisableGREASE,
		UserAgent:              msg.UserAgent,
		Proxy:                  msg.Proxy,
		DisableRedirect:        msg.DisableRedirect,
		DisableConnectionReuse: !msg.ConnectionReuse(),
		InsecureSkipVerify:     msg.InsecureSkipVerify,
		ServerName:             msg.ServerName,
		Protocol:               msg.Protocol,
		ForceHTTP1:             msg.ForceHTTP1,
		ForceHTTP3:             msg.ForceHTTP3,
		DisableTLS13Retry:      !msg.AutoRetry(),
	}
	if msg.Timeout > 0 {
		req.Timeout = time.Duration(msg.Timeout) * time.Second
	}
	if len(msg.BodyBytes) > 0 {
		req.Body = msg.BodyBytes
	} else if msg.Body != "" {
		req.Body = []byte(msg.Body)
	}
	for _, ck := range msg.Cookies {
		req.Cookies = append(req.Cookies, ck.HTTP())
	}
	return req
}

// effectiveOrder merges the two ordering controls: headerOrder wins for the
// names it lists, orderHeadersAsProvided appends the remaining headers in
// the order the host wrote them.
func effectiveOrder(msg *protocol.RequestMessage) []string {
	order := append([]string(nil), msg.HeaderOrder...)
	if !msg.OrderHeadersAsProvided {
		return order
	}
	listed := make(map[string]bool, len(order))
	for _, n := range order {
		listed[strings.ToLower(n)] = true
	}
	for _, n := range msg.Headers.Names() {
		if !listed[strings.ToLower(n)] {
			order = append(order, n)
		}
	}
	return order
}

// buildResponse flattens an executor response for the boundary. Set-Cookie
// rides the Cookies array, never the header map; a body that is not valid
// UTF-8 rides BodyBytes so host-side string decoders cannot choke on it.
func buildResponse(requestID string, resp *client.Response) *protocol.ResponseMessage {
	out := protocol.NewResponse(requestID)
	out.Status = resp.Status
	out.FinalURL = resp.FinalURL
	out.Protocol = resp.Protocol

	for k, vals := range resp.Headers {
		if strings.EqualFold(k, "set-cookie") {
			continue
		}
		out.Headers[k] = strings.Join(vals, ", ")
	}

	if utf8.Valid(resp.Body) {
		out.Body = string(resp.Body)
	} else {
		out.BodyBytes = resp.Body
	}

	for _, ck := range resp.Cookies {
		out.Cookies = append(out.Cookies, protocol.NewResponseCookie(ck))
	}
	return out
}
