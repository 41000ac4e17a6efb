package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	http "github.com/sardanioss/http"

	"github.com/sardanioss/mimic/dns"
	"github.com/sardanioss/mimic/fingerprint"
	"github.com/sardanioss/mimic/pool"
	"github.com/sardanioss/mimic/proxy"
	"github.com/sardanioss/mimic/transport"
)

const acceptEncoding = "gzip, deflate, br, zstd"

var errMissingURL = errors.New("missing URL")

// dialFunc is the transport seam. Tests swap it for scripted carriers; the
// default is transport.Dial.
type dialFunc func(ctx context.Context, cfg *transport.Config, mode transport.Mode, scheme, host, port string) (transport.Carrier, error)

// Client executes fingerprinted requests. It is safe for concurrent use;
// carriers are shared through the pool per ConnectionKey.
type Client struct {
	cfg      *Config
	registry *fingerprint.Registry
	pool     *pool.Pool
	dns      *dns.Cache

	profile  *fingerprint.Profile
	baseSpec *fingerprint.TransportSpec
	proxyCfg *proxy.Config

	dial dialFunc
}

// New builds a client. Profile name and proxy URL are resolved here so a
// misconfiguration fails at construction, not on the first request.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = fingerprint.DefaultRegistry()
	}

	profile := fingerprint.Default()
	if cfg.Profile != "" {
		p, ok := registry.Get(cfg.Profile)
		if !ok {
			return nil, fmt.Errorf("unknown profile %q", cfg.Profile)
		}
		profile = p
	}
	baseSpec, err := profile.Spec()
	if err != nil {
		return nil, err
	}

	var proxyCfg *proxy.Config
	if cfg.Proxy != "" {
		proxyCfg, err = proxy.Parse(cfg.Proxy)
		if err != nil {
			return nil, err
		}
	}

	cache := dns.NewCache()
	if cfg.DNSServer != "" {
		cache = dns.NewCacheWith(dns.NewResolver(cfg.DNSServer))
	}
	if cfg.DNSCacheTTL > 0 {
		cache.SetTTL(cfg.DNSCacheTTL)
	}

	return &Client{
		cfg:      cfg,
		registry: registry,
		pool:     pool.NewWithOptions(cfg.Pool),
		dns:      cache,
		profile:  profile,
		baseSpec: baseSpec,
		proxyCfg: proxyCfg,
		dial:     transport.Dial,
	}, nil
}

// Close shuts down the pool and every pooled carrier.
func (c *Client) Close() { c.pool.Close() }

// PoolStats reports carrier counts per ConnectionKey.
func (c *Client) PoolStats() map[string]pool.Stats { return c.pool.StatsByKey() }

// ExportSessions snapshots serializable TLS session state per ConnectionKey,
// for resumption across engine restarts.
func (c *Client) ExportSessions() map[string]map[string]transport.SessionRecord {
	return c.pool.ExportSessions()
}

// ImportSessions restores a session snapshot.
func (c *Client) ImportSessions(dump map[string]map[string]transport.SessionRecord) {
	c.pool.ImportSessions(dump)
}

// Get issues a GET.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: "GET", URL: url, Headers: headers})
}

// Post issues a POST with the given body.
func (c *Client) Post(ctx context.Context, url string, body []byte, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{Method: "POST", URL: url, Body: body, Headers: headers})
}

// resolved is a request's effective configuration after profile lookup and
// override application.
type resolved struct {
	spec        *fingerprint.TransportSpec
	userAgent   string
	headerOrder []string
	proxy       *proxy.Config
	proxyKey    string
	serverName  string
	insecure    bool
	reuse       bool
	redirects   bool
	timeout     time.Duration
	mode        transport.Mode
	pinH2       bool
	autoRetry   bool
}

func (c *Client) resolve(req *Request) (*resolved, error) {
	r := &resolved{
		serverName: req.ServerName,
		insecure:   req.InsecureSkipVerify || c.cfg.InsecureSkipVerify,
		reuse:      !req.DisableConnectionReuse && !c.cfg.DisableKeepAlives,
		redirects:  c.cfg.FollowRedirects && !req.DisableRedirect,
		timeout:    c.cfg.Timeout,
		proxy:      c.proxyCfg,
		autoRetry:  c.cfg.TLS13AutoRetry && !req.DisableTLS13Retry,
	}
	if req.Timeout > 0 {
		r.timeout = req.Timeout
	}
	if req.Proxy != "" {
		p, err := proxy.Parse(req.Proxy)
		if err != nil {
			return nil, err
		}
		r.proxy = p
	}
	if r.proxy != nil {
		r.proxyKey = r.proxy.CacheKey()
	}

	spec, err := c.specFor(req)
	if err != nil {
		return nil, err
	}
	r.spec = spec

	r.userAgent = c.cfg.UserAgent
	if r.userAgent == "" {
		r.userAgent = c.profile.UserAgent
	}
	if req.UserAgent != "" {
		r.userAgent = req.UserAgent
	}
	if r.userAgent == "" {
		r.userAgent = fingerprint.DefaultUserAgent
	}

	r.headerOrder = c.profile.HeaderOrder
	if len(req.HeaderOrder) > 0 {
		r.headerOrder = req.HeaderOrder
	}

	r.mode, r.pinH2 = c.modeFor(req)
	return r, nil
}

// specFor builds the effective TransportSpec: explicit fingerprint strings
// on the request replace the profile wholesale; HTTP2/QUIC strings override
// just their shape.
func (c *Client) specFor(req *Request) (*fingerprint.TransportSpec, error) {
	var spec *fingerprint.TransportSpec
	switch {
	case req.JA3 != "" && req.JA4R != "":
		ja3Spec, err := fingerprint.ParseJA3(req.JA3)
		if err != nil {
			return nil, err
		}
		ja4Spec, err := fingerprint.ParseJA4R(req.JA4R)
		if err != nil {
			return nil, err
		}
		spec = fingerprint.MergeJA4R(ja4Spec, ja3Spec)
	case req.JA4R != "":
		parsed, err := fingerprint.ParseJA4R(req.JA4R)
		if err != nil {
			return nil, err
		}
		spec = parsed
	case req.JA3 != "":
		parsed, err := fingerprint.ParseJA3(req.JA3)
		if err != nil {
			return nil, err
		}
		spec = parsed
	default:
		spec = c.baseSpec.Clone()
	}

	if req.HTTP2Fingerprint != "" {
		shape, err := fingerprint.ParseHTTP2(req.HTTP2Fingerprint)
		if err != nil {
			return nil, err
		}
		spec.HTTP2 = shape
	}
	if req.QUICFingerprint != "" {
		shape, err := fingerprint.ParseQUIC(req.QUICFingerprint)
		if err != nil {
			return nil, err
		}
		spec.QUIC = shape
	}
	if req.DisableGREASE || c.cfg.DisableGREASE {
		spec.DisableGREASE = true
	}
	return spec, nil
}

func (c *Client) modeFor(req *Request) (transport.Mode, bool) {
	switch strings.ToLower(req.Protocol) {
	case "http1":
		return transport.ModeHTTP1, false
	case "http3":
		return transport.ModeHTTP3, false
	case "http2":
		return transport.ModeAuto, true
	}
	if req.ForceHTTP3 || c.cfg.ForceHTTP3 || c.profile.ForceHTTP3 {
		return transport.ModeHTTP3, false
	}
	if req.ForceHTTP1 || c.cfg.ForceHTTP1 || c.profile.ForceHTTP1 {
		return transport.ModeHTTP1, false
	}
	return transport.ModeAuto, false
}

// keySpec clones the spec with the ALPN list the dial will actually offer.
// Forced protocols change HelloSum, so the pool keys them apart without a
// mode field in the key.
func keySpec(spec *fingerprint.TransportSpec, mode transport.Mode, pinH2 bool) *fingerprint.TransportSpec {
	s := spec.Clone()
	switch {
	case mode == transport.ModeHTTP1:
		s.ALPN = []string{"http/1.1"}
	case mode == transport.ModeHTTP3:
		s.ALPN = []string{"h3"}
	case pinH2:
		s.ALPN = []string{"h2"}
	case len(s.ALPN) == 0:
		s.ALPN = []string{"h2", "http/1.1"}
	}
	return s
}

func (c *Client) maxRedirects() int {
	if c.cfg.MaxRedirects > 0 {
		return c.cfg.MaxRedirects
	}
	return 10
}

// Do executes req: resolve, acquire, compose, send, read, follow redirects.
// The returned response is fully read and decompressed. One wall-clock
// deadline covers the whole exchange, redirects included.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || req.URL == "" {
		return nil, transport.NewRequestError("validate", "", "", "", errMissingURL)
	}
	r, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	target := mergeParams(req.URL, req.Params)
	method := normalizeMethod(req.Method)
	body := req.Body
	jar := NewJar()

	if len(req.Cookies) > 0 {
		if u, perr := url.Parse(target); perr == nil {
			jar.SetCookies(u, req.Cookies)
		}
	}

	referer := ""
	for hop := 0; ; hop++ {
		hr, err := c.roundTrip(ctx, r, method, target, body, req.Headers, jar, referer)
		if err != nil {
			return nil, err
		}

		if r.redirects && isRedirect(hr.status) && hr.location != "" {
			if hop+1 >= c.maxRedirects() {
				return nil, &transport.TransportError{
					Op:       "redirect",
					Host:     hr.host,
					Port:     hr.port,
					Category: transport.ErrTooManyRedirects,
					Cause:    fmt.Errorf("stopped after %d hops", c.maxRedirects()),
				}
			}
			next := JoinURL(target, hr.location)
			// 303 always becomes GET; 301/302 rewrite POST the way
			// browsers do. 307/308 re-send the cached body verbatim.
			if hr.status == http.StatusSeeOther ||
				((hr.status == http.StatusMovedPermanently || hr.status == http.StatusFound) && method == "POST") {
				method = "GET"
				body = nil
			}
			referer = target
			target = next
			continue
		}

		headers := lowerHeaders(hr.header)
		if hr.decoded {
			delete(headers, "content-encoding")
		}
		return &Response{
			Status:   hr.status,
			Headers:  headers,
			Body:     hr.body,
			FinalURL: target,
			Protocol: hr.protocol,
			Cookies:  jar.All(),
		}, nil
	}
}

type hopResult struct {
	status   int
	header   http.Header
	body     []byte
	decoded  bool
	protocol string
	location string
	host     string
	port     string
}

// parseTarget splits an absolute http(s) URL into the pieces a dial needs,
// defaulting the port from the scheme.
func parseTarget(target string) (u *url.URL, scheme, host, port string, err error) {
	u, err = url.Parse(target)
	if err != nil {
		return nil, "", "", "", transport.NewRequestError("parse_url", "", "", "", err)
	}
	scheme = strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return nil, "", "", "", transport.NewRequestError("parse_url", u.Hostname(), u.Port(), "",
			fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		if scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return u, scheme, host, port, nil
}

// baseConfig assembles the dial configuration for one resolved request.
func (c *Client) baseConfig(r *resolved, spec *fingerprint.TransportSpec) transport.Config {
	return transport.Config{
		Spec:               spec,
		DNS:                c.dns,
		Proxy:              r.proxy,
		ServerName:         r.serverName,
		InsecureSkipVerify: r.insecure,
		ConnectTimeout:     c.cfg.ConnectTimeout,
		TLS13AutoRetry:     r.autoRetry,
	}
}

// roundTrip performs one hop: key, acquire, send, read, release. A request
// that fails on a pooled carrier gets exactly one fresh redial; anything
// else surfaces.
func (c *Client) roundTrip(ctx context.Context, r *resolved, method, target string, body []byte, headers map[string]string, jar *Jar, referer string) (*hopResult, error) {
	u, scheme, host, port, err := parseTarget(target)
	if err != nil {
		return nil, err
	}

	spec := keySpec(r.spec, r.mode, r.pinH2)
	key := pool.For(scheme, host, port, spec, r.proxyKey, r.serverName)

	base := c.baseConfig(r, spec)
	mode := r.mode
	dial := func(ctx context.Context, sessions *transport.SessionCache) (transport.Carrier, error) {
		cfg := base
		cfg.Sessions = sessions
		return c.dial(ctx, &cfg, mode, scheme, host, port)
	}

	acquire := c.pool.Acquire
	if !r.reuse {
		acquire = c.pool.AcquireFresh
	}

	lease, err := acquire(ctx, key, dial)
	if err != nil {
		return nil, transport.WrapError("dial", host, port, "", err)
	}

	resp, err := c.send(ctx, lease, r, method, target, u, body, headers, jar, referer)
	if err != nil && lease.Reused() && ctx.Err() == nil {
		// The pooled carrier died while idle. Evict it and redial once.
		lease.Release(err)
		lease, err = acquire(ctx, key, dial)
		if err != nil {
			return nil, transport.WrapError("dial", host, port, "", err)
		}
		resp, err = c.send(ctx, lease, r, method, target, u, body, headers, jar, referer)
	}
	if err != nil {
		proto := lease.Carrier.Protocol()
		lease.Release(err)
		return nil, transport.WrapError("roundtrip", host, port, proto, err)
	}

	raw, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	proto := lease.Carrier.Protocol()
	lease.Release(readErr)
	if readErr != nil {
		return nil, transport.WrapError("read_body", host, port, proto, readErr)
	}

	jar.SetCookies(u, resp.Cookies())

	bodyBytes, decoded := decodeBody(raw, resp.Header.Get("Content-Encoding"))

	return &hopResult{
		status:   resp.StatusCode,
		header:   resp.Header,
		body:     bodyBytes,
		decoded:  decoded,
		protocol: proto,
		location: resp.Header.Get("Location"),
		host:     host,
		port:     port,
	}, nil
}

// send builds a fresh request (body readers are single-use) and round-trips
// it on the leased carrier.
func (c *Client) send(ctx context.Context, lease *pool.Lease, r *resolved, method, target string, u *url.URL, body []byte, headers map[string]string, jar *Jar, referer string) (*http.Response, error) {
	hreq, err := c.buildRequest(ctx, r, method, target, u, body, headers, jar, referer)
	if err != nil {
		return nil, err
	}
	return lease.Carrier.RoundTrip(hreq)
}

func (c *Client) buildRequest(ctx context.Context, r *resolved, method, target string, u *url.URL, body []byte, headers map[string]string, jar *Jar, referer string) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	} else if method == "POST" || method == "PUT" || method == "PATCH" {
		// Explicit Content-Length: 0 still goes on the wire.
		reader = bytes.NewReader(nil)
	}

	hreq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, transport.NewRequestError("build_request", u.Hostname(), u.Port(), "", err)
	}

	for k, v := range headers {
		hreq.Header.Set(k, v)
	}
	// A Host header rides the request line / :authority, never the list.
	if host := hreq.Header.Get("Host"); host != "" {
		hreq.Host = host
		hreq.Header.Del("Host")
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", r.userAgent)
	}
	if hreq.Header.Get("Accept") == "" {
		hreq.Header.Set("Accept", "*/*")
	}
	if hreq.Header.Get("Accept-Encoding") == "" {
		hreq.Header.Set("Accept-Encoding", acceptEncoding)
	}
	if referer != "" {
		hreq.Header.Set("Referer", referer)
	}
	if ck := jar.Header(u); ck != "" {
		hreq.Header.Set("Cookie", ck)
	}

	if len(r.headerOrder) > 0 {
		order := make([]string, len(r.headerOrder))
		for i, name := range r.headerOrder {
			order[i] = strings.ToLower(name)
		}
		hreq.Header[http.HeaderOrderKey] = order
	}
	hreq.Header[http.PHeaderOrderKey] = pseudoOrder(r.spec)

	return hreq, nil
}

func pseudoOrder(spec *fingerprint.TransportSpec) []string {
	if spec.HTTP2 != nil && len(spec.HTTP2.PseudoOrder) == 4 {
		return append([]string(nil), spec.HTTP2.PseudoOrder...)
	}
	return []string{":method", ":authority", ":scheme", ":path"}
}

// decodeBody decompresses raw per Content-Encoding. On failure the raw
// bytes survive and the header stays, per the executor contract.
func decodeBody(raw []byte, encoding string) ([]byte, bool) {
	if encoding == "" || len(raw) == 0 {
		return raw, false
	}
	rc, did, err := transport.Decompress(encoding, io.NopCloser(bytes.NewReader(raw)))
	if err != nil || !did {
		return raw, false
	}
	out, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return raw, false
	}
	return out, true
}

// lowerHeaders flattens a response header into lowercased keys, keeping
// per-key value order.
func lowerHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		out[strings.ToLower(k)] = append([]string(nil), vals...)
	}
	return out
}
