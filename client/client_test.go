package client

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	http "github.com/sardanioss/http"

	"github.com/sardanioss/mimic/transport"
)

// script feeds canned exchanges to the executor through the dial seam. Every
// carrier handed out shares the step queue, so a redirect that redials keeps
// consuming in order.
type script struct {
	mu    sync.Mutex
	steps []step
	dials int
}

type step struct {
	status int
	header http.Header
	body   string
	err    error
	check  func(req *http.Request)
}

func (s *script) dial(ctx context.Context, cfg *transport.Config, mode transport.Mode, scheme, host, port string) (transport.Carrier, error) {
	s.mu.Lock()
	s.dials++
	s.mu.Unlock()
	return &scriptedCarrier{s: s}, nil
}

func (s *script) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *script) remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

type scriptedCarrier struct {
	s *script
}

func (c *scriptedCarrier) Protocol() string { return "h1" }
func (c *scriptedCarrier) Reusable() bool   { return true }
func (c *scriptedCarrier) Close() error     { return nil }

func (c *scriptedCarrier) RoundTrip(req *http.Request) (*http.Response, error) {
	c.s.mu.Lock()
	if len(c.s.steps) == 0 {
		c.s.mu.Unlock()
		return nil, errors.New("script exhausted")
	}
	st := c.s.steps[0]
	c.s.steps = c.s.steps[1:]
	c.s.mu.Unlock()

	if st.check != nil {
		st.check(req)
	}
	if st.err != nil {
		return nil, st.err
	}
	h := st.header
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{
		StatusCode:    st.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(st.body)),
		ContentLength: int64(len(st.body)),
		Request:       req,
	}, nil
}

func newScriptedClient(t *testing.T, s *script, opts ...Option) *Client {
	t.Helper()
	c, err := New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.dial = s.dial
	t.Cleanup(c.Close)
	return c
}

func readBody(t *testing.T, req *http.Request) string {
	t.Helper()
	if req.Body == nil {
		return ""
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatalf("read request body: %v", err)
	}
	return string(b)
}

func TestDo_DefaultHeaders(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: 200,
		body:   "ok",
		check: func(req *http.Request) {
			if req.Method != "GET" {
				t.Errorf("method = %q, want GET", req.Method)
			}
			if got := req.Header.Get("User-Agent"); got != c.profile.UserAgent {
				t.Errorf("User-Agent = %q, want profile default %q", got, c.profile.UserAgent)
			}
			if got := req.Header.Get("Accept"); got != "*/*" {
				t.Errorf("Accept = %q", got)
			}
			if got := req.Header.Get("Accept-Encoding"); got != acceptEncoding {
				t.Errorf("Accept-Encoding = %q", got)
			}
			pseudo := req.Header[http.PHeaderOrderKey]
			if len(pseudo) != 4 || pseudo[0][0] != ':' {
				t.Errorf("pseudo order = %v", pseudo)
			}
		},
	}}

	resp, err := c.Do(context.Background(), &Request{URL: "https://site.test/"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 || resp.Text() != "ok" || resp.Protocol != "h1" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDo_HeaderOrderOverride(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: 200,
		check: func(req *http.Request) {
			got := req.Header[http.HeaderOrderKey]
			want := []string{"x-b", "x-a"}
			if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
				t.Errorf("header order = %v, want %v", got, want)
			}
		},
	}}

	_, err := c.Do(context.Background(), &Request{
		URL:         "https://site.test/",
		Headers:     map[string]string{"X-A": "1", "X-B": "2"},
		HeaderOrder: []string{"X-B", "x-a"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_HostHeaderPromotion(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: 200,
		check: func(req *http.Request) {
			if req.Host != "masked.test" {
				t.Errorf("req.Host = %q", req.Host)
			}
			if _, ok := req.Header["Host"]; ok {
				t.Error("Host survived in the header map")
			}
			if req.Header.Get("X-Token") != "tok" {
				t.Error("custom header dropped")
			}
		},
	}}

	_, err := c.Do(context.Background(), &Request{
		URL:     "https://site.test/",
		Headers: map[string]string{"Host": "masked.test", "X-Token": "tok"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_MergesParams(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: 200,
		check: func(req *http.Request) {
			q := req.URL.Query()
			if q.Get("x") != "0" || q.Get("q") != "1" {
				t.Errorf("query = %q", req.URL.RawQuery)
			}
		},
	}}

	_, err := c.Do(context.Background(), &Request{
		URL:    "https://site.test/p?x=0",
		Params: map[string]string{"q": "1"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_RedirectRewritesPOST(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{
		{
			status: http.StatusFound,
			header: http.Header{
				"Location":   {"/landing"},
				"Set-Cookie": {"a=1; Path=/"},
			},
			body: "redirecting",
			check: func(req *http.Request) {
				body := readBody(t, req)
				if req.Method != "POST" || body != "payload" {
					t.Errorf("first hop: %s body %q", req.Method, body)
				}
			},
		},
		{
			status: 200,
			body:   "done",
			check: func(req *http.Request) {
				if req.Method != "GET" {
					t.Errorf("method after 302+POST = %q, want GET", req.Method)
				}
				if req.Body != nil {
					t.Error("body re-sent after method rewrite")
				}
				if got := req.Header.Get("Cookie"); got != "a=1" {
					t.Errorf("Cookie = %q, want a=1", got)
				}
				if got := req.Header.Get("Referer"); got != "https://site.test/start" {
					t.Errorf("Referer = %q", got)
				}
			},
		},
	}

	resp, err := c.Do(context.Background(), &Request{
		Method: "POST",
		URL:    "https://site.test/start",
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != 200 || resp.FinalURL != "https://site.test/landing" {
		t.Errorf("resp = %+v", resp)
	}
	found := false
	for _, ck := range resp.Cookies {
		if ck.Name == "a" && ck.Value == "1" {
			found = true
		}
	}
	if !found {
		t.Errorf("jar cookies = %v", resp.Cookies)
	}
	if s.remaining() != 0 {
		t.Errorf("%d unconsumed steps", s.remaining())
	}
}

func TestDo_303AlwaysBecomesGET(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{
		{status: http.StatusSeeOther, header: http.Header{"Location": {"/next"}}},
		{
			status: 200,
			check: func(req *http.Request) {
				if req.Method != "GET" || req.Body != nil {
					t.Errorf("after 303: %s, body=%v", req.Method, req.Body != nil)
				}
			},
		},
	}

	_, err := c.Do(context.Background(), &Request{
		Method: "PUT",
		URL:    "https://site.test/start",
		Body:   []byte("doc"),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_307PreservesBody(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{
		{status: http.StatusTemporaryRedirect, header: http.Header{"Location": {"/next"}}},
		{
			status: 200,
			check: func(req *http.Request) {
				if req.Method != "POST" {
					t.Errorf("method = %q, want POST", req.Method)
				}
				if got := readBody(t, req); got != "again" {
					t.Errorf("body = %q, want again", got)
				}
			},
		},
	}

	_, err := c.Do(context.Background(), &Request{
		Method: "POST",
		URL:    "https://site.test/start",
		Body:   []byte("again"),
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
}

func TestDo_TooManyRedirects(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s, WithMaxRedirects(3))
	for i := 0; i < 3; i++ {
		s.steps = append(s.steps, step{
			status: http.StatusFound,
			header: http.Header{"Location": {"/hop"}},
		})
	}

	_, err := c.Do(context.Background(), &Request{URL: "https://site.test/"})
	if err == nil {
		t.Fatal("expected redirect-limit error")
	}
	if transport.CategoryOf(err) != transport.ErrTooManyRedirects {
		t.Errorf("category = %v", transport.CategoryOf(err))
	}
}

func TestDo_DisableRedirect(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: http.StatusFound,
		header: http.Header{"Location": {"/next"}},
		body:   "moved",
	}}

	resp, err := c.Do(context.Background(), &Request{
		URL:             "https://site.test/",
		DisableRedirect: true,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Status != http.StatusFound || resp.Header("location") != "/next" {
		t.Errorf("resp = %+v", resp)
	}
	if !resp.IsRedirect() {
		t.Error("IsRedirect() = false")
	}
}

func TestDo_Decompress(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte("hello gzip world"))
	zw.Close()

	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: 200,
		header: http.Header{"Content-Encoding": {"gzip"}},
		body:   buf.String(),
	}}

	resp, err := c.Do(context.Background(), &Request{URL: "https://site.test/"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Text() != "hello gzip world" {
		t.Errorf("body = %q", resp.Text())
	}
	if _, ok := resp.Headers["content-encoding"]; ok {
		t.Error("content-encoding kept after successful decode")
	}
}

func TestDo_UndecodableBodySurvives(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{{
		status: 200,
		header: http.Header{"Content-Encoding": {"gzip"}},
		body:   "this is not gzip",
	}}

	resp, err := c.Do(context.Background(), &Request{URL: "https://site.test/"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.Text() != "this is not gzip" {
		t.Errorf("body = %q", resp.Text())
	}
	if resp.Header("content-encoding") != "gzip" {
		t.Error("content-encoding dropped although the body stayed raw")
	}
}

func TestDo_PooledCarrierRedialsOnce(t *testing.T) {
	s := &script{}
	c := newScriptedClient(t, s)
	s.steps = []step{
		{status: 200, body: "first"},
		{err: io.ErrUnexpectedEOF}, // pooled carrier died while idle
		{status: 200, body: "second"},
	}

	if _, err := c.Get(context.Background(), "https://site.test/", nil); err != nil {
		t.Fatalf("first request: %v", err)
	}
	resp, err := c.Get(context.Background(), "https://site.test/", nil)
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.Text() != "second" {
		t.Errorf("body = %q", resp.Text())
	}
	if s.dialCount() != 2 {
		t.Errorf("dials = %d, want 2 (one redial)", s.dialCount())
	}
}

func TestDo_MissingURL(t *testing.T) {
	c := newScriptedClient(t, &script{})
	_, err := c.Do(context.Background(), &Request{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if transport.CategoryOf(err) != transport.ErrRequest {
		t.Errorf("category = %v", transport.CategoryOf(err))
	}
}

func TestDo_UnsupportedScheme(t *testing.T) {
	c := newScriptedClient(t, &script{})
	_, err := c.Do(context.Background(), &Request{URL: "ftp://site.test/file"})
	if err == nil {
		t.Fatal("expected scheme error")
	}
	if transport.CategoryOf(err) != transport.ErrRequest {
		t.Errorf("category = %v", transport.CategoryOf(err))
	}
}

func TestNormalizeMethod(t *testing.T) {
	cases := map[string]string{
		"":       "GET",
		"post":   "POST",
		" get ":  "GET",
		"BREW":   "GET",
		"DELETE": "DELETE",
	}
	for in, want := range cases {
		if got := normalizeMethod(in); got != want {
			t.Errorf("normalizeMethod(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestKeySpec_ALPNByMode(t *testing.T) {
	c := newScriptedClient(t, &script{})

	h1 := keySpec(c.baseSpec, transport.ModeHTTP1, false)
	if len(h1.ALPN) != 1 || h1.ALPN[0] != "http/1.1" {
		t.Errorf("h1 ALPN = %v", h1.ALPN)
	}
	h3 := keySpec(c.baseSpec, transport.ModeHTTP3, false)
	if len(h3.ALPN) != 1 || h3.ALPN[0] != "h3" {
		t.Errorf("h3 ALPN = %v", h3.ALPN)
	}
	pinned := keySpec(c.baseSpec, transport.ModeAuto, true)
	if len(pinned.ALPN) != 1 || pinned.ALPN[0] != "h2" {
		t.Errorf("pinned ALPN = %v", pinned.ALPN)
	}
}
