package client

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	http "github.com/sardanioss/http"
)

// Jar is a mechanical cookie store: domain and path matching, expiry, secure
// flag — no public-suffix policy. The executor builds one per exchange,
// seeds it from the request's cookies, feeds it every hop's Set-Cookie and
// echoes matches on the next hop.
type Jar struct {
	mu      sync.RWMutex
	entries map[string][]*jarEntry // domain key (no leading dot) -> entries
}

type jarEntry struct {
	cookie *http.Cookie

	domain   string // lowercased, no leading dot
	hostOnly bool   // no Domain attribute: exact-host match only
	path     string
	created  time.Time
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{entries: make(map[string][]*jarEntry)}
}

// SetCookies records cookies received for (or seeded onto) u. A cookie with
// an empty Domain binds to u's host only; MaxAge < 0 or a past Expires
// removes any stored cookie with the same name, domain and path.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	host := hostOnlyName(u.Host)
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		if c == nil || c.Name == "" {
			continue
		}
		e := &jarEntry{cookie: c, created: now}
		if c.Domain == "" {
			e.domain = host
			e.hostOnly = true
		} else {
			e.domain = strings.TrimPrefix(strings.ToLower(c.Domain), ".")
		}
		e.path = c.Path
		if e.path == "" {
			e.path = "/"
		}

		kept := j.entries[e.domain][:0]
		for _, old := range j.entries[e.domain] {
			if old.cookie.Name != c.Name || old.path != e.path {
				kept = append(kept, old)
			}
		}
		if !e.expired(now) {
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(j.entries, e.domain)
		} else {
			j.entries[e.domain] = kept
		}
	}
}

// Cookies returns the cookies to send for u, longest path first.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	host := hostOnlyName(u.Host)
	now := time.Now()

	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*jarEntry
	for _, domain := range matchingDomains(host) {
		for _, e := range j.entries[domain] {
			if e.expired(now) {
				continue
			}
			if e.hostOnly && host != e.domain {
				continue
			}
			if !pathMatches(u.Path, e.path) {
				continue
			}
			if e.cookie.Secure && u.Scheme != "https" && u.Scheme != "wss" {
				continue
			}
			out = append(out, e)
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return len(out[a].path) > len(out[b].path)
	})

	cookies := make([]*http.Cookie, len(out))
	for i, e := range out {
		cookies[i] = e.cookie
	}
	return cookies
}

// Header renders the Cookie header value for u, or "" when nothing matches.
func (j *Jar) Header(u *url.URL) string {
	cookies := j.Cookies(u)
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, len(cookies))
	for i, c := range cookies {
		parts[i] = c.Name + "=" + c.Value
	}
	return strings.Join(parts, "; ")
}

// All returns every live cookie with full attributes, for surfacing on the
// final response.
func (j *Jar) All() []*http.Cookie {
	now := time.Now()

	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []*http.Cookie
	domains := make([]string, 0, len(j.entries))
	for d := range j.entries {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		for _, e := range j.entries[d] {
			if !e.expired(now) {
				out = append(out, e.cookie)
			}
		}
	}
	return out
}

// Clear empties the jar.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = make(map[string][]*jarEntry)
}

// Count returns the number of stored cookies.
func (j *Jar) Count() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, es := range j.entries {
		n += len(es)
	}
	return n
}

func (e *jarEntry) expired(now time.Time) bool {
	c := e.cookie
	if c.MaxAge < 0 {
		return true
	}
	if c.MaxAge > 0 {
		return now.After(e.created.Add(time.Duration(c.MaxAge) * time.Second))
	}
	if !c.Expires.IsZero() {
		return now.After(c.Expires)
	}
	return false
}

// hostOnlyName strips the port and lowercases.
func hostOnlyName(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}

// matchingDomains returns host and every parent domain; entries for a parent
// hold domain cookies that cover subdomains.
func matchingDomains(host string) []string {
	domains := []string{host}
	parts := strings.Split(host, ".")
	for i := 1; i < len(parts)-1; i++ {
		domains = append(domains, strings.Join(parts[i:], "."))
	}
	return domains
}

func pathMatches(requestPath, cookiePath string) bool {
	if requestPath == "" {
		requestPath = "/"
	}
	if cookiePath == "/" || requestPath == cookiePath {
		return true
	}
	if strings.HasPrefix(requestPath, cookiePath) {
		return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
	}
	return false
}
