package client

import (
	"net/url"
	"strings"
)

// JoinURL resolves ref against base the way a Location header is resolved:
// absolute refs win, protocol-relative refs inherit the scheme, everything
// else resolves per RFC 3986.
func JoinURL(base, ref string) string {
	if ref == "" {
		return base
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return base + "/" + strings.TrimPrefix(ref, "/")
	}
	return b.ResolveReference(r).String()
}

// mergeParams folds params into rawURL's query string, keeping any query the
// URL already carries.
func mergeParams(rawURL string, params map[string]string) string {
	if len(params) == 0 {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
