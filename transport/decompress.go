package transport

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Decompress wraps body with readers that undo a Content-Encoding value,
// applying multiple tokens in reverse of their listed order. The boolean
// reports whether every token was recognized; when false the body comes
// back untouched and the caller keeps the Content-Encoding header.
func Decompress(encoding string, body io.ReadCloser) (io.ReadCloser, bool, error) {
	tokens := splitEncodings(encoding)
	if len(tokens) == 0 {
		return body, false, nil
	}
	for _, t := range tokens {
		if !knownEncoding(t) {
			return body, false, nil
		}
	}

	reader := io.Reader(body)
	closers := []io.Closer{body}
	for i := len(tokens) - 1; i >= 0; i-- {
		wrapped, err := decodeReader(tokens[i], reader)
		if err != nil {
			closeAll(closers)
			return nil, true, err
		}
		reader = wrapped
		closers = append(closers, wrapped)
	}
	return &decompressedBody{r: reader, closers: closers}, true, nil
}

func splitEncodings(encoding string) []string {
	var tokens []string
	for _, t := range strings.Split(encoding, ",") {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || t == "identity" {
			continue
		}
		tokens = append(tokens, t)
	}
	return tokens
}

func knownEncoding(token string) bool {
	switch token {
	case "gzip", "x-gzip", "deflate", "br", "zstd":
		return true
	}
	return false
}

func decodeReader(token string, r io.Reader) (io.ReadCloser, error) {
	switch token {
	case "gzip", "x-gzip":
		return gzip.NewReader(r)
	case "deflate":
		return deflateReader(r)
	case "br":
		return io.NopCloser(brotli.NewReader(r)), nil
	case "zstd":
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	}
	return io.NopCloser(r), nil
}

// deflateReader handles both spellings of deflate in the wild: RFC 9110
// means zlib-wrapped, but plenty of servers send raw DEFLATE. A zlib
// stream's first byte is 0x78 (CMF for 32K windows), raw streams never
// start with it.
func deflateReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(1)
	if err != nil {
		// Empty or unreadable body; hand the error to the first Read.
		return flate.NewReader(br), nil
	}
	if head[0] == 0x78 {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

type decompressedBody struct {
	r       io.Reader
	closers []io.Closer
}

func (b *decompressedBody) Read(p []byte) (int, error) { return b.r.Read(p) }

// Close closes the decode stack outermost-first, finishing with the
// network body.
func (b *decompressedBody) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		c.Close()
	}
}
