package pool

import (
	"fmt"
	"net"

	"github.com/sardanioss/mimic/fingerprint"
)

// Key identifies which live connections may serve a request. Two requests
// share a transport only when every field matches: same destination, same
// TLS version ceiling, same ClientHello shape, same HTTP/2 shape, same proxy
// hop, same SNI. The executor folds the effective ALPN into the spec before
// keying, so forced-HTTP/1.1 and forced-HTTP/3 dials land under their own
// keys.
type Key struct {
	Scheme string
	Host   string
	Port   string

	TLSVersion uint16
	HelloSum   uint64
	ShapeSum   uint64

	// Proxy is the proxy identity string (proxy.Config.CacheKey), empty for
	// direct connections.
	Proxy string

	// SNI is set only when the request overrides the server name.
	SNI string
}

// For builds the key for a spec-driven dial.
func For(scheme, host, port string, spec *fingerprint.TransportSpec, proxyKey, sni string) Key {
	k := Key{
		Scheme: scheme,
		Host:   host,
		Port:   port,
		Proxy:  proxyKey,
		SNI:    sni,
	}
	if spec != nil {
		k.TLSVersion = spec.TLSVersMax
		k.HelloSum = spec.HelloSum()
		k.ShapeSum = spec.ShapeSum()
	}
	return k
}

// Addr returns the dial address; concurrent first-dials to the same address
// are serialized on it regardless of the rest of the key.
func (k Key) Addr() string { return net.JoinHostPort(k.Host, k.Port) }

func (k Key) String() string {
	return fmt.Sprintf("%s|%s:%s|%04x|%016x|%016x|%s|%s",
		k.Scheme, k.Host, k.Port, k.TLSVersion, k.HelloSum, k.ShapeSum, k.Proxy, k.SNI)
}
