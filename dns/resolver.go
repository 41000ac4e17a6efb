package dns

import (
	"context"
	"net"
	"time"

	mdns "github.com/miekg/dns"
)

// Resolver queries a specific DNS server instead of the system stub,
// returning real record TTLs so the cache honors them. Useful behind
// proxies whose egress DNS differs from the local configuration.
type Resolver struct {
	server  string // host:port
	timeout time.Duration
}

// NewResolver returns a resolver for the given server address. A missing
// port defaults to 53.
func NewResolver(server string) *Resolver {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &Resolver{server: server, timeout: 5 * time.Second}
}

// Lookup resolves host by querying A and AAAA records. The returned TTL is
// the smallest across all answers.
func (r *Resolver) Lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	client := &mdns.Client{Timeout: r.timeout}
	fqdn := mdns.Fqdn(host)

	type answer struct {
		ips []net.IP
		ttl uint32
		err error
	}

	query := func(qtype uint16) answer {
		msg := new(mdns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		in, _, err := client.ExchangeContext(ctx, msg, r.server)
		if err != nil {
			return answer{err: err}
		}
		if in.Rcode != mdns.RcodeSuccess {
			return answer{err: &net.DNSError{
				Err:  mdns.RcodeToString[in.Rcode],
				Name: host,
			}}
		}

		var out answer
		out.ttl = ^uint32(0)
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *mdns.A:
				out.ips = append(out.ips, rec.A)
			case *mdns.AAAA:
				out.ips = append(out.ips, rec.AAAA)
			default:
				continue
			}
			if ttl := rr.Header().Ttl; ttl < out.ttl {
				out.ttl = ttl
			}
		}
		return out
	}

	// A and AAAA in parallel, the way stub resolvers do.
	ch := make(chan answer, 2)
	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		go func(qt uint16) { ch <- query(qt) }(qtype)
	}

	var (
		ips     []net.IP
		minTTL  = ^uint32(0)
		lastErr error
	)
	for i := 0; i < 2; i++ {
		a := <-ch
		if a.err != nil {
			lastErr = a.err
			continue
		}
		ips = append(ips, a.ips...)
		if len(a.ips) > 0 && a.ttl < minTTL {
			minTTL = a.ttl
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, 0, lastErr
		}
		return nil, 0, &net.DNSError{Err: "no addresses found", Name: host}
	}
	return ips, time.Duration(minTTL) * time.Second, nil
}
