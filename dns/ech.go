package dns

import (
	"context"
	"net"
	"time"

	mdns "github.com/miekg/dns"
)

// FetchECHConfigs returns the ECH configuration list advertised in host's
// HTTPS record, querying the system resolver. A nil list with nil error
// means the host advertises none; connections then proceed without ECH.
func FetchECHConfigs(ctx context.Context, host string) ([]byte, error) {
	server := systemDNSServer()
	if server == "" {
		return nil, nil
	}
	return fetchECH(ctx, host, server)
}

// FetchECHConfigs is the resolver-bound variant, for setups whose DNS
// traffic must leave through a specific server.
func (r *Resolver) FetchECHConfigs(ctx context.Context, host string) ([]byte, error) {
	return fetchECH(ctx, host, r.server)
}

func fetchECH(ctx context.Context, host, server string) ([]byte, error) {
	client := &mdns.Client{Timeout: 5 * time.Second}
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(host), mdns.TypeHTTPS)
	msg.RecursionDesired = true

	in, _, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, err
	}
	if in.Rcode != mdns.RcodeSuccess {
		return nil, &net.DNSError{Err: mdns.RcodeToString[in.Rcode], Name: host}
	}

	for _, rr := range in.Answer {
		https, ok := rr.(*mdns.HTTPS)
		if !ok {
			continue
		}
		for _, kv := range https.Value {
			if ech, ok := kv.(*mdns.SVCBECHConfig); ok && len(ech.ECH) > 0 {
				return ech.ECH, nil
			}
		}
	}
	return nil, nil
}

func systemDNSServer() string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return ""
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port)
}
