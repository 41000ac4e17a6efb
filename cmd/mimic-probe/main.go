// Command mimic-probe sends requests with a chosen fingerprint and prints
// what came back. Pointed at an echo service such as
// https://tls.peet.ws/api/all it shows the wire identity a server observed;
// run with -count above 1 it shows whether connection reuse holds across
// exchanges.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/sardanioss/mimic"
)

func main() {
	var (
		profile  = flag.String("profile", "chrome_120", "fingerprint profile name (see -list)")
		ja3      = flag.String("ja3", "", "raw JA3 string, overrides the profile's TLS identity")
		ja4r     = flag.String("ja4r", "", "raw JA4R string, overrides the profile's TLS identity")
		h2fp     = flag.String("h2fp", "", "Akamai HTTP/2 fingerprint string")
		quicfp   = flag.String("quicfp", "", "QUIC fingerprint string")
		proxy    = flag.String("proxy", "", "proxy URL (http, https, socks4, socks5, socks5h)")
		ua       = flag.String("ua", "", "User-Agent override")
		h1       = flag.Bool("h1", false, "force HTTP/1.1")
		h3       = flag.Bool("h3", false, "force HTTP/3")
		insecure = flag.Bool("insecure", false, "skip certificate verification")
		timeout  = flag.Duration("timeout", 30*time.Second, "per-request budget")
		count    = flag.Int("count", 1, "number of requests on the same client")
		body     = flag.Bool("body", false, "print response bodies")
		list     = flag.Bool("list", false, "list built-in profiles and exit")
	)
	flag.Parse()

	if *list {
		for _, name := range mimic.Profiles() {
			fmt.Println(name)
		}
		return
	}

	url := flag.Arg(0)
	if url == "" {
		url = "https://tls.peet.ws/api/all"
	}

	opts := []mimic.Option{mimic.WithTimeout(*timeout)}
	if *proxy != "" {
		opts = append(opts, mimic.WithProxy(*proxy))
	}
	if *ua != "" {
		opts = append(opts, mimic.WithUserAgent(*ua))
	}
	if *insecure {
		opts = append(opts, mimic.WithInsecureSkipVerify())
	}
	if *h1 {
		opts = append(opts, mimic.WithForceHTTP1())
	}
	if *h3 {
		opts = append(opts, mimic.WithForceHTTP3())
	}

	c, err := mimic.New(*profile, opts...)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	for i := 0; i < *count; i++ {
		start := time.Now()
		resp, err := c.Do(ctx, &mimic.Request{
			URL:              url,
			JA3:              *ja3,
			JA4R:             *ja4r,
			HTTP2Fingerprint: *h2fp,
			QUICFingerprint:  *quicfp,
		})
		if err != nil {
			log.Fatalf("request %d: %v", i+1, err)
		}

		fmt.Printf("[%d] status=%d protocol=%s elapsed=%dms url=%s\n",
			i+1, resp.Status, resp.Protocol, time.Since(start).Milliseconds(), resp.FinalURL)
		if *body {
			fmt.Println(resp.Text())
		}
	}
}
