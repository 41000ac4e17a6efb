package dns

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeLookuper struct {
	ips   []net.IP
	ttl   time.Duration
	err   error
	calls int
}

func (f *fakeLookuper) Lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	f.calls++
	return f.ips, f.ttl, f.err
}

func TestCache_ResolveCachesResult(t *testing.T) {
	fake := &fakeLookuper{ips: []net.IP{net.ParseIP("192.0.2.1")}, ttl: time.Minute}
	c := NewCacheWith(fake)

	for i := 0; i < 3; i++ {
		ips, err := c.Resolve(context.Background(), "example.com")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if len(ips) != 1 || !ips[0].Equal(net.ParseIP("192.0.2.1")) {
			t.Fatalf("unexpected ips %v", ips)
		}
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 lookup, got %d", fake.calls)
	}
}

func TestCache_LiteralIPSkipsLookup(t *testing.T) {
	fake := &fakeLookuper{}
	c := NewCacheWith(fake)

	ips, err := c.Resolve(context.Background(), "2001:db8::1")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(ips) != 1 || fake.calls != 0 {
		t.Errorf("literal IP should bypass lookup: ips=%v calls=%d", ips, fake.calls)
	}
}

func TestCache_StaleServedOnFailure(t *testing.T) {
	fake := &fakeLookuper{ips: []net.IP{net.ParseIP("192.0.2.7")}, ttl: time.Minute}
	c := NewCacheWith(fake)

	if _, err := c.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatalf("seed resolve failed: %v", err)
	}

	// Force expiry, then make the lookuper fail.
	c.mu.Lock()
	c.entries["example.com"].ExpiresAt = time.Now().Add(-time.Second)
	c.mu.Unlock()
	fake.err = errors.New("servfail")

	ips, err := c.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("expected stale entry, got error: %v", err)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("192.0.2.7")) {
		t.Errorf("unexpected stale ips %v", ips)
	}
}

func TestCache_ErrorWithoutStale(t *testing.T) {
	fake := &fakeLookuper{err: errors.New("nxdomain")}
	c := NewCacheWith(fake)

	if _, err := c.Resolve(context.Background(), "missing.example"); err == nil {
		t.Fatal("expected error for cold failing lookup")
	}
}

func TestCache_ResolveOnePrefersIPv6(t *testing.T) {
	fake := &fakeLookuper{ips: []net.IP{
		net.ParseIP("192.0.2.1"),
		net.ParseIP("2001:db8::1"),
	}}
	c := NewCacheWith(fake)

	ip, err := c.ResolveOne(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("ResolveOne failed: %v", err)
	}
	if ip.To4() != nil {
		t.Errorf("expected IPv6 preference, got %v", ip)
	}
}

func TestCache_ResolveAllSortedInterleaves(t *testing.T) {
	fake := &fakeLookuper{ips: []net.IP{
		net.ParseIP("192.0.2.1"),
		net.ParseIP("192.0.2.2"),
		net.ParseIP("2001:db8::1"),
		net.ParseIP("2001:db8::2"),
	}}
	c := NewCacheWith(fake)

	ips, err := c.ResolveAllSorted(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("ResolveAllSorted failed: %v", err)
	}
	if len(ips) != 4 {
		t.Fatalf("expected 4 ips, got %d", len(ips))
	}
	if ips[0].To4() != nil {
		t.Errorf("position 0 should be IPv6, got %v", ips[0])
	}
	if ips[1].To4() == nil {
		t.Errorf("position 1 should be IPv4, got %v", ips[1])
	}
}

func TestCache_MinTTLFloor(t *testing.T) {
	fake := &fakeLookuper{ips: []net.IP{net.ParseIP("192.0.2.1")}, ttl: time.Second}
	c := NewCacheWith(fake)

	if _, err := c.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	c.mu.RLock()
	entry := c.entries["example.com"]
	c.mu.RUnlock()
	if time.Until(entry.ExpiresAt) < 20*time.Second {
		t.Errorf("TTL floor not applied: expires in %v", time.Until(entry.ExpiresAt))
	}
}

func TestCache_InvalidateForcesLookup(t *testing.T) {
	fake := &fakeLookuper{ips: []net.IP{net.ParseIP("192.0.2.1")}, ttl: time.Minute}
	c := NewCacheWith(fake)

	if _, err := c.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}
	c.Invalidate("example.com")
	if _, err := c.Resolve(context.Background(), "example.com"); err != nil {
		t.Fatal(err)
	}
	if fake.calls != 2 {
		t.Errorf("expected 2 lookups after invalidate, got %d", fake.calls)
	}
}

func TestNewResolver_DefaultPort(t *testing.T) {
	r := NewResolver("192.0.2.53")
	if r.server != "192.0.2.53:53" {
		t.Errorf("expected default port 53, got %q", r.server)
	}
	r = NewResolver("192.0.2.53:5300")
	if r.server != "192.0.2.53:5300" {
		t.Errorf("explicit port clobbered: %q", r.server)
	}
}
