// Package dns provides TTL-aware hostname resolution for the dialing
// layers: a cache in front of either the system resolver or a specific DNS
// server.
package dns

import (
	"context"
	"net"
	"sync"
	"time"
)

// Lookuper resolves a hostname to addresses plus the smallest record TTL.
// A zero TTL means the source carries none and the cache default applies.
type Lookuper interface {
	Lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error)
}

// Entry is one cached resolution.
type Entry struct {
	IPs       []net.IP
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired reports whether the entry has passed its TTL.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache provides TTL-aware DNS caching with stale-entry fallback: a failed
// refresh serves the expired entry rather than the error.
type Cache struct {
	entries    map[string]*Entry
	mu         sync.RWMutex
	lookuper   Lookuper
	defaultTTL time.Duration
	minTTL     time.Duration
}

// NewCache returns a cache backed by the system resolver.
func NewCache() *Cache {
	return NewCacheWith(SystemLookuper{})
}

// NewCacheWith returns a cache backed by the given lookuper.
func NewCacheWith(l Lookuper) *Cache {
	return &Cache{
		entries:    make(map[string]*Entry),
		lookuper:   l,
		defaultTTL: 5 * time.Minute,
		minTTL:     30 * time.Second, // floor to prevent hammering
	}
}

// Resolve returns the addresses for host, cached when fresh.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if exists && !entry.IsExpired() {
		return entry.IPs, nil
	}

	ips, ttl, err := c.lookuper.Lookup(ctx, host)
	if err != nil {
		if exists {
			return entry.IPs, nil
		}
		return nil, err
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl < c.minTTL {
		ttl = c.minTTL
	}

	now := time.Now()
	c.mu.Lock()
	c.entries[host] = &Entry{
		IPs:       ips,
		ExpiresAt: now.Add(ttl),
		LookupAt:  now,
	}
	c.mu.Unlock()

	return ips, nil
}

// ResolveOne returns a single address, preferring IPv6 the way modern
// browsers do.
func (c *Cache) ResolveOne(ctx context.Context, host string) (net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

// ResolveAllSorted returns all addresses ordered for Happy Eyeballs
// (RFC 8305): IPv6 interleaved with IPv4.
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host}
	}

	var ipv4, ipv6 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}

	result := make([]net.IP, 0, len(ips))
	i, j := 0, 0
	for i < len(ipv6) || j < len(ipv4) {
		if i < len(ipv6) {
			result = append(result, ipv6[i])
			i++
		}
		if j < len(ipv4) {
			result = append(result, ipv4[j])
			j++
		}
	}
	return result, nil
}

// Invalidate removes a hostname from the cache.
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.mu.Unlock()
}

// SetTTL sets the TTL used when the lookup source carries none.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	c.defaultTTL = ttl
}

// Cleanup removes expired entries.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for host, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, host)
		}
	}
}

// StartCleanup runs Cleanup on the given interval until ctx is done.
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}

// SystemLookuper resolves through the system resolver. It carries no TTL
// data, so cached entries use the cache default.
type SystemLookuper struct{}

func (SystemLookuper) Lookup(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	ips := make([]net.IP, len(addrs))
	for i, addr := range addrs {
		ips[i] = addr.IP
	}
	return ips, 0, nil
}
