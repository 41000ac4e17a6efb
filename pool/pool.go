// Package pool caches live carriers by ConnectionKey.
//
// HTTP/1.1 carriers are leased exclusively: a second concurrent request on
// the same key dials a second connection. HTTP/2 and HTTP/3 carriers are
// shared, bounded only by what the connection itself will accept. Dials to
// the same host:port are serialized on a per-address mutex so a burst of
// first requests produces one handshake, not a herd.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sardanioss/mimic/transport"
)

var ErrClosed = errors.New("pool closed")

const (
	defaultMaxIdleTime     = 90 * time.Second
	defaultMaxConnAge      = 5 * time.Minute
	defaultCleanupInterval = 30 * time.Second
)

// DialFunc produces a fresh carrier for a key. The pool passes in the key's
// session cache so TLS resumption never crosses keys.
type DialFunc func(ctx context.Context, sessions *transport.SessionCache) (transport.Carrier, error)

// Options tune the pool's reuse policy. Zero values take the defaults.
type Options struct {
	MaxIdleTime     time.Duration
	MaxConnAge      time.Duration
	CleanupInterval time.Duration
}

// Pool is the process-wide carrier cache.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*entry
	addrMu  map[string]*sync.Mutex
	closed  bool

	maxIdle  time.Duration
	maxAge   time.Duration
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a pool with default policy and starts its cleanup loop.
func New() *Pool { return NewWithOptions(Options{}) }

func NewWithOptions(opts Options) *Pool {
	p := &Pool{
		entries:  make(map[string]*entry),
		addrMu:   make(map[string]*sync.Mutex),
		maxIdle:  opts.MaxIdleTime,
		maxAge:   opts.MaxConnAge,
		interval: opts.CleanupInterval,
		stop:     make(chan struct{}),
	}
	if p.maxIdle <= 0 {
		p.maxIdle = defaultMaxIdleTime
	}
	if p.maxAge <= 0 {
		p.maxAge = defaultMaxConnAge
	}
	if p.interval <= 0 {
		p.interval = defaultCleanupInterval
	}
	go p.cleanupLoop()
	return p
}

// entry holds every carrier dialed under one key, plus the key's TLS session
// cache. The cache outlives its carriers so a redial after an idle close can
// still resume.
type entry struct {
	key      Key
	sessions *transport.SessionCache

	mu       sync.Mutex
	carriers []*member
}

type member struct {
	carrier   transport.Carrier
	exclusive bool
	createdAt time.Time
	lastUsed  time.Time
	active    int
	closed    bool
}

// Lease is a borrowed carrier. Exactly one Release per lease; releasing with
// a non-nil error discards the carrier.
type Lease struct {
	Carrier transport.Carrier

	entry  *entry
	m      *member
	fresh  bool
	reused bool

	mu   sync.Mutex
	done bool
}

// Reused reports whether the carrier existed before this lease. A reused
// carrier may have died while idle; callers can redial once on failure.
func (l *Lease) Reused() bool { return l.reused }

// Acquire returns a reusable carrier for the key or dials a new one under
// the key's address mutex.
func (p *Pool) Acquire(ctx context.Context, key Key, dial DialFunc) (*Lease, error) {
	e, addr, err := p.entryFor(key)
	if err != nil {
		return nil, err
	}

	addr.Lock()
	defer addr.Unlock()

	if m, expired := e.take(p.maxIdle, p.maxAge); m != nil {
		closeAll(expired)
		return &Lease{Carrier: m.carrier, entry: e, m: m, reused: true}, nil
	} else if len(expired) > 0 {
		closeAll(expired)
	}

	carrier, err := dial(ctx, e.sessions)
	if err != nil {
		return nil, err
	}

	m := &member{
		carrier:   carrier,
		exclusive: carrier.Protocol() == "h1",
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		active:    1,
	}
	e.mu.Lock()
	e.carriers = append(e.carriers, m)
	e.mu.Unlock()

	return &Lease{Carrier: carrier, entry: e, m: m}, nil
}

// AcquireFresh dials outside the pool: the carrier is never inserted and the
// lease closes it on release. The key's session cache is still used, so a
// later pooled dial can resume what a fresh dial established.
func (p *Pool) AcquireFresh(ctx context.Context, key Key, dial DialFunc) (*Lease, error) {
	e, _, err := p.entryFor(key)
	if err != nil {
		return nil, err
	}
	carrier, err := dial(ctx, e.sessions)
	if err != nil {
		return nil, err
	}
	return &Lease{Carrier: carrier, entry: e, fresh: true}, nil
}

// Release returns the carrier to the pool. A non-nil err, or an exclusive
// carrier that can no longer take requests, evicts and closes it.
func (l *Lease) Release(err error) {
	l.mu.Lock()
	if l.done {
		l.mu.Unlock()
		return
	}
	l.done = true
	l.mu.Unlock()

	if l.fresh {
		l.Carrier.Close()
		return
	}

	broken := err != nil || (l.m.exclusive && !l.Carrier.Reusable())

	l.entry.mu.Lock()
	l.m.active--
	l.m.lastUsed = time.Now()
	if broken && !l.m.closed {
		l.m.closed = true
		l.entry.remove(l.m)
	}
	l.entry.mu.Unlock()

	if broken {
		l.Carrier.Close()
	}
}

// entryFor finds or creates the entry and address mutex for a key.
func (p *Pool) entryFor(key Key) (*entry, *sync.Mutex, error) {
	ks := key.String()
	addr := key.Addr()

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	e, eok := p.entries[ks]
	am, aok := p.addrMu[addr]
	p.mu.RUnlock()
	if eok && aok {
		return e, am, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrClosed
	}
	if e = p.entries[ks]; e == nil {
		e = &entry{key: key, sessions: transport.NewSessionCache()}
		p.entries[ks] = e
	} else if e.key == (Key{}) {
		// Entry was pre-created by a session import; adopt the real key.
		e.key = key
	}
	if am = p.addrMu[addr]; am == nil {
		am = &sync.Mutex{}
		p.addrMu[addr] = am
	}
	return e, am, nil
}

// take returns a reusable member, bumping its lease count, and the carriers
// it pruned along the way. Caller holds the address mutex.
func (e *entry) take(maxIdle, maxAge time.Duration) (*member, []transport.Carrier) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var pruned []transport.Carrier
	kept := e.carriers[:0]
	var found *member

	for _, m := range e.carriers {
		stale := now.Sub(m.lastUsed) > maxIdle || now.Sub(m.createdAt) > maxAge
		if m.active == 0 && (stale || !m.carrier.Reusable()) {
			m.closed = true
			pruned = append(pruned, m.carrier)
			continue
		}
		kept = append(kept, m)
		if found != nil || m.closed || stale {
			continue
		}
		if m.exclusive && m.active > 0 {
			continue
		}
		if !m.carrier.Reusable() {
			continue
		}
		m.active++
		m.lastUsed = now
		found = m
	}
	e.carriers = kept
	return found, pruned
}

func (e *entry) remove(target *member) {
	kept := e.carriers[:0]
	for _, m := range e.carriers {
		if m != target {
			kept = append(kept, m)
		}
	}
	e.carriers = kept
}

// CloseIdle closes carriers with no outstanding leases for keys matching the
// selector; nil matches every key. Carriers serving requests are left alone.
func (p *Pool) CloseIdle(match func(Key) bool) {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		if match == nil || match(e.key) {
			entries = append(entries, e)
		}
	}
	p.mu.RUnlock()

	for _, e := range entries {
		closeAll(e.drainIdle())
	}
}

func (e *entry) drainIdle() []transport.Carrier {
	e.mu.Lock()
	defer e.mu.Unlock()

	var closed []transport.Carrier
	kept := e.carriers[:0]
	for _, m := range e.carriers {
		if m.active == 0 {
			m.closed = true
			closed = append(closed, m.carrier)
			continue
		}
		kept = append(kept, m)
	}
	e.carriers = kept
	return closed
}

func (e *entry) sweep(maxIdle, maxAge time.Duration) []transport.Carrier {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	var closed []transport.Carrier
	kept := e.carriers[:0]
	for _, m := range e.carriers {
		expired := now.Sub(m.lastUsed) > maxIdle || now.Sub(m.createdAt) > maxAge
		if m.active == 0 && (expired || !m.carrier.Reusable()) {
			m.closed = true
			closed = append(closed, m.carrier)
			continue
		}
		kept = append(kept, m)
	}
	e.carriers = kept
	return closed
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *Pool) cleanup() {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	for _, e := range entries {
		closeAll(e.sweep(p.maxIdle, p.maxAge))
	}
}

// Close shuts the pool down: stops cleanup, closes every carrier, rejects
// future acquires.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	p.stopOnce.Do(func() { close(p.stop) })

	for _, e := range entries {
		e.mu.Lock()
		carriers := e.carriers
		e.carriers = nil
		e.mu.Unlock()
		for _, m := range carriers {
			m.carrier.Close()
		}
	}
}

// Stats describes one key's live carriers.
type Stats struct {
	Carriers int
	Active   int
}

func (p *Pool) StatsByKey() map[string]Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Stats, len(p.entries))
	for ks, e := range p.entries {
		e.mu.Lock()
		s := Stats{Carriers: len(e.carriers)}
		for _, m := range e.carriers {
			s.Active += m.active
		}
		e.mu.Unlock()
		if s.Carriers > 0 {
			out[ks] = s
		}
	}
	return out
}

// ExportSessions snapshots every key's serializable TLS sessions, keyed by
// the key string, for persistence across processes.
func (p *Pool) ExportSessions() map[string]map[string]transport.SessionRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]map[string]transport.SessionRecord)
	for ks, e := range p.entries {
		if recs := e.sessions.Export(); len(recs) > 0 {
			out[ks] = recs
		}
	}
	return out
}

// ImportSessions seeds session caches from a prior export so first dials can
// already resume. Unknown keys get a cache-only entry that the first Acquire
// adopts.
func (p *Pool) ImportSessions(dump map[string]map[string]transport.SessionRecord) {
	for ks, recs := range dump {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		e := p.entries[ks]
		if e == nil {
			e = &entry{sessions: transport.NewSessionCache()}
			p.entries[ks] = e
		}
		p.mu.Unlock()
		e.sessions.Import(recs)
	}
}

func closeAll(carriers []transport.Carrier) {
	for _, c := range carriers {
		c.Close()
	}
}
