package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	http "github.com/sardanioss/http"

	"github.com/sardanioss/mimic/fingerprint"
	"github.com/sardanioss/mimic/transport"
)

type fakeCarrier struct {
	proto string

	mu       sync.Mutex
	reusable bool
	closed   bool
}

func (f *fakeCarrier) Protocol() string { return f.proto }

func (f *fakeCarrier) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("fake carrier")
}

func (f *fakeCarrier) Reusable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reusable && !f.closed
}

func (f *fakeCarrier) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCarrier) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeCarrier) setReusable(v bool) {
	f.mu.Lock()
	f.reusable = v
	f.mu.Unlock()
}

// dialer counts dials and remembers what it produced.
type dialer struct {
	proto string
	delay time.Duration

	mu    sync.Mutex
	count int
	made  []*fakeCarrier
}

func (d *dialer) dial(ctx context.Context, _ *transport.SessionCache) (transport.Carrier, error) {
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	c := &fakeCarrier{proto: d.proto, reusable: true}
	d.mu.Lock()
	d.count++
	d.made = append(d.made, c)
	d.mu.Unlock()
	return c, nil
}

func (d *dialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func testPool() *Pool {
	return NewWithOptions(Options{CleanupInterval: time.Hour})
}

func testKey(host string) Key {
	return Key{Scheme: "https", Host: host, Port: "443", TLSVersion: 0x0304, HelloSum: 7, ShapeSum: 9}
}

func TestAcquire_SharedReuse(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}
	key := testKey("example.com")

	l1, err := p.Acquire(context.Background(), key, d.dial)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	l1.Release(nil)

	l2, err := p.Acquire(context.Background(), key, d.dial)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer l2.Release(nil)

	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}
	if l2.Carrier != l1.Carrier {
		t.Error("sequential requests on one key should share the carrier")
	}
}

func TestAcquire_SharedWhileActive(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}
	key := testKey("example.com")

	l1, _ := p.Acquire(context.Background(), key, d.dial)
	l2, err := p.Acquire(context.Background(), key, d.dial)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l2.Carrier != l1.Carrier {
		t.Error("h2 leases should share a live carrier")
	}
	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1", d.dials())
	}
	l1.Release(nil)
	l2.Release(nil)
}

func TestAcquire_ExclusiveH1(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h1"}
	key := testKey("example.com")

	l1, _ := p.Acquire(context.Background(), key, d.dial)
	l2, err := p.Acquire(context.Background(), key, d.dial)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if l2.Carrier == l1.Carrier {
		t.Error("concurrent HTTP/1.1 leases must not share a connection")
	}
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2", d.dials())
	}

	l1.Release(nil)
	l2.Release(nil)

	l3, _ := p.Acquire(context.Background(), key, d.dial)
	defer l3.Release(nil)
	if d.dials() != 2 {
		t.Errorf("dials after release = %d, want 2 (reuse)", d.dials())
	}
}

func TestRelease_BrokenEvicts(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}
	key := testKey("example.com")

	l1, _ := p.Acquire(context.Background(), key, d.dial)
	first := d.made[0]
	l1.Release(errors.New("stream reset"))

	if !first.isClosed() {
		t.Error("broken carrier not closed")
	}

	l2, _ := p.Acquire(context.Background(), key, d.dial)
	defer l2.Release(nil)
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2 after eviction", d.dials())
	}
}

func TestRelease_ExclusiveDeadConnEvicted(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h1"}
	key := testKey("example.com")

	l1, _ := p.Acquire(context.Background(), key, d.dial)
	// Server answered Connection: close; the carrier reports itself spent.
	d.made[0].setReusable(false)
	l1.Release(nil)

	if !d.made[0].isClosed() {
		t.Error("spent HTTP/1.1 carrier should be closed on release")
	}
}

func TestRelease_Idempotent(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}
	key := testKey("example.com")

	l1, _ := p.Acquire(context.Background(), key, d.dial)
	l1.Release(nil)
	l1.Release(errors.New("late failure"))

	if d.made[0].isClosed() {
		t.Error("second release must not take effect")
	}
}

func TestAcquireFresh_NeverPooled(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}
	key := testKey("example.com")

	l, err := p.AcquireFresh(context.Background(), key, d.dial)
	if err != nil {
		t.Fatalf("AcquireFresh: %v", err)
	}
	l.Release(nil)

	if !d.made[0].isClosed() {
		t.Error("fresh carrier must close on release")
	}

	l2, _ := p.Acquire(context.Background(), key, d.dial)
	defer l2.Release(nil)
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2 (fresh dial never enters the pool)", d.dials())
	}
}

func TestCloseIdle_Selector(t *testing.T) {
	p := testPool()
	defer p.Close()
	da := &dialer{proto: "h2"}
	db := &dialer{proto: "h2"}

	la, _ := p.Acquire(context.Background(), testKey("a.example"), da.dial)
	lb, _ := p.Acquire(context.Background(), testKey("b.example"), db.dial)
	la.Release(nil)
	lb.Release(nil)

	p.CloseIdle(func(k Key) bool { return k.Host == "a.example" })
	if !da.made[0].isClosed() {
		t.Error("selected idle carrier not closed")
	}
	if db.made[0].isClosed() {
		t.Error("unselected carrier closed")
	}

	p.CloseIdle(nil)
	if !db.made[0].isClosed() {
		t.Error("nil selector should close every idle carrier")
	}
}

func TestCloseIdle_SkipsActive(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}
	key := testKey("example.com")

	l, _ := p.Acquire(context.Background(), key, d.dial)
	p.CloseIdle(nil)
	if d.made[0].isClosed() {
		t.Error("carrier with an outstanding lease was closed")
	}
	l.Release(nil)
	p.CloseIdle(nil)
	if !d.made[0].isClosed() {
		t.Error("idle carrier survived CloseIdle")
	}
}

func TestAcquire_SerializesDialsPerAddress(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2", delay: 30 * time.Millisecond}
	key := testKey("example.com")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := p.Acquire(context.Background(), key, d.dial)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			l.Release(nil)
		}()
	}
	wg.Wait()

	if d.dials() != 1 {
		t.Errorf("dials = %d, want 1 (second caller waits on the address mutex, then reuses)", d.dials())
	}
}

func TestAcquire_DistinctKeysNeverShare(t *testing.T) {
	p := testPool()
	defer p.Close()
	d := &dialer{proto: "h2"}

	k1 := testKey("example.com")
	k2 := testKey("example.com")
	k2.HelloSum = 8

	l1, _ := p.Acquire(context.Background(), k1, d.dial)
	l2, _ := p.Acquire(context.Background(), k2, d.dial)
	defer l1.Release(nil)
	defer l2.Release(nil)

	if l1.Carrier == l2.Carrier {
		t.Error("different ConnectionKeys shared a transport")
	}
	if d.dials() != 2 {
		t.Errorf("dials = %d, want 2", d.dials())
	}
}

func TestAcquire_AfterClose(t *testing.T) {
	p := testPool()
	p.Close()

	d := &dialer{proto: "h2"}
	if _, err := p.Acquire(context.Background(), testKey("example.com"), d.dial); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}
}

func TestAcquire_DialErrorPassesThrough(t *testing.T) {
	p := testPool()
	defer p.Close()

	boom := errors.New("refused")
	_, err := p.Acquire(context.Background(), testKey("example.com"),
		func(context.Context, *transport.SessionCache) (transport.Carrier, error) {
			return nil, boom
		})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the dial error", err)
	}
}

func TestKeyFor(t *testing.T) {
	spec := &fingerprint.TransportSpec{
		TLSVersMin:   0x0303,
		TLSVersMax:   0x0304,
		CipherSuites: []uint16{0x1301, 0x1302},
	}
	k := For("https", "example.com", "443", spec, "", "")
	if k.TLSVersion != 0x0304 {
		t.Errorf("TLSVersion = %#x, want spec ceiling", k.TLSVersion)
	}
	if k.HelloSum == 0 {
		t.Error("HelloSum not derived from the spec")
	}
	if k.Addr() != "example.com:443" {
		t.Errorf("Addr = %q", k.Addr())
	}

	other := For("https", "example.com", "443", spec, "socks5://1.2.3.4:1080", "")
	if other.String() == k.String() {
		t.Error("proxy identity missing from the key string")
	}
}
