package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeDriver struct {
	mu       sync.Mutex
	calls    []string
	pingErr  map[uint64]error
	activity map[uint64]time.Time
	replaced []Params
	expiries []time.Time
	released []uint64
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{pingErr: map[uint64]error{}, activity: map[uint64]time.Time{}}
}

func (d *fakeDriver) Ping(ctx context.Context, id uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "ping")
	return d.pingErr[id]
}

func (d *fakeDriver) LastActivity(id uint64) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.activity[id]
	return t, ok
}

func (d *fakeDriver) Release(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "release")
	d.released = append(d.released, id)
}

func (d *fakeDriver) Replace(p Params, stage Stage, tokenExpiry time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "replace")
	d.replaced = append(d.replaced, p)
	d.expiries = append(d.expiries, tokenExpiry)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, d Driver) (*Pool, *clock) {
	t.Helper()
	clk := &clock{now: time.Unix(1700000000, 0)}
	cfg := Config{
		MaxPerKind:          2,
		PreconnectedTimeout: 15 * time.Second,
		PrestartedTimeout:   10 * time.Second,
		SweepInterval:       time.Second,
		PingTimeout:         100 * time.Millisecond,
		Now:                 clk.Now,
	}
	return New(cfg, d, zerolog.Nop()), clk
}

var recog16k = Params{
	Kind:       KindRecognition,
	URL:        "wss://gw.example.com/ws/v1",
	Token:      "tok",
	SDKName:    "nls-sdk-go",
	SDKVersion: "1.0.0",
	SampleRate: 16000,
}

func TestPopPrestartedRequiresFinish(t *testing.T) {
	p, _ := newTestPool(t, newFakeDriver())
	ident := Identity{Socket: 1, Session: 2}

	if !p.PushPrestarted(recog16k, 10, ident, time.Time{}, 0) {
		t.Fatal("PushPrestarted = false")
	}
	if _, ok := p.PopPrestarted(recog16k, 1); ok {
		t.Fatal("popped a slot before Finish")
	}

	p.Finish(KindRecognition, 10)
	lease, ok := p.PopPrestarted(recog16k, 1)
	if !ok || lease.ID != 10 || lease.Identity != ident {
		t.Fatalf("PopPrestarted = %+v,%v", lease, ok)
	}
	if _, ok := p.PopPrestarted(recog16k, 2); ok {
		t.Fatal("second borrower took a borrowed slot")
	}

	p.Finish(KindRecognition, 10)
	if _, ok := p.PopPrestarted(recog16k, 2); !ok {
		t.Fatal("slot not pickable after Finish")
	}
}

func TestPopParamMismatch(t *testing.T) {
	p, _ := newTestPool(t, newFakeDriver())
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	p.Finish(KindRecognition, 10)

	other := recog16k
	other.SampleRate = 8000
	if _, ok := p.PopPrestarted(other, 1); ok {
		t.Fatal("popped slot with different sample rate")
	}

	synth := recog16k
	synth.Kind = KindSynthesis
	if _, ok := p.PopPrestarted(synth, 1); ok {
		t.Fatal("popped slot of another kind")
	}

	if _, ok := p.PopPreconnected(recog16k, 1); ok {
		t.Fatal("popped from the wrong stage")
	}
	if _, ok := p.PopPrestarted(recog16k, 1); !ok {
		t.Fatal("matching params did not pop")
	}
}

func TestPushSameIdentityRefreshes(t *testing.T) {
	p, clk := newTestPool(t, newFakeDriver())
	ident := Identity{Socket: 3, Session: 4}
	p.PushPrestarted(recog16k, 10, ident, time.Time{}, 0)
	clk.Advance(5 * time.Second)
	p.PushPrestarted(recog16k, 10, ident, time.Time{}, 7)

	slots := p.Snapshot(KindRecognition, StagePrestarted)
	filled := 0
	for _, s := range slots {
		if s.Filled() {
			filled++
			if s.Borrower != 7 || !s.Workable.Equal(clk.Now()) {
				t.Fatalf("slot = %+v", s)
			}
		}
	}
	if filled != 1 {
		t.Fatalf("filled slots = %d ; want 1", filled)
	}
}

func TestPushFull(t *testing.T) {
	p, _ := newTestPool(t, newFakeDriver())
	p.PushPreconnected(recog16k, 1, Identity{1, 1}, time.Time{}, 0)
	p.PushPreconnected(recog16k, 2, Identity{2, 2}, time.Time{}, 0)
	if p.PushPreconnected(recog16k, 3, Identity{3, 3}, time.Time{}, 0) {
		t.Fatal("push into full vector succeeded")
	}
}

func TestPromote(t *testing.T) {
	p, _ := newTestPool(t, newFakeDriver())
	p.PushPreconnected(recog16k, 5, Identity{5, 5}, time.Time{}, 0)
	p.Finish(KindRecognition, 5)

	lease, ok := p.PopPreconnected(recog16k, 9)
	if !ok || lease.Stage != StagePreconnected {
		t.Fatalf("PopPreconnected = %+v,%v", lease, ok)
	}
	if !p.Promote(KindRecognition, 5, 9) {
		t.Fatal("Promote = false")
	}
	for _, s := range p.Snapshot(KindRecognition, StagePreconnected) {
		if s.Filled() {
			t.Fatalf("preconnected slot left behind: %+v", s)
		}
	}
	p.Finish(KindRecognition, 5)
	if lease, ok := p.PopPrestarted(recog16k, 10); !ok || lease.ID != 5 {
		t.Fatalf("PopPrestarted after promote = %+v,%v", lease, ok)
	}
}

func TestConcurrentPopExclusive(t *testing.T) {
	p, _ := newTestPool(t, newFakeDriver())
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	p.Finish(KindRecognition, 10)

	var holders atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(b uint64) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if _, ok := p.PopPrestarted(recog16k, b); !ok {
					continue
				}
				if n := holders.Add(1); n != 1 {
					t.Errorf("%d concurrent holders of one slot", n)
				}
				holders.Add(-1)
				p.Finish(KindRecognition, 10)
			}
		}(uint64(g + 1))
	}
	wg.Wait()
}

func TestIdleEvictionSpawnsReplacement(t *testing.T) {
	d := newFakeDriver()
	p, clk := newTestPool(t, d)
	expiry := clk.Now().Add(time.Hour)
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, expiry, 0)
	p.Finish(KindRecognition, 10)

	clk.Advance(11 * time.Second)
	if n := p.MarkExpired(context.Background()); n != 1 {
		t.Fatalf("MarkExpired = %d ; want 1", n)
	}

	var slot Slot
	for _, s := range p.Snapshot(KindRecognition, StagePrestarted) {
		if s.ID == 10 {
			slot = s
		}
	}
	if !slot.ShouldRelease || !slot.ShouldPreconnect {
		t.Fatalf("slot flags = release:%v preconnect:%v", slot.ShouldRelease, slot.ShouldPreconnect)
	}
	if _, ok := p.PopPrestarted(recog16k, 1); ok {
		t.Fatal("popped a slot marked for release")
	}

	if n := p.ReleaseMarked(); n != 1 {
		t.Fatalf("ReleaseMarked = %d ; want 1", n)
	}
	if len(d.calls) != 2 || d.calls[0] != "replace" || d.calls[1] != "release" {
		t.Fatalf("driver calls = %v ; want [replace release]", d.calls)
	}
	if d.replaced[0] != recog16k || d.released[0] != 10 {
		t.Fatalf("replaced %+v released %v", d.replaced, d.released)
	}
	if !d.expiries[0].Equal(expiry) {
		t.Fatalf("replacement token expiry = %v ; want %v", d.expiries[0], expiry)
	}
	if p.Contains(10) {
		t.Fatal("released connection still tracked")
	}
}

func TestTokenExpiryReleasesWithoutReplacement(t *testing.T) {
	d := newFakeDriver()
	p, clk := newTestPool(t, d)
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, clk.Now().Add(2*time.Second), 0)
	p.Finish(KindRecognition, 10)

	clk.Advance(3 * time.Second)
	p.Sweep(context.Background())

	if len(d.replaced) != 0 {
		t.Fatalf("replacement spawned for expired token: %v", d.replaced)
	}
	if len(d.released) != 1 || d.released[0] != 10 {
		t.Fatalf("released = %v", d.released)
	}
}

func TestPingFailureReleases(t *testing.T) {
	d := newFakeDriver()
	d.pingErr[10] = errors.New("no pong")
	p, _ := newTestPool(t, d)
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	p.PushPrestarted(recog16k, 11, Identity{2, 2}, time.Time{}, 0)
	p.Finish(KindRecognition, 10)
	p.Finish(KindRecognition, 11)

	p.Sweep(context.Background())

	if len(d.released) != 1 || d.released[0] != 10 {
		t.Fatalf("released = %v ; want [10]", d.released)
	}
	if len(d.replaced) != 0 {
		t.Fatal("ping failure must not spawn a replacement")
	}
	if !p.Contains(11) {
		t.Fatal("healthy slot was released")
	}
}

func TestActivityPostponesEviction(t *testing.T) {
	d := newFakeDriver()
	p, clk := newTestPool(t, d)
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	p.Finish(KindRecognition, 10)

	clk.Advance(11 * time.Second)
	d.activity[10] = clk.Now().Add(-time.Second)
	p.Sweep(context.Background())

	if len(d.released) != 0 {
		t.Fatalf("recently active connection released: %v", d.released)
	}
}

func TestBorrowedSlotSkipped(t *testing.T) {
	d := newFakeDriver()
	p, clk := newTestPool(t, d)
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	p.Finish(KindRecognition, 10)
	p.PopPrestarted(recog16k, 3)

	clk.Advance(time.Minute)
	p.Sweep(context.Background())
	if len(d.calls) != 0 {
		t.Fatalf("borrowed slot touched by sweep: %v", d.calls)
	}
}

func TestAbnormalReleasedAfterFinish(t *testing.T) {
	d := newFakeDriver()
	p, _ := newTestPool(t, d)
	p.PushPrestarted(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	p.Finish(KindRecognition, 10)
	p.PopPrestarted(recog16k, 3)
	p.MarkAbnormal(KindRecognition, 10)

	p.Sweep(context.Background())
	if len(d.released) != 0 {
		t.Fatal("abnormal slot released while borrowed")
	}

	p.Finish(KindRecognition, 10)
	if _, ok := p.PopPrestarted(recog16k, 4); ok {
		t.Fatal("abnormal slot became pickable")
	}
	p.Sweep(context.Background())
	if len(d.released) != 1 || len(d.replaced) != 0 {
		t.Fatalf("released %v replaced %v", d.released, d.replaced)
	}
}

func TestForget(t *testing.T) {
	p, _ := newTestPool(t, newFakeDriver())
	p.PushPreconnected(recog16k, 10, Identity{1, 1}, time.Time{}, 0)
	if !p.Forget(10) {
		t.Fatal("Forget = false")
	}
	if p.Contains(10) || p.Forget(10) {
		t.Fatal("connection still tracked after Forget")
	}
}
