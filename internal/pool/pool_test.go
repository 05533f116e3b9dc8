package pool

import (
	"context"
	"sync"
	"testing"

	"github.com/pagegate/browser-gateway/internal/driver"
)

type fakeContext struct {
	mu       sync.Mutex
	closed   bool
	resets   int
	resetErr error
}

func (c *fakeContext) NewPage(ctx context.Context) (driver.Page, error) { return nil, nil }
func (c *fakeContext) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
	return c.resetErr
}
func (c *fakeContext) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeContext) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeBrowser struct {
	mu      sync.Mutex
	created []*fakeContext
}

func (b *fakeBrowser) NewContext(ctx context.Context, opts driver.ContextOptions) (driver.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeContext{}
	b.created = append(b.created, c)
	return c, nil
}
func (b *fakeBrowser) Close(ctx context.Context) error { return nil }

// quietConfig disables the background maintainer's warm top-up so tests
// observe only the transitions they drive.
func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.WarmSize = 0
	return cfg
}

func TestConfigReturnsCurrentSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmSize = 3
	p := New(&fakeBrowser{}, cfg)
	defer p.Close(context.Background())

	if got := p.Config().WarmSize; got != 3 {
		t.Fatalf("Config().WarmSize = %d, want 3", got)
	}
}

func TestUpdateConfigChangesSizingLive(t *testing.T) {
	p := New(&fakeBrowser{}, DefaultConfig())
	defer p.Close(context.Background())

	next := p.Config()
	next.WarmSize = 7
	next.MaxSize = 20
	p.UpdateConfig(next)

	got := p.Config()
	if got.WarmSize != 7 || got.MaxSize != 20 {
		t.Fatalf("Config() after update = %+v, want WarmSize=7 MaxSize=20", got)
	}
}

func TestAcquireReusesReleasedContext(t *testing.T) {
	p := New(&fakeBrowser{}, quietConfig())
	defer p.Close(context.Background())
	opts := Options{Viewport: Viewport{Width: 1280, Height: 720}}

	first, err := p.Acquire(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(context.Background(), opts, first)

	second, err := p.Acquire(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatal("expected the released context to be reused")
	}
}

func TestAcquireOldestReleasedFirst(t *testing.T) {
	p := New(&fakeBrowser{}, quietConfig())
	defer p.Close(context.Background())
	opts := Options{Viewport: Viewport{Width: 1280, Height: 720}}

	a, _ := p.Acquire(context.Background(), opts)
	b, _ := p.Acquire(context.Background(), opts)
	p.Release(context.Background(), opts, a)
	p.Release(context.Background(), opts, b)

	got, err := p.Acquire(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if got != a {
		t.Fatal("expected the least recently released context first")
	}
}

func TestMismatchedFingerprintIsNotReused(t *testing.T) {
	p := New(&fakeBrowser{}, quietConfig())
	defer p.Close(context.Background())
	small := Options{Viewport: Viewport{Width: 800, Height: 600}}
	large := Options{Viewport: Viewport{Width: 1920, Height: 1080}}

	first, _ := p.Acquire(context.Background(), small)
	p.Release(context.Background(), small, first)

	second, err := p.Acquire(context.Background(), large)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("contexts with different fingerprints must not be shared")
	}
}

func TestSaturatedAcquireCreatesTemporaryContext(t *testing.T) {
	cfg := quietConfig()
	cfg.MaxSize = 1
	p := New(&fakeBrowser{}, cfg)
	defer p.Close(context.Background())
	opts := Options{Viewport: Viewport{Width: 1280, Height: 720}}

	pooled, _ := p.Acquire(context.Background(), opts)
	temp, err := p.Acquire(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	// A temporary context is destroyed on release, never returned.
	p.Release(context.Background(), opts, temp)
	if !temp.(*fakeContext).isClosed() {
		t.Fatal("expected the temporary context closed on release")
	}

	p.Release(context.Background(), opts, pooled)
	if pooled.(*fakeContext).isClosed() {
		t.Fatal("expected the pooled context recycled, not closed")
	}
}

func TestReuseThresholdDestroysOnRelease(t *testing.T) {
	cfg := quietConfig()
	cfg.ReuseThreshold = 2
	p := New(&fakeBrowser{}, cfg)
	defer p.Close(context.Background())
	opts := Options{Viewport: Viewport{Width: 1280, Height: 720}}

	c1, _ := p.Acquire(context.Background(), opts)
	p.Release(context.Background(), opts, c1) // use count 1: recycled

	c2, _ := p.Acquire(context.Background(), opts)
	if c2 != c1 {
		t.Fatal("expected a warm hit on the second acquire")
	}
	p.Release(context.Background(), opts, c2) // use count 2: at threshold, destroyed
	if !c1.(*fakeContext).isClosed() {
		t.Fatal("expected the context destroyed once the reuse threshold is reached")
	}
}

func TestResetFailureDiscardsContext(t *testing.T) {
	b := &fakeBrowser{}
	p := New(b, quietConfig())
	defer p.Close(context.Background())
	opts := Options{Viewport: Viewport{Width: 1280, Height: 720}}

	c, _ := p.Acquire(context.Background(), opts)
	c.(*fakeContext).resetErr = context.DeadlineExceeded
	p.Release(context.Background(), opts, c)

	if !c.(*fakeContext).isClosed() {
		t.Fatal("expected a context whose reset failed to be destroyed")
	}
	next, err := p.Acquire(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if next == c {
		t.Fatal("a discarded context must not be handed out again")
	}
}

func TestStatsReportsOccupancy(t *testing.T) {
	p := New(&fakeBrowser{}, quietConfig())
	defer p.Close(context.Background())
	opts := Options{Viewport: Viewport{Width: 1280, Height: 720}}

	c, _ := p.Acquire(context.Background(), opts)
	stats := p.Stats()
	if len(stats) != 1 || stats[0].InUse != 1 || stats[0].Warm != 0 {
		t.Fatalf("unexpected stats after acquire: %+v", stats)
	}

	p.Release(context.Background(), opts, c)
	stats = p.Stats()
	if stats[0].InUse != 0 || stats[0].Warm != 1 {
		t.Fatalf("unexpected stats after release: %+v", stats)
	}
}
