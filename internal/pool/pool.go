// pool.go — Context pool: warm contexts kept ready so
// browser.newContext rarely waits on a cold CDP round trip. One cell per
// fingerprint, each with its own mutex; a background maintainer evicts
// idle contexts and a warm-on-start fan-out pre-launches via errgroup.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/pagegate/browser-gateway/internal/driver"
	"github.com/pagegate/browser-gateway/internal/util"
)

// Config controls pool sizing.
type Config struct {
	WarmSize      int           // contexts kept ready per fingerprint
	MaxSize       int           // hard cap per fingerprint
	IdleTTL       time.Duration // evict idle warm contexts older than this
	ReuseMinAge   time.Duration // a released context younger than this skips a full Reset
	ReuseThreshold int          // use count after which release destroys instead of recycling
	MaintainEvery time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarmSize:       2,
		MaxSize:        10,
		IdleTTL:        5 * time.Minute,
		ReuseMinAge:    0,
		ReuseThreshold: 50,
		MaintainEvery:  30 * time.Second,
	}
}

// entry is the pool-side record for one driver.Context: pool identifier,
// timestamps, use count, fingerprint, and the temporary flag that marks
// a context created under saturation as never-returnable.
type entry struct {
	id         string
	ctx        driver.Context
	fp         Fingerprint
	acquiredAt time.Time
	lastUsedAt time.Time
	useCount   int
	temporary  bool
}

// cell is the per-fingerprint pool: its own lock, never held alongside the
// Pool's top-level lock.
type cell struct {
	mu      sync.Mutex
	warm    []*entry
	active  map[driver.Context]*entry // outstanding acquires, keyed by handle
	inUse   int
	created int
}

// Pool hands out driver.Context instances keyed by Fingerprint.
type Pool struct {
	browser driver.Browser
	cfg     Config

	mu    sync.RWMutex
	cells map[Fingerprint]*cell

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(browser driver.Browser, cfg Config) *Pool {
	p := &Pool{
		browser: browser,
		cfg:     cfg,
		cells:   make(map[Fingerprint]*cell),
		stopCh:  make(chan struct{}),
	}
	util.SafeGo("pool-maintainer", p.maintainLoop)
	return p
}

// Config returns the pool's current sizing/TTL thresholds, a starting point
// for UpdateConfig callers that only want to change a subset of fields.
func (p *Pool) Config() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// UpdateConfig swaps the active sizing/TTL thresholds for the config
// hot-reload path. Existing warm
// contexts beyond a lowered WarmSize/MaxSize are trimmed lazily by the next
// maintainLoop tick and release, not evicted immediately.
func (p *Pool) UpdateConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *Pool) cellFor(fp Fingerprint) *cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cells[fp]
	if !ok {
		c = &cell{active: make(map[driver.Context]*entry)}
		p.cells[fp] = c
	}
	return c
}

// WarmStart pre-launches WarmSize contexts for each of the given shapes
// in parallel, so the first acquires after startup hit warm contexts.
func (p *Pool) WarmStart(ctx context.Context, shapes []Options) error {
	g, gctx := errgroup.WithContext(ctx)
	warm := p.Config().WarmSize
	for _, shape := range shapes {
		shape := shape
		for i := 0; i < warm; i++ {
			g.Go(func() error {
				fp := shape.fingerprint()
				c, err := p.createContext(gctx, fp, shape, false)
				if err != nil {
					return fmt.Errorf("warm start %v: %w", fp, err)
				}
				cell := p.cellFor(fp)
				cell.mu.Lock()
				cell.created++
				cell.warm = append(cell.warm, c)
				cell.mu.Unlock()
				return nil
			})
		}
	}
	return g.Wait()
}

func (p *Pool) createContext(ctx context.Context, fp Fingerprint, opts Options, temporary bool) (*entry, error) {
	dctx, err := p.browser.NewContext(ctx, driver.ContextOptions{
		ViewportWidth:  opts.Viewport.Width,
		ViewportHeight: opts.Viewport.Height,
		UserAgent:      opts.UserAgent,
	})
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &entry{
		id:         uuid.NewString(),
		ctx:        dctx,
		fp:         fp,
		acquiredAt: now,
		lastUsedAt: now,
		temporary:  temporary,
	}, nil
}

// Acquire returns a ready driver.Context matching opts, preferring a warm
// match over a cold launch. Once MaxSize is reached it falls back to a
// temporary context — active but never returned to the pool, destroyed on
// release regardless of use count.
func (p *Pool) Acquire(ctx context.Context, opts Options) (driver.Context, error) {
	fp := opts.fingerprint()
	c := p.cellFor(fp)
	maxSize := p.Config().MaxSize // snapshot before c.mu: never hold both locks

	c.mu.Lock()
	if len(c.warm) > 0 {
		// Oldest-released first, so warm contexts rotate instead of the
		// newest one absorbing every acquire.
		e := c.warm[0]
		c.warm = append(c.warm[:0], c.warm[1:]...)
		c.inUse++
		e.lastUsedAt = time.Now()
		e.useCount++
		c.active[e.ctx] = e
		c.mu.Unlock()
		log.Debug().Str("fingerprint", fp.key()).Int("use_count", e.useCount).Msg("pool acquire: warm hit")
		return e.ctx, nil
	}
	temporary := c.created >= maxSize
	if !temporary {
		c.created++
	}
	c.inUse++
	c.mu.Unlock()

	e, err := p.createContext(ctx, fp, opts, temporary)
	if err != nil {
		c.mu.Lock()
		if !temporary {
			c.created--
		}
		c.inUse--
		c.mu.Unlock()
		return nil, err
	}
	e.useCount = 1

	c.mu.Lock()
	c.active[e.ctx] = e
	c.mu.Unlock()

	if temporary {
		log.Debug().Str("fingerprint", fp.key()).Msg("pool acquire: saturated, created temporary context")
	} else {
		log.Debug().Str("fingerprint", fp.key()).Msg("pool acquire: cold launch")
	}
	return e.ctx, nil
}

// Release returns a context to its pool, resetting it unless it is
// temporary or has reached the reuse threshold, in which case it is
// destroyed instead.
func (p *Pool) Release(ctx context.Context, opts Options, dctx driver.Context) {
	fp := opts.fingerprint()
	c := p.cellFor(fp)

	c.mu.Lock()
	e, ok := c.active[dctx]
	if ok {
		delete(c.active, dctx)
	}
	c.mu.Unlock()
	if !ok {
		// Unknown handle: best-effort close, nothing to account for.
		_ = dctx.Close(ctx)
		return
	}

	if e.temporary || e.useCount >= p.Config().ReuseThreshold {
		log.Debug().Str("fingerprint", fp.key()).Int("use_count", e.useCount).Bool("temporary", e.temporary).
			Msg("pool release: destroying instead of recycling")
		p.destroyEntry(ctx, c, e)
		p.topUp(fp)
		return
	}

	if err := dctx.Reset(ctx); err != nil {
		log.Warn().Err(err).Str("fingerprint", fp.key()).Msg("context reset failed on release, discarding")
		p.destroyEntry(ctx, c, e)
		p.topUp(fp)
		return
	}

	e.lastUsedAt = time.Now()
	c.mu.Lock()
	c.inUse--
	c.warm = append(c.warm, e)
	c.mu.Unlock()
	p.topUp(fp)
}

// topUp launches new warm contexts for fp, up to WarmSize and never past
// MaxSize, so a cell depleted by idle eviction or reuse-threshold
// destruction recovers without waiting for a cold Acquire to land.
func (p *Pool) topUp(fp Fingerprint) {
	opts := Options{Viewport: fp.Viewport, UserAgent: fp.UserAgent}
	c := p.cellFor(fp)
	for {
		cfg := p.Config()

		c.mu.Lock()
		need := len(c.warm) < cfg.WarmSize && c.created < cfg.MaxSize
		c.mu.Unlock()
		if !need {
			return
		}

		e, err := p.createContext(context.Background(), fp, opts, false)
		if err != nil {
			log.Warn().Err(err).Str("fingerprint", fp.key()).Msg("pool top-up: cold launch failed")
			return
		}
		c.mu.Lock()
		c.created++
		c.warm = append(c.warm, e)
		c.mu.Unlock()
	}
}

// destroyEntry closes a context and retires its pool-side bookkeeping.
// Temporary contexts were never counted against created, so only the
// inUse count is decremented for those.
func (p *Pool) destroyEntry(ctx context.Context, c *cell, e *entry) {
	c.mu.Lock()
	c.inUse--
	if !e.temporary {
		c.created--
	}
	c.mu.Unlock()
	if err := e.ctx.Close(ctx); err != nil {
		log.Warn().Err(err).Str("fingerprint", e.fp.key()).Msg("context close failed during destroy")
	}
}

func (p *Pool) maintainLoop() {
	ticker := time.NewTicker(p.cfg.MaintainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle()
		}
	}
}

// evictIdle closes warm contexts that have sat unused past IdleTTL, keeping
// at least WarmSize - this only trims surplus warm contexts accumulated from
// bursty acquire/release cycles.
func (p *Pool) evictIdle() {
	p.mu.RLock()
	cells := make(map[Fingerprint]*cell, len(p.cells))
	for fp, c := range p.cells {
		cells[fp] = c
	}
	p.mu.RUnlock()

	cfg := p.Config()
	now := time.Now()
	for fp, c := range cells {
		c.mu.Lock()
		var fresh, stale []*entry
		for _, e := range c.warm {
			if now.Sub(e.lastUsedAt) < cfg.IdleTTL {
				fresh = append(fresh, e)
			} else {
				stale = append(stale, e)
			}
		}
		// Never drop below the minimum: when everything is stale, the
		// most recently used stale entries survive.
		for len(fresh) < cfg.WarmSize && len(stale) > 0 {
			e := stale[len(stale)-1]
			stale = stale[:len(stale)-1]
			fresh = append(fresh, e)
		}
		c.warm = fresh
		c.created -= len(stale)
		c.mu.Unlock()

		for _, e := range stale {
			if err := e.ctx.Close(context.Background()); err != nil {
				log.Warn().Err(err).Str("fingerprint", fp.key()).Msg("idle context close failed")
			}
		}

		p.topUp(fp)
	}
}

// Stats reports current occupancy, used by internal/metrics.
type Stats struct {
	Fingerprint string
	Warm        int
	InUse       int
	Created     int
}

func (p *Pool) Stats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Stats, 0, len(p.cells))
	for fp, c := range p.cells {
		c.mu.Lock()
		out = append(out, Stats{Fingerprint: fp.key(), Warm: len(c.warm), InUse: c.inUse, Created: c.created})
		c.mu.Unlock()
	}
	return out
}

// Close stops the maintainer and releases every pooled context.
func (p *Pool) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, c := range p.cells {
		c.mu.Lock()
		for _, e := range c.warm {
			if err := e.ctx.Close(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		c.warm = nil
		c.mu.Unlock()
	}
	return firstErr
}
