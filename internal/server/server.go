// server.go — Runtime wiring: builds the full dependency graph from a
// loaded config.Config and exposes the process's two transports (stdio
// always, WebSocket when configured) plus the monitoring HTTP endpoints.
// Construction order follows the constructors' needs: browser before
// pool, pool before session manager, breakers before recovery, recovery
// before dispatcher.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/accounting"
	"github.com/pagegate/browser-gateway/internal/breaker"
	"github.com/pagegate/browser-gateway/internal/config"
	"github.com/pagegate/browser-gateway/internal/dispatcher"
	"github.com/pagegate/browser-gateway/internal/driver"
	"github.com/pagegate/browser-gateway/internal/metrics"
	"github.com/pagegate/browser-gateway/internal/pool"
	"github.com/pagegate/browser-gateway/internal/ratelimit"
	"github.com/pagegate/browser-gateway/internal/recovery"
	"github.com/pagegate/browser-gateway/internal/redaction"
	"github.com/pagegate/browser-gateway/internal/scheduler"
	"github.com/pagegate/browser-gateway/internal/security"
	"github.com/pagegate/browser-gateway/internal/session"
	"github.com/pagegate/browser-gateway/internal/transport"
	"github.com/pagegate/browser-gateway/internal/util"
)

// Gateway owns every long-lived component and the two transports layered
// on top of them.
type Gateway struct {
	cfg config.Config

	browser   *driver.RodBrowser
	pool      *pool.Pool
	sessions  *session.Manager
	gate      *security.Gate
	rateLimit *ratelimit.Limiter
	breakers  *breaker.Registry
	sched     *scheduler.Scheduler
	disp      *dispatcher.Dispatcher
	hub       *transport.Hub

	stdio *transport.StdioTransport
	ws    *transport.WSTransport

	httpServer *http.Server
}

// Build constructs the full dependency graph in the order each
// constructor requires: browser before pool, pool before session
// manager, breakers before recovery, recovery before dispatcher.
func Build(cfg config.Config) (*Gateway, error) {
	browser, err := driver.LaunchRod(cfg.Browser.Headless, "")
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	poolCfg := pool.DefaultConfig()
	poolCfg.WarmSize = cfg.Performance.ContextPool.Min
	poolCfg.MaxSize = cfg.Performance.ContextPool.Max
	poolCfg.IdleTTL = cfg.Performance.ContextPool.MaxIdleTime.Duration()
	poolCfg.ReuseThreshold = cfg.Performance.ContextPool.ReuseThreshold
	p := pool.New(browser, poolCfg)

	if cfg.Performance.ContextPool.WarmupOnStart {
		shapes := make([]pool.Options, 0, len(cfg.Performance.ContextPool.WarmShapes))
		for _, s := range cfg.Performance.ContextPool.WarmShapes {
			shapes = append(shapes, pool.Options{
				Viewport:  pool.Viewport{Width: s.Width, Height: s.Height},
				UserAgent: s.UserAgent,
			})
		}
		warmCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.WarmStart(warmCtx, shapes); err != nil {
			log.Warn().Err(err).Msg("pool warm start failed, continuing with a cold pool")
		}
	}

	memLimit := cfg.Performance.MemoryLimit
	accts := accounting.NewSet(
		accounting.Config{Limit: memLimit, PerSessionDefault: 1},
		accounting.Config{Limit: 0, PerSessionDefault: 1},
		accounting.Config{Limit: 0, PerSessionDefault: 1},
	)

	sessionCfg := session.Config{
		MaxSessions:    cfg.Browser.MaxSessions,
		SessionTimeout: cfg.Browser.SessionTimeout.Duration(),
		ReapEvery:      cfg.Browser.SessionTimeout.Duration() / 20,
	}
	if sessionCfg.ReapEvery <= 0 {
		sessionCfg.ReapEvery = 30 * time.Second
	}
	sessions := session.New(sessionCfg, p, accts)

	hub := transport.NewHub()
	sessions.SetBroadcaster(hub)

	gate := security.New(security.Config{
		AllowedDomains:      cfg.Security.AllowedDomains,
		AutoApproveLoopback: cfg.Security.AutoApproveLocalhost,
		PermissionDeadline:  security.DefaultConfig().PermissionDeadline,
	}, hub)

	rl := ratelimit.New(ratelimit.Config{
		PerMinute:   cfg.Security.RateLimit.Requests,
		PerHour:     cfg.Security.RateLimit.Requests * 20,
		BurstPerSec: float64(cfg.Security.RateLimit.Requests) / cfg.Security.RateLimit.Window.Duration().Seconds(),
		Burst:       cfg.Security.RateLimit.Requests,
	})

	sched := scheduler.New(scheduler.DefaultConfig())

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), func(event, operationClass, reason string) {
		log.Info().Str("event", event).Str("operation", operationClass).Str("reason", reason).Msg("breaker transition")
	})

	recov := recovery.New(breakers, sessions)

	disp := dispatcher.New(dispatcher.Deps{
		Sessions:       sessions,
		Gate:           gate,
		RateLimit:      rl,
		Scheduler:      sched,
		Recovery:       recov,
		Breakers:       breakers,
		DefaultTimeout: cfg.Server.Timeout.Duration(),
		Diagnostics:    sessions,
		Redactor:       redaction.NewRedactionEngine(""),
	})
	disp.AnnounceTools(hub)

	g := &Gateway{
		cfg:       cfg,
		browser:   browser,
		pool:      p,
		sessions:  sessions,
		gate:      gate,
		rateLimit: rl,
		breakers:  breakers,
		sched:     sched,
		disp:      disp,
		hub:       hub,
		stdio:     transport.NewStdioTransport(disp, hub),
		ws:        transport.NewWSTransport(disp, hub),
	}
	return g, nil
}

// ServeStdio runs the stdio transport loop until EOF, ctx cancellation, or
// a fatal read error.
func (g *Gateway) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	return g.stdio.Run(ctx, in, out)
}

// ServeHTTP starts the WebSocket endpoint plus the
// monitoring endpoints named in cfg.Monitoring.Paths, and blocks until the
// listener stops or ctx is canceled.
func (g *Gateway) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", g.ws.Handler())

	if g.cfg.Monitoring.EnableHealthCheck {
		path := g.cfg.Monitoring.Paths["health"]
		if path == "" {
			path = "/healthz"
		}
		mux.HandleFunc(path, g.handleHealth)
	}
	if g.cfg.Monitoring.EnableMetrics {
		path := g.cfg.Monitoring.Paths["metrics"]
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, promhttp.Handler())
	}

	g.httpServer = &http.Server{Addr: addr, Handler: mux}
	g.startStatsLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- g.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, g.sessions.ActiveCount())
}

// startStatsLoop periodically pushes scheduler/breaker/pool/session state
// into the Prometheus collectors, so gauges stay fresh without
// instrumenting every call site directly.
func (g *Gateway) startStatsLoop(ctx context.Context) {
	util.SafeGo("stats-pusher", func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SchedulerQueueDepth.Set(float64(g.sched.QueueDepth()))
				metrics.SchedulerInFlight.Set(float64(g.sched.InFlight()))
				metrics.RecordBreakerSnapshot(g.breakers.Snapshot())
				metrics.RecordPoolStats(g.pool.Stats())
				metrics.SessionsActive.Set(float64(g.sessions.ActiveCount()))
			}
		}
	})
}

// ApplyLiveConfig pushes the subset of cfg that's safe to change without a
// restart into the already-
// running components. Intended as a config.ChangeCallback registered on a
// config.Reloader.
func (g *Gateway) ApplyLiveConfig(cfg config.Config) {
	g.gate.UpdateAllowedDomains(cfg.Security.AllowedDomains)

	g.rateLimit.UpdateConfig(ratelimit.Config{
		PerMinute:   cfg.Security.RateLimit.Requests,
		PerHour:     cfg.Security.RateLimit.Requests * 20,
		BurstPerSec: float64(cfg.Security.RateLimit.Requests) / cfg.Security.RateLimit.Window.Duration().Seconds(),
		Burst:       cfg.Security.RateLimit.Requests,
	})

	poolCfg := g.pool.Config()
	poolCfg.WarmSize = cfg.Performance.ContextPool.Min
	poolCfg.MaxSize = cfg.Performance.ContextPool.Max
	poolCfg.ReuseThreshold = cfg.Performance.ContextPool.ReuseThreshold
	g.pool.UpdateConfig(poolCfg)

	log.Info().Msg("gateway: applied live config reload")
}

// Close tears down every component in reverse construction order.
func (g *Gateway) Close(ctx context.Context) error {
	g.sessions.Close()
	if err := g.pool.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("pool close")
	}
	g.sched.Close()
	return g.browser.Close(ctx)
}
