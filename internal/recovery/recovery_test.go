package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pagegate/browser-gateway/internal/breaker"
	"github.com/pagegate/browser-gateway/internal/gatewayerr"
)

func noSleep(time.Duration) {}

func newEngine(rebuilder ContextRebuilder) *Engine {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	return New(reg, rebuilder, WithSleep(noSleep))
}

func TestRunSucceedsFirstTry(t *testing.T) {
	e := newEngine(nil)
	out := e.Run(context.Background(), "goto", func(ctx context.Context) error { return nil }, nil)
	if !out.Success || out.Attempts != 1 || out.Recovered {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunRetriesTimeoutAndRecovers(t *testing.T) {
	e := newEngine(nil)
	attempts := 0
	op := func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeTimeout, "timed out")
		}
		return nil
	}
	out := e.Run(context.Background(), "goto", op, nil)
	if !out.Success || !out.Recovered || out.Strategy != StrategyRetry || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunExhaustsRetriesAndFails(t *testing.T) {
	e := newEngine(nil)
	op := func(ctx context.Context) error {
		return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeTimeout, "timed out")
	}
	out := e.Run(context.Background(), "goto", op, nil)
	if out.Success || out.Attempts != 3 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunDomainDeniedIsNotRetried(t *testing.T) {
	e := newEngine(nil)
	op := func(ctx context.Context) error {
		return gatewayerr.New(gatewayerr.CategorySecurity, gatewayerr.CodeDomainDenied, "denied")
	}
	out := e.Run(context.Background(), "goto", op, nil)
	if out.Success || out.Strategy != StrategyNone || out.Attempts != 1 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

type fakeRebuilder struct {
	calledWith string
	err        error
}

func (f *fakeRebuilder) RecreateSession(ctx context.Context, sessionID string) error {
	f.calledWith = sessionID
	return f.err
}

func TestRunRecreateContextRequiresSessionID(t *testing.T) {
	rb := &fakeRebuilder{}
	e := newEngine(rb)
	op := func(ctx context.Context) error {
		return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeContextCrashed, "crashed")
	}
	out := e.Run(context.Background(), "goto", op, nil)
	if out.Success || out.Strategy != StrategyRecreateContext {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if rb.calledWith != "" {
		t.Fatal("rebuilder should not be invoked without a session id in context")
	}
}

func TestRunRecreateContextRebuildsAndRetriesOnce(t *testing.T) {
	rb := &fakeRebuilder{}
	e := newEngine(rb)
	first := true
	op := func(ctx context.Context) error {
		if first {
			first = false
			return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeContextCrashed, "crashed")
		}
		return nil
	}
	ctx := WithSessionID(context.Background(), "sess-1")
	out := e.Run(ctx, "goto", op, nil)
	if !out.Success || !out.Recovered || out.Strategy != StrategyRecreateContext || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if rb.calledWith != "sess-1" {
		t.Fatalf("rebuilder called with %q, want sess-1", rb.calledWith)
	}
}

func TestRunFallbackPath(t *testing.T) {
	e := newEngine(nil)
	op := func(ctx context.Context) error {
		return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeInteractionFailed, "click failed")
	}
	called := false
	fb := func(ctx context.Context) error {
		called = true
		return nil
	}
	out := e.Run(context.Background(), "click", op, fb)
	if !out.Success || !out.Recovered || out.Strategy != StrategyFallback || !called {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestRunResourceExhaustedForcesCircuitOpen(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	e := New(reg, nil, WithSleep(noSleep))
	op := func(ctx context.Context) error {
		return gatewayerr.New(gatewayerr.CategorySystem, gatewayerr.CodeResourceExhausted, "exhausted")
	}
	out := e.Run(context.Background(), "screenshot", op, nil)
	if out.Success || out.Strategy != StrategyCircuitBreak {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if reg.Cell("screenshot").State() != breaker.Open {
		t.Fatal("expected breaker to be forced open")
	}
}

func TestRunUnclassifiedErrorBecomesInternalError(t *testing.T) {
	e := newEngine(nil)
	op := func(ctx context.Context) error { return errors.New("boom") }
	out := e.Run(context.Background(), "eval", op, nil)
	ge, ok := gatewayerr.As(out.FinalError)
	if out.Success || !ok || ge.Category != gatewayerr.CategoryProtocol || ge.Code != gatewayerr.CodeInternalError {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}
