// recovery.go — Recovery engine: a static strategy table keyed by
// (category, code) selects RETRY / RECREATE_CONTEXT / FALLBACK /
// CIRCUIT_BREAK / NONE for a caught gatewayerr.Error, then attempts it.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/breaker"
	"github.com/pagegate/browser-gateway/internal/gatewayerr"
)

// Strategy is a closed enum of recovery actions.
type Strategy string

const (
	StrategyRetry           Strategy = "RETRY"
	StrategyRecreateContext Strategy = "RECREATE_CONTEXT"
	StrategyFallback        Strategy = "FALLBACK"
	StrategyCircuitBreak    Strategy = "CIRCUIT_BREAK"
	StrategyNone            Strategy = "NONE"
)

// RetryPolicy controls backoff for StrategyRetry.
type RetryPolicy struct {
	MaxAttempts int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}
}

// rule is one row of the strategy table.
type rule struct {
	strategy Strategy
	retry    RetryPolicy
}

func key(category gatewayerr.Category, code gatewayerr.Code) string {
	return string(category) + "/" + string(code)
}

// strategyTable maps each (category, code) pair to its strategy; codes
// absent from the table default to NONE via Select.
var strategyTable = map[string]rule{
	key(gatewayerr.CategoryBrowser, gatewayerr.CodeTimeout):           {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategoryBrowser, gatewayerr.CodeNavigationFailed):  {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategoryBrowser, gatewayerr.CodeElementNotFound):   {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategoryBrowser, gatewayerr.CodeEvaluationFailed):  {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategoryBrowser, gatewayerr.CodeContextCrashed):    {strategy: StrategyRecreateContext},
	key(gatewayerr.CategoryBrowser, gatewayerr.CodePageCrashed):       {strategy: StrategyRecreateContext},
	key(gatewayerr.CategoryBrowser, gatewayerr.CodeInteractionFailed): {strategy: StrategyFallback},

	key(gatewayerr.CategorySecurity, gatewayerr.CodeRateLimitExceeded): {strategy: StrategyRetry, retry: RetryPolicy{MaxAttempts: 2, InitialDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}},
	key(gatewayerr.CategorySecurity, gatewayerr.CodePermissionTimeout): {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategorySecurity, gatewayerr.CodeDomainDenied):      {strategy: StrategyNone},
	key(gatewayerr.CategorySecurity, gatewayerr.CodeUnauthorized):      {strategy: StrategyNone},

	key(gatewayerr.CategorySystem, gatewayerr.CodeNetworkError):       {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategorySystem, gatewayerr.CodeServiceUnavailable): {strategy: StrategyRetry, retry: defaultRetryPolicy()},
	key(gatewayerr.CategorySystem, gatewayerr.CodeResourceExhausted):  {strategy: StrategyCircuitBreak},
	key(gatewayerr.CategorySystem, gatewayerr.CodeOutOfMemory):        {strategy: StrategyNone},
	key(gatewayerr.CategorySystem, gatewayerr.CodeDiskFull):           {strategy: StrategyNone},

	key(gatewayerr.CategoryProtocol, gatewayerr.CodeInternalError): {strategy: StrategyRetry, retry: defaultRetryPolicy()},
}

// Select reports the strategy and retry policy for an error, defaulting to
// NONE for any (category, code) the table above does not name — "all other
// protocol codes: NONE" generalizes to every uncatalogued pair.
func Select(e *gatewayerr.Error) (Strategy, RetryPolicy) {
	r, ok := strategyTable[key(e.Category, e.Code)]
	if !ok {
		return StrategyNone, RetryPolicy{}
	}
	return r.strategy, r.retry
}

// ContextRebuilder is the session manager's capability the RECREATE_CONTEXT
// strategy needs. Defined here, satisfied structurally by *session.Manager,
// so recovery never imports session.
type ContextRebuilder interface {
	RecreateSession(ctx context.Context, sessionID string) error
}

// Fallback is a caller-supplied alternative path for browser/INTERACTION_FAILED.
type Fallback func(ctx context.Context) error

// Outcome reports what happened: whether the operation ultimately
// succeeded, which strategy ran, and how many attempts it took.
type Outcome struct {
	Success    bool
	Recovered  bool
	Strategy   Strategy
	Attempts   int
	FinalError error
}

// Engine applies the strategy table to a failing operation.
type Engine struct {
	breakers  *breaker.Registry
	rebuilder ContextRebuilder
	sleep     func(time.Duration)
}

// Option mutates an Engine at construction.
type Option func(*Engine)

// WithSleep overrides the backoff sleep function, for deterministic tests.
func WithSleep(sleep func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = sleep }
}

func New(breakers *breaker.Registry, rebuilder ContextRebuilder, opts ...Option) *Engine {
	e := &Engine{breakers: breakers, rebuilder: rebuilder, sleep: time.Sleep}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// sessionKey is the context key used to pass a session identifier
// through to RECREATE_CONTEXT; without one, the strategy fails with a
// well-formed error rather than guessing.
type sessionKeyType struct{}

var sessionKey sessionKeyType

// WithSessionID attaches the session identifier RECREATE_CONTEXT needs.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

func sessionIDFrom(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionKey).(string)
	return v, ok && v != ""
}

// Run executes op, and on a recoverable failure applies the strategy table.
// operationClass keys the circuit breaker and the generated error's context.
// fallback may be nil; it is only consulted for StrategyFallback.
func (e *Engine) Run(ctx context.Context, operationClass string, op func(ctx context.Context) error, fallback Fallback) Outcome {
	cell := e.breakers.Cell(operationClass)
	if !cell.Allow(operationClass) {
		return Outcome{
			Success:  false,
			Strategy: StrategyCircuitBreak,
			Attempts: 0,
			FinalError: gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeCircuitBreak,
				"circuit open for operation class "+operationClass),
		}
	}

	err := op(ctx)
	cell.Record(operationClass, err == nil)
	if err == nil {
		return Outcome{Success: true, Attempts: 1}
	}

	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.InternalError(err)
	}
	if !ge.Recoverable {
		return Outcome{Success: false, Strategy: StrategyNone, Attempts: 1, FinalError: ge}
	}

	strategy, retryPolicy := Select(ge)
	switch strategy {
	case StrategyRetry:
		return e.retry(ctx, operationClass, op, retryPolicy, ge)
	case StrategyRecreateContext:
		return e.recreateContext(ctx, operationClass, op, ge)
	case StrategyFallback:
		return e.fallback(ctx, fallback, ge)
	case StrategyCircuitBreak:
		cell.ForceOpen(operationClass)
		return Outcome{Success: false, Strategy: StrategyCircuitBreak, Attempts: 1, FinalError: ge}
	default:
		return Outcome{Success: false, Strategy: StrategyNone, Attempts: 1, FinalError: ge}
	}
}

func (e *Engine) retry(ctx context.Context, operationClass string, op func(context.Context) error, policy RetryPolicy, firstErr *gatewayerr.Error) Outcome {
	cell := e.breakers.Cell(operationClass)
	delay := policy.InitialDelay
	lastErr := error(firstErr)
	attempts := 1
	for attempts < policy.MaxAttempts {
		select {
		case <-ctx.Done():
			return Outcome{Success: false, Strategy: StrategyRetry, Attempts: attempts, FinalError: ctx.Err()}
		default:
		}
		e.sleep(delay)
		attempts++
		err := op(ctx)
		cell.Record(operationClass, err == nil)
		if err == nil {
			return Outcome{Success: true, Recovered: true, Strategy: StrategyRetry, Attempts: attempts}
		}
		if ge, ok := gatewayerr.As(err); ok {
			lastErr = ge
		} else {
			lastErr = gatewayerr.InternalError(err)
		}
		delay = time.Duration(float64(delay) * policy.Multiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return Outcome{Success: false, Strategy: StrategyRetry, Attempts: attempts, FinalError: lastErr}
}

func (e *Engine) recreateContext(ctx context.Context, operationClass string, op func(context.Context) error, firstErr *gatewayerr.Error) Outcome {
	if e.rebuilder == nil {
		return Outcome{Success: false, Strategy: StrategyRecreateContext, Attempts: 1, FinalError: firstErr}
	}
	sessionID, ok := sessionIDFrom(ctx)
	if !ok {
		return Outcome{
			Success:  false,
			Strategy: StrategyRecreateContext,
			Attempts: 1,
			FinalError: gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInternalError,
				"RECREATE_CONTEXT requires a session identifier in context", gatewayerr.WithRecoverable(false)),
		}
	}
	if err := e.rebuilder.RecreateSession(ctx, sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("recreate context failed")
		return Outcome{Success: false, Strategy: StrategyRecreateContext, Attempts: 1, FinalError: err}
	}

	cell := e.breakers.Cell(operationClass)
	err := op(ctx)
	cell.Record(operationClass, err == nil)
	if err != nil {
		return Outcome{Success: false, Recovered: false, Strategy: StrategyRecreateContext, Attempts: 2, FinalError: err}
	}
	return Outcome{Success: true, Recovered: true, Strategy: StrategyRecreateContext, Attempts: 2}
}

func (e *Engine) fallback(ctx context.Context, fb Fallback, firstErr *gatewayerr.Error) Outcome {
	if fb == nil {
		return Outcome{Success: false, Strategy: StrategyFallback, Attempts: 1, FinalError: firstErr}
	}
	if err := fb(ctx); err != nil {
		return Outcome{Success: false, Strategy: StrategyFallback, Attempts: 2, FinalError: err}
	}
	return Outcome{Success: true, Recovered: true, Strategy: StrategyFallback, Attempts: 2}
}
