// infer.go — Infers a taxonomy Error from a leaf driver error at the
// boundary where go-rod hands back a plain Go error: prefer typed checks,
// fall back to substring matching on the wrapped message.
package gatewayerr

import (
	"context"
	"errors"
	"strings"

	"github.com/pagegate/browser-gateway/internal/bridge"
)

// Infer classifies a leaf driver error into the taxonomy. op is the
// operation-class name (e.g. "goto", "click") attached to context for
// the recovery engine and circuit breaker keys.
func Infer(err error, op string) *Error {
	if err == nil {
		return nil
	}

	ctx := map[string]any{"operation": op, "cause": err.Error()}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(CategoryBrowser, CodeTimeout, "operation exceeded its deadline", WithContext(ctx))
	}

	if bridge.IsConnectionError(err) {
		return New(CategorySystem, CodeNetworkError, "network operation failed", WithContext(ctx))
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out"):
		return New(CategoryBrowser, CodeTimeout, "operation timed out", WithContext(ctx))
	case strings.Contains(msg, "crashed") || strings.Contains(msg, "disconnected") || strings.Contains(msg, "target closed"):
		return New(CategoryBrowser, CodeContextCrashed, "browser context crashed or disconnected", WithContext(ctx))
	case strings.Contains(msg, "no such host") || strings.Contains(msg, "enotfound") || strings.Contains(msg, "name resolution"):
		return New(CategorySystem, CodeNetworkError, "host could not be resolved", WithContext(ctx))
	case strings.Contains(msg, "could not find") || strings.Contains(msg, "not found") || strings.Contains(msg, "no such element"):
		return New(CategoryBrowser, CodeElementNotFound, "element not found", WithContext(ctx))
	case strings.Contains(msg, "eval") || strings.Contains(msg, "script"):
		return New(CategoryBrowser, CodeEvaluationFailed, "script evaluation failed", WithContext(ctx))
	default:
		return New(CategoryBrowser, CodeNavigationFailed, "operation failed", WithContext(ctx))
	}
}

// InternalError wraps an unclassified internal fault, preserving the
// original message in context the way the dispatcher always must.
func InternalError(err error) *Error {
	return New(CategoryProtocol, CodeInternalError, "internal error", WithContext(map[string]any{"cause": err.Error()}))
}
