package gatewayerr

import (
	"errors"
	"testing"
)

func TestNewAppliesDefaults(t *testing.T) {
	tests := []struct {
		code            Code
		wantRecoverable bool
		wantRetryable   bool
	}{
		{CodeTimeout, true, true},
		{CodeContextCrashed, true, false},
		{CodeDomainDenied, false, false},
		{CodeOutOfMemory, false, false},
	}

	for _, tt := range tests {
		e := New(CategoryBrowser, tt.code, "x")
		if e.Recoverable != tt.wantRecoverable {
			t.Errorf("code %s: Recoverable = %v, want %v", tt.code, e.Recoverable, tt.wantRecoverable)
		}
		if e.Retryable != tt.wantRetryable {
			t.Errorf("code %s: Retryable = %v, want %v", tt.code, e.Retryable, tt.wantRetryable)
		}
	}
}

func TestWithContextMerges(t *testing.T) {
	e := New(CategorySystem, CodeNetworkError, "boom", WithContext(map[string]any{"a": 1}), WithContext(map[string]any{"b": 2}))
	if e.Context["a"] != 1 || e.Context["b"] != 2 {
		t.Fatalf("expected merged context, got %v", e.Context)
	}
}

func TestErrorStringFormat(t *testing.T) {
	e := New(CategoryBrowser, CodeTimeout, "slow page")
	want := "browser/TIMEOUT: slow page"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAs(t *testing.T) {
	var err error = New(CategoryProtocol, CodeInternalError, "oops")
	e, ok := As(err)
	if !ok || e.Code != CodeInternalError {
		t.Fatalf("As failed to extract *Error: %v, %v", e, ok)
	}

	_, ok = As(errors.New("plain"))
	if ok {
		t.Fatal("As should not match a plain error")
	}
}
