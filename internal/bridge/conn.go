// conn.go — Connection-health helpers backing the `gateway health` CLI
// command: error classification and HTTP probes against the WebSocket
// transport's monitoring endpoint.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// IsConnectionError returns true if the error indicates the gateway is unreachable.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	// Prefer typed error checks over string matching
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	// Fallback: string check for wrapped errors that lose type info
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host")
}

// IsServerRunning checks if a gateway is healthy on the given port and
// health path via HTTP health check (used by the `gateway health` CLI
// command against the WebSocket transport's monitoring endpoint).
func IsServerRunning(port int, healthPath string) bool {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)) // #nosec G704 -- localhost-only health probe
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// WaitForServer waits for the gateway to start accepting connections.
func WaitForServer(port int, healthPath string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if IsServerRunning(port, healthPath) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
