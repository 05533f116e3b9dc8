// deps.go — Composable dependency interfaces for the tool dispatcher.
package mcp

// DiagnosticProvider supplies a short system-state snapshot that is attached
// to structured error context (e.g. "sessions=4/10, pool=2 available").
type DiagnosticProvider interface {
	DiagnosticHintString() string
}
