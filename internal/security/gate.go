// gate.go — Domain allowlist + interactive permission prompts, with an
// append-only, timestamped audit log read back via snapshot copies.
package security

import (
	"strings"
	"sync"
	"time"
)

// PermissionState is a closed three-value enum.
type PermissionState string

const (
	PermissionPending PermissionState = "pending"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// PermissionRequest tracks one outstanding or resolved domain grant.
type PermissionRequest struct {
	Domain    string
	SessionID string
	State     PermissionState
	CreatedAt time.Time
	Deadline  time.Time

	resolved chan struct{}
	mu       sync.Mutex
}

// Notifier publishes a permission.requested notification on the controlling
// transport. It is supplied by the transport layer so the gate itself
// has no transport dependency.
type Notifier interface {
	NotifyPermissionRequested(sessionID, domain string, deadline time.Time)
}

// AuditEvent is one security-relevant decision, retained in-process for the
// browser.security.auditLog tool.
type AuditEvent struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Domain    string    `json:"domain"`
	Decision  string    `json:"decision"` // "granted", "denied", "auto_approved_loopback", "already_allowed"
	Reason    string    `json:"reason"`
}

// Config controls the gate's behavior.
type Config struct {
	// AllowedDomains is the process-wide allowlist, independent of any
	// per-session grants.
	AllowedDomains []string
	// AutoApproveLoopback auto-grants localhost/127.0.0.1 without prompting.
	AutoApproveLoopback bool
	// PermissionDeadline bounds how long a prompt waits before auto-denying.
	PermissionDeadline time.Duration
}

// DefaultConfig's deadline is a deliberate middle ground: long enough
// for a human to click a prompt, short enough that an unattended gateway
// doesn't wedge a request.
func DefaultConfig() Config {
	return Config{
		AutoApproveLoopback: true,
		PermissionDeadline:  10 * time.Second,
	}
}

// SessionGrants is the per-session cache of domains already approved.
// The session manager owns one of these per session; the gate only reads
// and writes through the accessor functions passed into CheckDomainAccess
// so it never needs a back-reference into the session package.
type SessionGrants struct {
	mu      sync.Mutex
	allowed map[string]bool
}

func NewSessionGrants(initial []string) *SessionGrants {
	g := &SessionGrants{allowed: make(map[string]bool, len(initial))}
	for _, d := range initial {
		g.allowed[normalizeDomain(d)] = true
	}
	return g
}

func (g *SessionGrants) Has(domain string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.allowed[normalizeDomain(domain)]
}

func (g *SessionGrants) Grant(domain string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[normalizeDomain(domain)] = true
}

// Gate is the process-wide domain-access arbiter.
type Gate struct {
	cfg      Config
	notifier Notifier

	mu       sync.Mutex
	pending  map[string]*PermissionRequest // keyed by sessionID+"|"+domain
	allowed  map[string]bool               // process-wide allowlist, normalized

	auditMu sync.Mutex
	audit   []AuditEvent
}

// New constructs the process-wide security gate.
func New(cfg Config, notifier Notifier) *Gate {
	allowed := make(map[string]bool, len(cfg.AllowedDomains))
	for _, d := range cfg.AllowedDomains {
		allowed[normalizeDomain(d)] = true
	}
	return &Gate{
		cfg:      cfg,
		notifier: notifier,
		pending:  make(map[string]*PermissionRequest),
		allowed:  allowed,
	}
}

// UpdateAllowedDomains replaces the process-wide allowlist in place, for
// the config hot-reload path. Outstanding per-session grants and pending
// prompts are untouched.
func (g *Gate) UpdateAllowedDomains(domains []string) {
	allowed := make(map[string]bool, len(domains))
	for _, d := range domains {
		allowed[normalizeDomain(d)] = true
	}
	g.mu.Lock()
	g.allowed = allowed
	g.mu.Unlock()
}

func normalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

func isLoopback(domain string) bool {
	d := normalizeDomain(domain)
	return d == "localhost" || d == "127.0.0.1" || strings.HasPrefix(d, "127.")
}

// CheckDomainAccess decides whether sessionID may touch domain. grants
// is the calling
// session's per-session cache; the gate never blocks on a global lock — the
// only wait here is this call's own goroutine parked on the permission
// request's resolved channel or its deadline timer.
func (g *Gate) CheckDomainAccess(domain, sessionID string, grants *SessionGrants) bool {
	domain = normalizeDomain(domain)

	if grants != nil && grants.Has(domain) {
		g.recordAudit(sessionID, domain, "already_allowed", "cached in session grants")
		return true
	}

	g.mu.Lock()
	processAllowed := g.allowed[domain]
	g.mu.Unlock()
	if processAllowed {
		if grants != nil {
			grants.Grant(domain)
		}
		g.recordAudit(sessionID, domain, "already_allowed", "in process allowlist")
		return true
	}

	if g.cfg.AutoApproveLoopback && isLoopback(domain) {
		if grants != nil {
			grants.Grant(domain)
		}
		g.recordAudit(sessionID, domain, "auto_approved_loopback", "loopback domain")
		return true
	}

	granted := g.requestPermission(sessionID, domain)
	if granted && grants != nil {
		grants.Grant(domain)
	}
	return granted
}

func (g *Gate) requestPermission(sessionID, domain string) bool {
	now := time.Now()
	deadline := now.Add(g.cfg.PermissionDeadline)
	req := &PermissionRequest{
		Domain:    domain,
		SessionID: sessionID,
		State:     PermissionPending,
		CreatedAt: now,
		Deadline:  deadline,
		resolved:  make(chan struct{}),
	}

	key := sessionID + "|" + domain
	g.mu.Lock()
	g.pending[key] = req
	g.mu.Unlock()

	if g.notifier != nil {
		g.notifier.NotifyPermissionRequested(sessionID, domain, deadline)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-req.resolved:
	case <-timer.C:
		req.mu.Lock()
		if req.State == PermissionPending {
			req.State = PermissionDenied
		}
		req.mu.Unlock()
	}

	g.mu.Lock()
	delete(g.pending, key)
	g.mu.Unlock()

	req.mu.Lock()
	granted := req.State == PermissionGranted
	req.mu.Unlock()

	reason := "deadline expired"
	decision := "denied"
	if granted {
		decision = "granted"
		reason = "resolved by operator"
	}
	g.recordAudit(sessionID, domain, decision, reason)
	return granted
}

// Resolve is called by the transport layer when an operator answers a
// permission.requested notification. No-op if the request already expired
// or does not exist.
func (g *Gate) Resolve(sessionID, domain string, grant bool) bool {
	key := sessionID + "|" + normalizeDomain(domain)
	g.mu.Lock()
	req, ok := g.pending[key]
	g.mu.Unlock()
	if !ok {
		return false
	}

	req.mu.Lock()
	if req.State != PermissionPending {
		req.mu.Unlock()
		return false
	}
	if grant {
		req.State = PermissionGranted
	} else {
		req.State = PermissionDenied
	}
	req.mu.Unlock()

	close(req.resolved)
	return true
}

func (g *Gate) recordAudit(sessionID, domain, decision, reason string) {
	g.auditMu.Lock()
	defer g.auditMu.Unlock()
	g.audit = append(g.audit, AuditEvent{
		Timestamp: time.Now(),
		SessionID: sessionID,
		Domain:    domain,
		Decision:  decision,
		Reason:    reason,
	})
}

// AuditLog returns a copy of the recorded decisions, newest last,
// backing the browser.security.auditLog tool.
func (g *Gate) AuditLog() []AuditEvent {
	g.auditMu.Lock()
	defer g.auditMu.Unlock()
	out := make([]AuditEvent, len(g.audit))
	copy(out, g.audit)
	return out
}
