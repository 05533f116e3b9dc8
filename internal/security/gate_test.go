package security

import (
	"testing"
	"time"
)

type recordingNotifier struct {
	calls []string
}

func (n *recordingNotifier) NotifyPermissionRequested(sessionID, domain string, deadline time.Time) {
	n.calls = append(n.calls, sessionID+"|"+domain)
}

func TestCheckDomainAccessAllowlisted(t *testing.T) {
	g := New(Config{AllowedDomains: []string{"example.com"}}, nil)
	if !g.CheckDomainAccess("example.com", "s1", nil) {
		t.Fatal("expected allowlisted domain to be granted")
	}
}

func TestCheckDomainAccessLoopbackAutoApprove(t *testing.T) {
	g := New(Config{AutoApproveLoopback: true}, nil)
	if !g.CheckDomainAccess("localhost", "s1", nil) {
		t.Fatal("expected loopback to auto-approve")
	}
	if !g.CheckDomainAccess("127.0.0.1", "s1", nil) {
		t.Fatal("expected 127.0.0.1 to auto-approve")
	}
}

func TestCheckDomainAccessLoopbackDisabled(t *testing.T) {
	cfg := Config{AutoApproveLoopback: false, PermissionDeadline: 20 * time.Millisecond}
	g := New(cfg, nil)
	if g.CheckDomainAccess("localhost", "s1", nil) {
		t.Fatal("expected loopback denial when auto-approve is off and deadline expires unresolved")
	}
}

func TestCheckDomainAccessDeniesOnDeadline(t *testing.T) {
	notifier := &recordingNotifier{}
	cfg := Config{PermissionDeadline: 15 * time.Millisecond}
	g := New(cfg, notifier)

	granted := g.CheckDomainAccess("blocked.test", "s1", nil)
	if granted {
		t.Fatal("expected denial on deadline expiry")
	}
	if len(notifier.calls) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notifier.calls))
	}
}

func TestResolveGrantsBeforeDeadline(t *testing.T) {
	cfg := Config{PermissionDeadline: 500 * time.Millisecond}
	g := New(cfg, nil)

	done := make(chan bool, 1)
	go func() {
		done <- g.CheckDomainAccess("blocked.test", "s1", nil)
	}()

	time.Sleep(10 * time.Millisecond)
	if !g.Resolve("s1", "blocked.test", true) {
		t.Fatal("expected Resolve to find the pending request")
	}

	select {
	case granted := <-done:
		if !granted {
			t.Fatal("expected the call to resolve as granted")
		}
	case <-time.After(time.Second):
		t.Fatal("CheckDomainAccess did not return after Resolve")
	}
}

func TestSessionGrantsCaching(t *testing.T) {
	cfg := Config{PermissionDeadline: 500 * time.Millisecond}
	g := New(cfg, nil)
	grants := NewSessionGrants(nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		g.Resolve("s1", "blocked.test", true)
	}()
	if !g.CheckDomainAccess("blocked.test", "s1", grants) {
		t.Fatal("expected first call to be granted")
	}
	if !grants.Has("blocked.test") {
		t.Fatal("expected the grant to be cached on the session")
	}

	// Second call must not block on a new permission prompt.
	if !g.CheckDomainAccess("blocked.test", "s1", grants) {
		t.Fatal("expected cached grant to short-circuit")
	}
}

func TestAuditLogRecordsDecisions(t *testing.T) {
	g := New(Config{AllowedDomains: []string{"example.com"}}, nil)
	g.CheckDomainAccess("example.com", "s1", nil)
	events := g.AuditLog()
	if len(events) != 1 || events[0].Decision != "already_allowed" {
		t.Fatalf("unexpected audit log: %+v", events)
	}
}

func TestUpdateAllowedDomainsReplacesAllowlist(t *testing.T) {
	g := New(Config{AllowedDomains: []string{"example.com"}}, nil)
	if !g.CheckDomainAccess("example.com", "s1", nil) {
		t.Fatal("expected example.com to be allowlisted before update")
	}

	g.UpdateAllowedDomains([]string{"other.test"})

	if g.CheckDomainAccess("example.com", "s1", nil) {
		t.Fatal("expected example.com to be dropped from the allowlist after update")
	}
	if !g.CheckDomainAccess("other.test", "s1", nil) {
		t.Fatal("expected other.test to be allowlisted after update")
	}
}
