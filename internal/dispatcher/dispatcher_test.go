package dispatcher

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pagegate/browser-gateway/internal/accounting"
	"github.com/pagegate/browser-gateway/internal/breaker"
	"github.com/pagegate/browser-gateway/internal/driver"
	"github.com/pagegate/browser-gateway/internal/mcp"
	"github.com/pagegate/browser-gateway/internal/pool"
	"github.com/pagegate/browser-gateway/internal/ratelimit"
	"github.com/pagegate/browser-gateway/internal/recovery"
	"github.com/pagegate/browser-gateway/internal/scheduler"
	"github.com/pagegate/browser-gateway/internal/security"
	"github.com/pagegate/browser-gateway/internal/session"
)

// Fakes mirror internal/session's own test doubles — a fake driver stack
// standing in for *rod.Browser, per internal/driver's doc comment.

type fakePage struct{ lastURL string }

func (p *fakePage) Goto(ctx context.Context, url string, waitUntil driver.WaitUntil, timeout time.Duration) (driver.NavigateResult, error) {
	p.lastURL = url
	return driver.NavigateResult{Status: 200, URL: url}, nil
}
func (p *fakePage) Click(ctx context.Context, selector string, opts driver.ClickOptions) error { return nil }
func (p *fakePage) Type(ctx context.Context, selector, text string, opts driver.TypeOptions) error {
	return nil
}
func (p *fakePage) Select(ctx context.Context, selector, value string, timeout time.Duration) error {
	return nil
}
func (p *fakePage) Screenshot(ctx context.Context, opts driver.ScreenshotOptions, timeout time.Duration) ([]byte, error) {
	return []byte{0x89, 0x50, 0x4e, 0x47}, nil
}
func (p *fakePage) Eval(ctx context.Context, code string, timeout time.Duration) (any, error) {
	return "ok", nil
}
func (p *fakePage) DomSnapshot(ctx context.Context, opts driver.DomSnapshotOptions, timeout time.Duration) (driver.DomSnapshot, error) {
	return driver.DomSnapshot{Root: driver.DomNode{Tag: "html"}, NodeCount: 1}, nil
}
func (p *fakePage) OnConsole(listener driver.ConsoleListener) {}
func (p *fakePage) OnNetwork(listener driver.NetworkListener) {}
func (p *fakePage) Close(ctx context.Context) error            { return nil }

type fakeContext struct{}

func (c *fakeContext) NewPage(ctx context.Context) (driver.Page, error) { return &fakePage{}, nil }
func (c *fakeContext) Reset(ctx context.Context) error                  { return nil }
func (c *fakeContext) Close(ctx context.Context) error                  { return nil }

type fakeBrowser struct{}

func (b *fakeBrowser) NewContext(ctx context.Context, opts driver.ContextOptions) (driver.Context, error) {
	return &fakeContext{}, nil
}
func (b *fakeBrowser) Close(ctx context.Context) error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *session.Manager) {
	t.Helper()
	p := pool.New(&fakeBrowser{}, pool.DefaultConfig())
	t.Cleanup(func() { p.Close(context.Background()) })

	accts := accounting.NewSet(
		accounting.Config{Limit: 0, PerSessionDefault: 1},
		accounting.Config{Limit: 0, PerSessionDefault: 1},
		accounting.Config{Limit: 0, PerSessionDefault: 1},
	)
	sessions := session.New(session.DefaultConfig(), p, accts)
	t.Cleanup(sessions.Close)

	gate := security.New(security.Config{AutoApproveLoopback: true, PermissionDeadline: 50 * time.Millisecond}, nil)
	rl := ratelimit.New(ratelimit.Config{PerMinute: 1000, PerHour: 100000, BurstPerSec: 1000, Burst: 1000})
	sched := scheduler.New(scheduler.DefaultConfig())
	t.Cleanup(sched.Close)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil)
	recov := recovery.New(breakers, sessions, recovery.WithSleep(func(time.Duration) {}))

	d := New(Deps{
		Sessions:       sessions,
		Gate:           gate,
		RateLimit:      rl,
		Scheduler:      sched,
		Recovery:       recov,
		Breakers:       breakers,
		DefaultTimeout: 5 * time.Second,
	})
	return d, sessions
}

func callTool(t *testing.T, d *Dispatcher, name string, args map[string]any) mcp.JSONRPCResponse {
	t.Helper()
	argsJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	params, err := json.Marshal(toolCallParams{Name: name, Arguments: argsJSON})
	if err != nil {
		t.Fatal(err)
	}
	req := mcp.JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/call", Params: params}
	return d.Handle(context.Background(), "client-1", req)
}

func decodeToolResult(t *testing.T, resp mcp.JSONRPCResponse) map[string]any {
	t.Helper()
	var result mcp.MCPToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal tool result: %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("expected at least one content block")
	}
	text := result.Content[0].Text
	// Content is "<summary>\n<json>"; find the JSON payload after the newline.
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			text = text[i+1:]
			break
		}
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		t.Fatalf("unmarshal payload %q: %v", text, err)
	}
	return data
}

func TestToolsListDeclaresFullSurface(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "client-1", mcp.JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "tools/list"})
	var result mcp.MCPToolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Tools) < 10 {
		t.Fatalf("expected the full browser.* surface declared, got %d tools", len(result.Tools))
	}
	found := false
	for _, tl := range result.Tools {
		if tl.Name == "browser.harExport" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected stubbed tool browser.harExport to still be declared")
	}
}

func TestUnknownMethodIsMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Handle(context.Background(), "client-1", mcp.JSONRPCRequest{JSONRPC: "2.0", ID: 1, Method: "bogus/method"})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestUnknownToolIsMethodNotFound(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "browser.doesNotExist", map[string]any{})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found for unknown tool, got %+v", resp.Error)
	}
}

func TestMissingRequiredParamIsInvalidParams(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "browser.goto", map[string]any{"sessionId": "s1"})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected invalid-params for missing url, got %+v", resp.Error)
	}
}

func TestStubbedToolReturnsNotImplemented(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "browser.harExport", map[string]any{"sessionId": "s1"})
	if resp.Error != nil {
		t.Fatalf("expected a JSON-RPC success envelope carrying a tool-level error, got %+v", resp.Error)
	}
	data := decodeToolResult(t, resp)
	if data["success"] != false {
		t.Fatalf("expected success=false for a stubbed tool, got %+v", data)
	}
}

func TestNewContextThenGotoSucceeds(t *testing.T) {
	d, _ := newTestDispatcher(t)

	createResp := callTool(t, d, "browser.newContext", map[string]any{
		"viewport": map[string]any{"width": 1280, "height": 720},
	})
	created := decodeToolResult(t, createResp)
	if created["success"] != true {
		t.Fatalf("expected newContext to succeed, got %+v", created)
	}
	result := created["result"].(map[string]any)
	sessionID := result["sessionId"].(string)
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	gotoResp := callTool(t, d, "browser.goto", map[string]any{
		"sessionId": sessionID, "url": "https://example.com",
	})
	gotoData := decodeToolResult(t, gotoResp)
	if gotoData["success"] != true {
		t.Fatalf("expected goto to succeed, got %+v", gotoData)
	}
}

func TestSessionNotFoundFailsAsContextCrashed(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "browser.goto", map[string]any{
		"sessionId": "unknown-session", "url": "https://example.com",
	})
	data := decodeToolResult(t, resp)
	if data["success"] != false {
		t.Fatalf("expected failure for unknown session, got %+v", data)
	}
	errMap := data["error"].(map[string]any)
	if errMap["code"] != "CONTEXT_CRASHED" {
		t.Fatalf("expected CONTEXT_CRASHED, got %+v", errMap)
	}
}

func TestRateLimitExceededFailsToolCall(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.deps.RateLimit = ratelimit.New(ratelimit.Config{PerMinute: 1, PerHour: 1, BurstPerSec: 1, Burst: 1})

	createResp := callTool(t, d, "browser.newContext", map[string]any{})
	created := decodeToolResult(t, createResp)
	if created["success"] != true {
		t.Fatalf("expected first call to succeed, got %+v", created)
	}

	secondResp := callTool(t, d, "browser.newContext", map[string]any{})
	second := decodeToolResult(t, secondResp)
	if second["success"] != false {
		t.Fatal("expected second rapid call to be rate limited")
	}
	errMap := second["error"].(map[string]any)
	if errMap["code"] != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %+v", errMap)
	}
}

func TestDomainDeniedFailsToolCall(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}

	resp := callTool(t, d, "browser.goto", map[string]any{
		"sessionId": sess.ID, "url": "https://not-allowed.example",
	})
	data := decodeToolResult(t, resp)
	if data["success"] != false {
		t.Fatal("expected domain check to deny an unlisted, non-loopback domain")
	}
	errMap := data["error"].(map[string]any)
	if errMap["code"] != "DOMAIN_DENIED" {
		t.Fatalf("expected DOMAIN_DENIED, got %+v", errMap)
	}
}

func TestConsoleAndNetworkGetRecent(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	sess.Console.WriteOne(session.ConsoleEvent{Level: "error", Message: "boom"})
	sess.Network.WriteOne(session.NetworkEvent{Method: "GET", URL: "https://example.com", Status: 200})

	consoleResp := callTool(t, d, "browser.console.getRecent", map[string]any{"sessionId": sess.ID})
	consoleData := decodeToolResult(t, consoleResp)
	if consoleData["success"] != true {
		t.Fatalf("expected console.getRecent to succeed, got %+v", consoleData)
	}
	result := consoleData["result"].(map[string]any)
	if int(result["count"].(float64)) != 1 {
		t.Fatalf("expected one console event, got %+v", result)
	}

	networkResp := callTool(t, d, "browser.network.getRecent", map[string]any{"sessionId": sess.ID})
	networkData := decodeToolResult(t, networkResp)
	if networkData["success"] != true {
		t.Fatalf("expected network.getRecent to succeed, got %+v", networkData)
	}
}

func TestPermissionResolveGrantsPendingRequest(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}

	resultCh := make(chan mcp.JSONRPCResponse, 1)
	go func() {
		resultCh <- callTool(t, d, "browser.goto", map[string]any{
			"sessionId": sess.ID, "url": "https://not-allowed.example",
		})
	}()

	// Give the goto call time to reach CheckDomainAccess and register its
	// pending permission request before resolving it.
	time.Sleep(10 * time.Millisecond)

	resolveReq := mcp.JSONRPCRequest{
		JSONRPC: "2.0", ID: 2, Method: "permission.resolve",
		Params: json.RawMessage(`{"sessionId":"` + sess.ID + `","domain":"not-allowed.example","grant":true}`),
	}
	resolveResp := d.Handle(context.Background(), "client-1", resolveReq)
	if resolveResp.Error != nil {
		t.Fatalf("unexpected protocol error: %+v", resolveResp.Error)
	}
	var resolveResult map[string]any
	if err := json.Unmarshal(resolveResp.Result, &resolveResult); err != nil {
		t.Fatal(err)
	}
	if resolveResult["resolved"] != true {
		t.Fatalf("expected resolved=true, got %+v", resolveResult)
	}

	gotoResp := <-resultCh
	data := decodeToolResult(t, gotoResp)
	if data["success"] != true {
		t.Fatalf("expected goto to succeed once the domain was granted, got %+v", data)
	}
}

func TestPermissionResolveUnknownRequestReportsUnresolved(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resolveReq := mcp.JSONRPCRequest{
		JSONRPC: "2.0", ID: 1, Method: "permission.resolve",
		Params: json.RawMessage(`{"sessionId":"no-such-session","domain":"example.com","grant":true}`),
	}
	resp := d.Handle(context.Background(), "client-1", resolveReq)
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["resolved"] != false {
		t.Fatalf("expected resolved=false for an unknown request, got %+v", result)
	}
}

func TestSecurityAuditLogToolReturnsEvents(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	_ = callTool(t, d, "browser.goto", map[string]any{"sessionId": sess.ID, "url": "http://localhost:8080/"})

	resp := callTool(t, d, "browser.security.auditLog", map[string]any{})
	data := decodeToolResult(t, resp)
	if data["success"] != true {
		t.Fatalf("expected auditLog to succeed, got %+v", data)
	}
	result := data["result"].(map[string]any)
	events := result["events"].([]any)
	if len(events) == 0 {
		t.Fatal("expected at least one audit event after a loopback goto")
	}
}

func TestCloseContextDestroysOnceThenReportsFalse(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}

	first := decodeToolResult(t, callTool(t, d, "browser.closeContext", map[string]any{"sessionId": sess.ID}))
	if first["success"] != true {
		t.Fatalf("expected closeContext to succeed, got %+v", first)
	}
	if first["result"].(map[string]any)["destroyed"] != true {
		t.Fatalf("expected destroyed=true on first close, got %+v", first)
	}

	second := decodeToolResult(t, callTool(t, d, "browser.closeContext", map[string]any{"sessionId": sess.ID}))
	if second["result"].(map[string]any)["destroyed"] != false {
		t.Fatalf("expected destroyed=false on second close, got %+v", second)
	}

	if _, ok := sessions.GetSession(sess.ID); ok {
		t.Fatal("expected session lookup to fail after closeContext")
	}
}

func TestUnknownParamRidesAlongAsWarning(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := callTool(t, d, "browser.newContext", map[string]any{"viewPort": map[string]any{"width": 800, "height": 600}})
	var result mcp.MCPToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, block := range result.Content {
		if strings.Contains(block.Text, "unknown parameter 'viewPort'") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a warning block naming the misspelled parameter, got %+v", result.Content)
	}
}

func TestDataURLGotoSkipsDomainCheck(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}

	resp := callTool(t, d, "browser.goto", map[string]any{
		"sessionId": sess.ID, "url": "data:text/html,<h1>x</h1>",
	})
	data := decodeToolResult(t, resp)
	if data["success"] != true {
		t.Fatalf("expected a data: URL navigation to bypass the domain gate, got %+v", data)
	}
}

func TestNetworkGetRecentBodiesAreOptIn(t *testing.T) {
	d, sessions := newTestDispatcher(t)
	sess, err := sessions.CreateSession(context.Background(), session.Options{
		Viewport: pool.Viewport{Width: 1280, Height: 720}, Timeout: 30 * time.Second,
	}, "client-1")
	if err != nil {
		t.Fatal(err)
	}
	sess.Network.WriteOne(session.NetworkEvent{Method: "GET", URL: "https://example.com", Status: 200, Body: []byte(`{"ok":true}`)})

	withoutBody := decodeToolResult(t, callTool(t, d, "browser.network.getRecent", map[string]any{"sessionId": sess.ID}))
	events := withoutBody["result"].(map[string]any)["events"].([]any)
	if body := events[0].(map[string]any)["Body"]; body != nil {
		t.Fatalf("expected body stripped by default, got %v", body)
	}

	withBody := decodeToolResult(t, callTool(t, d, "browser.network.getRecent", map[string]any{"sessionId": sess.ID, "includeBody": true}))
	events = withBody["result"].(map[string]any)["events"].([]any)
	if body := events[0].(map[string]any)["Body"]; body == nil {
		t.Fatal("expected body present when includeBody is set")
	}
}
