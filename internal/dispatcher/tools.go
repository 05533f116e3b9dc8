// tools.go — the browser.* tool surface. Each registration pairs a JSON
// schema with a handler; handlers take the session lock before any leaf
// driver call, and every tool gets its own typed param struct decoded
// once at the boundary.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pagegate/browser-gateway/internal/buffers"
	"github.com/pagegate/browser-gateway/internal/driver"
	"github.com/pagegate/browser-gateway/internal/gatewayerr"
	"github.com/pagegate/browser-gateway/internal/mcp"
	"github.com/pagegate/browser-gateway/internal/pool"
	"github.com/pagegate/browser-gateway/internal/session"
)

func schema(properties map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func registerTools(d *Dispatcher) {
	registerNewContext(d)
	registerCloseContext(d)
	registerGoto(d)
	registerClick(d)
	registerType(d)
	registerSelect(d)
	registerScreenshot(d)
	registerDomSnapshot(d)
	registerEval(d)
	registerNetworkGetRecent(d)
	registerConsoleGetRecent(d)
	registerSecurityAuditLog(d)
	registerStubTools(d)
}

// --- browser.newContext ------------------------------------------------

type newContextArgs struct {
	Viewport       *struct{ Width, Height int } `json:"viewport"`
	UserAgent      string                       `json:"userAgent"`
	AllowedDomains []string                     `json:"allowedDomains"`
	TimeoutMs      int                          `json:"timeoutMs"`
	Headless       *bool                        `json:"headless"`
}

func registerNewContext(d *Dispatcher) {
	d.register(&tool{
		name:           "browser.newContext",
		operationClass: "newContext",
		description:    "Creates a new isolated browsing session.",
		implemented:    true,
		schema: schema(map[string]any{
			"viewport":       prop("object", "Initial viewport size"),
			"userAgent":      prop("string", "Override user agent string"),
			"allowedDomains": prop("array", "Domains this session may navigate to without prompting"),
			"timeoutMs":      prop("integer", "Default per-operation timeout in milliseconds"),
			"headless":       prop("boolean", "Run this session headless (defaults to the process setting)"),
		}),
		handler: func(ctx context.Context, d *Dispatcher, _ *session.Session, raw json.RawMessage) (any, error) {
			var args newContextArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			opts := session.Options{
				UserAgent:      args.UserAgent,
				AllowedDomains: args.AllowedDomains,
				Timeout:        durationFromMs(args.TimeoutMs, 30*time.Second),
				Headless:       args.Headless == nil || *args.Headless,
			}
			if args.Viewport != nil {
				opts.Viewport = pool.Viewport{Width: args.Viewport.Width, Height: args.Viewport.Height}
			} else {
				opts.Viewport = pool.Viewport{Width: 1280, Height: 720}
			}

			// newContext has no existing session to key off yet; the client
			// that owns the new session is the dispatcher caller itself, so
			// clientID is threaded in through raw rather than sess.
			var withClient struct {
				ClientID string `json:"clientId"`
			}
			mcp.LenientUnmarshal(raw, &withClient)

			sess, err := d.deps.Sessions.CreateSession(ctx, opts, withClient.ClientID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"sessionId": sess.ID, "createdAt": sess.CreatedAt}, nil
		},
	})
}

// --- browser.closeContext ------------------------------------------------

type closeContextArgs struct {
	SessionID string `json:"sessionId"`
}

// registerCloseContext is deliberately not sessionScoped: destroying an
// already-destroyed session must report {destroyed: false} rather than a
// session-not-found error, so the handler does its own lookup-free call
// into the manager (destruction is idempotent there).
func registerCloseContext(d *Dispatcher) {
	d.register(&tool{
		name: "browser.closeContext", operationClass: "closeContext", implemented: true,
		description: "Destroys a session and releases its browser context.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Session to destroy"),
		}, "sessionId"),
		handler: func(ctx context.Context, d *Dispatcher, _ *session.Session, raw json.RawMessage) (any, error) {
			var args closeContextArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			destroyed := d.deps.Sessions.DestroySession(args.SessionID)
			return map[string]any{"destroyed": destroyed}, nil
		},
	})
}

// --- browser.goto --------------------------------------------------------

type gotoArgs struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	WaitUntil string `json:"waitUntil"`
	TimeoutMs int    `json:"timeoutMs"`
}

func registerGoto(d *Dispatcher) {
	d.register(&tool{
		name: "browser.goto", operationClass: "goto", sessionScoped: true, implemented: true,
		description: "Navigates the session's primary page to a URL.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Target session"),
			"url":       prop("string", "Destination URL"),
			"waitUntil": prop("string", "load | domcontentloaded | networkidle"),
			"timeoutMs": prop("integer", "Navigation timeout in milliseconds"),
		}, "sessionId", "url"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args gotoArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			waitUntil := driver.WaitLoad
			if args.WaitUntil != "" {
				waitUntil = driver.WaitUntil(args.WaitUntil)
			}
			timeout := durationFromMs(args.TimeoutMs, 30*time.Second)

			sess.Lock()
			defer sess.Unlock()
			res, err := sess.Page().Goto(ctx, args.URL, waitUntil, timeout)
			if err != nil {
				return nil, gatewayerr.Infer(err, "goto")
			}
			return res, nil
		},
	})
}

// --- browser.click -------------------------------------------------------

type clickPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type clickArgs struct {
	SessionID string         `json:"sessionId"`
	Selector  string         `json:"selector"`
	Force     bool           `json:"force"`
	Position  *clickPosition `json:"position"`
	TimeoutMs int            `json:"timeoutMs"`
}

func registerClick(d *Dispatcher) {
	d.register(&tool{
		name: "browser.click", operationClass: "click", sessionScoped: true, implemented: true,
		description: "Clicks an element matched by selector.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Target session"),
			"selector":  prop("string", "CSS selector of the element to click"),
			"force":     prop("boolean", "Skip actionability checks"),
			"position":  prop("object", "Click offset {x, y} within the element"),
			"timeoutMs": prop("integer", "Timeout in milliseconds"),
		}, "sessionId", "selector"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args clickArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			opts := driver.ClickOptions{Force: args.Force, Timeout: durationFromMs(args.TimeoutMs, 10*time.Second)}
			if args.Position != nil {
				opts.PosX, opts.PosY = &args.Position.X, &args.Position.Y
			}

			sess.Lock()
			defer sess.Unlock()
			if err := sess.Page().Click(ctx, args.Selector, opts); err != nil {
				return nil, gatewayerr.Infer(err, "click")
			}
			return map[string]any{"clicked": args.Selector}, nil
		},
	})
}

// --- browser.type --------------------------------------------------------

type typeArgs struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
	Text      string `json:"text"`
	DelayMs   int    `json:"delayMs"`
	Clear     bool   `json:"clear"`
	TimeoutMs int    `json:"timeoutMs"`
}

func registerType(d *Dispatcher) {
	d.register(&tool{
		name: "browser.type", operationClass: "type", sessionScoped: true, implemented: true,
		description: "Types text into an element matched by selector.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Target session"),
			"selector":  prop("string", "CSS selector of the input element"),
			"text":      prop("string", "Text to type"),
			"delayMs":   prop("integer", "Per-keystroke delay in milliseconds"),
			"clear":     prop("boolean", "Clear the field's existing value first"),
			"timeoutMs": prop("integer", "Timeout in milliseconds"),
		}, "sessionId", "selector", "text"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args typeArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			opts := driver.TypeOptions{
				Delay:   durationFromMs(args.DelayMs, 0),
				Clear:   args.Clear,
				Timeout: durationFromMs(args.TimeoutMs, 10*time.Second),
			}

			sess.Lock()
			defer sess.Unlock()
			if err := sess.Page().Type(ctx, args.Selector, args.Text, opts); err != nil {
				return nil, gatewayerr.Infer(err, "type")
			}
			return map[string]any{"typed": len(args.Text)}, nil
		},
	})
}

// --- browser.select ------------------------------------------------------

type selectArgs struct {
	SessionID string `json:"sessionId"`
	Selector  string `json:"selector"`
	Value     string `json:"value"`
	TimeoutMs int    `json:"timeoutMs"`
}

func registerSelect(d *Dispatcher) {
	d.register(&tool{
		name: "browser.select", operationClass: "select", sessionScoped: true, implemented: true,
		description: "Selects an option in a <select> element.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Target session"),
			"selector":  prop("string", "CSS selector of the select element"),
			"value":     prop("string", "Option value to select"),
			"timeoutMs": prop("integer", "Timeout in milliseconds"),
		}, "sessionId", "selector", "value"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args selectArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}

			sess.Lock()
			defer sess.Unlock()
			if err := sess.Page().Select(ctx, args.Selector, args.Value, durationFromMs(args.TimeoutMs, 10*time.Second)); err != nil {
				return nil, gatewayerr.Infer(err, "select")
			}
			return map[string]any{"selected": args.Value}, nil
		},
	})
}

// --- browser.screenshot ---------------------------------------------------

type screenshotArgs struct {
	SessionID      string           `json:"sessionId"`
	FullPage       bool             `json:"fullPage"`
	Selector       string           `json:"selector"`
	Format         string           `json:"format"`
	Quality        int              `json:"quality"`
	Clip           *driver.ClipRect `json:"clip"`
	OmitBackground bool             `json:"omitBackground"`
	TimeoutMs      int              `json:"timeoutMs"`
}

func registerScreenshot(d *Dispatcher) {
	d.register(&tool{
		name: "browser.screenshot", operationClass: "screenshot", sessionScoped: true, implemented: true,
		description: "Captures a screenshot of the page or an element.",
		schema: schema(map[string]any{
			"sessionId":      prop("string", "Target session"),
			"fullPage":       prop("boolean", "Capture the full scrollable page"),
			"selector":       prop("string", "Capture only this element"),
			"format":         prop("string", "png | jpeg"),
			"quality":        prop("integer", "JPEG quality 0-100"),
			"clip":           prop("object", "Viewport-relative capture region {x, y, width, height}"),
			"omitBackground": prop("boolean", "Render a transparent background"),
			"timeoutMs":      prop("integer", "Timeout in milliseconds"),
		}, "sessionId"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args screenshotArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			format := args.Format
			if format == "" {
				format = "png"
			}
			opts := driver.ScreenshotOptions{
				FullPage: args.FullPage, Selector: args.Selector, Format: format,
				Quality: args.Quality, OmitBackground: args.OmitBackground, Clip: args.Clip,
			}

			sess.Lock()
			defer sess.Unlock()
			data, err := sess.Page().Screenshot(ctx, opts, durationFromMs(args.TimeoutMs, 15*time.Second))
			if err != nil {
				return nil, gatewayerr.Infer(err, "screenshot")
			}
			return map[string]any{"format": format, "bytes": len(data), "data": data}, nil
		},
	})
}

// --- browser.domSnapshot ---------------------------------------------------

type domSnapshotArgs struct {
	SessionID       string `json:"sessionId"`
	MaxNodes        int    `json:"maxNodes"`
	Selector        string `json:"selector"`
	IncludeStyles   bool   `json:"includeStyles"`
	IncludeAttrs    bool   `json:"includeAttributes"`
	TimeoutMs       int    `json:"timeoutMs"`
}

func registerDomSnapshot(d *Dispatcher) {
	d.register(&tool{
		name: "browser.domSnapshot", operationClass: "domSnapshot", sessionScoped: true, implemented: true,
		description: "Captures a capped, flattened DOM tree.",
		schema: schema(map[string]any{
			"sessionId":         prop("string", "Target session"),
			"maxNodes":          prop("integer", "Cap on nodes returned"),
			"selector":          prop("string", "Root the snapshot at this element"),
			"includeStyles":     prop("boolean", "Include computed styles"),
			"includeAttributes": prop("boolean", "Include element attributes"),
			"timeoutMs":         prop("integer", "Timeout in milliseconds"),
		}, "sessionId"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args domSnapshotArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			maxNodes := args.MaxNodes
			if maxNodes <= 0 {
				maxNodes = 2000
			}
			opts := driver.DomSnapshotOptions{
				MaxNodes: maxNodes, Selector: args.Selector,
				IncludeStyles: args.IncludeStyles, IncludeAttrs: args.IncludeAttrs,
			}

			sess.Lock()
			defer sess.Unlock()
			snap, err := sess.Page().DomSnapshot(ctx, opts, durationFromMs(args.TimeoutMs, 15*time.Second))
			if err != nil {
				return nil, gatewayerr.Infer(err, "domSnapshot")
			}
			return snap, nil
		},
	})
}

// --- browser.eval ----------------------------------------------------------

type evalArgs struct {
	SessionID string `json:"sessionId"`
	Code      string `json:"code"`
	TimeoutMs int    `json:"timeoutMs"`
}

func registerEval(d *Dispatcher) {
	d.register(&tool{
		name: "browser.eval", operationClass: "eval", sessionScoped: true, implemented: true,
		description: "Evaluates JavaScript in the page context.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Target session"),
			"code":      prop("string", "JavaScript expression to evaluate"),
			"timeoutMs": prop("integer", "Timeout in milliseconds"),
		}, "sessionId", "code"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args evalArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}

			sess.Lock()
			defer sess.Unlock()
			v, err := sess.Page().Eval(ctx, args.Code, durationFromMs(args.TimeoutMs, 10*time.Second))
			if err != nil {
				return nil, gatewayerr.Infer(err, "eval")
			}
			return map[string]any{"value": v}, nil
		},
	})
}

// --- browser.network.getRecent ----------------------------------------------

type networkGetRecentArgs struct {
	SessionID   string `json:"sessionId"`
	Limit       int    `json:"limit"`
	IncludeBody bool   `json:"includeBody"`
	Cursor      string `json:"cursor"`
}

func registerNetworkGetRecent(d *Dispatcher) {
	d.register(&tool{
		name: "browser.network.getRecent", operationClass: "network.getRecent", sessionScoped: true, implemented: true,
		description: "Returns the session's most recent network events. Pass the cursor from a prior call to resume after the last entry already seen instead of re-reading from the tail.",
		schema: schema(map[string]any{
			"sessionId":   prop("string", "Target session"),
			"limit":       prop("integer", "Maximum number of events to return"),
			"includeBody": prop("boolean", "Include redacted request/response bodies"),
			"cursor":      prop("string", "Opaque cursor returned by a prior call; resumes the read instead of returning the latest entries"),
		}, "sessionId"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args networkGetRecentArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			limit := args.Limit
			if limit <= 0 {
				limit = 50
			}

			if args.Cursor == "" {
				events := stripBodies(sess.Network.ReadLast(limit), args.IncludeBody)
				next := buffers.BufferCursor{Position: sess.Network.GetCurrentPosition(), Timestamp: time.Now()}
				return map[string]any{"events": events, "count": len(events), "cursor": next.Encode()}, nil
			}

			cursor, err := buffers.DecodeCursor(args.Cursor)
			if err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			events, next := sess.Network.ReadFrom(cursor)
			if len(events) > limit {
				events = events[len(events)-limit:]
			}
			events = stripBodies(events, args.IncludeBody)
			return map[string]any{"events": events, "count": len(events), "cursor": next.Encode()}, nil
		},
	})
}

// stripBodies drops captured bodies from network events unless the caller
// asked for them; ring-buffer reads return copies, so the slice is safe to
// edit in place.
func stripBodies(events []session.NetworkEvent, includeBody bool) []session.NetworkEvent {
	if includeBody {
		return events
	}
	for i := range events {
		events[i].Body = nil
	}
	return events
}

// --- browser.console.getRecent -----------------------------------------------

type consoleGetRecentArgs struct {
	SessionID       string `json:"sessionId"`
	Limit           int    `json:"limit"`
	Level           string `json:"level"`
	IncludeLocation bool   `json:"includeLocation"`
	Cursor          string `json:"cursor"`
}

func registerConsoleGetRecent(d *Dispatcher) {
	d.register(&tool{
		name: "browser.console.getRecent", operationClass: "console.getRecent", sessionScoped: true, implemented: true,
		description: "Returns the session's most recent console log entries. Pass the cursor from a prior call to resume after the last entry already seen instead of re-reading from the tail.",
		schema: schema(map[string]any{
			"sessionId": prop("string", "Target session"),
			"limit":     prop("integer", "Maximum number of entries to return"),
			"level":     prop("string", "Filter to a single console level"),
			"includeLocation": prop("boolean", "Include source URL, line, and column on each entry"),
			"cursor":    prop("string", "Opaque cursor returned by a prior call; resumes the read instead of returning the latest entries"),
		}, "sessionId"),
		handler: func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error) {
			var args consoleGetRecentArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			limit := args.Limit
			if limit <= 0 {
				limit = 50
			}
			levelFilter := func(e session.ConsoleEvent) bool {
				return args.Level == "" || e.Level == args.Level
			}

			if args.Cursor == "" {
				events := sess.Console.ReadLast(limit)
				if args.Level != "" {
					filtered := events[:0]
					for _, e := range events {
						if levelFilter(e) {
							filtered = append(filtered, e)
						}
					}
					events = filtered
				}
				events = stripLocations(events, args.IncludeLocation)
				next := buffers.BufferCursor{Position: sess.Console.GetCurrentPosition(), Timestamp: time.Now()}
				return map[string]any{"events": events, "count": len(events), "cursor": next.Encode()}, nil
			}

			cursor, err := buffers.DecodeCursor(args.Cursor)
			if err != nil {
				return nil, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams, err.Error())
			}
			events, next := sess.Console.ReadFromWithFilter(cursor, levelFilter, limit)
			events = stripLocations(events, args.IncludeLocation)
			return map[string]any{"events": events, "count": len(events), "cursor": next.Encode()}, nil
		},
	})
}

// stripLocations drops source locations from console events unless the
// caller asked for them; ring-buffer reads return copies, so editing in
// place is safe.
func stripLocations(events []session.ConsoleEvent, includeLocation bool) []session.ConsoleEvent {
	if includeLocation {
		return events
	}
	for i := range events {
		events[i].SourceURL = ""
		events[i].Line = 0
		events[i].Column = 0
	}
	return events
}

// --- browser.security.auditLog ------------------------------------------------

func registerSecurityAuditLog(d *Dispatcher) {
	d.register(&tool{
		name: "browser.security.auditLog", operationClass: "security.auditLog", implemented: true,
		description: "Returns the process-wide domain permission audit log.",
		schema:      schema(map[string]any{}),
		handler: func(ctx context.Context, d *Dispatcher, _ *session.Session, raw json.RawMessage) (any, error) {
			return map[string]any{"events": d.deps.Gate.AuditLog()}, nil
		},
	})
}

// --- Declared-but-stubbed tool surface ----------------------------------------
//
// These names resolve through tools/list and tools/call rather than
// method-not-found, so a client that probes the full surface sees an
// explicit "not implemented" tool error instead of a protocol-level
// rejection.
func registerStubTools(d *Dispatcher) {
	stubs := []struct {
		name, operationClass, description string
	}{
		{"browser.trace.start", "trace.start", "Starts a performance trace (not implemented in this build)."},
		{"browser.trace.stop", "trace.stop", "Stops a performance trace (not implemented in this build)."},
		{"browser.harExport", "harExport", "Exports a HAR archive (not implemented in this build)."},
		{"browser.macro.startRecording", "macro.startRecording", "Starts macro recording (not implemented in this build)."},
		{"browser.macro.stopRecording", "macro.stopRecording", "Stops macro recording (not implemented in this build)."},
		{"browser.macro.list", "macro.list", "Lists recorded macros (not implemented in this build)."},
		{"browser.macro.play", "macro.play", "Plays back a recorded macro (not implemented in this build)."},
		{"browser.macro.delete", "macro.delete", "Deletes a recorded macro (not implemented in this build)."},
		{"browser.report.generate", "report.generate", "Generates a session report (not implemented in this build)."},
		{"browser.report.templates", "report.templates", "Lists report templates (not implemented in this build)."},
		{"browser.report.cleanup", "report.cleanup", "Cleans up generated reports (not implemented in this build)."},
	}
	for _, s := range stubs {
		d.register(&tool{
			name: s.name, operationClass: s.operationClass,
			description: s.description,
			schema:      schema(map[string]any{"sessionId": prop("string", "Target session")}),
			implemented: false,
		})
	}
}
