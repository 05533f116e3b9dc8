// dispatcher.go — Tool dispatcher: resolves a JSON-RPC tools/call
// request to a registered tool, validates its arguments against a
// declared schema, runs the pre-flight chain (rate limit → session
// lookup → domain check), hands the operation to the execution scheduler
// wrapped in the recovery engine, and shapes the result into the
// JSON-RPC envelope. Collaborators are constructor-injected so tests can
// instantiate independent runtimes.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/breaker"
	"github.com/pagegate/browser-gateway/internal/bridge"
	"github.com/pagegate/browser-gateway/internal/gatewayerr"
	"github.com/pagegate/browser-gateway/internal/mcp"
	"github.com/pagegate/browser-gateway/internal/metrics"
	"github.com/pagegate/browser-gateway/internal/ratelimit"
	"github.com/pagegate/browser-gateway/internal/recovery"
	"github.com/pagegate/browser-gateway/internal/redaction"
	"github.com/pagegate/browser-gateway/internal/scheduler"
	"github.com/pagegate/browser-gateway/internal/security"
	"github.com/pagegate/browser-gateway/internal/session"
	"github.com/pagegate/browser-gateway/internal/util"
)

// Deps bundles every collaborator the dispatcher needs.
type Deps struct {
	Sessions       *session.Manager
	Gate           *security.Gate
	RateLimit      *ratelimit.Limiter
	Scheduler      *scheduler.Scheduler
	Recovery       *recovery.Engine
	Breakers       *breaker.Registry
	DefaultTimeout time.Duration
	// Diagnostics optionally supplies a short system-state snapshot
	// attached to structured error context (mcp.DiagnosticProvider).
	// Nil is fine: errors just carry no diagnostic hint.
	Diagnostics mcp.DiagnosticProvider
	// Redactor scrubs well-known secret shapes (AWS keys, JWTs, bearer
	// tokens, ...) out of every tool result's text content before it
	// reaches the client, complementing internal/security's key-based
	// network-entry redaction. Nil is fine: responses are returned
	// unredacted, which only test doubles should do.
	Redactor *redaction.RedactionEngine
}

// withDiagnostic merges a "diagnostic" key into ge's context when d.deps.Diagnostics
// is set, so a client reading a failure sees the same system-state hint an
// operator watching the logs would.
func (d *Dispatcher) withDiagnostic(ge *gatewayerr.Error) *gatewayerr.Error {
	if d.deps.Diagnostics == nil || ge == nil {
		return ge
	}
	gatewayerr.WithContext(map[string]any{"diagnostic": d.deps.Diagnostics.DiagnosticHintString()})(ge)
	return ge
}

// handlerFunc performs one tool's leaf work. It must take the session lock
// itself around any driver call and return a JSON-marshalable result.
type handlerFunc func(ctx context.Context, d *Dispatcher, sess *session.Session, raw json.RawMessage) (any, error)

// tool is one entry in the dispatcher's registry: a capability record of
// {name, schema, handler}, not a subclass.
type tool struct {
	name           string
	operationClass string
	description    string
	schema         map[string]any
	required       []string
	sessionScoped  bool
	implemented    bool
	handler        handlerFunc
}

// Dispatcher owns the tool registry and every request-scoped collaborator.
type Dispatcher struct {
	deps  Deps
	tools map[string]*tool
	order []string
}

func New(deps Deps) *Dispatcher {
	if deps.DefaultTimeout == 0 {
		deps.DefaultTimeout = 30 * time.Second
	}
	d := &Dispatcher{deps: deps, tools: make(map[string]*tool)}
	registerTools(d)
	return d
}

func (d *Dispatcher) register(t *tool) {
	d.tools[t.name] = t
	d.order = append(d.order, t.name)
}

// ListTools backs the tools/list response — every registered tool is
// declared, including the declared-but-stubbed tools.
func (d *Dispatcher) ListTools() []mcp.MCPTool {
	out := make([]mcp.MCPTool, 0, len(d.order))
	for _, name := range d.order {
		t := d.tools[name]
		out = append(out, mcp.MCPTool{Name: t.name, Description: t.description, InputSchema: t.schema})
	}
	return out
}

// ToolAnnouncer publishes tool.registered / tool.unregistered
// notifications for the declared surface.
type ToolAnnouncer interface {
	AnnounceToolRegistered(name string)
	AnnounceToolUnregistered(name string)
}

// AnnounceTools fans out one tool.registered or tool.unregistered
// notification per declared tool, in registration order. Called once by
// the runtime wiring after both the dispatcher and the notification hub
// exist.
func (d *Dispatcher) AnnounceTools(announcer ToolAnnouncer) {
	if announcer == nil {
		return
	}
	for _, name := range d.order {
		t := d.tools[name]
		if t.implemented {
			announcer.AnnounceToolRegistered(t.name)
		} else {
			announcer.AnnounceToolUnregistered(t.name)
		}
	}
}

// Handle decodes method-level routing for the two JSON-RPC methods the
// gateway's tool surface needs; anything else is method-not-found at the
// protocol layer.
func (d *Dispatcher) Handle(ctx context.Context, clientID string, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return d.handleInitialize(req)
	case "tools/list":
		return d.handleToolsList(req)
	case "tools/call":
		return d.handleToolsCall(ctx, clientID, req)
	case "permission.resolve":
		return d.handlePermissionResolve(req)
	default:
		return errorResponse(req.ID, -32601, "method not found: "+req.Method)
	}
}

func (d *Dispatcher) handleInitialize(req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	result := mcp.MCPInitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      mcp.MCPServerInfo{Name: "browser-gateway", Version: "0.1.0"},
		Capabilities:    mcp.MCPCapabilities{},
	}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mcp.SafeMarshal(result, "{}")}
}

func (d *Dispatcher) handleToolsList(req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	result := mcp.MCPToolsListResult{Tools: d.ListTools()}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mcp.SafeMarshal(result, `{"tools":[]}`)}
}

// permissionResolveParams is the request shape for the operator-facing
// counterpart of a permission.requested notification.
type permissionResolveParams struct {
	SessionID string `json:"sessionId"`
	Domain    string `json:"domain"`
	Grant     bool   `json:"grant"`
}

// handlePermissionResolve lets a client answer an outstanding
// permission.requested prompt. Resolving a request that already expired or
// never existed is reported in the result, not as a JSON-RPC error — the
// method itself always succeeds at the protocol level.
func (d *Dispatcher) handlePermissionResolve(req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	var p permissionResolveParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, -32602, "invalid params: "+err.Error())
	}
	if p.SessionID == "" || p.Domain == "" {
		return errorResponse(req.ID, -32602, "permission.resolve requires sessionId and domain")
	}
	resolved := d.deps.Gate.Resolve(p.SessionID, p.Domain, p.Grant)
	result := map[string]any{"resolved": resolved}
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: mcp.SafeMarshal(result, `{"resolved":false}`)}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, clientID string, req mcp.JSONRPCRequest) mcp.JSONRPCResponse {
	var call toolCallParams
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return errorResponse(req.ID, -32602, "invalid params: "+err.Error())
	}

	t, ok := d.tools[call.Name]
	if !ok {
		return errorResponse(req.ID, -32601, "unknown tool: "+call.Name)
	}

	if missing := missingFields(call.Arguments, t.required); len(missing) > 0 {
		return errorResponse(req.ID, -32602, fmt.Sprintf("missing required params for %s: %v", t.name, missing))
	}

	if !t.implemented {
		ge := gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInternalError,
			fmt.Sprintf("%s is not implemented in this build", t.name), gatewayerr.WithRecoverable(false))
		return d.toolResultResponse(req.ID, t.name, toolOutcome{Error: ge})
	}

	// Unknown params never fail the call; the warning rides along in the
	// result so a client (or the LLM driving it) can spot a typo.
	warnings := mcp.ValidateParamsAgainstSchema(call.Arguments, t.schema)

	outcome := d.callTool(ctx, clientID, t, call.Arguments)
	metrics.RecordToolCall(t.name, outcome.Error == nil)
	return mcp.AppendWarningsToResponse(d.toolResultResponse(req.ID, t.name, outcome), warnings)
}

type sessionArgs struct {
	SessionID string `json:"sessionId"`
}

type urlArgs struct {
	URL string `json:"url"`
}

// toolOutcome is the tool-layer result shape.
type toolOutcome struct {
	Value     any
	Error     *gatewayerr.Error
	Recovered bool
	Strategy  string
	Attempts  int
}

func (d *Dispatcher) callTool(ctx context.Context, clientID string, t *tool, raw json.RawMessage) toolOutcome {
	if !d.deps.RateLimit.Allow(ratelimit.Key{ClientID: clientID, Operation: t.operationClass}) {
		return toolOutcome{Error: d.withDiagnostic(gatewayerr.New(gatewayerr.CategorySecurity, gatewayerr.CodeRateLimitExceeded,
			"rate limit exceeded for operation "+t.operationClass,
			gatewayerr.WithContext(map[string]any{"client_id": clientID, "operation": t.operationClass})))}
	}

	var sess *session.Session
	if t.sessionScoped {
		var sArgs sessionArgs
		_ = json.Unmarshal(raw, &sArgs)
		found, ok := d.deps.Sessions.GetSession(sArgs.SessionID)
		if !ok {
			return toolOutcome{Error: d.withDiagnostic(gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeContextCrashed,
				"session not found: "+sArgs.SessionID, gatewayerr.WithRecoverable(false)))}
		}
		sess = found
		sess.Touch()

		if domain, ok := requestDomain(t.name, raw); ok {
			if !d.deps.Gate.CheckDomainAccess(domain, sess.ID, sess.Grants) {
				return toolOutcome{Error: gatewayerr.New(gatewayerr.CategorySecurity, gatewayerr.CodeDomainDenied,
					"domain not permitted: "+domain, gatewayerr.WithContext(map[string]any{"domain": domain, "session_id": sess.ID}))}
			}
		}
	}

	timeout := bridge.OperationTimeout(t.operationClass, raw, d.deps.DefaultTimeout)
	task := scheduler.Task{
		SessionID:      sessionIDOf(sess),
		OperationClass: t.operationClass,
		Timeout:        timeout,
		Fn: func(taskCtx context.Context) (any, error) {
			runCtx := taskCtx
			if sess != nil {
				runCtx = recovery.WithSessionID(taskCtx, sess.ID)
			}
			var value any
			outcome := d.deps.Recovery.Run(runCtx, t.operationClass, func(opCtx context.Context) error {
				v, err := t.handler(opCtx, d, sess, raw)
				if err != nil {
					return err
				}
				value = v
				return nil
			}, nil)
			return toolOutcome{
				Value:     value,
				Error:     errorOrNil(outcome),
				Recovered: outcome.Recovered,
				Strategy:  string(outcome.Strategy),
				Attempts:  outcome.Attempts,
			}, nil
		},
	}

	res := d.deps.Scheduler.Submit(ctx, task)
	metrics.SchedulerQueueWaitSeconds.Observe(res.QueueWait.Seconds())
	metrics.SchedulerExecSeconds.Observe(res.ExecTime.Seconds())
	if res.Err != nil {
		// The scheduler's own deadline failure is already a taxonomy error
		// (browser/TIMEOUT); only genuinely unclassified faults get wrapped.
		if ge, ok := gatewayerr.As(res.Err); ok {
			return toolOutcome{Error: ge}
		}
		return toolOutcome{Error: gatewayerr.InternalError(res.Err)}
	}
	out, _ := res.Value.(toolOutcome)
	return out
}

func errorOrNil(o recovery.Outcome) *gatewayerr.Error {
	if o.Success {
		return nil
	}
	ge, ok := gatewayerr.As(o.FinalError)
	if !ok {
		ge = gatewayerr.InternalError(o.FinalError)
	}
	return ge
}

func sessionIDOf(s *session.Session) string {
	if s == nil {
		return ""
	}
	return s.ID
}

// requestDomain extracts the navigation target for tools that carry a URL,
// so the pre-flight chain can run the domain check. data: URLs carry their content inline and are exempt.
func requestDomain(toolName string, raw json.RawMessage) (string, bool) {
	if toolName != "browser.goto" {
		return "", false
	}
	var args urlArgs
	if err := json.Unmarshal(raw, &args); err != nil || args.URL == "" {
		return "", false
	}
	if util.IsDataURL(args.URL) {
		return "", false
	}
	return util.HostOf(args.URL), true
}

// toolResultResponse shapes outcome into the JSON-RPC envelope and, when a
// Redactor is configured, scrubs well-known secret shapes out of the result
// text before it reaches the client — an eval result or a screenshot's
// embedded page text can carry a credential the security gate's key-based
// network redaction never sees, since it never passed through a network
// entry.
func (d *Dispatcher) toolResultResponse(id any, toolName string, outcome toolOutcome) mcp.JSONRPCResponse {
	if outcome.Error != nil {
		data := map[string]any{
			"success": false,
			"error":   outcome.Error,
		}
		resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: mcp.JSONErrorResponse(toolName+" failed", data)}
		return d.redactResponse(resp)
	}
	data := map[string]any{
		"success":   true,
		"result":    outcome.Value,
		"recovered": outcome.Recovered,
	}
	if outcome.Strategy != "" {
		data["strategy"] = outcome.Strategy
		data["attempts"] = outcome.Attempts
	}
	resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: mcp.JSONResponse(toolName+" succeeded", data)}
	return d.redactResponse(resp)
}

func (d *Dispatcher) redactResponse(resp mcp.JSONRPCResponse) mcp.JSONRPCResponse {
	if d.deps.Redactor == nil || resp.Error != nil || len(resp.Result) == 0 {
		return resp
	}
	resp.Result = d.deps.Redactor.RedactJSON(resp.Result)
	return resp
}

func errorResponse(id any, code int, message string) mcp.JSONRPCResponse {
	log.Debug().Int("code", code).Str("message", message).Msg("dispatcher protocol error")
	return mcp.JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &mcp.JSONRPCError{Code: code, Message: message}}
}

// missingFields reports which of required are absent from raw's top-level
// keys.
func missingFields(raw json.RawMessage, required []string) []string {
	if len(required) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return required
	}
	var missing []string
	for _, f := range required {
		if _, ok := obj[f]; !ok {
			missing = append(missing, f)
		}
	}
	return missing
}

// durationFromMs converts an optional millisecond field to a Duration,
// falling back to def when ms <= 0.
func durationFromMs(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
