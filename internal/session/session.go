// session.go — Session manager: lifecycle, isolation, and reaping of
// per-client browser sessions. A mutex-guarded map holds the records; a
// background reaper enforces the idle timeout; a slot cap bounds how
// many sessions one process carries.
package session

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/accounting"
	"github.com/pagegate/browser-gateway/internal/buffers"
	"github.com/pagegate/browser-gateway/internal/driver"
	"github.com/pagegate/browser-gateway/internal/gatewayerr"
	"github.com/pagegate/browser-gateway/internal/pool"
	"github.com/pagegate/browser-gateway/internal/security"
	"github.com/pagegate/browser-gateway/internal/util"
)

// domainPattern matches "label.tld" or the bare word "localhost".
var domainPattern = regexp.MustCompile(`^(localhost|[a-zA-Z0-9][a-zA-Z0-9-]*(\.[a-zA-Z0-9][a-zA-Z0-9-]*)+)$`)

const (
	minViewportW = 100
	minViewportH = 100
	maxViewportW = 3840
	maxViewportH = 2160
	maxUserAgentLen = 500
	minTimeout = time.Second
	maxTimeout = 300 * time.Second
)

// Options is the caller-supplied configuration for a new session
// (browser.newContext's params, minus clientId which transport supplies).
type Options struct {
	Viewport       pool.Viewport
	UserAgent      string
	AllowedDomains []string
	Timeout        time.Duration
	Headless       bool
}

// Validate enforces the session-option bounds, returning one
// gatewayerr.Error naming the first violation found — callers needing
// every violation at once should call ValidateAll.
func (o Options) Validate() error {
	if errs := o.ValidateAll(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateAll reports every validation failure, the same one-error-per-
// field discipline config validation uses.
func (o Options) ValidateAll() []error {
	var errs []error
	if o.Viewport.Width < minViewportW || o.Viewport.Width > maxViewportW ||
		o.Viewport.Height < minViewportH || o.Viewport.Height > maxViewportH {
		errs = append(errs, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams,
			fmt.Sprintf("viewport %dx%d out of range [%dx%d, %dx%d]",
				o.Viewport.Width, o.Viewport.Height, minViewportW, minViewportH, maxViewportW, maxViewportH)))
	}
	if len(o.UserAgent) > maxUserAgentLen {
		errs = append(errs, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams,
			fmt.Sprintf("user agent length %d exceeds %d", len(o.UserAgent), maxUserAgentLen)))
	}
	for _, d := range o.AllowedDomains {
		if !domainPattern.MatchString(d) {
			errs = append(errs, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams,
				fmt.Sprintf("domain %q does not match label.tld or localhost", d)))
		}
	}
	if o.Timeout != 0 && (o.Timeout < minTimeout || o.Timeout > maxTimeout) {
		errs = append(errs, gatewayerr.New(gatewayerr.CategoryProtocol, gatewayerr.CodeInvalidParams,
			fmt.Sprintf("timeout %s out of range [%s, %s]", o.Timeout, minTimeout, maxTimeout)))
	}
	return errs
}

func (o Options) poolOptions() pool.Options {
	return pool.Options{Viewport: o.Viewport, UserAgent: o.UserAgent}
}

// ConsoleEvent is one entry in a session's console ring buffer.
type ConsoleEvent struct {
	Timestamp time.Time
	Level     string
	Message   string
	SourceURL string
	Line      int
	Column    int
}

// NetworkEvent is one entry in a session's network ring buffer, already
// redacted before insertion. Body is the size-capped
// response body, redacted by field name when it parses as JSON; nil when
// the driver could not capture one.
type NetworkEvent struct {
	Timestamp   time.Time
	Method      string
	URL         string
	Status      int
	ReqHeaders  map[string][]string
	RespHeaders map[string][]string
	Body        []byte
	DurationMs  int64
}

const (
	consoleBufferCapacity = 500
	networkBufferCapacity = 500
)

// Session is one logical client workspace.
type Session struct {
	ID           string
	ClientID     string
	CreatedAt    time.Time
	Options      Options
	Grants       *security.SessionGrants

	mu           sync.Mutex // serializes leaf driver calls for this session
	lastActivity time.Time
	destroyed    bool

	ctx     driver.Context
	page    driver.Page
	poolOpt pool.Options

	Console *buffers.RingBuffer[ConsoleEvent]
	Network *buffers.RingBuffer[NetworkEvent]
}

// Touch updates lastActivity; called by the dispatcher before/after every
// operation against this session.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity reports the last-activity timestamp; never before CreatedAt.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Destroyed reports the session's destroyed flag.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Lock/Unlock expose the per-session lock the dispatcher takes to
// serialize leaf driver calls against this session. Ring buffer appends
// from async browser events take the same lock briefly.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// Page returns the session's primary page for leaf driver calls. Callers
// must hold the session lock (via Lock/Unlock) around its use.
func (s *Session) Page() driver.Page { return s.page }

// Config controls the manager's capacity and reaping behavior.
type Config struct {
	MaxSessions    int
	SessionTimeout time.Duration
	ReapEvery      time.Duration // keep this a small fraction of SessionTimeout
}

func DefaultConfig() Config {
	return Config{
		MaxSessions:    50,
		SessionTimeout: 10 * time.Minute,
		ReapEvery:      30 * time.Second,
	}
}

// ConsoleBroadcaster publishes a console.log notification for a
// console event observed on a session's primary page. Optional: a Manager
// with no broadcaster set still records the event in the session's ring
// buffer, it just doesn't also fan it out live.
type ConsoleBroadcaster interface {
	BroadcastConsole(sessionID, level, message, sourceURL string)
}

// Manager owns every Session, exclusively. It does
// not hold a reference to the security gate: domain checks are keyed by
// (sessionID, Session.Grants), so the dispatcher calls the gate directly
// and only needs a Session's exported Grants field.
type Manager struct {
	cfg   Config
	pool  *pool.Pool
	accts *accounting.Set

	mu       sync.RWMutex
	sessions map[string]*Session

	broadcaster ConsoleBroadcaster

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, p *pool.Pool, accts *accounting.Set) *Manager {
	m := &Manager{
		cfg:      cfg,
		pool:     p,
		accts:    accts,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	util.SafeGo("session-reaper", m.reapLoop)
	return m
}

// SetBroadcaster wires a live console.log fan-out target (the transport
// layer's notification Hub). Called once during startup wiring, after New
// and before the first session is created.
func (m *Manager) SetBroadcaster(b ConsoleBroadcaster) {
	m.mu.Lock()
	m.broadcaster = b
	m.mu.Unlock()
}

// CreateSession validates opts, reserves a slot and resource quota,
// acquires a pooled context, and registers the new session.
func (m *Manager) CreateSession(ctx context.Context, opts Options, clientID string) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}

	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.CategorySystem, gatewayerr.CodeResourceExhausted,
			fmt.Sprintf("active session count at cap (%d)", m.cfg.MaxSessions))
	}
	// Reserve the slot before releasing the lock so concurrent creates can't
	// both observe room for one.
	id := uuid.NewString()
	m.sessions[id] = nil
	m.mu.Unlock()

	sess, err := m.build(ctx, id, opts, clientID)
	if err != nil {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

func (m *Manager) build(ctx context.Context, id string, opts Options, clientID string) (*Session, error) {
	if err := m.accts.Register(id); err != nil {
		return nil, err
	}

	poolOpt := opts.poolOptions()
	dctx, err := m.pool.Acquire(ctx, poolOpt)
	if err != nil {
		m.accts.Unregister(id)
		return nil, gatewayerr.Infer(err, "acquire_context")
	}

	page, err := dctx.NewPage(ctx)
	if err != nil {
		m.pool.Release(ctx, poolOpt, dctx)
		m.accts.Unregister(id)
		return nil, gatewayerr.Infer(err, "open_primary_page")
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		ClientID:     clientID,
		CreatedAt:    now,
		lastActivity: now,
		Options:      opts,
		Grants:       security.NewSessionGrants(opts.AllowedDomains),
		ctx:          dctx,
		page:         page,
		poolOpt:      poolOpt,
		Console:      buffers.NewRingBuffer[ConsoleEvent](consoleBufferCapacity),
		Network:      buffers.NewRingBuffer[NetworkEvent](networkBufferCapacity),
	}

	page.OnConsole(func(level, message, sourceURL string, line, column int) {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.destroyed {
			return
		}
		sess.Console.WriteOne(ConsoleEvent{
			Timestamp: time.Now(), Level: level, Message: message,
			SourceURL: sourceURL, Line: line, Column: column,
		})
		if b := m.broadcasterSnapshot(); b != nil {
			b.BroadcastConsole(sess.ID, level, message, sourceURL)
		}
	})
	page.OnNetwork(func(method, url string, status int, reqHeaders, respHeaders map[string][]string, body []byte, durationMs int64) {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		if sess.destroyed {
			return
		}
		sess.Network.WriteOne(NetworkEvent{
			Timestamp: time.Now(), Method: method, URL: url, Status: status,
			ReqHeaders: security.RedactHeaders(reqHeaders), RespHeaders: security.RedactHeaders(respHeaders),
			Body:       security.RedactBody(body),
			DurationMs: durationMs,
		})
	})

	log.Info().Str("session_id", id).Str("client_id", clientID).Msg("session created")
	return sess, nil
}

// broadcasterSnapshot reads the broadcaster under the manager lock so the
// OnConsole callback (invoked from the driver's own event goroutine) never
// races SetBroadcaster.
func (m *Manager) broadcasterSnapshot() ConsoleBroadcaster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.broadcaster
}

// GetSession returns the live session with the given id, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s == nil || s.Destroyed() {
		return nil, false
	}
	return s, true
}

// DestroySession tears a session down. Idempotent: a second destroy
// returns false with no side effects.
func (m *Manager) DestroySession(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess == nil {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	return m.destroy(sess)
}

// destroy performs the reverse-of-creation teardown in strict order:
// mark destroyed, release the context, unregister quotas, release the
// slot. Returns false if already destroyed.
func (m *Manager) destroy(sess *Session) bool {
	sess.mu.Lock()
	if sess.destroyed {
		sess.mu.Unlock()
		return false
	}
	sess.destroyed = true
	sess.mu.Unlock()

	// Listeners check sess.destroyed under sess.mu before writing, so no
	// explicit detach call is needed beyond the flag above.
	m.pool.Release(context.Background(), sess.poolOpt, sess.ctx)
	m.accts.Unregister(sess.ID)
	log.Info().Str("session_id", sess.ID).Msg("session destroyed")
	return true
}

// DestroySessionsForClient destroys every session owned by clientID and
// reports how many went down.
func (m *Manager) DestroySessionsForClient(clientID string) int {
	m.mu.Lock()
	var toDestroy []*Session
	for id, sess := range m.sessions {
		if sess != nil && sess.ClientID == clientID {
			toDestroy = append(toDestroy, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	count := 0
	for _, sess := range toDestroy {
		if m.destroy(sess) {
			count++
		}
	}
	return count
}

// RecreateSession satisfies recovery.ContextRebuilder: same identifier,
// fresh context, dropped ring buffers. In-flight operations are not
// separately tracked here — the caller holds the session lock for the
// duration of its own operation, so a concurrent recreate cannot race it.
func (m *Manager) RecreateSession(ctx context.Context, id string) error {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || sess == nil {
		return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeContextCrashed,
			"cannot recreate: session not found", gatewayerr.WithRecoverable(false))
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.destroyed {
		return gatewayerr.New(gatewayerr.CategoryBrowser, gatewayerr.CodeContextCrashed,
			"cannot recreate: session already destroyed", gatewayerr.WithRecoverable(false))
	}

	oldCtx, oldOpt := sess.ctx, sess.poolOpt
	newOpt := sess.Options.poolOptions()
	newCtx, err := m.pool.Acquire(ctx, newOpt)
	if err != nil {
		return gatewayerr.Infer(err, "recreate_acquire_context")
	}
	newPage, err := newCtx.NewPage(ctx)
	if err != nil {
		m.pool.Release(ctx, newOpt, newCtx)
		return gatewayerr.Infer(err, "recreate_open_page")
	}

	sess.ctx = newCtx
	sess.page = newPage
	sess.poolOpt = newOpt
	sess.Console = buffers.NewRingBuffer[ConsoleEvent](consoleBufferCapacity)
	sess.Network = buffers.NewRingBuffer[NetworkEvent](networkBufferCapacity)

	go m.pool.Release(context.Background(), oldOpt, oldCtx)
	log.Info().Str("session_id", id).Msg("session context recreated")
	return nil
}

// reapLoop destroys sessions past SessionTimeout idle, on a snapshot-
// then-destroy-individually basis so no global lock is held across a
// destroy.
func (m *Manager) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if sess != nil {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	now := time.Now()
	for _, id := range ids {
		m.mu.RLock()
		sess, ok := m.sessions[id]
		m.mu.RUnlock()
		if !ok || sess == nil {
			continue
		}
		if now.Sub(sess.LastActivity()) > m.cfg.SessionTimeout {
			if m.DestroySession(id) {
				log.Info().Str("session_id", id).Msg("session reaped: idle timeout")
			}
		}
	}
}

// DiagnosticHintString implements mcp.DiagnosticProvider: a short
// system-state snapshot attached to structured error context so an
// operator reading a CONTEXT_CRASHED or RESOURCE_EXHAUSTED error doesn't
// have to separately query session counts.
func (m *Manager) DiagnosticHintString() string {
	return fmt.Sprintf("sessions=%d/%d", m.ActiveCount(), m.cfg.MaxSessions)
}

// ActiveCount reports the current number of live sessions, for admission
// checks and metrics.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.sessions {
		if s != nil {
			n++
		}
	}
	return n
}

// Close stops the reaper and destroys every remaining session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.DestroySession(id)
	}
}
