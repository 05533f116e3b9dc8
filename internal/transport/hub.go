// hub.go — Notification fan-out: a per-client outbound channel with
// Register/Unregister/Broadcast, carrying a typed Notification both the
// stdio and WebSocket transports drain. The stdio transport registers
// one implicit client, so permission prompts and console events reach it
// the same way a WebSocket client sees them.
package transport

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/security"
)

// Notification is one server-to-client JSON-RPC notification; no id field.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newNotification(method string, params any) Notification {
	return Notification{JSONRPC: "2.0", Method: method, Params: params}
}

// client is one registered notification sink: a buffered channel drained by
// the owning transport's writer goroutine.
type client struct {
	id string
	ch chan Notification
}

// Hub fans a notification out to every registered client.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

// Register adds a client and returns a channel of notifications addressed
// to it; a send is dropped (never blocks the broadcaster) if the client's
// buffer is full — a slow reader loses notifications, not the hub.
func (h *Hub) Register(id string) <-chan Notification {
	ch := make(chan Notification, 64)
	h.mu.Lock()
	h.clients[id] = &client{id: id, ch: ch}
	h.mu.Unlock()
	return ch
}

// Unregister removes a client and closes its channel.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		close(c.ch)
	}
}

// Broadcast fans a notification out to every registered client.
func (h *Hub) Broadcast(method string, params any) {
	n := newNotification(method, params)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.ch <- n:
		default:
			log.Warn().Str("client_id", c.id).Str("method", method).Msg("notification dropped: client buffer full")
		}
	}
}

// permissionRequestedParams is the payload shape for a permission.requested
// notification.
type permissionRequestedParams struct {
	SessionID  string `json:"sessionId"`
	Domain     string `json:"domain"`
	DeadlineMs int64  `json:"deadlineMs"`
}

// consoleLogParams is the payload shape for a console.log notification.
type consoleLogParams struct {
	SessionID string `json:"sessionId"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	SourceURL string `json:"sourceUrl,omitempty"`
}

// toolAnnounceParams is the payload shape for tool.registered /
// tool.unregistered notifications, emitted once at dispatcher startup so a
// client that hasn't called tools/list yet still learns the surface.
type toolAnnounceParams struct {
	Name string `json:"name"`
}

// NotifyPermissionRequested implements security.Notifier directly on
// Hub, so the gate can raise permission.requested without any transport
// package dependency of its own.
func (h *Hub) NotifyPermissionRequested(sessionID, domain string, deadline time.Time) {
	h.Broadcast("permission.requested", permissionRequestedParams{
		SessionID: sessionID, Domain: domain, DeadlineMs: deadline.UnixMilli(),
	})
}

var _ security.Notifier = (*Hub)(nil)

// BroadcastConsole publishes a console.log notification, implementing
// session.ConsoleBroadcaster.
func (h *Hub) BroadcastConsole(sessionID, level, message, sourceURL string) {
	h.Broadcast("console.log", consoleLogParams{SessionID: sessionID, Level: level, Message: message, SourceURL: sourceURL})
}

// AnnounceToolRegistered/AnnounceToolUnregistered are called once per tool
// at startup by the dispatcher wiring.
func (h *Hub) AnnounceToolRegistered(name string) {
	h.Broadcast("tool.registered", toolAnnounceParams{Name: name})
}

func (h *Hub) AnnounceToolUnregistered(name string) {
	h.Broadcast("tool.unregistered", toolAnnounceParams{Name: name})
}
