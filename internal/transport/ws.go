// ws.go — WebSocket MCP transport at /mcp: localhost-only origin
// allowlist, one JSON message per text frame, a read loop per
// connection. Each connection registers with the Hub under its own
// client id, so per-client isolation holds across WebSocket clients the
// same way it does for the stdio transport's one client.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/mcp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		allowedOrigins := []string{
			"http://127.0.0.1", "http://localhost",
			"https://127.0.0.1", "https://localhost",
		}
		for _, allowed := range allowedOrigins {
			if strings.HasPrefix(origin, allowed) {
				return true
			}
		}
		return false
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WSTransport serves the WebSocket endpoint mounted at /mcp.
type WSTransport struct {
	dispatcher Handler
	hub        *Hub
}

func NewWSTransport(d Handler, hub *Hub) *WSTransport {
	return &WSTransport{dispatcher: d, hub: hub}
}

// Handler returns the http.Handler to mount at "/mcp".
func (t *WSTransport) Handler() http.Handler {
	return http.HandlerFunc(t.serveWS)
}

func (t *WSTransport) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws: upgrade failed")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	notifyCh := t.hub.Register(clientID)
	defer t.hub.Unregister(clientID)

	var writeMu sync.Mutex
	writeJSON := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	go func() {
		for n := range notifyCh {
			if err := writeJSON(n); err != nil {
				return
			}
		}
	}()

	log.Info().Str("client_id", clientID).Msg("ws: client connected")
	// r.Context() outlives a hijacked connection, so cancellation is tied
	// to this handler instead: when the read loop exits, any operation
	// still carrying this context observes the cancel at its next
	// suspension point.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var req mcp.JSONRPCRequest
		if unmarshalErr := json.Unmarshal(raw, &req); unmarshalErr != nil {
			_ = writeJSON(mcp.JSONRPCResponse{JSONRPC: "2.0", Error: &mcp.JSONRPCError{
				Code: -32700, Message: "parse error: " + unmarshalErr.Error(),
			}})
			continue
		}
		req.ClientID = clientID

		if req.HasInvalidID() {
			_ = writeJSON(mcp.JSONRPCResponse{JSONRPC: "2.0", Error: &mcp.JSONRPCError{
				Code: -32600, Message: "invalid request: id must be a string or number",
			}})
			continue
		}

		resp := t.dispatcher.Handle(ctx, clientID, req)
		if !req.HasID() {
			continue
		}
		if err := writeJSON(resp); err != nil {
			break
		}
	}
	// hub.Unregister (deferred above) closes notifyCh, which ends the
	// writer goroutine's range loop on its own.
	log.Info().Str("client_id", clientID).Msg("ws: client disconnected")
}
