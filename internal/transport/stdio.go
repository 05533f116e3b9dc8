// stdio.go — stdio MCP transport: a bufio reader loop handing each
// framed message to the dispatcher and writing the response back on
// stdout, while draining a notification Hub so permission.requested /
// console.log / tool.* notifications interleave safely with
// request/response traffic on the same stream.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/pagegate/browser-gateway/internal/bridge"
	"github.com/pagegate/browser-gateway/internal/mcp"
)

const (
	stdioClientID  = "stdio"
	maxStdioBody   = 32 << 20 // 32 MiB, generous for a screenshot/domSnapshot payload
)

// Handler is the subset of *dispatcher.Dispatcher the transport layer
// needs, kept as an interface so transport tests don't need a full
// dispatcher wiring.
type Handler interface {
	Handle(ctx context.Context, clientID string, req mcp.JSONRPCRequest) mcp.JSONRPCResponse
}

// StdioTransport runs the gateway's stdio JSON-RPC loop. Exactly one
// logical client ("stdio") is registered with the Hub for the lifetime of
// the process.
type StdioTransport struct {
	dispatcher Handler
	hub        *Hub

	writeMu sync.Mutex
}

func NewStdioTransport(d Handler, hub *Hub) *StdioTransport {
	return &StdioTransport{dispatcher: d, hub: hub}
}

// Run blocks reading framed MCP messages from in, dispatching each to
// the handler, and writing responses to out, until in is exhausted
// (EOF), ctx is canceled, or a fatal read error occurs. Notifications
// raised for the "stdio" client id are drained concurrently and
// interleaved onto out under the same write mutex as responses, keeping
// them strictly ordered within the connection.
func (t *StdioTransport) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	notifyCh := t.hub.Register(stdioClientID)
	notifyDone := make(chan struct{})
	// Deferred in this order so Unregister (closing notifyCh) runs before
	// the wait on notifyDone — reversed, the wait would block forever on a
	// channel nothing has told to close yet.
	defer func() { <-notifyDone }()
	defer t.hub.Unregister(stdioClientID)

	go func() {
		defer close(notifyDone)
		for n := range notifyCh {
			if err := t.writeFrame(out, n); err != nil {
				log.Error().Err(err).Msg("stdio: failed writing notification")
				return
			}
		}
	}()

	reader := bufio.NewReader(in)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, _, err := bridge.ReadMessage(reader, maxStdioBody)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(raw) == 0 {
			continue
		}

		var req mcp.JSONRPCRequest
		if unmarshalErr := json.Unmarshal(raw, &req); unmarshalErr != nil {
			resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: nil, Error: &mcp.JSONRPCError{
				Code: -32700, Message: "parse error: " + unmarshalErr.Error(),
			}}
			if writeErr := t.writeFrame(out, resp); writeErr != nil {
				return writeErr
			}
			continue
		}
		req.ClientID = stdioClientID

		if req.HasInvalidID() {
			resp := mcp.JSONRPCResponse{JSONRPC: "2.0", ID: nil, Error: &mcp.JSONRPCError{
				Code: -32600, Message: "invalid request: id must be a string or number",
			}}
			if writeErr := t.writeFrame(out, resp); writeErr != nil {
				return writeErr
			}
			continue
		}

		resp := t.dispatcher.Handle(ctx, stdioClientID, req)
		if !req.HasID() {
			// A notification gets no response frame.
			continue
		}
		if writeErr := t.writeFrame(out, resp); writeErr != nil {
			return writeErr
		}
	}
}

// writeFrame marshals v and writes it as one newline-terminated line,
// matching the line-framing half of bridge.ReadMessage so a
// client that only speaks legacy line framing can still read responses.
func (t *StdioTransport) writeFrame(out io.Writer, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := out.Write(line); err != nil {
		return err
	}
	_, err = out.Write([]byte("\n"))
	return err
}
