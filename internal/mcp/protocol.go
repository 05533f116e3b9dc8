// protocol.go — JSON-RPC 2.0 request/response framing for the MCP surface.
package mcp

import (
	"encoding/json"
	"fmt"
)

// idKind classifies how a request's id field arrived. The distinction
// matters at the transport layer: a request with no id at all is a
// notification and gets no response frame, while a null or mistyped id
// draws an invalid-request error carrying a null id.
type idKind int

const (
	idAbsent idKind = iota
	idValid         // a string or a number
	idNull
	idBadType // bool, object, or array
)

// JSONRPCRequest is one decoded inbound JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	// ID is a string or float64 when idKind is idValid, nil otherwise.
	ID       any             `json:"id"`
	Method   string          `json:"method"`
	Params   json.RawMessage `json:"params,omitempty"`
	ClientID string          `json:"-"` // stamped by the transport, never decoded from the wire

	id idKind
}

// UnmarshalJSON decodes the frame in one pass over its top-level fields,
// classifying the id along the way.
func (r *JSONRPCRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	*r = JSONRPCRequest{Params: fields["params"]}
	if raw, ok := fields["jsonrpc"]; ok {
		if err := json.Unmarshal(raw, &r.JSONRPC); err != nil {
			return fmt.Errorf("jsonrpc field: %w", err)
		}
	}
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &r.Method); err != nil {
			return fmt.Errorf("method field: %w", err)
		}
	}

	raw, ok := fields["id"]
	if !ok {
		r.id = idAbsent
		return nil
	}
	r.id, r.ID = classifyID(raw)
	return nil
}

// classifyID buckets a present id value. raw is known-valid JSON (it
// came out of a decoded object), so the only question is its type.
func classifyID(raw json.RawMessage) (idKind, any) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return idBadType, nil
	}
	switch v.(type) {
	case nil:
		return idNull, nil
	case string, float64:
		return idValid, v
	default:
		return idBadType, nil
	}
}

// HasID reports whether the request carries an id field at all — false
// only for notifications, which expect no response.
func (r JSONRPCRequest) HasID() bool {
	return r.id != idAbsent || r.ID != nil
}

// HasInvalidID reports whether the id was explicitly null or of a type
// the protocol does not allow for requests.
func (r JSONRPCRequest) HasInvalidID() bool {
	return r.id == idNull || r.id == idBadType
}

// JSONRPCResponse is one outbound JSON-RPC 2.0 response. Exactly one of
// Result and Error is set.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is the error member of a failed response.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
