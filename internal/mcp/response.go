// response.go — Tool-result shaping and defensive JSON serialization.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// SafeMarshal marshals v, falling back to a known-good literal if the
// marshal fails; the dispatcher must always produce a well-formed frame.
func SafeMarshal(v any, fallback string) json.RawMessage {
	out, err := json.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[gateway] JSON marshal error: %v\n", err)
		return json.RawMessage(fallback)
	}
	return json.RawMessage(out)
}

// LenientUnmarshal parses optional params, logging failures to stderr
// instead of rejecting — a malformed optional argument falls through to
// its default.
func LenientUnmarshal(args json.RawMessage, v any) {
	if len(args) == 0 {
		return
	}
	if err := json.Unmarshal(args, v); err != nil {
		fmt.Fprintf(os.Stderr, "[gateway] optional param parse: %v (args: %.100s)\n", err, string(args))
	}
}

const marshalFailureText = `{"content":[{"type":"text","text":"Internal error: failed to marshal result"}],"isError":true}`

// ErrorResponse wraps text in a tool result with IsError set.
func ErrorResponse(text string) json.RawMessage {
	result := MCPToolResult{
		Content: []MCPContentBlock{{Type: "text", Text: text}},
		IsError: true,
	}
	return SafeMarshal(result, marshalFailureText)
}

// JSONResponse builds a successful tool result: a summary line followed by
// the compact JSON encoding of data.
func JSONResponse(summary string, data any) json.RawMessage {
	return jsonToolResult(summary, data, false)
}

// JSONErrorResponse is JSONResponse with IsError set, for tool-level
// failures that still travel in the JSON-RPC result envelope.
func JSONErrorResponse(summary string, data any) json.RawMessage {
	return jsonToolResult(summary, data, true)
}

func jsonToolResult(summary string, data any, isError bool) json.RawMessage {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return ErrorResponse("Failed to serialize response: " + err.Error())
	}

	text := string(dataJSON)
	if summary != "" {
		text = summary + "\n" + text
	}

	result := MCPToolResult{
		Content: []MCPContentBlock{{Type: "text", Text: text}},
		IsError: isError,
	}
	return SafeMarshal(result, marshalFailureText)
}

// AppendWarningsToResponse adds a warnings content block to a tool-result
// response. A response whose Result is not a tool result (or with no
// warnings) passes through unchanged.
func AppendWarningsToResponse(resp JSONRPCResponse, warnings []string) JSONRPCResponse {
	if len(warnings) == 0 {
		return resp
	}
	var result MCPToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return resp
	}
	result.Content = append(result.Content, MCPContentBlock{
		Type: "text",
		Text: "_warnings: " + strings.Join(warnings, "; "),
	})
	resp.Result = SafeMarshal(result, string(resp.Result))
	return resp
}
