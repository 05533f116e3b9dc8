// validation.go — Schema-level parameter checking for tools/call.
package mcp

import (
	"encoding/json"
	"fmt"
)

// ValidateParamsAgainstSchema compares incoming argument keys against the
// property names a tool's InputSchema declares and returns one warning per
// unknown key. Unknown keys never fail the call — the warning rides along
// in the result so the caller (often an LLM) can spot a misspelled
// parameter it would otherwise silently lose.
func ValidateParamsAgainstSchema(data json.RawMessage, schema map[string]any) []string {
	if len(data) == 0 {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	var warnings []string
	for k := range raw {
		if _, known := props[k]; !known {
			warnings = append(warnings, fmt.Sprintf("unknown parameter '%s' (ignored)", k))
		}
	}
	return warnings
}
