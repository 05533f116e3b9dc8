// redact_network.go — Header and structured-body redaction for recorded
// network entries. Complements internal/redaction's regex-based
// secret-shape scrubbing (AWS keys, JWTs, ...) with key-based redaction:
// any header or JSON field whose *name* matches a sensitive-key pattern is
// replaced outright, regardless of its value's shape.
package security

import (
	"encoding/json"
	"strings"
)

// RedactionSentinel is substituted for the value of any field classified
// as sensitive. Structure and non-sensitive keys are preserved untouched.
const RedactionSentinel = "[REDACTED]"

var sensitiveHeaders = map[string]bool{
	"authorization":       true,
	"cookie":              true,
	"set-cookie":          true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"x-auth-token":        true,
}

var sensitiveBodyKeyPrefixes = []string{"secret_"}

var sensitiveBodyKeys = map[string]bool{
	"password":   true,
	"token":      true,
	"api_key":    true,
	"apikey":     true,
	"session_id": true,
	"sessionid":  true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveBodyKeys[k] {
		return true
	}
	for _, p := range sensitiveBodyKeyPrefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// RedactHeaders returns a copy of headers with sensitive keys' values
// replaced by the sentinel. Non-sensitive headers and all keys are
// preserved unchanged.
func RedactHeaders(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}
	out := make(map[string][]string, len(headers))
	for k, values := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			redacted := make([]string, len(values))
			for i := range values {
				redacted[i] = RedactionSentinel
			}
			out[k] = redacted
			continue
		}
		out[k] = values
	}
	return out
}

// RedactBody walks a JSON body recursively and replaces the value of any
// object key matching the sensitive-key set. Arrays are walked elementwise.
// Bodies that do not parse as JSON are passed through unchanged.
func RedactBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}
	redacted := redactValue(parsed)
	out, err := json.Marshal(redacted)
	if err != nil {
		return body
	}
	return out
}

func redactValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if isSensitiveKey(k) {
				out[k] = RedactionSentinel
				continue
			}
			out[k] = redactValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redactValue(child)
		}
		return out
	default:
		return val
	}
}
