// redaction.go — Secret scrubbing for outbound tool results. Three tool
// surfaces can leak a credential that never passes through the network
// ring buffer's key-based redaction: browser.eval returns whatever the
// page's JavaScript hands back, browser.domSnapshot serializes page text
// wholesale, and recorded network bodies are only redacted by field
// name. This engine runs over every tool result as a last line of
// defense, replacing well-known secret shapes wherever they appear.
// Patterns are RE2 (Go regexp), so matching stays linear-time no matter
// what a page feeds us; the engine is built once at startup and is safe
// for concurrent use.
package redaction

import (
	"encoding/json"
	"os"
	"regexp"

	"github.com/pagegate/browser-gateway/internal/mcp"
)

// rule is one secret shape the engine scrubs. A match is replaced by a
// sentinel naming the rule, so an operator reading a redacted result can
// tell what kind of secret was caught without seeing it.
type rule struct {
	name string
	re   *regexp.Regexp
	// exempt, when set, reports a match the rule should leave alone —
	// sixteen digits that fail the Luhn checksum are a tracking number,
	// not a card.
	exempt func(match string) bool
}

func (r rule) sentinel() string {
	return "[REDACTED:" + r.name + "]"
}

func (r rule) apply(s string) string {
	if r.exempt == nil {
		return r.re.ReplaceAllString(s, r.sentinel())
	}
	return r.re.ReplaceAllStringFunc(s, func(m string) string {
		if r.exempt(m) {
			return m
		}
		return r.sentinel()
	})
}

func mustRule(name, expr string) rule {
	return rule{name: name, re: regexp.MustCompile(expr)}
}

// builtinRules covers the shapes the gateway's own surfaces are likely
// to expose, grouped by where they tend to leak from.
func builtinRules() []rule {
	rules := []rule{
		// Cloud and API credentials: config objects read back via eval,
		// .env-style text captured in a DOM snapshot.
		mustRule("aws-key", `\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		mustRule("github-pat", `\bgh[pousr]_[A-Za-z0-9]{36,}\b|\bgithub_pat_[A-Za-z0-9_]{22,}\b`),
		mustRule("api-key", `(?i)\b(?:api[_-]?key|apikey|secret[_-]?key|client[_-]?secret)\b\s*[:=]\s*"?[^\s"']+`),

		// HTTP auth material: recorded network bodies and headers echoed
		// into page text.
		mustRule("bearer-token", `(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`),
		mustRule("basic-auth", `(?i)\bbasic\s+[A-Za-z0-9+/]{8,}=*`),
		mustRule("jwt", `\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`),
		mustRule("session-cookie", `(?i)\b(?:session|sessionid|sid|token|auth)=[A-Za-z0-9+/=_.-]{16,}`),

		// Key material pasted or rendered into a page.
		mustRule("private-key", `-----BEGIN [A-Z ]+PRIVATE KEY-----(?s:.*?)-----END [A-Z ]+PRIVATE KEY-----`),

		// Personal data scraped off rendered pages.
		mustRule("ssn", `\b[0-9]{3}-[0-9]{2}-[0-9]{4}\b`),
	}

	card := mustRule("credit-card", `\b[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}[- ]?[0-9]{4}\b`)
	card.exempt = func(m string) bool { return !luhnValid(m) }
	return append(rules, card)
}

// Pattern is one operator-supplied rule from the config file. Custom
// patterns always redact to the standard sentinel; per-pattern
// replacement strings are not supported, since an arbitrary replacement
// could itself re-match a rule and break redaction idempotence.
type Pattern struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// RedactionEngine applies every rule to outbound text.
type RedactionEngine struct {
	rules []rule
}

// NewRedactionEngine builds the engine from the built-in rules plus any
// custom ones in the JSON file at configPath. An empty or unreadable
// path means built-ins only; a custom pattern that does not compile as
// RE2 is skipped rather than failing startup.
func NewRedactionEngine(configPath string) *RedactionEngine {
	e := &RedactionEngine{rules: builtinRules()}
	if configPath == "" {
		return e
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- path comes from the operator's own config
	if err != nil {
		return e
	}
	var custom struct {
		Patterns []Pattern `json:"patterns"`
	}
	if err := json.Unmarshal(data, &custom); err != nil {
		return e
	}
	for _, p := range custom.Patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			continue // PCRE-only syntax and other non-RE2 patterns land here
		}
		e.rules = append(e.rules, rule{name: p.Name, re: re})
	}
	return e
}

// Redact applies every rule to input and returns the scrubbed result.
func (e *RedactionEngine) Redact(input string) string {
	for _, r := range e.rules {
		input = r.apply(input)
	}
	return input
}

// RedactJSON scrubs the text blocks of a tool result without disturbing
// its structure. Input that does not parse as a tool result gets
// string-level redaction over the raw bytes instead.
func (e *RedactionEngine) RedactJSON(input json.RawMessage) json.RawMessage {
	var result mcp.MCPToolResult
	if err := json.Unmarshal(input, &result); err != nil {
		return json.RawMessage(e.Redact(string(input)))
	}

	for i, block := range result.Content {
		if block.Type == "text" {
			result.Content[i].Text = e.Redact(block.Text)
		}
	}

	out, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage(e.Redact(string(input)))
	}
	return out
}

// luhnValid reports whether the digits in s pass the Luhn checksum. The
// doubling position is derived from each digit's distance to the end, so
// separators can be skipped without tracking parity state.
func luhnValid(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	for i, d := range digits {
		if (len(digits)-i)%2 == 0 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
