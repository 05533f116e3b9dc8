package security

import (
	"encoding/json"
	"reflect"
	"testing"
	"testing/quick"
)

func TestRedactHeadersReplacesSensitiveValues(t *testing.T) {
	in := map[string][]string{
		"Authorization": {"Bearer abc123"},
		"X-Request-Id":  {"req-1"},
		"Cookie":        {"sid=abc"},
	}
	out := RedactHeaders(in)
	if out["Authorization"][0] != RedactionSentinel {
		t.Errorf("Authorization not redacted: %v", out["Authorization"])
	}
	if out["Cookie"][0] != RedactionSentinel {
		t.Errorf("Cookie not redacted: %v", out["Cookie"])
	}
	if out["X-Request-Id"][0] != "req-1" {
		t.Errorf("non-sensitive header mutated: %v", out["X-Request-Id"])
	}
}

func TestRedactBodyWalksNestedStructures(t *testing.T) {
	body := []byte(`{"user":{"name":"alice","password":"hunter2"},"items":[{"token":"xyz"},{"id":1}]}`)
	out := RedactBody(body)

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("redacted body is not valid JSON: %v", err)
	}
	user := parsed["user"].(map[string]any)
	if user["password"] != RedactionSentinel {
		t.Errorf("password not redacted: %v", user["password"])
	}
	if user["name"] != "alice" {
		t.Errorf("non-sensitive field mutated: %v", user["name"])
	}
	items := parsed["items"].([]any)
	if items[0].(map[string]any)["token"] != RedactionSentinel {
		t.Errorf("nested array token not redacted: %v", items[0])
	}
}

func TestRedactBodyPassesThroughUnparseable(t *testing.T) {
	body := []byte("not json at all")
	if got := RedactBody(body); string(got) != string(body) {
		t.Errorf("expected unparseable body unchanged, got %q", got)
	}
}

func TestRedactBodyIdempotent(t *testing.T) {
	body := []byte(`{"password":"x","nested":{"api_key":"y","z":1}}`)
	once := RedactBody(body)
	twice := RedactBody(once)
	var a, b any
	json.Unmarshal(once, &a)
	json.Unmarshal(twice, &b)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("redact is not idempotent: %v vs %v", a, b)
	}
}

func TestRedactBodyPreservesStructurePropertyBased(t *testing.T) {
	f := func(name, value string) bool {
		if name == "" {
			return true
		}
		body, _ := json.Marshal(map[string]string{"name": name, "other_field": value})
		out := RedactBody(body)
		var parsed map[string]any
		if err := json.Unmarshal(out, &parsed); err != nil {
			return false
		}
		_, hasName := parsed["name"]
		_, hasOther := parsed["other_field"]
		return hasName && hasOther
	}
	if err := quick.Check(f, &quick.Config{MaxCount: 200}); err != nil {
		t.Error(err)
	}
}
