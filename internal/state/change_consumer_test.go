package state

import "testing"

func TestExtractKVKeyFromSubject(t *testing.T) {
	t.Parallel()

	key := extractKVKeyFromSubject("snooze_rule", "$KV.snooze_rule.5b1c")
	if key != "5b1c" {
		t.Fatalf("unexpected key %q", key)
	}
	if out := extractKVKeyFromSubject("snooze_rule", "$KV.other.5b1c"); out != "" {
		t.Fatalf("expected empty key, got %q", out)
	}
}

func TestSanitizeKeyAndToken(t *testing.T) {
	t.Parallel()

	if got := sanitizeKey("hash.ab c*"); got != "hash.ab_c_" {
		t.Fatalf("unexpected sanitized key %q", got)
	}
	if !validToken("aggregaterule") || validToken("bad.name") || validToken("") {
		t.Fatalf("unexpected token validation")
	}
}
