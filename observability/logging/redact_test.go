package logging

import (
	"strings"
	"testing"
)

func TestMaskFieldRedactsUnlistedKeys(t *testing.T) {
	attr := MaskField("api_key", "sk-live-abcdef")
	if attr.Value.String() != RedactedValue {
		t.Fatalf("api_key value = %q, want redacted", attr.Value.String())
	}
	attr = MaskField("principal_id", "p-123")
	if attr.Value.String() != "p-123" {
		t.Fatalf("principal_id value = %q, want passed through", attr.Value.String())
	}
}

func TestMaskTokenKeepsCorrelationPrefixOnly(t *testing.T) {
	token := "eyJhbGciOiJFUzI1NiJ9.payload.signature"
	masked := MaskToken(token)
	if !strings.HasPrefix(masked, token[:8]) {
		t.Fatalf("masked = %q, want the first 8 chars preserved", masked)
	}
	if strings.Contains(masked, "payload") || strings.Contains(masked, "signature") {
		t.Fatalf("masked = %q, leaks token material", masked)
	}
	if MaskToken("short") != RedactedValue {
		t.Fatal("short tokens must be fully redacted")
	}
}

func TestAllowlistCoversStructuredLogKeys(t *testing.T) {
	for _, key := range []string{"principal_id", "mandate_id", "charge_id", "error"} {
		if !IsAllowlisted(key) {
			t.Fatalf("%s should be allowlisted", key)
		}
	}
	for _, key := range []string{"api_key", "token", "private_key_pem"} {
		if IsAllowlisted(key) {
			t.Fatalf("%s must not be allowlisted", key)
		}
	}
}
