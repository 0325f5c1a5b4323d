package shared

import (
	"net/url"
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_WebhookSecret(t *testing.T) {
	input := `webhook_secret=hunter2hunter2`
	result := Redact(input)
	if strings.Contains(result, "hunter2") {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_HeaderLine(t *testing.T) {
	result := Redact("X-Webhook-Secret: s3cr3t")
	if strings.Contains(result, "s3cr3t") {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_KeepsLabelAndQuotes(t *testing.T) {
	cases := map[string]string{
		`api_token: "abcdefgh1234"`:       `api_token: [REDACTED]`,
		"retry with X-API-Key: k-123 now": "retry with X-API-Key: [REDACTED] now",
		"apikey=short":                    "apikey=short",
	}
	for in, want := range cases {
		if got := Redact(in); got != want {
			t.Fatalf("Redact(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	if result := Redact(input); result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedactURL(t *testing.T) {
	u, _ := url.Parse("/api/webhook/github?secret=abc&x=1")
	got := RedactURL(u)
	if strings.Contains(got, "abc") {
		t.Fatalf("secret leaked: %q", got)
	}
	if !strings.Contains(got, "x=1") {
		t.Fatalf("other params dropped: %q", got)
	}
	plain, _ := url.Parse("/healthz")
	if RedactURL(plain) != "/healthz" {
		t.Fatalf("unexpected rewrite: %q", RedactURL(plain))
	}
}

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"webhook_secret", "Authorization", "api_key"} {
		if !IsSensitiveKey(k) {
			t.Fatalf("expected %q sensitive", k)
		}
	}
	if IsSensitiveKey("trigger") {
		t.Fatal("trigger should not be sensitive")
	}
}
