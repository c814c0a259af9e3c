package shared

import (
	"strings"
	"testing"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  string
		leaks string
	}{
		{name: "authorization header", in: "Bearer abc123def456ghi789jkl0", want: "Bearer [REDACTED]"},
		{name: "api key assignment", in: `voice api_key="abcdef1234567890abcdef" rejected`, want: `voice api_key="[REDACTED] rejected`},
		{name: "webhook secret", in: "webhook_secret: 0123456789abcdef0123", leaks: "0123456789abcdef0123"},
		{name: "dashboard token", in: "revoked vx_Zm9vYmFyYmF6cXV4cXV1eHh5eno for user-1", want: "revoked [REDACTED] for user-1"},
		{
			name:  "recording token in url",
			in:    "GET /functions/voice-proxy?action=stream-recording&token=eyJleHAiOjE3MDAwMDAwMDB9.c2lnbmF0dXJl",
			want:  "GET /functions/voice-proxy?action=stream-recording&token=[REDACTED]",
			leaks: "c2lnbmF0dXJl",
		},
		{name: "uuid secret", in: "secret=123e4567-e89b-12d3-a456-426614174000", want: "secret=[REDACTED]"},
		{name: "nothing secret", in: "campaign drained: 12 completed", want: "campaign drained: 12 completed"},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.in)
			if tt.want != "" && got != tt.want {
				t.Fatalf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if tt.leaks != "" && strings.Contains(got, tt.leaks) {
				t.Fatalf("Redact(%q) leaked %q: %q", tt.in, tt.leaks, got)
			}
		})
	}
}

func TestRedactEnvValue(t *testing.T) {
	for _, key := range []string{"VOICE_API_KEY", "voice.webhook_secret", "RECORDING_SIGNING_KEY", "telegram token"} {
		if got := RedactEnvValue(key, "value"); got != "[REDACTED]" {
			t.Errorf("RedactEnvValue(%q) = %q", key, got)
		}
	}
	if got := RedactEnvValue("VOXDESK_BIND_ADDR", "127.0.0.1:8080"); got != "127.0.0.1:8080" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
