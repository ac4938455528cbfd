package anthropic

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/sells-group/rfp-pipeline/internal/resilience"
)

func TestTokenUsage_EstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	got := u.EstimateCost("claude-haiku-4-5-20251001")
	if got != 4.80 {
		t.Errorf("haiku cost = %v, want 4.80", got)
	}

	got = u.EstimateCost("claude-sonnet-4-5-20250929")
	if got != 18.00 {
		t.Errorf("sonnet cost = %v, want 18.00", got)
	}

	if got := u.EstimateCost("unknown-model"); got != 0 {
		t.Errorf("unknown model cost = %v, want 0", got)
	}
}

func TestWrapErr_Classification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", 429, true},
		{"server error", 500, true},
		{"gateway timeout", 504, true},
		{"overloaded", 529, true},
		{"bad request", 400, false},
		{"unauthorized", 401, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			apiErr := &sdk.Error{
				StatusCode: tc.status,
				Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
			}
			err := wrapErr(apiErr)
			if got := resilience.IsTransient(err); got != tc.transient {
				t.Errorf("IsTransient(%d) = %v, want %v", tc.status, got, tc.transient)
			}
		})
	}
}

func TestToSDKMessages_Roles(t *testing.T) {
	msgs := toSDKMessages([]Message{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
}
