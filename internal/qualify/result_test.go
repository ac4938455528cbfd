package qualify

import (
	"strings"
	"testing"

	"github.com/sells-group/rfp-pipeline/internal/resilience"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"score": 5}`, `{"score": 5}`},
		{"fenced", "```json\n{\"score\": 5}\n```", `{"score": 5}`},
		{"fenced no lang", "```\n{\"score\": 5}\n```", `{"score": 5}`},
		{"prose around", `Sure, here is the result: {"score": 5} Hope that helps!`, `{"score": 5}`},
		{"no json", "I cannot evaluate this.", "I cannot evaluate this."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseScreenResult(t *testing.T) {
	res, err := parseScreenResult(`{"score": 8, "rationale": "strong NAICS match"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Score != 8 || res.Rationale != "strong NAICS match" {
		t.Errorf("got %+v", res)
	}
}

func TestParseScreenResult_Malformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"not json", "hello there"},
		{"score too high", `{"score": 99}`},
		{"score below scale", `{"score": 0}`},
		{"score negative", `{"score": -1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseScreenResult(tc.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if !resilience.IsMalformed(err) {
				t.Errorf("error is not MalformedError: %v", err)
			}
			if resilience.IsTransient(err) {
				t.Errorf("malformed error must not be transient: %v", err)
			}
		})
	}
}

func TestParseDeepResult(t *testing.T) {
	text := `{
		"score": 7,
		"justification": "Direct capability overlap.",
		"key_requirements": ["CMMC Level 2", "cleared staff"],
		"advantages": ["incumbent-adjacent past performance"],
		"suggested_approach": "Prime with a small-business teaming partner."
	}`
	res, err := parseDeepResult(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Score != 7 || len(res.KeyRequirements) != 2 {
		t.Errorf("got %+v", res)
	}
}

func TestParseDeepResult_MissingJustification(t *testing.T) {
	_, err := parseDeepResult(`{"score": 7, "justification": "  "}`)
	if err == nil || !resilience.IsMalformed(err) {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestSanitize(t *testing.T) {
	in := "Request&nbsp;for <b>Proposals</b>:\tnetwork\x00 modernization\n\n\n\nPhase &amp; scope"
	got := Sanitize(in)
	if strings.Contains(got, "<b>") || strings.Contains(got, "\x00") {
		t.Errorf("tags or control chars survived: %q", got)
	}
	if !strings.Contains(got, "Proposals") || !strings.Contains(got, "Phase & scope") {
		t.Errorf("content mangled: %q", got)
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("newlines not collapsed: %q", got)
	}
}
