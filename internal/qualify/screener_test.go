package qualify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sells-group/rfp-pipeline/internal/config"
	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/pkg/anthropic"
)

// fakeLLM scripts responses per notice ID (matched in the prompt text)
// and tracks in-flight concurrency.
type fakeLLM struct {
	mu        sync.Mutex
	responses map[string]string // notice ID -> response text
	errs      map[string]error  // notice ID -> returned error
	calls     atomic.Int64

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (f *fakeLLM) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.calls.Add(1)

	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond) // let workers overlap

	prompt := req.Messages[0].Content

	f.mu.Lock()
	defer f.mu.Unlock()
	for id, err := range f.errs {
		if strings.Contains(prompt, "Notice ID: "+id+"\n") {
			return nil, err
		}
	}
	for id, text := range f.responses {
		if strings.Contains(prompt, "Notice ID: "+id+"\n") {
			return &anthropic.MessageResponse{Text: text}, nil
		}
	}
	return &anthropic.MessageResponse{Text: `{"score": 1, "rationale": "default"}`}, nil
}

func testStage(workers int) config.StageConfig {
	return config.StageConfig{
		Workers:          workers,
		TimeoutSecs:      5,
		MaxTokens:        256,
		MaxRetries:       1,
		BreakerThreshold: 100,
	}
}

func makeOpps(n int) []model.Opportunity {
	opps := make([]model.Opportunity, n)
	for i := range opps {
		opps[i] = model.Opportunity{
			NoticeID:    "N-" + strconv.Itoa(i),
			Title:       fmt.Sprintf("Notice %d", i),
			Agency:      "GSA",
			Description: "Network modernization services.",
			PostedAt:    time.Now(),
		}
	}
	return opps
}

func TestScreener_ThresholdApplied(t *testing.T) {
	llm := &fakeLLM{responses: map[string]string{
		"N-0": `{"score": 6, "rationale": "good fit"}`,
		"N-1": `{"score": 3, "rationale": "weak fit"}`,
	}}
	s := NewScreener(llm, config.CompanyConfig{Name: "Acme"}, "test-model", testStage(4))

	// 2 items -> normal-mode threshold 4.
	results := s.Screen(context.Background(), makeOpps(2), model.ModeNormal)
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Err != nil || !results[0].Outcome.Passed {
		t.Errorf("N-0 should pass at threshold 4: %+v", results[0])
	}
	if results[1].Err != nil || results[1].Outcome.Passed {
		t.Errorf("N-1 should fail at threshold 4: %+v", results[1])
	}
	if results[0].Outcome.Stage != model.StageScreen {
		t.Errorf("stage = %q", results[0].Outcome.Stage)
	}
}

func TestScreener_RespectsWorkerLimit(t *testing.T) {
	llm := &fakeLLM{}
	s := NewScreener(llm, config.CompanyConfig{Name: "Acme"}, "test-model", testStage(3))

	s.Screen(context.Background(), makeOpps(30), model.ModeNormal)

	if got := llm.maxInFlight.Load(); got > 3 {
		t.Errorf("max in-flight = %d, want <= 3", got)
	}
	if got := llm.calls.Load(); got != 30 {
		t.Errorf("calls = %d, want 30", got)
	}
}

func TestScreener_FailureIsolated(t *testing.T) {
	llm := &fakeLLM{
		responses: map[string]string{"N-0": `{"score": 9, "rationale": "great"}`},
		errs:      map[string]error{"N-1": errors.New("boom")},
	}
	s := NewScreener(llm, config.CompanyConfig{Name: "Acme"}, "test-model", testStage(2))

	results := s.Screen(context.Background(), makeOpps(2), model.ModeNormal)
	if results[0].Err != nil {
		t.Errorf("N-0 should succeed: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Error("N-1 should carry its error")
	}
}

func TestScreener_MalformedResponse(t *testing.T) {
	llm := &fakeLLM{responses: map[string]string{"N-0": "not json at all"}}
	s := NewScreener(llm, config.CompanyConfig{Name: "Acme"}, "test-model", testStage(1))

	results := s.Screen(context.Background(), makeOpps(1), model.ModeNormal)
	if results[0].Err == nil {
		t.Fatal("expected malformed error")
	}
	// One attempt only: malformed responses are not retried.
	if got := llm.calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestAnalyst_ProducesAssessments(t *testing.T) {
	llm := &fakeLLM{responses: map[string]string{
		"N-0": `{"score": 8, "justification": "strong", "key_requirements": ["a"], "advantages": ["b"], "suggested_approach": "prime"}`,
		"N-1": `{"score": 5, "justification": "uncertain"}`,
	}}
	a := NewAnalyst(llm, config.CompanyConfig{Name: "Acme"}, "deep-model", testStage(2))

	var mu sync.Mutex
	var emitted []string
	results, unfinished := a.Analyze(context.Background(), "run-1", makeOpps(2), func(asmt *model.Assessment, _ *model.Opportunity) {
		mu.Lock()
		emitted = append(emitted, asmt.NoticeID)
		mu.Unlock()
	})

	if len(results) != 2 || len(emitted) != 2 || len(unfinished) != 0 {
		t.Fatalf("results=%d emitted=%d unfinished=%d", len(results), len(emitted), len(unfinished))
	}
	if results[0].Level != model.LevelQualified || results[0].Score != 8 {
		t.Errorf("N-0: %+v", results[0])
	}
	if results[1].Level != model.LevelMaybe {
		t.Errorf("N-1: %+v", results[1])
	}
	if results[0].RunID != "run-1" || results[0].ID == "" {
		t.Errorf("run metadata missing: %+v", results[0])
	}
}

func TestAnalyst_ErrorBecomesAuditAssessment(t *testing.T) {
	llm := &fakeLLM{errs: map[string]error{"N-0": errors.New("api down")}}
	a := NewAnalyst(llm, config.CompanyConfig{Name: "Acme"}, "deep-model", testStage(1))

	results, unfinished := a.Analyze(context.Background(), "run-1", makeOpps(1), nil)
	if len(results) != 1 || len(unfinished) != 0 {
		t.Fatalf("results=%d unfinished=%d", len(results), len(unfinished))
	}
	if !results[0].Errored() {
		t.Error("assessment should carry the error")
	}
	if results[0].Level != model.LevelRejected {
		t.Errorf("level = %q, want rejected", results[0].Level)
	}
}

func TestAnalyst_CancelledItemsComeBackUnfinished(t *testing.T) {
	llm := &fakeLLM{}
	a := NewAnalyst(llm, config.CompanyConfig{Name: "Acme"}, "deep-model", testStage(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, unfinished := a.Analyze(ctx, "run-1", makeOpps(3), func(*model.Assessment, *model.Opportunity) {
		t.Error("callback fired for cancelled work")
	})
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0: cancelled items must not become assessments", len(results))
	}
	if len(unfinished) != 3 {
		t.Fatalf("unfinished = %d, want 3", len(unfinished))
	}
}

func TestScreener_CancelledItemsCarryContextError(t *testing.T) {
	llm := &fakeLLM{}
	s := NewScreener(llm, config.CompanyConfig{Name: "Acme"}, "test-model", testStage(2))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := s.Screen(ctx, makeOpps(2), model.ModeNormal)
	for _, res := range results {
		if !errors.Is(res.Err, context.Canceled) {
			t.Errorf("%s: err = %v, want context.Canceled in chain", res.Opportunity.NoticeID, res.Err)
		}
	}
}
