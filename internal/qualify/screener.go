package qualify

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rfp-pipeline/internal/config"
	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/resilience"
	"github.com/sells-group/rfp-pipeline/pkg/anthropic"
)

// Screened pairs an opportunity with its Stage A outcome. Err is set
// when the call failed after retries; Outcome is set otherwise.
type Screened struct {
	Opportunity model.Opportunity
	Outcome     *model.ScreeningOutcome
	Err         error
}

// Screener runs the cheap first-pass relevance screen across a batch of
// notices. All workers share one rate limiter and one circuit breaker.
type Screener struct {
	client    anthropic.Client
	caller    *resilience.Caller
	company   config.CompanyConfig
	modelName string
	maxTokens int64
	workers   int
}

// NewScreener builds a Screener from stage config.
func NewScreener(client anthropic.Client, company config.CompanyConfig, modelName string, stage config.StageConfig) *Screener {
	return &Screener{
		client: client,
		caller: resilience.NewCaller(resilience.CallerConfig{
			Dependency:        "anthropic-screen",
			RequestsPerMinute: stage.RequestsPerMinute,
			Burst:             stage.Workers,
			Timeout:           stage.Timeout(),
			Retry: resilience.RetryConfig{
				MaxAttempts: stage.MaxRetries,
			},
			Breaker: resilience.CircuitBreakerConfig{
				FailureThreshold: stage.BreakerThreshold,
				Cooldown:         stage.BreakerCooldown(),
			},
		}),
		company:   company,
		modelName: modelName,
		maxTokens: int64(stage.MaxTokens),
		workers:   stage.Workers,
	}
}

// Breaker exposes the stage's circuit breaker for health reporting.
func (s *Screener) Breaker() *resilience.CircuitBreaker { return s.caller.Breaker() }

// Screen scores every opportunity concurrently and returns one Screened
// per input, in input order. The pass threshold adapts to batch volume.
// Individual failures (including open-breaker short circuits) land in
// Screened.Err; the batch itself never fails.
func (s *Screener) Screen(ctx context.Context, opps []model.Opportunity, mode model.RunMode) []Screened {
	threshold := ScreenThreshold(mode, len(opps))
	results := make([]Screened, len(opps))

	zap.L().Info("screening batch",
		zap.Int("items", len(opps)),
		zap.Int("threshold", threshold),
		zap.Int("workers", s.workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range opps {
		g.Go(func() error {
			results[i] = s.screenOne(gctx, opps[i], threshold)
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	return results
}

func (s *Screener) screenOne(ctx context.Context, opp model.Opportunity, threshold int) Screened {
	prompt := buildScreenPrompt(s.company, &opp)

	res, err := resilience.Invoke(ctx, s.caller, func(ctx context.Context) (*ScreenResult, error) {
		resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     s.modelName,
			MaxTokens: s.maxTokens,
			System:    screenSystemPrompt,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(s.modelName, "screen")
		return parseScreenResult(resp.Text)
	})
	if err != nil {
		zap.L().Warn("screen failed",
			zap.String("notice_id", opp.NoticeID),
			zap.String("error_kind", string(resilience.ClassifyError(err))),
			zap.Error(err),
		)
		return Screened{Opportunity: opp, Err: err}
	}

	return Screened{
		Opportunity: opp,
		Outcome: &model.ScreeningOutcome{
			NoticeID:  opp.NoticeID,
			Stage:     model.StageScreen,
			Score:     res.Score,
			Passed:    res.Score >= threshold,
			Rationale: res.Rationale,
			Model:     s.modelName,
			Timestamp: time.Now().UTC(),
		},
	}
}
