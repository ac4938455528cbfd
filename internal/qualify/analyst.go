package qualify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rfp-pipeline/internal/config"
	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/resilience"
	"github.com/sells-group/rfp-pipeline/pkg/anthropic"
)

// Analyst runs the deep second-pass evaluation of notices that cleared
// the screen. It is configured independently of the Screener: fewer
// workers, a bigger model, longer timeouts.
type Analyst struct {
	client    anthropic.Client
	caller    *resilience.Caller
	company   config.CompanyConfig
	modelName string
	maxTokens int64
	workers   int
}

// NewAnalyst builds an Analyst from stage config.
func NewAnalyst(client anthropic.Client, company config.CompanyConfig, modelName string, stage config.StageConfig) *Analyst {
	return &Analyst{
		client: client,
		caller: resilience.NewCaller(resilience.CallerConfig{
			Dependency:        "anthropic-analyze",
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
func (a *Analyst) Breaker() *resilience.CircuitBreaker { return a.caller.Breaker() }

// Analyze evaluates each opportunity and returns the completed
// assessments in input order. An assessment is produced even on
// failure, with Error set and level rejected, so every item leaves an
// audit trail. The one exception is cancellation: items whose call was
// cut short because ctx was cancelled come back untouched in the second
// return value so the caller can re-queue them. If each is non-nil it
// is called as results complete, from worker goroutines; it must be
// safe for concurrent use.
func (a *Analyst) Analyze(ctx context.Context, runID string, opps []model.Opportunity, each func(*model.Assessment, *model.Opportunity)) ([]*model.Assessment, []model.Opportunity) {
	results := make([]*model.Assessment, len(opps))

	zap.L().Info("analyzing batch",
		zap.Int("items", len(opps)),
		zap.Int("workers", a.workers),
	)

	var mu sync.Mutex
	var unfinished []model.Opportunity

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i := range opps {
		g.Go(func() error {
			asmt, err := a.analyzeOne(gctx, runID, opps[i])
			if err != nil {
				mu.Lock()
				unfinished = append(unfinished, opps[i])
				mu.Unlock()
				return nil
			}
			results[i] = asmt
			if each != nil {
				each(asmt, &opps[i])
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	assessments := make([]*model.Assessment, 0, len(results))
	for _, r := range results {
		if r != nil {
			assessments = append(assessments, r)
		}
	}
	return assessments, unfinished
}

// analyzeOne returns a non-nil error only when the call was cancelled;
// every other failure is folded into the assessment itself.
func (a *Analyst) analyzeOne(ctx context.Context, runID string, opp model.Opportunity) (*model.Assessment, error) {
	prompt := buildDeepPrompt(a.company, &opp)

	res, err := resilience.Invoke(ctx, a.caller, func(ctx context.Context) (*DeepResult, error) {
		resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     a.modelName,
			MaxTokens: a.maxTokens,
			System:    deepSystemPrompt,
			Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
		})
		if err != nil {
			return nil, err
		}
		resp.Usage.LogCost(a.modelName, "analyze")
		return parseDeepResult(resp.Text)
	})

	asmt := &model.Assessment{
		ID:        uuid.NewString(),
		NoticeID:  opp.NoticeID,
		RunID:     runID,
		Model:     a.modelName,
		CreatedAt: time.Now().UTC(),
	}

	if err != nil {
		if resilience.IsCancellation(err) {
			return nil, err
		}
		zap.L().Warn("analysis failed",
			zap.String("notice_id", opp.NoticeID),
			zap.String("error_kind", string(resilience.ClassifyError(err))),
			zap.Error(err),
		)
		asmt.Level = model.LevelRejected
		asmt.Error = eris.ToString(err, false)
		return asmt, nil
	}

	asmt.Level = model.LevelForScore(res.Score)
	asmt.Score = res.Score
	asmt.Justification = res.Justification
	asmt.KeyRequirements = res.KeyRequirements
	asmt.Advantages = res.Advantages
	asmt.SuggestedApproach = res.SuggestedApproach
	return asmt, nil
}
