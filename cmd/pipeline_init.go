package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/carryover"
	"github.com/sells-group/rfp-pipeline/internal/dedupe"
	"github.com/sells-group/rfp-pipeline/internal/lifecycle"
	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/orchestrator"
	"github.com/sells-group/rfp-pipeline/internal/qualify"
	"github.com/sells-group/rfp-pipeline/internal/sink"
	"github.com/sells-group/rfp-pipeline/internal/store"
	anthropicpkg "github.com/sells-group/rfp-pipeline/pkg/anthropic"
	"github.com/sells-group/rfp-pipeline/pkg/notion"
	"github.com/sells-group/rfp-pipeline/pkg/sam"
	"github.com/sells-group/rfp-pipeline/pkg/slack"
)

// pipelineEnv holds the initialized store, clients, and orchestrator
// shared by the run/daemon/lifecycle commands.
type pipelineEnv struct {
	Store     store.Store
	Sink      sink.Sink
	Orch      *orchestrator.Orchestrator
	Lifecycle *lifecycle.Tracker
	Carryover *carryover.Queue
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite", "":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initPipeline wires the full pipeline. Callers should defer
// env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	samClient := sam.NewClient(cfg.SAM.Key, sam.WithBaseURL(cfg.SAM.BaseURL))
	source := sam.NewSource(samClient, sam.SourceConfig{
		PageSize: cfg.SAM.PageSize,
		Timeout:  time.Duration(cfg.SAM.TimeoutSecs) * time.Second,
	})

	notionSink := notion.NewSink(notion.NewClient(cfg.Notion.Token), map[model.Destination]string{
		model.DestQualified: cfg.Notion.QualifiedDB,
		model.DestMaybe:     cfg.Notion.MaybeDB,
		model.DestAudit:     cfg.Notion.AuditDB,
		model.DestExpired:   cfg.Notion.ExpiredDB,
		model.DestCompleted: cfg.Notion.CompletedDB,
	})

	notifier := slack.New(cfg.Slack.WebhookURL)
	if cfg.Slack.WebhookURL == "" {
		zap.L().Debug("RFP_SLACK_WEBHOOK_URL not set, notifications disabled")
	}

	queue, err := carryover.Open(cfg.Carryover.Path)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key)
	engine := dedupe.New(notionSink, dedupe.Options{
		CacheTTL:       cfg.Dedup.CacheTTL(),
		CacheCapacity:  cfg.Dedup.CacheCapacity,
		FuzzyThreshold: cfg.Dedup.FuzzyThreshold,
		FuzzyWindow:    cfg.Dedup.FuzzyWindow,
		FuzzyPolicy:    dedupe.FuzzyPolicy(cfg.Dedup.FuzzyPolicy),
	})

	orch := orchestrator.New(orchestrator.Deps{
		Store:     st,
		Source:    source,
		Sink:      notionSink,
		Notifier:  notifier,
		Dedupe:    engine,
		Screener:  qualify.NewScreener(llm, cfg.Company, cfg.Anthropic.ScreenModel, cfg.Screen),
		Analyst:   qualify.NewAnalyst(llm, cfg.Company, cfg.Anthropic.DeepModel, cfg.Analyze),
		Carryover: queue,
		Config:    cfg,
	})

	tracker := lifecycle.NewTracker(notionSink,
		time.Duration(cfg.Lifecycle.ExpiringWindowDays)*24*time.Hour)

	return &pipelineEnv{
		Store:     st,
		Sink:      notionSink,
		Orch:      orch,
		Lifecycle: tracker,
		Carryover: queue,
	}, nil
}
