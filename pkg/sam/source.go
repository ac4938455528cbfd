package sam

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/resilience"
)

// descriptionWorkers bounds concurrent description fetches. SAM.gov
// throttles well below the classifier stages, so this stays small.
const descriptionWorkers = 8

// SourceConfig configures the discovery source adapter.
type SourceConfig struct {
	PageSize          int
	RequestsPerMinute float64
	Timeout           time.Duration
	MaxRetries        int
}

// Source adapts the SAM.gov client into the pipeline's opportunity
// source. Repeated fetches of the same window return the same notices;
// downstream dedup makes the overlap harmless.
type Source struct {
	client   Client
	caller   *resilience.Caller
	pageSize int
}

// NewSource builds a Source over a SAM.gov client.
func NewSource(client Client, cfg SourceConfig) *Source {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Source{
		client: client,
		caller: resilience.NewCaller(resilience.CallerConfig{
			Dependency:        "sam",
			RequestsPerMinute: cfg.RequestsPerMinute,
			Burst:             descriptionWorkers,
			Timeout:           cfg.Timeout,
			Retry: resilience.RetryConfig{
				MaxAttempts: cfg.MaxRetries,
			},
			Breaker: resilience.CircuitBreakerConfig{},
		}),
		pageSize: pageSize,
	}
}

// Fetch pulls every notice posted in the run's date window that matches
// its keyword and NAICS filters, then resolves description text. The
// volume cap is applied by the orchestrator, not here: carryover needs
// to see everything that was found.
func (s *Source) Fetch(ctx context.Context, cfg model.RunConfig) ([]model.Opportunity, error) {
	keywords := cfg.Keywords
	if len(keywords) == 0 {
		keywords = []string{""}
	}
	naics := cfg.NAICSCodes
	if len(naics) == 0 {
		naics = []string{""}
	}

	// One search per keyword x NAICS combination; duplicates across
	// combinations collapse on notice ID.
	byID := make(map[string]Notice)
	var order []string
	for _, kw := range keywords {
		for _, code := range naics {
			notices, err := s.searchAll(ctx, cfg, kw, code)
			if err != nil {
				return nil, err
			}
			for _, n := range notices {
				if _, ok := byID[n.NoticeID]; ok {
					continue
				}
				byID[n.NoticeID] = n
				order = append(order, n.NoticeID)
			}
		}
	}

	zap.L().Info("sam fetch complete",
		zap.Int("notices", len(order)),
		zap.Time("posted_from", cfg.PostedFrom),
		zap.Time("posted_to", cfg.PostedTo),
	)

	opps := make([]model.Opportunity, len(order))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(descriptionWorkers)
	for i, id := range order {
		notice := byID[id]
		g.Go(func() error {
			opp, err := s.toOpportunity(gctx, notice)
			if err != nil {
				return err
			}
			opps[i] = opp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return opps, nil
}

// searchAll pages through one keyword/NAICS combination.
func (s *Source) searchAll(ctx context.Context, cfg model.RunConfig, keyword, naicsCode string) ([]Notice, error) {
	var all []Notice
	offset := 0
	for {
		req := SearchRequest{
			PostedFrom: cfg.PostedFrom,
			PostedTo:   cfg.PostedTo,
			Keyword:    keyword,
			NAICSCode:  naicsCode,
			Limit:      s.pageSize,
			Offset:     offset,
		}

		resp, err := resilience.Invoke(ctx, s.caller, func(ctx context.Context) (*SearchResponse, error) {
			return s.client.Search(ctx, req)
		})
		if err != nil {
			return nil, eris.Wrapf(err, "sam: search page at offset %d", offset)
		}

		all = append(all, resp.Notices...)
		offset += len(resp.Notices)
		if len(resp.Notices) == 0 || offset >= resp.TotalRecords {
			return all, nil
		}
	}
}

// toOpportunity converts a notice, resolving its description text. A
// failed description fetch degrades to an empty description instead of
// dropping the notice.
func (s *Source) toOpportunity(ctx context.Context, n Notice) (model.Opportunity, error) {
	opp := model.Opportunity{
		NoticeID:  n.NoticeID,
		Title:     n.Title,
		Agency:    n.FullParentPathName,
		NAICSCode: n.NAICSCode,
		PSCCode:   n.ClassificationCode,
		Type:      n.Type,
		Link:      n.UILink,
	}

	if t, err := time.Parse("2006-01-02", n.PostedDate); err == nil {
		opp.PostedAt = t
	}
	if n.ResponseDeadLine != "" {
		if t, err := parseDeadline(n.ResponseDeadLine); err == nil {
			opp.Deadline = &t
		}
	}

	if n.Description != "" {
		desc, err := resilience.Invoke(ctx, s.caller, func(ctx context.Context) (string, error) {
			return s.client.Description(ctx, n.Description)
		})
		if err != nil {
			zap.L().Warn("description fetch failed",
				zap.String("notice_id", n.NoticeID),
				zap.Error(err),
			)
		} else {
			opp.Description = desc
		}
	}

	return opp, nil
}

// parseDeadline handles the timestamp and date-only formats SAM.gov
// uses for response deadlines.
func parseDeadline(s string) (time.Time, error) {
	for _, layout := range []string{
		"2006-01-02T15:04:05-07:00",
		"2006-01-02T15:04:05Z",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, eris.Errorf("sam: unparseable deadline %q", s)
}
