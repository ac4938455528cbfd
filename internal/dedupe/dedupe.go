package dedupe

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/rfp-pipeline/internal/model"
	"github.com/sells-group/rfp-pipeline/internal/sink"
)

// MatchKind distinguishes how a duplicate was detected. Fuzzy matches
// carry false-positive risk and are logged distinctly.
type MatchKind string

const (
	MatchNone  MatchKind = ""
	MatchExact MatchKind = "exact"
	MatchFuzzy MatchKind = "fuzzy"
)

// FuzzyPolicy controls what a fuzzy-title match does.
type FuzzyPolicy string

const (
	// PolicyFlag logs the near-duplicate but lets the item through.
	PolicyFlag FuzzyPolicy = "flag"
	// PolicySuppress treats the near-duplicate as a duplicate.
	PolicySuppress FuzzyPolicy = "suppress"
)

// Options configures the engine.
type Options struct {
	CacheTTL       time.Duration
	CacheCapacity  int
	FuzzyThreshold float64
	FuzzyWindow    int
	FuzzyPolicy    FuzzyPolicy
}

// Engine answers "have we processed this opportunity before?". Exact
// identity goes through the TTL cache and falls back to the sink's
// durable audit trail; a small recent-window title index catches
// near-duplicates lacking a stable identifier.
type Engine struct {
	sink sink.Sink
	opts Options

	cache *ttlCache

	mu     sync.Mutex
	recent []recentTitle // ring buffer of normalized recent titles
	next   int
}

type recentTitle struct {
	noticeID string
	words    map[string]struct{}
}

// New creates an engine backed by the given sink.
func New(s sink.Sink, opts Options) *Engine {
	if opts.FuzzyThreshold <= 0 {
		opts.FuzzyThreshold = 0.9
	}
	if opts.FuzzyWindow <= 0 {
		opts.FuzzyWindow = 500
	}
	if opts.FuzzyPolicy == "" {
		opts.FuzzyPolicy = PolicyFlag
	}
	return &Engine{
		sink:   s,
		opts:   opts,
		cache:  newTTLCache(opts.CacheTTL, opts.CacheCapacity),
		recent: make([]recentTitle, 0, opts.FuzzyWindow),
	}
}

// IsDuplicate reports whether the opportunity was already processed.
// The cache is consulted first; on miss the sink audit destination is
// queried and the cache populated. Returns the match kind for logging.
func (e *Engine) IsDuplicate(ctx context.Context, opp *model.Opportunity) (bool, MatchKind, error) {
	if e.cache.Contains(opp.NoticeID) {
		return true, MatchExact, nil
	}

	exists, err := e.sink.Exists(ctx, opp.NoticeID, model.DestAudit)
	if err != nil {
		return false, MatchNone, eris.Wrapf(err, "dedupe: exists %s", opp.NoticeID)
	}
	if exists {
		e.cache.Add(opp.NoticeID)
		return true, MatchExact, nil
	}

	if id, sim, ok := e.fuzzyMatch(opp); ok {
		zap.L().Warn("near-duplicate title detected",
			zap.String("notice_id", opp.NoticeID),
			zap.String("matches_notice_id", id),
			zap.Float64("similarity", sim),
			zap.String("policy", string(e.opts.FuzzyPolicy)),
		)
		if e.opts.FuzzyPolicy == PolicySuppress {
			return true, MatchFuzzy, nil
		}
	}

	return false, MatchNone, nil
}

// MarkProcessed records the opportunity in the cache and the recent
// title index so the same run never processes it twice.
func (e *Engine) MarkProcessed(opp *model.Opportunity) {
	e.cache.Add(opp.NoticeID)

	words := titleWords(opp.Title)
	if len(words) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	entry := recentTitle{noticeID: opp.NoticeID, words: words}
	if len(e.recent) < e.opts.FuzzyWindow {
		e.recent = append(e.recent, entry)
		return
	}
	e.recent[e.next] = entry
	e.next = (e.next + 1) % e.opts.FuzzyWindow
}

// fuzzyMatch scans the recent-window index for a title whose word-set
// Jaccard similarity meets the threshold.
func (e *Engine) fuzzyMatch(opp *model.Opportunity) (noticeID string, similarity float64, ok bool) {
	words := titleWords(opp.Title)
	if len(words) == 0 {
		return "", 0, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.recent {
		if r.noticeID == opp.NoticeID {
			continue
		}
		sim := jaccard(words, r.words)
		if sim >= e.opts.FuzzyThreshold {
			return r.noticeID, sim, true
		}
	}
	return "", 0, false
}

var nonWord = regexp.MustCompile(`[^a-z0-9 ]+`)

// titleWords normalizes a title (NFKC fold, lowercase, punctuation
// stripped) into its word set.
func titleWords(title string) map[string]struct{} {
	t := norm.NFKC.String(title)
	t = strings.ToLower(strings.TrimSpace(t))
	t = nonWord.ReplaceAllString(t, " ")

	words := make(map[string]struct{})
	for _, w := range strings.Fields(t) {
		words[w] = struct{}{}
	}
	return words
}

// jaccard computes |a∩b| / |a∪b| on word sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
