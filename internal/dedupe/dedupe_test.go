package dedupe

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// fakeSink records writes and answers existence queries from them.
type fakeSink struct {
	mu      sync.Mutex
	written map[string]bool
	queries int
}

func newFakeSink() *fakeSink {
	return &fakeSink{written: make(map[string]bool)}
}

func (f *fakeSink) Exists(_ context.Context, noticeID string, _ model.Destination) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	return f.written[noticeID], nil
}

func (f *fakeSink) Write(_ context.Context, a *model.Assessment, _ *model.Opportunity, _ model.Destination) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written[a.NoticeID] = true
	return nil
}

func (f *fakeSink) Archive(_ context.Context, _ string, _, _ model.Destination) error {
	return nil
}

func (f *fakeSink) ListTracked(_ context.Context, _ model.Destination) ([]model.TrackedOpportunity, error) {
	return nil, nil
}

func opp(id, title string) *model.Opportunity {
	return &model.Opportunity{NoticeID: id, Title: title}
}

func TestIsDuplicate_CacheHitSkipsSink(t *testing.T) {
	s := newFakeSink()
	e := New(s, Options{CacheTTL: 30 * time.Minute})

	e.MarkProcessed(opp("n1", "Data platform modernization"))

	dup, kind, err := e.IsDuplicate(context.Background(), opp("n1", "Data platform modernization"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, MatchExact, kind)
	assert.Equal(t, 0, s.queries, "cache hit must not query the sink")
}

func TestIsDuplicate_SinkFallbackPopulatesCache(t *testing.T) {
	s := newFakeSink()
	s.written["n2"] = true
	e := New(s, Options{CacheTTL: 30 * time.Minute})

	dup, kind, err := e.IsDuplicate(context.Background(), opp("n2", "Cloud migration"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, MatchExact, kind)
	assert.Equal(t, 1, s.queries)

	// Second lookup served from cache.
	dup, _, err = e.IsDuplicate(context.Background(), opp("n2", "Cloud migration"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, 1, s.queries)
}

func TestIsDuplicate_NewItem(t *testing.T) {
	e := New(newFakeSink(), Options{CacheTTL: time.Minute})
	dup, kind, err := e.IsDuplicate(context.Background(), opp("n3", "Fresh notice"))
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, MatchNone, kind)
}

func TestFuzzy_FlagPolicyLetsItemThrough(t *testing.T) {
	e := New(newFakeSink(), Options{CacheTTL: time.Minute, FuzzyThreshold: 0.9, FuzzyPolicy: PolicyFlag})
	e.MarkProcessed(opp("n1", "Enterprise Data Analytics Platform Support Services"))

	dup, _, err := e.IsDuplicate(context.Background(), opp("n2", "Enterprise Data Analytics Platform Support Services"))
	require.NoError(t, err)
	assert.False(t, dup, "flag policy must not suppress")
}

func TestFuzzy_SuppressPolicy(t *testing.T) {
	e := New(newFakeSink(), Options{CacheTTL: time.Minute, FuzzyThreshold: 0.9, FuzzyPolicy: PolicySuppress})
	e.MarkProcessed(opp("n1", "Enterprise Data Analytics Platform Support Services"))

	// Identical words in different case and punctuation.
	dup, kind, err := e.IsDuplicate(context.Background(), opp("n2", "Enterprise Data Analytics Platform — Support Services!"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, MatchFuzzy, kind)

	// Unrelated title passes.
	dup, _, err = e.IsDuplicate(context.Background(), opp("n3", "Grounds maintenance and landscaping"))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestJaccard(t *testing.T) {
	a := titleWords("alpha beta gamma")
	b := titleWords("alpha beta delta")
	assert.InDelta(t, 0.5, jaccard(a, b), 1e-9)
	assert.Equal(t, 1.0, jaccard(a, a))
	assert.Equal(t, 0.0, jaccard(a, titleWords("")))
}

func TestTTLCache_Expiry(t *testing.T) {
	c := newTTLCache(10*time.Minute, 100)
	now := time.Now()
	c.nowFunc = func() time.Time { return now }

	c.Add("k")
	assert.True(t, c.Contains("k"))

	now = now.Add(11 * time.Minute)
	assert.False(t, c.Contains("k"), "expired entry must miss")
	assert.Equal(t, 0, c.Len(), "expired entry is removed on lookup")
}

func TestTTLCache_LRUEviction(t *testing.T) {
	c := newTTLCache(time.Hour, 3)
	c.Add("a")
	c.Add("b")
	c.Add("c")
	// Touch "a" so "b" becomes the eviction candidate.
	assert.True(t, c.Contains("a"))
	c.Add("d")

	assert.True(t, c.Contains("a"))
	assert.False(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
	assert.True(t, c.Contains("d"))
	assert.Equal(t, 3, c.Len())
}

func TestTTLCache_Concurrent(t *testing.T) {
	c := newTTLCache(time.Minute, 1000)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%26))
			c.Add(key)
			c.Contains(key)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 26)
}
