package strategy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStrategy lets tests script detection scores and scrape results.
type fakeStrategy struct {
	name     string
	score    float64
	sampled  float64 // score returned when a sample is supplied
	page     *Page
	err      error
	execs    atomic.Int32
	failFor  string
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Detect(_ context.Context, _ string, sample []byte) float64 {
	if len(sample) > 0 && f.sampled > 0 {
		return f.sampled
	}
	return f.score
}

func (f *fakeStrategy) Execute(_ context.Context, url string) (*Page, error) {
	f.execs.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.failFor != "" && url == f.failFor {
		return nil, eris.Errorf("fake: refused %s", url)
	}
	if f.page != nil {
		p := *f.page
		p.URL = url
		return &p, nil
	}
	return &Page{URL: url, Content: strings.Repeat("x", 600), Strategy: f.name, StatusCode: 200}, nil
}

func newTestSelector(t *testing.T, static, dynamic, spa Strategy, opts ...SelectorOption) *Selector {
	t.Helper()
	// Disable network sampling unless the test supplies its own.
	opts = append([]SelectorOption{WithSampleFunc(nil)}, opts...)
	return NewSelector(static, dynamic, spa, zap.NewNop(), opts...)
}

func TestSelectorForcedOverride(t *testing.T) {
	sel := newTestSelector(t,
		&fakeStrategy{name: NameStatic, score: 0.9},
		&fakeStrategy{name: NameDynamic, score: 0.1},
		&fakeStrategy{name: NameSPA, score: 0.1},
		WithForcedStrategy(NameDynamic),
	)

	d := sel.Select(context.Background(), "https://example.com", "")
	assert.Equal(t, NameDynamic, d.Strategy)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, "forced override", d.Reason)
}

func TestSelectorTechnologyHint(t *testing.T) {
	sel := newTestSelector(t,
		&fakeStrategy{name: NameStatic, score: 0.1},
		&fakeStrategy{name: NameDynamic, score: 0.9},
		&fakeStrategy{name: NameSPA, score: 0.1},
	)

	d := sel.Select(context.Background(), "https://example.com", "WordPress")
	assert.Equal(t, NameStatic, d.Strategy)
	assert.Equal(t, 0.95, d.Confidence)
}

func TestSelectorCachesDecisions(t *testing.T) {
	static := &fakeStrategy{name: NameStatic, score: 0.8}
	sel := newTestSelector(t,
		static,
		&fakeStrategy{name: NameDynamic, score: 0.2},
		&fakeStrategy{name: NameSPA, score: 0.1},
	)

	first := sel.Select(context.Background(), "https://example.com", "")
	assert.Equal(t, NameStatic, first.Strategy)
	assert.Equal(t, "detection scoring", first.Reason)

	second := sel.Select(context.Background(), "https://example.com", "")
	assert.Equal(t, NameStatic, second.Strategy)
	assert.Equal(t, "cached decision", second.Reason)
	assert.Equal(t, 1.0, second.Confidence)
}

func TestSelectorSamplesWhenInconclusive(t *testing.T) {
	var sampleCalls atomic.Int32
	sel := NewSelector(
		&fakeStrategy{name: NameStatic, score: 0.2, sampled: 0.3},
		&fakeStrategy{name: NameDynamic, score: 0.3, sampled: 0.9},
		&fakeStrategy{name: NameSPA, score: 0.1, sampled: 0.2},
		zap.NewNop(),
		WithSampleFunc(func(_ context.Context, _ string) ([]byte, error) {
			sampleCalls.Add(1)
			return []byte(`<div id="root"></div>`), nil
		}),
	)

	d := sel.Select(context.Background(), "https://example.com", "")
	assert.Equal(t, int32(1), sampleCalls.Load())
	assert.Equal(t, NameDynamic, d.Strategy)
	assert.Equal(t, "detection with content sample", d.Reason)
	assert.InDelta(t, 0.9, d.Confidence, 0.001)
}

func TestScrapeReturnsStrategyError(t *testing.T) {
	sel := newTestSelector(t,
		&fakeStrategy{name: NameStatic, score: 0.9, err: eris.New("upstream down")},
		&fakeStrategy{name: NameDynamic, score: 0.1},
		&fakeStrategy{name: NameSPA, score: 0.1},
	)

	page, err := sel.Scrape(context.Background(), "https://example.com", "")
	require.Error(t, err)
	assert.Nil(t, page)
	assert.Contains(t, err.Error(), "upstream down")
}

func TestHybridEscalationRewritesCache(t *testing.T) {
	static := &fakeStrategy{
		name: NameStatic, score: 0.5,
		page: &Page{Content: "loading...", StatusCode: 200, Strategy: NameStatic},
	}
	dynamic := &fakeStrategy{name: NameDynamic, score: 0.3}
	sel := newTestSelector(t, static, dynamic,
		&fakeStrategy{name: NameSPA, score: 0.1},
		WithForcedStrategy(NameHybrid),
	)

	page, err := sel.Scrape(context.Background(), "https://example.com/app", "")
	require.NoError(t, err)
	assert.Equal(t, NameHybrid, page.Strategy)
	assert.Equal(t, int32(1), dynamic.execs.Load(), "escalation renders exactly once")

	cached, ok := sel.CachedDecision("https://example.com/app")
	require.True(t, ok)
	assert.Equal(t, NameDynamic, cached.Strategy, "next visit goes straight to the browser")
}

func TestScrapeBulkIsolatesFailures(t *testing.T) {
	static := &fakeStrategy{name: NameStatic, score: 0.9, failFor: "https://example.com/p2"}
	sel := newTestSelector(t, static,
		&fakeStrategy{name: NameDynamic, score: 0.1},
		&fakeStrategy{name: NameSPA, score: 0.1},
		WithForcedStrategy(NameStatic),
	)

	urls := make([]string, 0, 5)
	for i := range 5 {
		urls = append(urls, fmt.Sprintf("https://example.com/p%d", i))
	}

	result := sel.ScrapeBulk(context.Background(), urls, 2)
	assert.Len(t, result.Successful, 4)
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed["https://example.com/p2"], "refused")
	assert.NotEmpty(t, result.Metrics)
}

// scriptedStrategy delegates Execute to the test body.
type scriptedStrategy struct {
	name    string
	execute func(url string) (*Page, error)
}

func (s *scriptedStrategy) Name() string { return s.name }

func (s *scriptedStrategy) Detect(context.Context, string, []byte) float64 { return 0.5 }

func (s *scriptedStrategy) Execute(_ context.Context, url string) (*Page, error) {
	return s.execute(url)
}

func TestScrapeBulkRunsInBatches(t *testing.T) {
	var mu sync.Mutex
	started := make(map[string]bool)
	release := make(chan struct{})
	static := &scriptedStrategy{
		name: NameStatic,
		execute: func(url string) (*Page, error) {
			mu.Lock()
			started[url] = true
			mu.Unlock()
			if url == "https://example.com/p0" {
				<-release
			}
			return &Page{URL: url, Content: "ok", Strategy: NameStatic, StatusCode: 200}, nil
		},
	}
	sel := newTestSelector(t, static,
		&fakeStrategy{name: NameDynamic, score: 0.1},
		&fakeStrategy{name: NameSPA, score: 0.1},
		WithForcedStrategy(NameStatic),
	)

	urls := make([]string, 0, 4)
	for i := range 4 {
		urls = append(urls, fmt.Sprintf("https://example.com/p%d", i))
	}
	startedURL := func(u string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			return started[u]
		}
	}

	done := make(chan *BulkResult, 1)
	go func() { done <- sel.ScrapeBulk(context.Background(), urls, 2) }()

	require.Eventually(t, startedURL("https://example.com/p1"), time.Second, 5*time.Millisecond)
	// p0 is still in flight, so the second batch must not have begun.
	assert.Never(t, startedURL("https://example.com/p2"), 100*time.Millisecond, 10*time.Millisecond,
		"second batch started before the first completed")

	close(release)
	result := <-done
	assert.Len(t, result.Successful, 4)
	assert.Empty(t, result.Failed)
}

func TestScrapeRecordsFailureTiming(t *testing.T) {
	var observed atomic.Int32
	sel := newTestSelector(t,
		&fakeStrategy{name: NameStatic, score: 0.9, err: eris.New("upstream down")},
		&fakeStrategy{name: NameDynamic, score: 0.1},
		&fakeStrategy{name: NameSPA, score: 0.1},
		WithForcedStrategy(NameStatic),
		WithPerfObserver(func(string, int64) { observed.Add(1) }),
	)

	_, err := sel.Scrape(context.Background(), "https://example.com", "")
	require.Error(t, err)

	stats := sel.Stats()
	require.Contains(t, stats, NameStatic, "failed executions still count toward timings")
	assert.Equal(t, 1, stats[NameStatic].Count)
	assert.Equal(t, int32(1), observed.Load())
}

func TestPerfTrackerRollingWindow(t *testing.T) {
	p := &perfTracker{}
	for i := range 150 {
		p.record(NameStatic, int64(i))
	}
	p.record(NameDynamic, 500)

	stats := p.stats()
	require.Contains(t, stats, NameStatic)
	require.Contains(t, stats, NameDynamic)
	assert.Equal(t, perfWindow, stats[NameStatic].Count+stats[NameDynamic].Count)
	assert.Equal(t, int64(149), stats[NameStatic].MaxMs)
	assert.Equal(t, int64(500), stats[NameDynamic].AvgMs)
}

func TestTechMapLookupCaseInsensitive(t *testing.T) {
	m := DefaultTechMap()

	mapping, ok := m.Lookup("  WordPress ")
	require.True(t, ok)
	assert.Equal(t, NameStatic, mapping.Strategy)

	_, ok = m.Lookup("cobol")
	assert.False(t, ok)
}

func TestLoadTechMapOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "techmap.yaml")
	doc := `
wordpress:
  strategy: dynamic
  reason: customer sites hide content behind scripts
  requires_browser: true
gatsby:
  strategy: static
  reason: fully pre-rendered
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	m, err := LoadTechMap(path)
	require.NoError(t, err)

	wp, ok := m.Lookup("wordpress")
	require.True(t, ok)
	assert.Equal(t, NameDynamic, wp.Strategy)
	assert.True(t, wp.RequiresBrowser)

	gatsby, ok := m.Lookup("gatsby")
	require.True(t, ok)
	assert.Equal(t, NameStatic, gatsby.Strategy)

	// Defaults not overridden survive the merge.
	_, ok = m.Lookup("react")
	assert.True(t, ok)
}

func TestLoadTechMapMissingFile(t *testing.T) {
	_, err := LoadTechMap("/nonexistent/techmap.yaml")
	require.Error(t, err)
}
