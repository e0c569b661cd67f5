package strategy

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// detectionThreshold is the minimum confidence a parallel detection
// pass must reach before its winner is trusted without a deeper look.
const detectionThreshold = 0.6

const sampleLimit = 64 * 1024

// SampleFunc fetches a small HTML sample used to rescore strategies
// when the first detection pass is inconclusive.
type SampleFunc func(ctx context.Context, url string) ([]byte, error)

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithForcedStrategy pins every selection to one strategy name. Used
// for debugging and for operator overrides.
func WithForcedStrategy(name string) SelectorOption {
	return func(s *Selector) { s.forced = name }
}

// WithTechMap replaces the built-in technology table.
func WithTechMap(m TechMap) SelectorOption {
	return func(s *Selector) { s.techMap = m }
}

// WithSampleFunc replaces the default HTTP sampler.
func WithSampleFunc(fn SampleFunc) SelectorOption {
	return func(s *Selector) { s.sample = fn }
}

// WithPerfObserver registers a callback invoked with every recorded
// scrape duration, in addition to the internal rolling window.
func WithPerfObserver(fn func(strategy string, durationMs int64)) SelectorOption {
	return func(s *Selector) { s.observe = fn }
}

// Selector picks the scraping strategy for each URL. Selection runs a
// waterfall: forced override, technology hint table, decision cache,
// then parallel detection scoring with an optional deeper
// fetch-and-rescore pass. Decisions are cached per URL.
type Selector struct {
	mu         sync.Mutex
	strategies map[string]Strategy
	cache      map[string]Decision
	techMap    TechMap
	forced     string
	sample     SampleFunc
	observe    func(strategy string, durationMs int64)
	perf       *perfTracker
	logger     *zap.Logger
}

// BulkResult aggregates one ScrapeBulk run.
type BulkResult struct {
	Successful []*Page                     `json:"successful"`
	Failed     map[string]string           `json:"failed"`
	Metrics    map[string]PerformanceStats `json:"metrics"`
}

// NewSelector builds a selector over the given base strategies. The
// hybrid strategy is assembled here so its escalations can rewrite the
// decision cache: once a URL needed rendering, it goes straight to the
// browser next time.
func NewSelector(static, dynamic, spa Strategy, logger *zap.Logger, opts ...SelectorOption) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Selector{
		strategies: make(map[string]Strategy),
		cache:      make(map[string]Decision),
		techMap:    DefaultTechMap(),
		sample:     fetchSample,
		perf:       &perfTracker{},
		logger:     logger,
	}
	for _, o := range opts {
		o(s)
	}

	hybrid := NewHybrid(static, dynamic, WithEscalationHook(func(url string) {
		s.mu.Lock()
		s.cache[url] = Decision{
			Strategy:   NameDynamic,
			Reason:     "static content insufficient, escalated to browser",
			Confidence: 1.0,
		}
		s.mu.Unlock()
		s.logger.Debug("strategy: cached escalation", zap.String("url", url))
	}))

	s.strategies[NameStatic] = static
	s.strategies[NameDynamic] = dynamic
	s.strategies[NameSPA] = spa
	s.strategies[NameHybrid] = hybrid
	return s
}

// Select decides which strategy to use for a URL. technology is an
// optional fingerprint hint such as "wordpress" or "react/next.js".
func (s *Selector) Select(ctx context.Context, url, technology string) Decision {
	if s.forced != "" {
		if _, ok := s.strategies[s.forced]; ok {
			return Decision{Strategy: s.forced, Reason: "forced override", Confidence: 1.0}
		}
		s.logger.Warn("strategy: unknown forced strategy, ignoring", zap.String("forced", s.forced))
	}

	if technology != "" {
		if mapping, ok := s.techMap.Lookup(technology); ok {
			d := Decision{
				Strategy:   mapping.Strategy,
				Reason:     mapping.Reason,
				Confidence: 0.95,
			}
			s.cacheDecision(url, d)
			return d
		}
	}

	s.mu.Lock()
	cached, ok := s.cache[url]
	s.mu.Unlock()
	if ok {
		cached.Confidence = 1.0
		cached.Reason = "cached decision"
		return cached
	}

	d := s.detect(ctx, url, nil)
	if d.Confidence < detectionThreshold && s.sample != nil {
		sample, err := s.sample(ctx, url)
		if err != nil {
			s.logger.Debug("strategy: sample fetch failed",
				zap.String("url", url), zap.Error(err))
		} else {
			d = s.detect(ctx, url, sample)
			d.Reason = "detection with content sample"
		}
	}
	s.cacheDecision(url, d)
	return d
}

// detect scores every strategy concurrently and returns the winner.
func (s *Selector) detect(ctx context.Context, url string, sample []byte) Decision {
	type score struct {
		name       string
		confidence float64
	}

	var wg sync.WaitGroup
	results := make(chan score, len(s.strategies))
	for name, strat := range s.strategies {
		wg.Add(1)
		go func(name string, strat Strategy) {
			defer wg.Done()
			results <- score{name: name, confidence: strat.Detect(ctx, url, sample)}
		}(name, strat)
	}
	wg.Wait()
	close(results)

	best := Decision{Strategy: NameStatic, Reason: "detection scoring", Confidence: 0}
	for r := range results {
		if r.confidence > best.Confidence {
			best.Strategy = r.name
			best.Confidence = r.confidence
		}
	}
	return best
}

func (s *Selector) cacheDecision(url string, d Decision) {
	s.mu.Lock()
	s.cache[url] = d
	s.mu.Unlock()
}

// CachedDecision reports the cached decision for a URL, if any.
func (s *Selector) CachedDecision(url string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.cache[url]
	return d, ok
}

// Scrape selects a strategy for the URL and executes it. A failed
// scrape returns the error as-is; there is no silent fallback, since
// the failure itself is signal the caller needs.
func (s *Selector) Scrape(ctx context.Context, url, technology string) (*Page, error) {
	decision := s.Select(ctx, url, technology)
	strat, ok := s.strategies[decision.Strategy]
	if !ok {
		return nil, eris.Errorf("strategy: no strategy registered for %q", decision.Strategy)
	}

	s.logger.Debug("strategy: scraping",
		zap.String("url", url),
		zap.String("strategy", decision.Strategy),
		zap.Float64("confidence", decision.Confidence),
		zap.String("reason", decision.Reason))

	start := time.Now()
	page, err := strat.Execute(ctx, url)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		// Failures count toward the rolling window too: a strategy that
		// times out constantly should look slow, not invisible.
		s.perf.record(decision.Strategy, elapsed)
		if s.observe != nil {
			s.observe(decision.Strategy, elapsed)
		}
		return nil, eris.Wrapf(err, "strategy: %s scrape of %s", decision.Strategy, url)
	}
	// Record under the strategy that actually ran: a hybrid scrape that
	// escalated reports itself as hybrid on the page.
	s.perf.record(page.Strategy, elapsed)
	if s.observe != nil {
		s.observe(page.Strategy, elapsed)
	}
	return page, nil
}

// ScrapeBulk scrapes the URLs in batches of concurrency: each batch
// runs fully in parallel and completes before the next one starts. One
// URL's failure never aborts the rest; context cancellation stops new
// batches but lets the in-flight one finish.
func (s *Selector) ScrapeBulk(ctx context.Context, urls []string, concurrency int) *BulkResult {
	if concurrency < 1 {
		concurrency = 1
	}
	result := &BulkResult{Failed: make(map[string]string)}

	var mu sync.Mutex
	for start := 0; start < len(urls); start += concurrency {
		if ctx.Err() != nil {
			break
		}
		end := start + concurrency
		if end > len(urls) {
			end = len(urls)
		}

		g := new(errgroup.Group)
		for _, u := range urls[start:end] {
			g.Go(func() error {
				page, err := s.Scrape(ctx, u, "")
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed[u] = err.Error()
					return nil
				}
				result.Successful = append(result.Successful, page)
				return nil
			})
		}
		_ = g.Wait()
	}

	result.Metrics = s.perf.stats()
	return result
}

// Stats reports rolling per-strategy scrape timings.
func (s *Selector) Stats() map[string]PerformanceStats {
	return s.perf.stats()
}

func fetchSample(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "strategy: build sample request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "strategy: fetch sample")
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, sampleLimit))
}
