package phases

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/dedup"
	"github.com/sells-group/domain-intel/internal/metrics"
	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/session"
	"github.com/sells-group/domain-intel/internal/strategy"
)

// maxStoredHTML caps the raw HTML persisted per page. Extraction needs
// markup, but whole sessions must stay loadable in one query.
const maxStoredHTML = 256 * 1024

// BulkScraper is the strategy-selector surface the scraping phase uses.
type BulkScraper interface {
	ScrapeBulk(ctx context.Context, urls []string, concurrency int) *strategy.BulkResult
}

// ScrapedPage is one page's persisted scrape output.
type ScrapedPage struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	HTML       string `json:"html,omitempty"`
	StatusCode int    `json:"statusCode"`
	Strategy   string `json:"strategy"`
}

// ScrapingResult is the recorded output of the scraping phase.
type ScrapingResult struct {
	Pages   []ScrapedPage                        `json:"pages"`
	Skipped []string                             `json:"skipped,omitempty"`
	Failed  map[string]string                    `json:"failed,omitempty"`
	Metrics map[string]strategy.PerformanceStats `json:"metrics,omitempty"`
}

// ScrapingConfig controls scrape parallelism.
type ScrapingConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// Scraping fetches the discovered URLs with the strategy selector,
// skipping URLs and content the deduplicator has already seen.
type Scraping struct {
	cfg      ScrapingConfig
	scraper  BulkScraper
	dedup    *dedup.Deduplicator
	progress ProgressFunc
	logger   *zap.Logger
}

// NewScraping creates the scraping executor.
func NewScraping(cfg ScrapingConfig, scraper BulkScraper, d *dedup.Deduplicator, progress ProgressFunc, logger *zap.Logger) *Scraping {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraping{cfg: cfg, scraper: scraper, dedup: d, progress: progress, logger: logger}
}

func (s *Scraping) Phase() orchestrator.Phase { return orchestrator.PhaseScraping }

func (s *Scraping) Run(ctx context.Context, sess *session.Session) (json.RawMessage, error) {
	var discovered DiscoveryResult
	if err := phaseOutput(sess, string(orchestrator.PhaseDiscovery), &discovered); err != nil {
		return nil, err
	}

	var fresh, skipped []string
	for _, u := range discovered.URLs {
		if s.dedup != nil && s.dedup.HasScrapedURL(u) {
			skipped = append(skipped, u)
			continue
		}
		fresh = append(fresh, u)
	}
	report(s.progress, sess.ID, string(s.Phase()), 0, len(fresh), "scraping discovered pages")

	bulk := s.scraper.ScrapeBulk(ctx, fresh, s.cfg.Concurrency)

	result := ScrapingResult{
		Skipped: skipped,
		Failed:  bulk.Failed,
		Metrics: bulk.Metrics,
	}
	for _, page := range bulk.Successful {
		if s.dedup != nil {
			if s.dedup.IsDuplicateContent(page.Content) {
				result.Skipped = append(result.Skipped, page.URL)
				continue
			}
			s.dedup.AddContent(page.URL, page.Content, page.Title)
		}

		html := page.HTML
		if len(html) > maxStoredHTML {
			html = html[:maxStoredHTML]
		}
		result.Pages = append(result.Pages, ScrapedPage{
			URL:        page.URL,
			Title:      page.Title,
			Content:    page.Content,
			HTML:       html,
			StatusCode: page.StatusCode,
			Strategy:   page.Strategy,
		})
		report(s.progress, sess.ID, string(s.Phase()), len(result.Pages), len(fresh), "scraped "+page.URL)
	}

	if s.dedup != nil {
		metrics.DedupEntries.Set(float64(s.dedup.Len()))
	}

	if len(result.Pages) == 0 {
		return nil, eris.Errorf("scraping: no new content from %d urls (%d skipped, %d failed)",
			len(discovered.URLs), len(result.Skipped), len(result.Failed))
	}

	s.logger.Info("scraping: complete",
		zap.String("session_id", sess.ID),
		zap.Int("pages", len(result.Pages)),
		zap.Int("skipped", len(result.Skipped)),
		zap.Int("failed", len(result.Failed)))

	raw, err := json.Marshal(result)
	return raw, eris.Wrap(err, "scraping: encode result")
}
