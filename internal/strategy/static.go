package strategy

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"
)

// StaticConfig controls the static (no script execution) strategy.
type StaticConfig struct {
	UserAgent string
	Timeout   time.Duration
	MaxBody   int
}

// Static fetches raw HTML via colly and extracts plaintext. Fast and
// free, but blind to client-side rendered content.
type Static struct {
	cfg  StaticConfig
	base *colly.Collector
}

// NewStatic creates the static strategy.
func NewStatic(cfg StaticConfig) *Static {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; DomainIntelBot/1.0)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 2 * 1024 * 1024
	}
	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	c.IgnoreRobotsTxt = false
	c.MaxBodySize = cfg.MaxBody
	c.SetRequestTimeout(cfg.Timeout)
	return &Static{cfg: cfg, base: c}
}

func (s *Static) Name() string { return NameStatic }

// Detect favors static for conventional server-rendered pages and
// backs off when the sample looks like a client-rendered shell.
func (s *Static) Detect(_ context.Context, rawURL string, sample []byte) float64 {
	score := 0.5
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, "/docs") || strings.Contains(lower, "/blog") || strings.HasSuffix(lower, ".html") {
		score += 0.1
	}
	if len(sample) == 0 {
		return score
	}
	if hasSPAMarkers(sample) {
		return 0.2
	}
	if scriptDensity(sample) >= 25 {
		return 0.3
	}
	if len(sample) > 5000 {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Execute fetches the URL without script execution. Blocked or error
// responses are hard failures; the caller decides whether to escalate.
func (s *Static) Execute(ctx context.Context, rawURL string) (*Page, error) {
	var (
		page     *Page
		fetchErr error
	)

	collector := s.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		if blocked, blockType := DetectBlock(r.StatusCode, *r.Headers, r.Body); blocked {
			fetchErr = eris.Errorf("static: blocked (%s)", blockType)
			return
		}
		p, err := parseHTML(rawURL, r.Body, r.StatusCode)
		if err != nil {
			fetchErr = err
			return
		}
		p.Strategy = NameStatic
		page = p
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = eris.Wrapf(err, "static: fetch %s", rawURL)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := collector.Visit(rawURL); err != nil && fetchErr == nil {
			fetchErr = eris.Wrapf(err, "static: visit %s", rawURL)
		}
		collector.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "static: cancelled")
	case <-done:
	}

	if fetchErr != nil {
		return nil, fetchErr
	}
	if page == nil {
		return nil, eris.Errorf("static: empty response for %s", rawURL)
	}
	return page, nil
}

var whitespaceRe = regexp.MustCompile(`[ \t]+`)
var newlineRe = regexp.MustCompile(`\n{3,}`)

// parseHTML extracts title and plaintext content from an HTML body.
func parseHTML(rawURL string, body []byte, statusCode int) (*Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrapf(err, "static: parse %s", rawURL)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	// Drop non-content blocks before extracting text.
	doc.Find("script, style, nav, footer, noscript").Remove()
	text := doc.Find("body").Text()
	text = whitespaceRe.ReplaceAllString(text, " ")
	text = newlineRe.ReplaceAllString(text, "\n\n")
	text = strings.TrimSpace(text)

	return &Page{
		URL:        rawURL,
		Title:      title,
		Content:    text,
		HTML:       string(body),
		StatusCode: statusCode,
	}, nil
}
