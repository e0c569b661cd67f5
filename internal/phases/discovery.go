package phases

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/session"
)

// DiscoveryConfig controls the link crawl.
type DiscoveryConfig struct {
	MaxPages          int           `yaml:"max_pages" mapstructure:"max_pages"`
	MaxDepth          int           `yaml:"max_depth" mapstructure:"max_depth"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// DiscoveryResult is the recorded output of the discovery phase.
type DiscoveryResult struct {
	Domain     string   `json:"domain"`
	URLs       []string `json:"urls"`
	Excluded   int      `json:"excluded"`
	TotalFound int      `json:"totalFound"`
}

// Discovery crawls the target domain and collects candidate page URLs,
// skipping paths the matcher excludes.
type Discovery struct {
	cfg      DiscoveryConfig
	matcher  *PathMatcher
	progress ProgressFunc
	logger   *zap.Logger
}

// NewDiscovery creates the discovery executor.
func NewDiscovery(cfg DiscoveryConfig, matcher *PathMatcher, progress ProgressFunc, logger *zap.Logger) *Discovery {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 3
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; DomainIntelBot/1.0)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if matcher == nil {
		matcher = NewPathMatcher(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discovery{cfg: cfg, matcher: matcher, progress: progress, logger: logger}
}

func (d *Discovery) Phase() orchestrator.Phase { return orchestrator.PhaseDiscovery }

// Run crawls https://<domain> breadth-first within the domain and
// records every non-excluded URL it reaches, up to MaxPages.
func (d *Discovery) Run(ctx context.Context, sess *session.Session) (json.RawMessage, error) {
	raw := strings.TrimSuffix(sess.Domain, "/")
	if raw == "" {
		return nil, eris.New("discovery: session has no domain")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	start, err := url.Parse(raw)
	if err != nil || start.Host == "" {
		return nil, eris.Errorf("discovery: invalid domain %q", sess.Domain)
	}
	// colly matches allowed domains against the bare hostname.
	domain := start.Hostname()

	var (
		mu       sync.Mutex
		seen     = make(map[string]struct{})
		excluded int
		found    int
	)
	limiter := rate.NewLimiter(rate.Limit(d.cfg.RequestsPerSecond), 1)

	c := colly.NewCollector(
		colly.AllowedDomains(domain, "www."+domain),
		colly.MaxDepth(d.cfg.MaxDepth),
		colly.Async(true),
	)
	c.UserAgent = d.cfg.UserAgent
	c.SetRequestTimeout(d.cfg.Timeout)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		full := len(seen) >= d.cfg.MaxPages
		mu.Unlock()
		if full {
			r.Abort()
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			r.Abort()
		}
	})

	c.OnResponse(func(r *colly.Response) {
		// Normalize so the bare start URL and "/" record as one page.
		loc := *r.Request.URL
		if loc.Path == "" {
			loc.Path = "/"
		}
		u := loc.String()
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[u]; ok || len(seen) >= d.cfg.MaxPages {
			return
		}
		seen[u] = struct{}{}
		report(d.progress, sess.ID, string(d.Phase()), len(seen), d.cfg.MaxPages, "crawled "+u)
	})

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		parsed, err := url.Parse(link)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return
		}
		parsed.Fragment = ""
		link = parsed.String()

		mu.Lock()
		found++
		mu.Unlock()

		if d.matcher.IsExcluded(link) {
			mu.Lock()
			excluded++
			mu.Unlock()
			return
		}
		// Visit errors here are expected noise: off-domain links,
		// already-visited pages, depth limit.
		_ = e.Request.Visit(link)
	})

	c.OnError(func(r *colly.Response, err error) {
		d.logger.Debug("discovery: fetch error",
			zap.String("url", r.Request.URL.String()),
			zap.Error(err))
	})

	if err := c.Visit(start.String()); err != nil {
		return nil, eris.Wrapf(err, "discovery: visit %s", start)
	}
	c.Wait()

	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "discovery: cancelled")
	}

	mu.Lock()
	urls := make([]string, 0, len(seen))
	for u := range seen {
		urls = append(urls, u)
	}
	mu.Unlock()
	sort.Strings(urls)

	if len(urls) == 0 {
		return nil, eris.Errorf("discovery: no reachable pages on %s", domain)
	}

	d.logger.Info("discovery: crawl complete",
		zap.String("domain", domain),
		zap.Int("urls", len(urls)),
		zap.Int("excluded", excluded))

	result := DiscoveryResult{
		Domain:     domain,
		URLs:       urls,
		Excluded:   excluded,
		TotalFound: found,
	}
	data, err := json.Marshal(result)
	return data, eris.Wrap(err, "discovery: encode result")
}
