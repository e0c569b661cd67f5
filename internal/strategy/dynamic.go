package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
)

// DynamicConfig controls the headless-browser strategies.
type DynamicConfig struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Dynamic renders pages with headless Chrome via chromedp, executing
// scripts before extraction. Slow but sees what a browser sees.
type Dynamic struct {
	cfg         DynamicConfig
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewDynamic creates the dynamic strategy with a shared browser
// allocator and bounded render parallelism.
func NewDynamic(cfg DynamicConfig) *Dynamic {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Dynamic{
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.MaxParallel),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}
}

// Close tears down the browser allocator.
func (d *Dynamic) Close() { d.allocCancel() }

func (d *Dynamic) Name() string { return NameDynamic }

// Detect scores high for pages that look client-side rendered.
func (d *Dynamic) Detect(_ context.Context, _ string, sample []byte) float64 {
	if len(sample) == 0 {
		return 0.3
	}
	if hasSPAMarkers(sample) {
		return 0.6 // spa scores higher; dynamic is the generic fallback
	}
	if scriptDensity(sample) >= 25 || len(sample) < 2048 {
		return 0.7
	}
	return 0.3
}

// Execute renders the URL and extracts content from the live DOM.
func (d *Dynamic) Execute(ctx context.Context, rawURL string) (*Page, error) {
	return d.render(ctx, rawURL, NameDynamic, nil)
}

// render navigates headless, runs extraActions after the document is
// ready, and parses the rendered DOM.
func (d *Dynamic) render(ctx context.Context, rawURL, name string, extraActions []chromedp.Action) (*Page, error) {
	select {
	case d.limiter <- struct{}{}:
		defer func() { <-d.limiter }()
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), name+": acquire browser slot")
	}

	taskCtx, taskCancel := chromedp.NewContext(d.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, d.cfg.NavigationTimeout)
	defer cancel()

	// Honor caller cancellation as well as the navigation timeout.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-taskCtx.Done():
		}
	}()

	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body"),
	}
	actions = append(actions, extraActions...)
	actions = append(actions, chromedp.OuterHTML("html", &html))

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return nil, eris.Wrapf(err, "%s: render %s", name, rawURL)
	}

	page, err := parseHTML(rawURL, []byte(html), 200)
	if err != nil {
		return nil, err
	}
	page.Strategy = name
	return page, nil
}

// SPA is the single-page-app aware variant of the dynamic strategy: it
// waits for a known application mount point to populate before
// extracting.
type SPA struct {
	*Dynamic
}

// NewSPA wraps a Dynamic renderer with SPA-specific readiness checks.
func NewSPA(d *Dynamic) *SPA { return &SPA{Dynamic: d} }

func (s *SPA) Name() string { return NameSPA }

// Detect scores high only when the sample carries SPA framework markers.
func (s *SPA) Detect(_ context.Context, rawURL string, sample []byte) float64 {
	if len(sample) > 0 && hasSPAMarkers(sample) {
		return 0.9
	}
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, "/app") || strings.Contains(lower, "/#/") {
		return 0.5
	}
	return 0.1
}

// Execute renders with an extra settle delay so the framework can
// hydrate the mount point before extraction.
func (s *SPA) Execute(ctx context.Context, rawURL string) (*Page, error) {
	return s.render(ctx, rawURL, NameSPA, []chromedp.Action{
		chromedp.Sleep(1500 * time.Millisecond),
	})
}
