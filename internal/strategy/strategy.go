// Package strategy selects and executes the cheapest scraping technique
// likely to succeed for a given URL: static fetch, full dynamic
// rendering, SPA-aware rendering, or a hybrid that escalates.
package strategy

import (
	"context"
)

// Strategy names.
const (
	NameStatic  = "static"
	NameDynamic = "dynamic"
	NameSPA     = "spa"
	NameHybrid  = "hybrid"
)

// Page is the extracted result of scraping one URL.
type Page struct {
	URL        string `json:"url"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"content"`
	HTML       string `json:"-"`
	StatusCode int    `json:"statusCode"`
	Strategy   string `json:"strategy"`
}

// Strategy is one named extraction technique. Detect scores the
// strategy's applicability to a URL (0-1), optionally using a
// pre-fetched HTML sample; Execute performs the scrape.
type Strategy interface {
	Name() string
	Detect(ctx context.Context, url string, sample []byte) float64
	Execute(ctx context.Context, url string) (*Page, error)
}

// Decision is the selector's output for one URL.
type Decision struct {
	Strategy   string  `json:"strategy"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
}

// spaMarkers indicate client-side rendered applications.
var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"ng-version",
}

// loadingPlaceholders are text fragments that signal a JS shell whose
// real content has not rendered.
var loadingPlaceholders = []string{
	"loading...",
	"please enable javascript",
	"you need to enable javascript",
	"enable javascript to run this app",
}
