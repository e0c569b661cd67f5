package phases

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/session"
)

// ExtractionResult is the recorded output of the extraction phase:
// structured facts pulled from the scraped markup.
type ExtractionResult struct {
	CompanyName string            `json:"companyName,omitempty"`
	Description string            `json:"description,omitempty"`
	Emails      []string          `json:"emails,omitempty"`
	Phones      []string          `json:"phones,omitempty"`
	SocialLinks map[string]string `json:"socialLinks,omitempty"`
	Pages       []PageSummary     `json:"pages"`
}

// PageSummary is a condensed view of one scraped page.
type PageSummary struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?[0-9][0-9 ().\-]{7,}[0-9]`)
)

// socialHosts maps link hosts to social network names.
var socialHosts = map[string]string{
	"linkedin.com":  "linkedin",
	"twitter.com":   "twitter",
	"x.com":         "twitter",
	"facebook.com":  "facebook",
	"github.com":    "github",
	"instagram.com": "instagram",
	"youtube.com":   "youtube",
}

const excerptLength = 300

// Extraction parses the scraped pages into structured company data.
type Extraction struct {
	progress ProgressFunc
	logger   *zap.Logger
}

// NewExtraction creates the extraction executor.
func NewExtraction(progress ProgressFunc, logger *zap.Logger) *Extraction {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extraction{progress: progress, logger: logger}
}

func (e *Extraction) Phase() orchestrator.Phase { return orchestrator.PhaseExtraction }

func (e *Extraction) Run(_ context.Context, sess *session.Session) (json.RawMessage, error) {
	var scraped ScrapingResult
	if err := phaseOutput(sess, string(orchestrator.PhaseScraping), &scraped); err != nil {
		return nil, err
	}

	result := ExtractionResult{SocialLinks: make(map[string]string)}
	emails := make(map[string]struct{})
	phones := make(map[string]struct{})

	for i, page := range scraped.Pages {
		summary := PageSummary{URL: page.URL, Title: page.Title, Excerpt: excerpt(page.Content)}
		result.Pages = append(result.Pages, summary)

		for _, m := range emailRe.FindAllString(page.Content, -1) {
			emails[strings.ToLower(m)] = struct{}{}
		}

		if page.HTML != "" {
			if err := e.extractMarkup(page.HTML, &result, emails, phones); err != nil {
				e.logger.Debug("extraction: parse failed",
					zap.String("url", page.URL), zap.Error(err))
			}
		}
		report(e.progress, sess.ID, string(e.Phase()), i+1, len(scraped.Pages), "extracted "+page.URL)
	}

	result.Emails = sortedKeys(emails)
	result.Phones = sortedKeys(phones)

	raw, err := json.Marshal(result)
	return raw, eris.Wrap(err, "extraction: encode result")
}

// extractMarkup pulls metadata, contact links, and social profiles out
// of one page's HTML.
func (e *Extraction) extractMarkup(html string, result *ExtractionResult, emails, phones map[string]struct{}) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return eris.Wrap(err, "extraction: parse html")
	}

	if result.CompanyName == "" {
		if name, ok := doc.Find(`meta[property="og:site_name"]`).Attr("content"); ok {
			result.CompanyName = strings.TrimSpace(name)
		}
	}
	if result.Description == "" {
		for _, sel := range []string{`meta[property="og:description"]`, `meta[name="description"]`} {
			if desc, ok := doc.Find(sel).Attr("content"); ok && strings.TrimSpace(desc) != "" {
				result.Description = strings.TrimSpace(desc)
				break
			}
		}
	}

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		switch {
		case strings.HasPrefix(href, "mailto:"):
			addr := strings.ToLower(strings.SplitN(strings.TrimPrefix(href, "mailto:"), "?", 2)[0])
			if emailRe.MatchString(addr) {
				emails[addr] = struct{}{}
			}
		case strings.HasPrefix(href, "tel:"):
			num := strings.TrimPrefix(href, "tel:")
			if phoneRe.MatchString(num) {
				phones[num] = struct{}{}
			}
		default:
			for host, network := range socialHosts {
				if strings.Contains(href, host+"/") {
					if _, seen := result.SocialLinks[network]; !seen {
						result.SocialLinks[network] = href
					}
				}
			}
		}
	})
	return nil
}

func excerpt(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= excerptLength {
		return content
	}
	return content[:excerptLength] + "…"
}

func sortedKeys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
