package phases

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/session"
)

func sessionWithScraping(t *testing.T, pages ...ScrapedPage) *session.Session {
	t.Helper()
	sess := session.New("alice", "acme.com")
	raw, err := json.Marshal(ScrapingResult{Pages: pages})
	require.NoError(t, err)
	rec := sess.Record(string(orchestrator.PhaseScraping))
	rec.Status = "completed"
	rec.Data = raw
	rec.Approved = true
	return sess
}

func TestExtractionRun(t *testing.T) {
	html := `<html><head>
		<meta property="og:site_name" content="Acme Corp">
		<meta property="og:description" content="Anvils and more since 1949.">
	</head><body>
		<a href="mailto:sales@acme.com?subject=hi">Email us</a>
		<a href="tel:+1 555 010 2000">Call</a>
		<a href="https://www.linkedin.com/company/acme">LinkedIn</a>
		<a href="https://github.com/acme-corp">GitHub</a>
	</body></html>`

	e := NewExtraction(nil, zap.NewNop())
	sess := sessionWithScraping(t, ScrapedPage{
		URL:     "https://acme.com/",
		Title:   "Acme Corp",
		Content: "We make anvils. Reach support@acme.com for help.",
		HTML:    html,
	})

	raw, err := e.Run(context.Background(), sess)
	require.NoError(t, err)

	var result ExtractionResult
	require.NoError(t, json.Unmarshal(raw, &result))

	assert.Equal(t, "Acme Corp", result.CompanyName)
	assert.Equal(t, "Anvils and more since 1949.", result.Description)
	assert.ElementsMatch(t, []string{"sales@acme.com", "support@acme.com"}, result.Emails)
	assert.Equal(t, []string{"+1 555 010 2000"}, result.Phones)
	assert.Equal(t, "https://www.linkedin.com/company/acme", result.SocialLinks["linkedin"])
	assert.Equal(t, "https://github.com/acme-corp", result.SocialLinks["github"])
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "https://acme.com/", result.Pages[0].URL)
}

func TestExtractionExcerptTruncation(t *testing.T) {
	long := strings.Repeat("a", excerptLength+50)
	e := NewExtraction(nil, zap.NewNop())
	sess := sessionWithScraping(t, ScrapedPage{URL: "https://acme.com/", Content: long})

	raw, err := e.Run(context.Background(), sess)
	require.NoError(t, err)

	var result ExtractionResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Pages, 1)
	assert.True(t, strings.HasSuffix(result.Pages[0].Excerpt, "…"))
}

func TestExtractionFirstMetadataWins(t *testing.T) {
	e := NewExtraction(nil, zap.NewNop())
	sess := sessionWithScraping(t,
		ScrapedPage{URL: "https://acme.com/", HTML: `<meta property="og:site_name" content="Acme Corp">`, Content: "x"},
		ScrapedPage{URL: "https://acme.com/about", HTML: `<meta property="og:site_name" content="Other Name">`, Content: "y"},
	)

	raw, err := e.Run(context.Background(), sess)
	require.NoError(t, err)

	var result ExtractionResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "Acme Corp", result.CompanyName)
}

func TestExtractionRequiresScrapingOutput(t *testing.T) {
	e := NewExtraction(nil, zap.NewNop())
	_, err := e.Run(context.Background(), session.New("alice", "acme.com"))
	require.Error(t, err)
}
