package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticExecute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title>Acme Corp</title></head>
<body><nav>skip me</nav><h1>About Acme</h1><p>We make anvils since 1949.</p>
<script>console.log("noise")</script><footer>skip too</footer></body></html>`))
	}))
	defer srv.Close()

	s := NewStatic(StaticConfig{Timeout: 5 * time.Second})
	page, err := s.Execute(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Acme Corp", page.Title)
	assert.Equal(t, NameStatic, page.Strategy)
	assert.Equal(t, 200, page.StatusCode)
	assert.Contains(t, page.Content, "We make anvils")
	assert.NotContains(t, page.Content, "skip me")
	assert.NotContains(t, page.Content, "console.log")
}

func TestStaticExecuteBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body>Please solve this reCAPTCHA to continue</body></html>`))
	}))
	defer srv.Close()

	s := NewStatic(StaticConfig{Timeout: 5 * time.Second})
	page, err := s.Execute(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Nil(t, page)
	assert.Contains(t, err.Error(), "blocked")
}

func TestStaticDetect(t *testing.T) {
	s := NewStatic(StaticConfig{})
	ctx := context.Background()

	assert.InDelta(t, 0.5, s.Detect(ctx, "https://example.com", nil), 0.001)
	assert.InDelta(t, 0.6, s.Detect(ctx, "https://example.com/blog/post", nil), 0.001)

	spaShell := []byte(`<html><body><div id="root"></div></body></html>`)
	assert.InDelta(t, 0.2, s.Detect(ctx, "https://example.com", spaShell), 0.001)

	rich := []byte("<html><body>" + strings.Repeat("<p>server rendered prose</p>", 300) + "</body></html>")
	assert.InDelta(t, 0.8, s.Detect(ctx, "https://example.com", rich), 0.001)
}

func TestSPADetect(t *testing.T) {
	spa := &SPA{}
	ctx := context.Background()

	assert.InDelta(t, 0.9, spa.Detect(ctx, "https://example.com", []byte(`<div data-reactroot>`)), 0.001)
	assert.InDelta(t, 0.5, spa.Detect(ctx, "https://example.com/app/dashboard", nil), 0.001)
	assert.InDelta(t, 0.1, spa.Detect(ctx, "https://example.com/about", nil), 0.001)
}

func TestDetectBlock(t *testing.T) {
	cfHeader := http.Header{}
	cfHeader.Set("cf-ray", "8a1b2c3d")
	blocked, kind := DetectBlock(403, cfHeader, nil)
	assert.True(t, blocked)
	assert.Equal(t, BlockCloudflare, kind)

	blocked, kind = DetectBlock(200, http.Header{}, []byte("please complete the hcaptcha challenge"))
	assert.True(t, blocked)
	assert.Equal(t, BlockCaptcha, kind)

	blocked, kind = DetectBlock(200, http.Header{},
		[]byte(`<html><body><noscript>This site requires JavaScript</noscript></body></html>`))
	assert.True(t, blocked)
	assert.Equal(t, BlockJSShell, kind)

	blocked, _ = DetectBlock(200, http.Header{},
		[]byte("<html><body>"+strings.Repeat("<p>ordinary article text</p>", 100)+"</body></html>"))
	assert.False(t, blocked)
}

func TestScriptDensity(t *testing.T) {
	assert.Equal(t, 0, scriptDensity(nil))
	assert.Equal(t, 0, scriptDensity([]byte("<html><body>plain</body></html>")))

	body := []byte("<html>" + strings.Repeat("<script>var x = 1;</script>", 20) + "<p>hi</p></html>")
	assert.GreaterOrEqual(t, scriptDensity(body), 25)
}

func TestHybridSufficientStaticSkipsDynamic(t *testing.T) {
	static := &fakeStrategy{name: NameStatic}
	dynamic := &fakeStrategy{name: NameDynamic}
	h := NewHybrid(static, dynamic)

	page, err := h.Execute(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, NameHybrid, page.Strategy)
	assert.Equal(t, int32(0), dynamic.execs.Load())
}

func TestHybridEscalatesOnShortContent(t *testing.T) {
	static := &fakeStrategy{
		name: NameStatic,
		page: &Page{Content: "tiny", StatusCode: 200, Strategy: NameStatic},
	}
	dynamic := &fakeStrategy{name: NameDynamic}

	var escalated []string
	h := NewHybrid(static, dynamic, WithEscalationHook(func(url string) {
		escalated = append(escalated, url)
	}))

	page, err := h.Execute(context.Background(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, NameHybrid, page.Strategy)
	assert.Equal(t, int32(1), dynamic.execs.Load())
	assert.Equal(t, []string{"https://example.com"}, escalated)
}
