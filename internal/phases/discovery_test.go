package phases

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/session"
)

func discoveryTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body>
			<a href="/about">About</a>
			<a href="/products">Products</a>
			<a href="/blog/post-1">Blog</a>
			<a href="https://elsewhere.example/out">External</a>
		</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/contact">Contact</a></body></html>`)
	})
	mux.HandleFunc("/products", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/">Home</a></body></html>`)
	})
	mux.HandleFunc("/contact", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>contact us</body></html>`)
	})
	mux.HandleFunc("/blog/post-1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body>should not be crawled</body></html>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoveryRun(t *testing.T) {
	srv := discoveryTestServer(t)

	d := NewDiscovery(DiscoveryConfig{RequestsPerSecond: 100}, nil, nil, zap.NewNop())
	sess := session.New("alice", srv.URL)

	raw, err := d.Run(context.Background(), sess)
	require.NoError(t, err)

	var result DiscoveryResult
	require.NoError(t, json.Unmarshal(raw, &result))

	assert.ElementsMatch(t, []string{
		srv.URL + "/",
		srv.URL + "/about",
		srv.URL + "/products",
		srv.URL + "/contact",
	}, result.URLs)
	assert.GreaterOrEqual(t, result.Excluded, 1, "blog link filtered by path matcher")
}

func TestDiscoveryMaxPages(t *testing.T) {
	srv := discoveryTestServer(t)

	d := NewDiscovery(DiscoveryConfig{MaxPages: 2, RequestsPerSecond: 100}, nil, nil, zap.NewNop())
	sess := session.New("alice", srv.URL)

	raw, err := d.Run(context.Background(), sess)
	require.NoError(t, err)

	var result DiscoveryResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.LessOrEqual(t, len(result.URLs), 2)
}

func TestDiscoveryEmptyDomain(t *testing.T) {
	d := NewDiscovery(DiscoveryConfig{}, nil, nil, zap.NewNop())
	_, err := d.Run(context.Background(), session.New("alice", ""))
	require.Error(t, err)
}

func TestDiscoveryReportsProgress(t *testing.T) {
	srv := discoveryTestServer(t)

	var reports int
	progress := func(_, phase string, _, _ int, _ string) {
		assert.Equal(t, "discovery", phase)
		reports++
	}
	d := NewDiscovery(DiscoveryConfig{RequestsPerSecond: 100}, nil, progress, zap.NewNop())

	_, err := d.Run(context.Background(), session.New("alice", srv.URL))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reports, 4)
}
