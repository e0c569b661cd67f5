// Package dedup answers "have we already obtained this content?" so the
// pipeline never re-fetches or re-counts duplicate pages. One
// Deduplicator is shared across concurrent sessions; all operations are
// safe under concurrent access.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultTTL      = 24 * time.Hour
	defaultCapacity = 10000
	evictFraction   = 0.2
)

// trackingParams are query parameters stripped during URL normalization.
var trackingParams = []string{"ref", "fbclid"}

// Entry is one cached record of scraped content.
type Entry struct {
	URL           string    `json:"url"`
	ContentHash   string    `json:"contentHash"`
	ScrapedAt     time.Time `json:"scrapedAt"`
	Title         string    `json:"title,omitempty"`
	ContentLength int       `json:"contentLength"`
}

// Option tunes a Deduplicator.
type Option func(*Deduplicator)

// WithTTL sets the max age before an entry is considered stale.
func WithTTL(ttl time.Duration) Option {
	return func(d *Deduplicator) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithCapacity sets the max number of cached entries.
func WithCapacity(n int) Option {
	return func(d *Deduplicator) {
		if n > 0 {
			d.capacity = n
		}
	}
}

// WithClock overrides time.Now, used by TTL tests.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// Deduplicator is a TTL/capacity-bounded cache keyed by normalized URL
// and by normalized content hash.
type Deduplicator struct {
	mu       sync.Mutex
	byURL    map[string]*Entry
	hashes   map[string]int // hash -> refcount across entries
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// New creates a Deduplicator with a 24h TTL and 10k entry capacity.
func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		byURL:    make(map[string]*Entry),
		hashes:   make(map[string]int),
		ttl:      defaultTTL,
		capacity: defaultCapacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// NormalizeURL produces the canonical cache key for a URL: fragment and
// trailing slash stripped, tracking query parameters removed. Invalid
// URLs degrade to the raw string rather than failing.
func NormalizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")

	q := u.Query()
	for key := range q {
		if strings.HasPrefix(strings.ToLower(key), "utm_") {
			q.Del(key)
			continue
		}
		for _, tp := range trackingParams {
			if strings.EqualFold(key, tp) {
				q.Del(key)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// HashContent computes the normalized content hash: NFKC-folded,
// lowercased, punctuation-stripped, whitespace-collapsed, SHA-256.
// Near-identical content reachable via different URLs hashes the same.
func HashContent(content string) string {
	folded := norm.NFKC.String(content)
	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(b.String())))
	return hex.EncodeToString(sum[:])
}

// HasScrapedURL reports whether the normalized URL is cached and fresh.
// An expired entry is evicted as a side effect of the check.
func (d *Deduplicator) HasScrapedURL(rawURL string) bool {
	key := NormalizeURL(rawURL)
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.byURL[key]
	if !ok {
		return false
	}
	if d.now().Sub(entry.ScrapedAt) > d.ttl {
		d.removeLocked(key)
		return false
	}
	return true
}

// IsDuplicateContent reports whether equivalently-normalized content
// has been seen under any URL.
func (d *Deduplicator) IsDuplicateContent(content string) bool {
	h := HashContent(content)
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hashes[h] > 0
}

// ShouldScrape composes the URL and content checks: skip when the URL
// was seen, or when content is given and its hash was seen.
func (d *Deduplicator) ShouldScrape(rawURL, content string) bool {
	if d.HasScrapedURL(rawURL) {
		return false
	}
	if content != "" && d.IsDuplicateContent(content) {
		return false
	}
	return true
}

// AddContent inserts or updates the entry for a URL. At capacity, the
// oldest 20% of entries by ScrapedAt are evicted first.
func (d *Deduplicator) AddContent(rawURL, content, title string) {
	key := NormalizeURL(rawURL)
	h := HashContent(content)

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.byURL[key]; ok {
		d.releaseHashLocked(existing.ContentHash)
	} else if len(d.byURL) >= d.capacity {
		d.evictOldestLocked()
	}

	d.byURL[key] = &Entry{
		URL:           key,
		ContentHash:   h,
		ScrapedAt:     d.now().UTC(),
		Title:         title,
		ContentLength: len(content),
	}
	d.hashes[h]++
}

// Len returns the number of cached entries.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byURL)
}

// Export yields all entries, for persisting the cache across restarts.
func (d *Deduplicator) Export() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, 0, len(d.byURL))
	for _, e := range d.byURL {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScrapedAt.Before(out[j].ScrapedAt) })
	return out
}

// Import clears the cache and repopulates it from exported entries.
// The round trip is lossless for all fields including timestamps.
func (d *Deduplicator) Import(entries []Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.byURL = make(map[string]*Entry, len(entries))
	d.hashes = make(map[string]int, len(entries))
	for _, e := range entries {
		entry := e
		d.byURL[entry.URL] = &entry
		if entry.ContentHash != "" {
			d.hashes[entry.ContentHash]++
		}
	}
	zap.L().Debug("dedup: cache imported", zap.Int("entries", len(entries)))
}

func (d *Deduplicator) removeLocked(key string) {
	entry, ok := d.byURL[key]
	if !ok {
		return
	}
	d.releaseHashLocked(entry.ContentHash)
	delete(d.byURL, key)
}

func (d *Deduplicator) releaseHashLocked(h string) {
	if n := d.hashes[h]; n <= 1 {
		delete(d.hashes, h)
	} else {
		d.hashes[h] = n - 1
	}
}

// evictOldestLocked drops the oldest 20% of entries by ScrapedAt.
func (d *Deduplicator) evictOldestLocked() {
	n := int(float64(len(d.byURL)) * evictFraction)
	if n < 1 {
		n = 1
	}
	type aged struct {
		key string
		at  time.Time
	}
	entries := make([]aged, 0, len(d.byURL))
	for k, e := range d.byURL {
		entries = append(entries, aged{key: k, at: e.ScrapedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	for i := 0; i < n && i < len(entries); i++ {
		d.removeLocked(entries[i].key)
	}
	zap.L().Debug("dedup: evicted oldest entries", zap.Int("count", n))
}
