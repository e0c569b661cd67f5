package strategy

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const defaultMinContentLength = 500

// Hybrid tries the static strategy first and escalates to dynamic when
// the result is insufficient. Escalation is a single, observable step —
// never a silent retry loop.
type Hybrid struct {
	static           Strategy
	dynamic          Strategy
	minContentLength int
	onEscalate       func(url string)
}

// HybridOption tunes a Hybrid.
type HybridOption func(*Hybrid)

// WithMinContentLength overrides the insufficiency threshold.
func WithMinContentLength(n int) HybridOption {
	return func(h *Hybrid) {
		if n > 0 {
			h.minContentLength = n
		}
	}
}

// WithEscalationHook registers a callback fired when static content is
// judged insufficient and the scrape escalates to dynamic. The selector
// uses it to rewrite its per-URL decision cache.
func WithEscalationHook(fn func(url string)) HybridOption {
	return func(h *Hybrid) { h.onEscalate = fn }
}

// NewHybrid composes the static and dynamic strategies.
func NewHybrid(static, dynamic Strategy, opts ...HybridOption) *Hybrid {
	h := &Hybrid{
		static:           static,
		dynamic:          dynamic,
		minContentLength: defaultMinContentLength,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hybrid) Name() string { return NameHybrid }

// Detect sits between static and dynamic: a reasonable default when
// neither extreme is clearly right.
func (h *Hybrid) Detect(ctx context.Context, url string, sample []byte) float64 {
	s := h.static.Detect(ctx, url, sample)
	d := h.dynamic.Detect(ctx, url, sample)
	return (s + d) / 2
}

// Execute runs static first. If the result is insufficient — an
// extraction error, content below the minimum length, or a loading
// placeholder — it escalates to dynamic exactly once.
func (h *Hybrid) Execute(ctx context.Context, url string) (*Page, error) {
	page, err := h.static.Execute(ctx, url)
	reason := h.insufficiencyReason(page, err)
	if reason == "" {
		page.Strategy = NameHybrid
		return page, nil
	}

	zap.L().Debug("hybrid: escalating to dynamic",
		zap.String("url", url),
		zap.String("reason", reason),
	)
	if h.onEscalate != nil {
		h.onEscalate(url)
	}

	page, err = h.dynamic.Execute(ctx, url)
	if err != nil {
		return nil, eris.Wrapf(err, "hybrid: dynamic escalation for %s", url)
	}
	page.Strategy = NameHybrid
	return page, nil
}

// insufficiencyReason returns "" when the static result is good enough.
func (h *Hybrid) insufficiencyReason(page *Page, err error) string {
	switch {
	case err != nil:
		return "static error: " + err.Error()
	case page == nil:
		return "empty static result"
	case len(page.Content) < h.minContentLength:
		return "content below minimum length"
	case hasLoadingPlaceholder(page.Content):
		return "loading placeholder detected"
	default:
		return ""
	}
}
