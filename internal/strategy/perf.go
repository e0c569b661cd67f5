package strategy

import "sync"

const perfWindow = 100

type perfSample struct {
	strategy   string
	durationMs int64
}

// perfTracker keeps a rolling window of the most recent scrape
// durations so the selector can report per-strategy timings.
type perfTracker struct {
	mu      sync.Mutex
	samples []perfSample
}

// PerformanceStats summarizes recent scrape durations for one strategy.
type PerformanceStats struct {
	Strategy   string `json:"strategy"`
	Count      int    `json:"count"`
	AvgMs      int64  `json:"avgMs"`
	MinMs      int64  `json:"minMs"`
	MaxMs      int64  `json:"maxMs"`
}

func (p *perfTracker) record(strategy string, durationMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples = append(p.samples, perfSample{strategy: strategy, durationMs: durationMs})
	if len(p.samples) > perfWindow {
		p.samples = p.samples[len(p.samples)-perfWindow:]
	}
}

func (p *perfTracker) stats() map[string]PerformanceStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]PerformanceStats)
	for _, s := range p.samples {
		st, ok := out[s.strategy]
		if !ok {
			st = PerformanceStats{Strategy: s.strategy, MinMs: s.durationMs, MaxMs: s.durationMs}
		}
		st.Count++
		st.AvgMs += s.durationMs // running sum, divided below
		if s.durationMs < st.MinMs {
			st.MinMs = s.durationMs
		}
		if s.durationMs > st.MaxMs {
			st.MaxMs = s.durationMs
		}
		out[s.strategy] = st
	}
	for k, st := range out {
		st.AvgMs /= int64(st.Count)
		out[k] = st
	}
	return out
}
