package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sells-group/domain-intel/internal/session"
)

const defaultReviewThreshold = 0.5

// ReviewGate scores a completed phase's output. The decision is
// computed synchronously after the executor returns and persisted on
// the phase record; a failing score holds the session at
// awaiting_approval until a human intervenes.
type ReviewGate interface {
	Review(phase Phase, rec *session.PhaseRecord) session.ReviewDecision
}

// GateFunc adapts a plain function to ReviewGate.
type GateFunc func(phase Phase, rec *session.PhaseRecord) session.ReviewDecision

func (f GateFunc) Review(phase Phase, rec *session.PhaseRecord) session.ReviewDecision {
	return f(phase, rec)
}

// ThresholdGateOption tunes a ThresholdGate.
type ThresholdGateOption func(*ThresholdGate)

// WithDefaultThreshold sets the score a phase must reach when no
// per-phase threshold is registered.
func WithDefaultThreshold(v float64) ThresholdGateOption {
	return func(g *ThresholdGate) {
		if v >= 0 && v <= 1 {
			g.fallback = v
		}
	}
}

// WithPhaseThreshold overrides the threshold for one phase.
func WithPhaseThreshold(p Phase, v float64) ThresholdGateOption {
	return func(g *ThresholdGate) {
		if v >= 0 && v <= 1 {
			g.perPhase[p] = v
		}
	}
}

// ThresholdGate is the default quality gate: it scores a phase's
// output by the fraction of populated top-level fields and approves
// when the score meets the phase's threshold. Empty or undecodable
// output always fails.
type ThresholdGate struct {
	fallback float64
	perPhase map[Phase]float64
}

// NewThresholdGate creates the gate with the stock thresholds.
func NewThresholdGate(opts ...ThresholdGateOption) *ThresholdGate {
	g := &ThresholdGate{
		fallback: defaultReviewThreshold,
		perPhase: make(map[Phase]float64),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *ThresholdGate) threshold(p Phase) float64 {
	if v, ok := g.perPhase[p]; ok {
		return v
	}
	return g.fallback
}

func (g *ThresholdGate) Review(phase Phase, rec *session.PhaseRecord) session.ReviewDecision {
	score := payloadScore(rec.Data)
	th := g.threshold(phase)
	d := session.ReviewDecision{Score: score, Approved: score >= th}
	verdict := "meets"
	if !d.Approved {
		verdict = "below"
	}
	d.Reason = fmt.Sprintf("%s output %.0f%% populated, %s %.0f%% threshold",
		phase, score*100, verdict, th*100)
	return d
}

// payloadScore is the fraction of top-level fields carrying a
// non-empty value. Non-object or empty payloads score zero.
func payloadScore(data json.RawMessage) float64 {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || len(fields) == 0 {
		return 0
	}
	populated := 0
	for _, v := range fields {
		switch strings.TrimSpace(string(v)) {
		case "", "null", `""`, "[]", "{}", "0", "false":
		default:
			populated++
		}
	}
	return float64(populated) / float64(len(fields))
}
