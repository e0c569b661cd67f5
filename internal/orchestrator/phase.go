package orchestrator

import "github.com/rotisserie/eris"

// Phase is one stage of the research pipeline.
type Phase string

const (
	PhaseDiscovery  Phase = "discovery"
	PhaseScraping   Phase = "scraping"
	PhaseExtraction Phase = "extraction"
	PhaseEnrichment Phase = "enrichment"
	PhaseGeneration Phase = "generation"
)

// phaseOrder is the fixed pipeline sequence. Each phase consumes the
// approved output of the one before it.
var phaseOrder = []Phase{
	PhaseDiscovery,
	PhaseScraping,
	PhaseExtraction,
	PhaseEnrichment,
	PhaseGeneration,
}

// Phases returns the pipeline phases in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ParsePhase validates a phase name.
func ParsePhase(name string) (Phase, error) {
	for _, p := range phaseOrder {
		if string(p) == name {
			return p, nil
		}
	}
	return "", eris.Errorf("orchestrator: unknown phase %q", name)
}

// Prerequisite returns the phase that must be approved before p may
// run. The first phase has none.
func Prerequisite(p Phase) (Phase, bool) {
	for i, candidate := range phaseOrder {
		if candidate == p {
			if i == 0 {
				return "", false
			}
			return phaseOrder[i-1], true
		}
	}
	return "", false
}

// IsFinal reports whether p is the last pipeline phase.
func IsFinal(p Phase) bool {
	return len(phaseOrder) > 0 && phaseOrder[len(phaseOrder)-1] == p
}
