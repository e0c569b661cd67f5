package phases

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/resilience"
	"github.com/sells-group/domain-intel/internal/session"
	"github.com/sells-group/domain-intel/pkg/anthropic"
)

const generationSystemPrompt = `You are a B2B research analyst writing an internal
briefing document. Given a company profile and the facts it was built from, write a
clear markdown briefing with these sections: Overview, What They Do, Who They Serve,
Contact Channels, and Notes for Outreach. Be concrete; do not invent facts that are
not in the input.`

// GenerationConfig controls the report model call.
type GenerationConfig struct {
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GenerationResult is the recorded output of the generation phase.
type GenerationResult struct {
	Report      string    `json:"report"`
	Model       string    `json:"model"`
	CostUSD     float64   `json:"costUsd"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Generation writes the final briefing from the approved enrichment
// and extraction outputs.
type Generation struct {
	cfg      GenerationConfig
	client   anthropic.Client
	retry    resilience.RetryConfig
	progress ProgressFunc
	logger   *zap.Logger
}

// NewGeneration creates the generation executor.
func NewGeneration(cfg GenerationConfig, client anthropic.Client, retry resilience.RetryConfig, progress ProgressFunc, logger *zap.Logger) *Generation {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generation{cfg: cfg, client: client, retry: retry, progress: progress, logger: logger}
}

func (g *Generation) Phase() orchestrator.Phase { return orchestrator.PhaseGeneration }

func (g *Generation) Run(ctx context.Context, sess *session.Session) (json.RawMessage, error) {
	var enriched EnrichmentResult
	if err := phaseOutput(sess, string(orchestrator.PhaseEnrichment), &enriched); err != nil {
		return nil, err
	}
	var extracted ExtractionResult
	if err := phaseOutput(sess, string(orchestrator.PhaseExtraction), &extracted); err != nil {
		return nil, err
	}

	prompt, err := buildGenerationPrompt(sess.Domain, enriched, extracted)
	if err != nil {
		return nil, err
	}
	report(g.progress, sess.ID, string(g.Phase()), 0, 1, "writing briefing")

	req := anthropic.MessageRequest{
		Model:     g.cfg.Model,
		MaxTokens: g.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(generationSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "generation: create message")
	}
	resp.Usage.LogCost(g.cfg.Model, string(g.Phase()))

	reportText := strings.TrimSpace(resp.Text())
	if reportText == "" {
		return nil, eris.New("generation: model returned empty report")
	}
	report(g.progress, sess.ID, string(g.Phase()), 1, 1, "briefing complete")

	result := GenerationResult{
		Report:      reportText,
		Model:       g.cfg.Model,
		CostUSD:     resp.Usage.EstimateCost(g.cfg.Model),
		GeneratedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(result)
	return raw, eris.Wrap(err, "generation: encode result")
}

func buildGenerationPrompt(domain string, enriched EnrichmentResult, extracted ExtractionResult) (string, error) {
	profile, err := json.Marshal(enriched)
	if err != nil {
		return "", eris.Wrap(err, "generation: encode profile")
	}
	facts, err := json.Marshal(extracted)
	if err != nil {
		return "", eris.Wrap(err, "generation: encode facts")
	}

	var b strings.Builder
	b.WriteString("Domain: ")
	b.WriteString(domain)
	b.WriteString("\n\nCompany profile:\n")
	b.Write(profile)
	b.WriteString("\n\nSource facts:\n")
	b.Write(facts)
	return b.String(), nil
}
