package phases

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/resilience"
	"github.com/sells-group/domain-intel/internal/session"
	"github.com/sells-group/domain-intel/pkg/anthropic"
)

const enrichmentSystemPrompt = `You are a B2B research analyst. Given structured facts
extracted from a company's website, classify the company and summarize what it does.
Respond with a single JSON object and nothing else, using exactly these keys:
industry (string), companySize (one of: solo, small, medium, large, enterprise, unknown),
summary (2-3 sentences), keyOfferings (array of strings), targetMarket (string),
confidence (0.0-1.0).`

// EnrichmentConfig controls the model call.
type EnrichmentConfig struct {
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// EnrichmentResult is the recorded output of the enrichment phase.
type EnrichmentResult struct {
	Industry     string   `json:"industry"`
	CompanySize  string   `json:"companySize"`
	Summary      string   `json:"summary"`
	KeyOfferings []string `json:"keyOfferings,omitempty"`
	TargetMarket string   `json:"targetMarket,omitempty"`
	Confidence   float64  `json:"confidence"`
	Model        string   `json:"model"`
	CostUSD      float64  `json:"costUsd"`
}

// Enrichment classifies the extracted company data with a model call.
type Enrichment struct {
	cfg      EnrichmentConfig
	client   anthropic.Client
	retry    resilience.RetryConfig
	progress ProgressFunc
	logger   *zap.Logger
}

// NewEnrichment creates the enrichment executor.
func NewEnrichment(cfg EnrichmentConfig, client anthropic.Client, retry resilience.RetryConfig, progress ProgressFunc, logger *zap.Logger) *Enrichment {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5-20250929"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enrichment{cfg: cfg, client: client, retry: retry, progress: progress, logger: logger}
}

func (e *Enrichment) Phase() orchestrator.Phase { return orchestrator.PhaseEnrichment }

func (e *Enrichment) Run(ctx context.Context, sess *session.Session) (json.RawMessage, error) {
	var extracted ExtractionResult
	if err := phaseOutput(sess, string(orchestrator.PhaseExtraction), &extracted); err != nil {
		return nil, err
	}

	prompt, err := buildEnrichmentPrompt(sess.Domain, extracted)
	if err != nil {
		return nil, err
	}
	report(e.progress, sess.ID, string(e.Phase()), 0, 1, "classifying company profile")

	req := anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    anthropic.BuildCachedSystemBlocks(enrichmentSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
	resp, err := resilience.DoVal(ctx, e.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrap(err, "enrichment: create message")
	}
	resp.Usage.LogCost(e.cfg.Model, string(e.Phase()))

	var result EnrichmentResult
	if err := json.Unmarshal([]byte(stripCodeFence(resp.Text())), &result); err != nil {
		return nil, eris.Wrap(err, "enrichment: decode model response")
	}
	result.Model = e.cfg.Model
	result.CostUSD = resp.Usage.EstimateCost(e.cfg.Model)
	report(e.progress, sess.ID, string(e.Phase()), 1, 1, "company profile classified")

	raw, err := json.Marshal(result)
	return raw, eris.Wrap(err, "enrichment: encode result")
}

// buildEnrichmentPrompt renders the extracted facts as compact JSON for
// the model.
func buildEnrichmentPrompt(domain string, extracted ExtractionResult) (string, error) {
	facts, err := json.Marshal(extracted)
	if err != nil {
		return "", eris.Wrap(err, "enrichment: encode facts")
	}
	var b strings.Builder
	b.WriteString("Domain: ")
	b.WriteString(domain)
	b.WriteString("\n\nExtracted website facts:\n")
	b.Write(facts)
	return b.String(), nil
}

// stripCodeFence removes a surrounding markdown code fence, which
// models sometimes add around JSON despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
