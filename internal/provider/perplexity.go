package provider

import (
	"context"
	"strings"

	"github.com/sells-group/supplier-pipeline/internal/pipeline"
	"github.com/sells-group/supplier-pipeline/internal/resilience"
	"github.com/sells-group/supplier-pipeline/pkg/perplexity"
)

const (
	researchTemperature = 0.2
	researchMaxTokens   = 500
)

// PerplexityResearcher implements pipeline.Researcher with domain-scoped
// web search.
type PerplexityResearcher struct {
	client perplexity.Client
	model  string
	policy Policy
}

var _ pipeline.Researcher = (*PerplexityResearcher)(nil)

// NewPerplexityResearcher creates a Researcher. An empty model uses the
// client's default.
func NewPerplexityResearcher(client perplexity.Client, model string, policy Policy) *PerplexityResearcher {
	return &PerplexityResearcher{client: client, model: model, policy: policy}
}

// Model implements pipeline.Researcher.
func (r *PerplexityResearcher) Model() string {
	if r.model == "" {
		return "perplexity"
	}
	return r.model
}

// Research runs q with search limited to q.Domain and returns the trimmed
// answer and its citations.
func (r *PerplexityResearcher) Research(ctx context.Context, q pipeline.ResearchQuery) (*pipeline.ResearchAnswer, error) {
	temp := researchTemperature
	maxTokens := researchMaxTokens
	req := perplexity.ChatCompletionRequest{
		Model:       r.model,
		Messages:    []perplexity.Message{{Role: "user", Content: q.Prompt}},
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
	if q.Domain != "" {
		req.SearchDomainFilter = []string{q.Domain}
	}

	retry := r.policy.Retry
	retry.OnRetry = resilience.RetryLogger("perplexity", "research")
	resp, err := resilience.Call(ctx, r.policy.Breaker, retry, func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		resp, err := r.client.ChatCompletion(ctx, req)
		return resp, classify(err)
	})
	if err != nil {
		return nil, err
	}

	return &pipeline.ResearchAnswer{
		Content:    strings.TrimSpace(resp.Content()),
		Sources:    resp.Citations,
		TokensUsed: resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
	}, nil
}
