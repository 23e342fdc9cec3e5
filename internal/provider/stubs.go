package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/pipeline"
	"github.com/sells-group/supplier-pipeline/pkg/anthropic"
	"github.com/sells-group/supplier-pipeline/pkg/perplexity"
)

// Compile-time interface checks.
var (
	_ anthropic.Client  = (*StubAnthropicClient)(nil)
	_ perplexity.Client = (*StubPerplexityClient)(nil)
)

// --- Anthropic Stub ---

// StubAnthropicClient implements anthropic.Client with deterministic answers
// for offline runs. Clean requests get each company echoed back with a
// tidied name; any other request gets a passing validation verdict.
type StubAnthropicClient struct{}

// CreateMessage implements anthropic.Client.
func (s *StubAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	var content string
	for _, m := range req.Messages {
		content += m.Content
	}

	text := `{"is_valid": true, "issues": []}`
	if i := strings.Index(content, "["); strings.HasPrefix(content, "Process these companies") && i >= 0 {
		var in []pipeline.CleanInput
		if err := json.Unmarshal([]byte(content[i:]), &in); err != nil {
			return nil, eris.Wrap(err, "stub anthropic: decode companies")
		}
		out := make([]pipeline.CleanOutput, len(in))
		for j, c := range in {
			out[j] = pipeline.CleanOutput{
				CompanyHash:         c.CompanyHash,
				FormattedName:       strings.TrimSpace(c.Name),
				FormattedAddress:    strings.TrimSpace(c.Address),
				CompanyType:         c.CompanyType,
				EnrichedDescription: strings.TrimSpace(c.Description),
			}
		}
		b, _ := json.Marshal(map[string]any{"companies": out})
		text = string(b)
	}

	return &anthropic.MessageResponse{
		ID:         "stub-msg-001",
		Model:      req.Model,
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage:      anthropic.TokenUsage{InputTokens: 150, OutputTokens: 50},
	}, nil
}

// --- Perplexity Stub ---

// StubPerplexityClient implements perplexity.Client. It answers address
// questions with a placeholder address on the filtered domain and anything
// else with a generic description.
type StubPerplexityClient struct{}

// ChatCompletion implements perplexity.Client.
func (s *StubPerplexityClient) ChatCompletion(_ context.Context, req perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	domain := "example.com"
	if len(req.SearchDomainFilter) > 0 {
		domain = req.SearchDomainFilter[0]
	}
	var prompt string
	for _, m := range req.Messages {
		prompt += m.Content
	}

	answer := fmt.Sprintf("%s is a supplier listed on %s offering products and services to industrial customers.", domain, domain)
	if strings.Contains(strings.ToLower(prompt), "address") {
		answer = "1 Example Street, 10115 Berlin, Germany"
	}

	return &perplexity.ChatCompletionResponse{
		ID:        "stub-pplx-001",
		Choices:   []perplexity.Choice{{Message: perplexity.Message{Role: "assistant", Content: answer}}},
		Usage:     perplexity.Usage{PromptTokens: 100, CompletionTokens: 40},
		Citations: []string{"https://" + domain},
	}, nil
}
