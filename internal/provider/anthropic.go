package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/pipeline"
	"github.com/sells-group/supplier-pipeline/internal/resilience"
	"github.com/sells-group/supplier-pipeline/internal/rules"
	"github.com/sells-group/supplier-pipeline/pkg/anthropic"
)

const (
	cleanTemperature    = 0.3
	validateTemperature = 0.0
)

// validateSystemPrompt frames the rubric for custom column rules.
const validateSystemPrompt = `You check supplier records against a rubric. Reply with a single JSON object {"is_valid": boolean, "issues": [string]} and nothing else. List one short issue per problem; return an empty list when the record is valid.

Rubric:
`

// AnthropicConfig selects the model used for cleaning and validation.
type AnthropicConfig struct {
	Model     string
	MaxTokens int64
}

// AnthropicCleaner implements pipeline.Cleaner with the Messages API.
type AnthropicCleaner struct {
	client anthropic.Client
	cfg    AnthropicConfig
	policy Policy
}

var _ pipeline.Cleaner = (*AnthropicCleaner)(nil)

// NewAnthropicCleaner creates a Cleaner.
func NewAnthropicCleaner(client anthropic.Client, cfg AnthropicConfig, policy Policy) *AnthropicCleaner {
	return &AnthropicCleaner{client: client, cfg: cfg, policy: policy}
}

// Model implements pipeline.Cleaner.
func (c *AnthropicCleaner) Model() string { return c.cfg.Model }

// Clean sends the companies as JSON with the template as system prompt. The
// answer may be a JSON array or an object holding it under "companies" or
// "results".
func (c *AnthropicCleaner) Clean(ctx context.Context, template string, companies []pipeline.CleanInput) ([]pipeline.CleanOutput, error) {
	payload, err := json.MarshalIndent(companies, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal clean input")
	}
	temp := cleanTemperature
	req := anthropic.MessageRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    []anthropic.SystemBlock{{Text: template, CacheControl: &anthropic.CacheControl{}}},
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "Process these companies and return as JSON:\n\n" + string(payload),
		}},
		Temperature: &temp,
	}

	resp, err := c.send(ctx, req, "clean")
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(c.cfg.Model, string(model.StepClean))

	outs, err := ParseCleanResponse(resp.Text())
	if err != nil {
		return nil, err
	}
	if len(outs) > 0 {
		share := int(resp.Usage.Total()) / len(outs)
		for i := range outs {
			outs[i].TokensUsed = share
		}
	}
	return outs, nil
}

func (c *AnthropicCleaner) send(ctx context.Context, req anthropic.MessageRequest, op string) (*anthropic.MessageResponse, error) {
	retry := c.policy.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", op)
	return resilience.Call(ctx, c.policy.Breaker, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := c.client.CreateMessage(ctx, req)
		return resp, classify(err)
	})
}

// ParseCleanResponse decodes a clean answer. An unparsable answer wraps
// ErrMalformedResponse.
func ParseCleanResponse(text string) ([]pipeline.CleanOutput, error) {
	raw := anthropic.ExtractJSON(text)
	if raw == "" {
		return nil, eris.Wrap(ErrMalformedResponse, "empty clean response")
	}

	var outs []pipeline.CleanOutput
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &outs); err != nil {
			return nil, eris.Wrapf(ErrMalformedResponse, "clean response: %v", err)
		}
		return outs, nil
	}

	var wrapped struct {
		Companies []pipeline.CleanOutput `json:"companies"`
		Results   []pipeline.CleanOutput `json:"results"`
	}
	if err := json.Unmarshal([]byte(raw), &wrapped); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "clean response: %v", err)
	}
	if wrapped.Companies != nil {
		return wrapped.Companies, nil
	}
	return wrapped.Results, nil
}

// AnthropicValidator implements rules.SemanticValidator.
type AnthropicValidator struct {
	client anthropic.Client
	cfg    AnthropicConfig
	policy Policy
}

var _ rules.SemanticValidator = (*AnthropicValidator)(nil)

// NewAnthropicValidator creates a SemanticValidator.
func NewAnthropicValidator(client anthropic.Client, cfg AnthropicConfig, policy Policy) *AnthropicValidator {
	return &AnthropicValidator{client: client, cfg: cfg, policy: policy}
}

// Check asks the model whether snapshot satisfies rubric.
func (v *AnthropicValidator) Check(ctx context.Context, snapshot rules.Record, rubric string) (*rules.SemanticVerdict, error) {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal snapshot")
	}
	temp := validateTemperature
	req := anthropic.MessageRequest{
		Model:       v.cfg.Model,
		MaxTokens:   512,
		System:      []anthropic.SystemBlock{{Text: validateSystemPrompt + rubric}},
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: &temp,
	}

	retry := v.policy.Retry
	retry.OnRetry = resilience.RetryLogger("anthropic", "validate")
	resp, err := resilience.Call(ctx, v.policy.Breaker, retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		resp, err := v.client.CreateMessage(ctx, req)
		return resp, classify(err)
	})
	if err != nil {
		return nil, err
	}
	resp.Usage.LogCost(v.cfg.Model, string(model.StepValidate))

	var verdict rules.SemanticVerdict
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(resp.Text())), &verdict); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "validate response: %v", err)
	}
	return &verdict, nil
}
