package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

var researchSources = []model.CompanyStatus{model.StatusCleaned}

// DefaultAddressPrompt is used when no research_address prompt is active.
const DefaultAddressPrompt = `Extract only the official, complete address of the company '{company_name}' from the company's website, checking sections like 'Contact Us', 'About Us', or 'Legal Notice'. The address should be formatted for use in Google Maps (e.g., "House Number, Street, City, State, Zip, Country").

If no suitable address is found, leave the output completely blank.

Constrain the search to exclusively the following domain: '{domain}'.

If multiple addresses are listed (e.g., various branches), return only the one located in the company's country of origin: {country}.`

// DefaultDescriptionPrompt is used when no research_description prompt is active.
const DefaultDescriptionPrompt = `Write a unique, friendly, and engaging company description in 150 words or fewer for the company '{company_name}'. Describe what the company offers, its strengths, and what makes it valuable or unique. Avoid generic phrases; focus on specific offerings, products, or services. Use a professional but approachable tone.

Constrain the search to exclusively the following domain: {domain}

Return only the description text, nothing else. If you cannot find enough information, return an empty response.`

// hedges mark provider answers that admit nothing was found.
var hedges = []string{
	"could not find",
	"couldn't find",
	"unable to find",
	"not found",
	"no address",
	"no information",
	"not available",
}

// Plausible reports whether a research answer is usable: non-empty, at least
// minLen characters long and free of phrases admitting nothing was found.
func Plausible(content string, minLen int) bool {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) < minLen {
		return false
	}
	lower := strings.ToLower(content)
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			return false
		}
	}
	return true
}

// RenderPrompt fills the {company_name}, {domain} and {country} placeholders.
func RenderPrompt(template string, c model.Company) string {
	name := c.FormattedName
	if name == "" {
		name = c.Name
	}
	country := c.CountryName
	if country == "" {
		country = "unknown"
	}
	return strings.NewReplacer(
		"{company_name}", name,
		"{domain}", c.Domain,
		"{country}", country,
	).Replace(template)
}

type researchPrompts struct {
	address     string
	description string
}

type researchLog struct {
	Field   string   `json:"field"`
	Found   bool     `json:"found"`
	Content string   `json:"content,omitempty"`
	Sources []string `json:"sources,omitempty"`
}

// Research looks up missing addresses and descriptions for cleaned companies
// on their own domain and moves them to researched. Companies without a
// domain advance without a provider call. Finding nothing is not an error;
// a provider failure is, and leaves the company cleaned.
func (r *Runner) Research(ctx context.Context, importID string) (*model.StepResult, error) {
	log := zap.L().With(zap.String("import_id", importID), zap.String("step", string(model.StepResearch)))

	companies, err := r.store.ListCompanies(ctx, importID, researchSources...)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list cleaned companies")
	}
	res := &model.StepResult{Errors: []string{}}

	var todo []model.Company
	for _, c := range companies {
		if c.FormattedAddress == "" || c.EnrichedDescription == "" {
			todo = append(todo, c)
		}
	}
	if len(todo) == 0 {
		log.Info("pipeline: nothing to research")
		return res, nil
	}

	prompts, err := r.researchPrompts(ctx)
	if err != nil {
		return nil, err
	}
	if r.providers.Researcher == nil {
		return nil, eris.New("pipeline: no researcher configured")
	}

	logs := make([]model.ProcessingLog, 0, len(todo))
	for _, c := range todo {
		if err := ctx.Err(); err != nil {
			r.appendLogs(context.WithoutCancel(ctx), model.StepResearch, logs)
			return nil, eris.Wrap(err, "pipeline: research")
		}
		entry, err := r.researchCompany(ctx, c, prompts)
		if isStale(err) {
			log.Warn("pipeline: company already researched elsewhere", zap.String("company_hash", c.CompanyHash))
			continue
		}
		if entry != nil {
			logs = append(logs, *entry)
		}
		if err != nil {
			if ctx.Err() != nil {
				r.appendLogs(context.WithoutCancel(ctx), model.StepResearch, logs)
				return nil, eris.Wrap(ctx.Err(), "pipeline: research")
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: research failed: %v", c.Name, err))
			continue
		}
		res.Processed++
	}
	r.appendLogs(ctx, model.StepResearch, logs)

	log.Info("pipeline: research finished", zap.Int("processed", res.Processed), zap.Int("errors", len(res.Errors)))
	return res, nil
}

func (r *Runner) researchPrompts(ctx context.Context) (researchPrompts, error) {
	p := researchPrompts{address: DefaultAddressPrompt, description: DefaultDescriptionPrompt}
	addr, err := r.config.ActivePrompt(ctx, model.PromptResearchAddress)
	if err != nil {
		return p, eris.Wrap(err, "pipeline: load research_address prompt")
	}
	if addr != nil && addr.Template != "" {
		p.address = addr.Template
	}
	desc, err := r.config.ActivePrompt(ctx, model.PromptResearchDescription)
	if err != nil {
		return p, eris.Wrap(err, "pipeline: load research_description prompt")
	}
	if desc != nil && desc.Template != "" {
		p.description = desc.Template
	}
	return p, nil
}

func (r *Runner) researchCompany(ctx context.Context, c model.Company, prompts researchPrompts) (*model.ProcessingLog, error) {
	start := r.now()
	entry := newLog(c, model.StepResearch, map[string]any{
		"company_hash":        c.CompanyHash,
		"domain":              c.Domain,
		"missing_address":     c.FormattedAddress == "",
		"missing_description": c.EnrichedDescription == "",
	}, nil)
	entry.LLMModel = r.providers.Researcher.Model()

	upd := model.CompanyUpdate{Status: model.StatusResearched}
	var found []researchLog

	if c.Domain != "" {
		if c.FormattedAddress == "" {
			got, tokens, err := r.ask(ctx, c, prompts.address, r.cfg.AddressMinLen)
			entry.TokensUsed += tokens
			if err != nil {
				return r.failedLog(entry, start, err), err
			}
			found = append(found, researchLog{Field: "formatted_address", Found: got != nil})
			if got != nil {
				upd.FormattedAddress = &got.Content
				found[len(found)-1].Content = got.Content
				found[len(found)-1].Sources = got.Sources
				upd.EnrichmentSources = mergeSources(mergeSources(upd.EnrichmentSources, c.EnrichmentSources), got.Sources)
			}
		}
		if c.EnrichedDescription == "" {
			got, tokens, err := r.ask(ctx, c, prompts.description, r.cfg.DescriptionMinLen)
			entry.TokensUsed += tokens
			if err != nil {
				return r.failedLog(entry, start, err), err
			}
			found = append(found, researchLog{Field: "enriched_description", Found: got != nil})
			if got != nil {
				upd.EnrichedDescription = &got.Content
				found[len(found)-1].Content = got.Content
				found[len(found)-1].Sources = got.Sources
				upd.EnrichmentSources = mergeSources(mergeSources(upd.EnrichmentSources, c.EnrichmentSources), got.Sources)
			}
		}
	}

	if err := r.store.UpdateCompany(ctx, c.ID, researchSources, upd); err != nil {
		return r.failedLog(entry, start, err), eris.Wrap(err, "update company")
	}
	entry.Output = snapshot(map[string]any{"skipped_no_domain": c.Domain == "", "fields": found})
	entry.DurationMs = r.now().Sub(start).Milliseconds()
	return &entry, nil
}

// ask runs one rate-limited research query and applies the plausibility
// filter. A nil answer means nothing usable was found.
func (r *Runner) ask(ctx context.Context, c model.Company, template string, minLen int) (*ResearchAnswer, int, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, 0, eris.Wrap(err, "rate limit")
	}
	ans, err := r.providers.Researcher.Research(ctx, ResearchQuery{
		Prompt: RenderPrompt(template, c),
		Domain: c.Domain,
	})
	if err != nil {
		return nil, 0, err
	}
	if ans == nil {
		return nil, 0, nil
	}
	if !Plausible(ans.Content, minLen) {
		zap.L().Debug("pipeline: research answer rejected",
			zap.String("company_hash", c.CompanyHash), zap.Int("length", len(ans.Content)))
		return nil, ans.TokensUsed, nil
	}
	ans.Content = strings.TrimSpace(ans.Content)
	return ans, ans.TokensUsed, nil
}

func (r *Runner) failedLog(entry model.ProcessingLog, start time.Time, err error) *model.ProcessingLog {
	entry.Error = err.Error()
	entry.DurationMs = r.now().Sub(start).Milliseconds()
	return &entry
}

// mergeSources appends the sources not yet in base, keeping order.
func mergeSources(base, add []string) []string {
	seen := make(map[string]bool, len(base)+len(add))
	out := make([]string, 0, len(base)+len(add))
	for _, s := range append(append([]string(nil), base...), add...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
