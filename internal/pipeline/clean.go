package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/batch"
	"github.com/sells-group/supplier-pipeline/internal/model"
)

var cleanSources = []model.CompanyStatus{model.StatusPending}

// companyTypes are the classifications the cleaner may assign.
var companyTypes = map[string]bool{"seller": true, "buyer": true}

// Clean formats pending companies with the Cleaner and moves them to
// cleaned. A missing clean prompt fails the stage before any company is
// touched. Provider failures are retried per company and then recorded as
// errors, leaving the company pending.
func (r *Runner) Clean(ctx context.Context, importID string) (*model.StepResult, error) {
	log := zap.L().With(zap.String("import_id", importID), zap.String("step", string(model.StepClean)))

	prompt, err := r.config.ActivePrompt(ctx, model.PromptClean)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load clean prompt")
	}
	if prompt == nil || prompt.Template == "" {
		return nil, eris.Wrap(ErrNoActivePrompt, string(model.PromptClean))
	}
	if r.providers.Cleaner == nil {
		return nil, eris.New("pipeline: no cleaner configured")
	}

	companies, err := r.store.ListCompanies(ctx, importID, cleanSources...)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list pending companies")
	}
	res := &model.StepResult{Errors: []string{}}
	if len(companies) == 0 {
		log.Info("pipeline: nothing to clean")
		return res, nil
	}

	inputs := make([]CleanInput, len(companies))
	byHash := make(map[string]model.Company, len(companies))
	for i, c := range companies {
		inputs[i] = CleanInput{
			CompanyHash: c.CompanyHash,
			Name:        c.Name,
			Address:     c.Address,
			Description: c.Description,
			CompanyType: c.CompanyType,
		}
		byHash[c.CompanyHash] = c
	}

	durations := make(map[string]time.Duration, len(companies))
	results, err := batch.Process(ctx, inputs, batch.Options[CleanInput, CleanOutput]{
		Size:   r.cfg.CleanBatchSize,
		InKey:  func(in CleanInput) string { return in.CompanyHash },
		OutKey: func(out CleanOutput) string { return out.CompanyHash },
		Call: func(ctx context.Context, group []CleanInput) ([]CleanOutput, error) {
			start := r.now()
			outs, err := r.providers.Cleaner.Clean(ctx, prompt.Template, group)
			elapsed := r.now().Sub(start)
			for _, in := range group {
				durations[in.CompanyHash] = elapsed
			}
			return outs, err
		},
		OnRetry: func(size int, err error) {
			log.Warn("pipeline: clean batch failed, retrying individually", zap.Int("size", size), zap.Error(err))
		},
	})
	if err != nil {
		return nil, err
	}

	llm := r.providers.Cleaner.Model()
	logs := make([]model.ProcessingLog, 0, len(results))
	for _, br := range results {
		c := byHash[br.Item.CompanyHash]
		entry := newLog(c, model.StepClean, br.Item, nil)
		entry.LLMModel = llm
		entry.DurationMs = durations[c.CompanyHash].Milliseconds()

		if br.Err != nil {
			msg := fmt.Sprintf("%s: clean failed: %v", c.Name, br.Err)
			res.Errors = append(res.Errors, msg)
			entry.Error = br.Err.Error()
			logs = append(logs, entry)
			continue
		}

		out := br.Out
		companyType := c.CompanyType
		if companyTypes[out.CompanyType] {
			companyType = out.CompanyType
		}
		upd := model.CompanyUpdate{
			Status:              model.StatusCleaned,
			FormattedName:       &out.FormattedName,
			FormattedAddress:    &out.FormattedAddress,
			CompanyType:         &companyType,
			EnrichedDescription: &out.EnrichedDescription,
		}
		if err := r.store.UpdateCompany(ctx, c.ID, cleanSources, upd); err != nil {
			if isStale(err) {
				log.Warn("pipeline: company already cleaned elsewhere", zap.String("company_hash", c.CompanyHash))
				continue
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: update failed: %v", c.Name, err))
			entry.Error = err.Error()
			logs = append(logs, entry)
			continue
		}

		res.Processed++
		entry.Output = snapshot(out)
		entry.TokensUsed = out.TokensUsed
		logs = append(logs, entry)
	}
	r.appendLogs(ctx, model.StepClean, logs)

	log.Info("pipeline: clean finished", zap.Int("processed", res.Processed), zap.Int("errors", len(res.Errors)))
	return res, nil
}
