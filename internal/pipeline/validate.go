package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/rules"
)

var validateSources = []model.CompanyStatus{model.StatusCleaned, model.StatusResearched}

// Validate checks cleaned and researched companies against the active column
// rules. Companies without violations become validated, the rest failed with
// their issues logged. With no active rules every company is validated in a
// single update.
func (r *Runner) Validate(ctx context.Context, importID string) (*model.ValidateResult, error) {
	log := zap.L().With(zap.String("import_id", importID), zap.String("step", string(model.StepValidate)))

	active, err := r.config.ActiveRules(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load column rules")
	}
	engine, err := rules.Compile(active)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: compile column rules")
	}

	res := &model.ValidateResult{Errors: []string{}}
	if engine.Len() == 0 {
		n, err := r.store.TransitionCompanies(ctx, importID, validateSources, model.StatusValidated)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: validate all companies")
		}
		res.Processed, res.Valid = n, n
		log.Info("pipeline: no active rules, all companies validated", zap.Int("count", n))
		return res, nil
	}

	companies, err := r.store.ListCompanies(ctx, importID, validateSources...)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list companies to validate")
	}

	opts := rules.Options{EnableCustom: r.cfg.EnableCustomRules, Validator: r.providers.Validator}
	logs := make([]model.ProcessingLog, 0, len(companies))
	for _, c := range companies {
		start := r.now()
		issues, err := engine.Evaluate(ctx, rules.Project(c), opts)
		if err != nil {
			if ctx.Err() != nil {
				r.appendLogs(context.WithoutCancel(ctx), model.StepValidate, logs)
				return nil, eris.Wrap(ctx.Err(), "pipeline: validate")
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: validation failed: %v", c.Name, err))
			continue
		}

		status := model.StatusValidated
		if len(issues) > 0 {
			status = model.StatusFailed
		}
		if err := r.store.UpdateCompany(ctx, c.ID, validateSources, model.CompanyUpdate{Status: status}); err != nil {
			if isStale(err) {
				log.Warn("pipeline: company already validated elsewhere", zap.String("company_hash", c.CompanyHash))
				continue
			}
			res.Errors = append(res.Errors, fmt.Sprintf("%s: update failed: %v", c.Name, err))
			continue
		}

		res.Processed++
		if len(issues) == 0 {
			res.Valid++
			continue
		}
		res.Invalid++
		res.Issues = append(res.Issues, model.CompanyIssues{
			CompanyID:   c.ID,
			CompanyHash: c.CompanyHash,
			Name:        c.Name,
			Issues:      issues,
		})

		entry := newLog(c, model.StepValidate,
			map[string]any{"company_hash": c.CompanyHash},
			map[string]any{"valid": false, "errors": issues},
		)
		entry.DurationMs = r.now().Sub(start).Milliseconds()
		logs = append(logs, entry)
	}
	r.appendLogs(ctx, model.StepValidate, logs)

	log.Info("pipeline: validate finished",
		zap.Int("processed", res.Processed),
		zap.Int("valid", res.Valid),
		zap.Int("invalid", res.Invalid),
		zap.Int("errors", len(res.Errors)),
	)
	return res, nil
}
