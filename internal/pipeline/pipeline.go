// Package pipeline advances the companies of an import through the clean,
// research and validate stages. Each stage selects companies at its source
// status, so a company's status doubles as the resume checkpoint and a stage
// can be re-run safely after an interruption.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/rules"
	"github.com/sells-group/supplier-pipeline/internal/store"
)

var (
	// ErrNoActivePrompt is a configuration error: the stage has no prompt.
	ErrNoActivePrompt = eris.New("pipeline: no active prompt")
	// ErrUnknownStep is returned by RunStep for a step name it does not know.
	ErrUnknownStep = eris.New("pipeline: unknown step")
)

// ConfigSource supplies prompts and rules at call time. store.Store
// satisfies it.
type ConfigSource interface {
	ActivePrompt(ctx context.Context, step model.PromptStep) (*model.Prompt, error)
	ActiveRules(ctx context.Context) ([]model.ColumnRule, error)
}

// Store is the persistence the stages need. store.Store satisfies it.
type Store interface {
	GetImport(ctx context.Context, id string) (*model.Import, error)
	UpdateImport(ctx context.Context, id string, upd model.ImportUpdate) error
	ListCompanies(ctx context.Context, importID string, statuses ...model.CompanyStatus) ([]model.Company, error)
	UpdateCompany(ctx context.Context, id string, from []model.CompanyStatus, upd model.CompanyUpdate) error
	TransitionCompanies(ctx context.Context, importID string, from []model.CompanyStatus, to model.CompanyStatus) (int, error)
	CountByStatus(ctx context.Context, importID string) (map[model.CompanyStatus]int, error)
	AppendLogs(ctx context.Context, logs []model.ProcessingLog) error
}

// CleanInput is one company sent to the Cleaner.
type CleanInput struct {
	CompanyHash string `json:"company_hash"`
	Name        string `json:"name"`
	Address     string `json:"address,omitempty"`
	Description string `json:"description,omitempty"`
	CompanyType string `json:"company_type,omitempty"`
}

// CleanOutput is the Cleaner's answer for one company, matched by hash.
type CleanOutput struct {
	CompanyHash         string `json:"company_hash"`
	FormattedName       string `json:"formatted_name"`
	FormattedAddress    string `json:"formatted_address"`
	CompanyType         string `json:"company_type,omitempty"`
	EnrichedDescription string `json:"enriched_description"`
	TokensUsed          int    `json:"-"`
}

// Cleaner formats and classifies companies using a prompt template.
type Cleaner interface {
	Clean(ctx context.Context, template string, companies []CleanInput) ([]CleanOutput, error)
	Model() string
}

// ResearchQuery is one web research request scoped to a single domain.
type ResearchQuery struct {
	Prompt string
	Domain string
}

// ResearchAnswer is free text plus the sources it was drawn from.
type ResearchAnswer struct {
	Content    string
	Sources    []string
	TokensUsed int
}

// Researcher answers research queries with web search.
type Researcher interface {
	Research(ctx context.Context, q ResearchQuery) (*ResearchAnswer, error)
	Model() string
}

// Providers bundles the external services the stages call. Validator is
// only used when custom rules are enabled.
type Providers struct {
	Cleaner    Cleaner
	Researcher Researcher
	Validator  rules.SemanticValidator
}

// NoResearchDelay turns off research pacing when set as Config.ResearchDelay.
const NoResearchDelay time.Duration = -1

// Config tunes the stages.
type Config struct {
	CleanBatchSize    int
	ResearchDelay     time.Duration
	AddressMinLen     int
	DescriptionMinLen int
	EnableCustomRules bool
}

// DefaultConfig returns the stage defaults.
func DefaultConfig() Config {
	return Config{
		CleanBatchSize:    15,
		ResearchDelay:     500 * time.Millisecond,
		AddressMinLen:     10,
		DescriptionMinLen: 30,
	}
}

// Runner runs pipeline stages for imports.
type Runner struct {
	store     Store
	config    ConfigSource
	providers Providers
	cfg       Config
	limiter   *rate.Limiter
	now       func() time.Time
}

// New creates a Runner. Zero numeric Config fields take their defaults,
// including ResearchDelay; a negative ResearchDelay (NoResearchDelay)
// disables pacing. EnableCustomRules is used as given.
func New(st Store, cs ConfigSource, p Providers, cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.ResearchDelay == 0 {
		cfg.ResearchDelay = def.ResearchDelay
	}
	if cfg.CleanBatchSize <= 0 {
		cfg.CleanBatchSize = def.CleanBatchSize
	}
	if cfg.AddressMinLen <= 0 {
		cfg.AddressMinLen = def.AddressMinLen
	}
	if cfg.DescriptionMinLen <= 0 {
		cfg.DescriptionMinLen = def.DescriptionMinLen
	}

	limit := rate.Inf
	if cfg.ResearchDelay > 0 {
		limit = rate.Every(cfg.ResearchDelay)
	}
	return &Runner{
		store:     st,
		config:    cs,
		providers: p,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, 1),
		now:       time.Now,
	}
}

// RunFull runs clean, research and validate in order. The import is marked
// processing first; a stage error marks it failed and is returned. Otherwise
// the import ends completed, or completed_with_errors when any stage
// recorded a per-record error.
func (r *Runner) RunFull(ctx context.Context, importID string) (*model.PipelineResult, error) {
	if _, err := r.store.GetImport(ctx, importID); err != nil {
		return nil, eris.Wrapf(err, "pipeline: load import %s", importID)
	}
	log := zap.L().With(zap.String("import_id", importID))

	if err := r.setImportStatus(ctx, importID, model.ImportProcessing, ""); err != nil {
		return nil, err
	}
	log.Info("pipeline: started")
	start := r.now()

	res := &model.PipelineResult{ImportID: importID}
	fail := func(step model.Step, err error) (*model.PipelineResult, error) {
		log.Error("pipeline: stage failed", zap.String("step", string(step)), zap.Error(err))
		if uerr := r.setImportStatus(context.WithoutCancel(ctx), importID, model.ImportFailed, err.Error()); uerr != nil {
			log.Error("pipeline: mark import failed", zap.Error(uerr))
		}
		return res, err
	}

	clean, err := r.Clean(ctx, importID)
	if err != nil {
		return fail(model.StepClean, err)
	}
	res.Clean = clean

	research, err := r.Research(ctx, importID)
	if err != nil {
		return fail(model.StepResearch, err)
	}
	res.Research = research

	validate, err := r.Validate(ctx, importID)
	if err != nil {
		return fail(model.StepValidate, err)
	}
	res.Validate = validate

	res.TotalProcessed = clean.Processed + research.Processed + validate.Processed
	res.TotalErrors = len(clean.Errors) + len(research.Errors) + len(validate.Errors)

	status := model.ImportCompleted
	if res.TotalErrors > 0 {
		status = model.ImportCompletedWithErrors
	}
	if err := r.setImportStatus(ctx, importID, status, ""); err != nil {
		return res, err
	}

	log.Info("pipeline: finished",
		zap.String("status", string(status)),
		zap.Int("processed", res.TotalProcessed),
		zap.Int("errors", res.TotalErrors),
		zap.Int64("duration_ms", r.now().Sub(start).Milliseconds()),
	)
	return res, nil
}

// RunStep runs a single stage out of sequence. For validate, the counts are
// folded into the returned StepResult and the rule violations are kept in
// its Issues.
func (r *Runner) RunStep(ctx context.Context, importID string, step model.Step) (*model.StepResult, error) {
	switch step {
	case model.StepClean:
		return r.Clean(ctx, importID)
	case model.StepResearch:
		return r.Research(ctx, importID)
	case model.StepValidate:
		v, err := r.Validate(ctx, importID)
		if err != nil {
			return nil, err
		}
		return &model.StepResult{Processed: v.Processed, Errors: v.Errors, Issues: v.Issues}, nil
	default:
		return nil, eris.Wrapf(ErrUnknownStep, "%q", step)
	}
}

// Status returns the import and its per-status company counts.
func (r *Runner) Status(ctx context.Context, importID string) (*model.PipelineStatus, error) {
	imp, err := r.store.GetImport(ctx, importID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load import %s", importID)
	}
	counts, err := r.store.CountByStatus(ctx, importID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: count companies")
	}
	st := &model.PipelineStatus{Import: *imp, Counts: make(map[model.CompanyStatus]int, len(model.AllStatuses))}
	for _, s := range model.AllStatuses {
		st.Counts[s] = counts[s]
		st.Total += counts[s]
	}
	return st, nil
}

func (r *Runner) setImportStatus(ctx context.Context, importID string, status model.ImportStatus, msg string) error {
	upd := model.ImportUpdate{Status: &status}
	if msg != "" {
		upd.ErrorMessage = &msg
	}
	if err := r.store.UpdateImport(ctx, importID, upd); err != nil {
		return eris.Wrapf(err, "pipeline: set import %s %s", importID, status)
	}
	return nil
}

// appendLogs writes stage logs. A failed log write is reported but does not
// undo the status updates already made.
func (r *Runner) appendLogs(ctx context.Context, step model.Step, logs []model.ProcessingLog) {
	if len(logs) == 0 {
		return
	}
	if err := r.store.AppendLogs(ctx, logs); err != nil {
		zap.L().Error("pipeline: append processing logs",
			zap.String("step", string(step)), zap.Int("count", len(logs)), zap.Error(err))
	}
}

func newLog(c model.Company, step model.Step, input, output any) model.ProcessingLog {
	return model.ProcessingLog{
		CompanyID: c.ID,
		ImportID:  c.ImportID,
		Step:      step,
		Input:     snapshot(input),
		Output:    snapshot(output),
	}
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// isStale reports whether an update lost a race with another run that
// already moved the company on.
func isStale(err error) bool {
	return errors.Is(err, store.ErrStaleStatus)
}
