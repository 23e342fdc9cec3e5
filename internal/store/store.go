// Package store persists imports, companies, processing logs and pipeline
// configuration. PostgresStore is the production backend; SQLiteStore serves
// local runs and tests.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a lookup by id matches nothing.
	ErrNotFound = eris.New("store: not found")
	// ErrDuplicateHash is returned when a company hash is already stored.
	ErrDuplicateHash = eris.New("store: duplicate company hash")
	// ErrStaleStatus is returned when a guarded update matched no row because
	// the company has already left the expected source status.
	ErrStaleStatus = eris.New("store: company status changed")
	// ErrInvalidTransition is returned for an update the status machine forbids.
	ErrInvalidTransition = eris.New("store: invalid status transition")
)

// ImportFilter specifies criteria for listing imports.
type ImportFilter struct {
	Status model.ImportStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// Store defines the persistence interface for imports and the enrichment pipeline.
type Store interface {
	// Imports
	CreateImport(ctx context.Context, imp *model.Import) error
	UpdateImport(ctx context.Context, id string, upd model.ImportUpdate) error
	GetImport(ctx context.Context, id string) (*model.Import, error)
	ListImports(ctx context.Context, filter ImportFilter) ([]model.Import, error)

	// Companies
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
	InsertCompanies(ctx context.Context, companies []model.Company) error
	InsertCompany(ctx context.Context, company *model.Company) error
	GetCompany(ctx context.Context, id string) (*model.Company, error)
	ListCompanies(ctx context.Context, importID string, statuses ...model.CompanyStatus) ([]model.Company, error)
	UpdateCompany(ctx context.Context, id string, from []model.CompanyStatus, upd model.CompanyUpdate) error
	TransitionCompanies(ctx context.Context, importID string, from []model.CompanyStatus, to model.CompanyStatus) (int, error)
	CountByStatus(ctx context.Context, importID string) (map[model.CompanyStatus]int, error)

	// Processing logs
	AppendLogs(ctx context.Context, logs []model.ProcessingLog) error
	ListLogs(ctx context.Context, importID string) ([]model.ProcessingLog, error)

	// Pipeline configuration
	ActivePrompt(ctx context.Context, step model.PromptStep) (*model.Prompt, error)
	ActiveRules(ctx context.Context) ([]model.ColumnRule, error)
	SavePrompt(ctx context.Context, p *model.Prompt) error
	SaveRule(ctx context.Context, r *model.ColumnRule) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

// companyColumns is the column order shared by inserts and selects.
var companyColumns = []string{
	"id", "company_hash", "import_id", "external_id", "name", "formatted_name",
	"website", "domain", "email", "phone", "address", "formatted_address",
	"country_code", "country_name", "description", "enriched_description",
	"company_type", "categories", "tags", "certifications", "production_types",
	"accepts_startups", "enrichment_sources", "status", "created_at", "updated_at",
}

var importColumns = []string{
	"id", "filename", "row_count", "processed_count", "skipped_count", "error_count",
	"status", "mapping_config", "error_message", "created_at", "updated_at",
}

var logColumns = []string{
	"id", "company_id", "import_id", "step", "input", "output",
	"llm_model", "tokens_used", "duration_ms", "error", "created_at",
}

const ruleSelect = `SELECT id, column_name, rule_type, rule_config, error_message, is_active, created_at, updated_at FROM column_rules`

const promptSelect = `SELECT id, step, name, template, is_active, created_at, updated_at FROM prompts`

// checkTransition verifies every source status may move to the target.
func checkTransition(from []model.CompanyStatus, to model.CompanyStatus) error {
	if len(from) == 0 {
		return eris.Wrapf(ErrInvalidTransition, "no source status for %s", to)
	}
	for _, f := range from {
		if !model.CanTransition(f, to) {
			return eris.Wrapf(ErrInvalidTransition, "%s -> %s", f, to)
		}
	}
	return nil
}

func statusStrings(statuses []model.CompanyStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// companyValues returns the insert arguments in companyColumns order.
func companyValues(c *model.Company) []any {
	var startups any
	if c.AcceptsStartups != nil {
		startups = *c.AcceptsStartups
	}
	return []any{
		c.ID, c.CompanyHash, c.ImportID, c.ExternalID, c.Name, c.FormattedName,
		c.Website, c.Domain, c.Email, c.Phone, c.Address, c.FormattedAddress,
		c.CountryCode, c.CountryName, c.Description, c.EnrichedDescription,
		c.CompanyType, encodeList(c.Categories), encodeList(c.Tags),
		encodeList(c.Certifications), encodeList(c.ProductionTypes),
		startups, encodeList(c.EnrichmentSources), string(c.Status),
		c.CreatedAt, c.UpdatedAt,
	}
}

func logValues(l *model.ProcessingLog) []any {
	return []any{
		l.ID, l.CompanyID, l.ImportID, string(l.Step), nullableJSON(l.Input), nullableJSON(l.Output),
		l.LLMModel, l.TokensUsed, l.DurationMs, l.Error, l.CreatedAt,
	}
}

// prepareCompany assigns an id and timestamps to a company about to be inserted.
func prepareCompany(c *model.Company, id string, now time.Time) {
	if c.ID == "" {
		c.ID = id
	}
	if c.Status == "" {
		c.Status = model.StatusPending
	}
	c.CreatedAt = now
	c.UpdatedAt = now
}

// updateAssignments lists the columns and values a CompanyUpdate writes.
func updateAssignments(upd model.CompanyUpdate, now time.Time) ([]string, []any) {
	cols := []string{"status", "updated_at"}
	args := []any{string(upd.Status), now}
	add := func(col string, v *string) {
		if v != nil {
			cols = append(cols, col)
			args = append(args, *v)
		}
	}
	add("formatted_name", upd.FormattedName)
	add("formatted_address", upd.FormattedAddress)
	add("company_type", upd.CompanyType)
	add("enriched_description", upd.EnrichedDescription)
	if upd.EnrichmentSources != nil {
		cols = append(cols, "enrichment_sources")
		args = append(args, encodeList(upd.EnrichmentSources))
	}
	return cols, args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanCompany(row scannable) (*model.Company, error) {
	var (
		c                                 model.Company
		status                            string
		cats, tags, certs, prods, sources string
		startups                          sql.NullBool
	)
	err := row.Scan(
		&c.ID, &c.CompanyHash, &c.ImportID, &c.ExternalID, &c.Name, &c.FormattedName,
		&c.Website, &c.Domain, &c.Email, &c.Phone, &c.Address, &c.FormattedAddress,
		&c.CountryCode, &c.CountryName, &c.Description, &c.EnrichedDescription,
		&c.CompanyType, &cats, &tags, &certs, &prods,
		&startups, &sources, &status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = model.CompanyStatus(status)
	if startups.Valid {
		b := startups.Bool
		c.AcceptsStartups = &b
	}
	for _, f := range []struct {
		dst *[]string
		src string
	}{
		{&c.Categories, cats},
		{&c.Tags, tags},
		{&c.Certifications, certs},
		{&c.ProductionTypes, prods},
		{&c.EnrichmentSources, sources},
	} {
		list, err := decodeList(f.src)
		if err != nil {
			return nil, eris.Wrapf(err, "decode list for company %s", c.ID)
		}
		*f.dst = list
	}
	return &c, nil
}

func scanImport(row scannable) (*model.Import, error) {
	var (
		imp      model.Import
		status   string
		mappings string
	)
	err := row.Scan(
		&imp.ID, &imp.Filename, &imp.RowCount, &imp.ProcessedCount, &imp.SkippedCount,
		&imp.ErrorCount, &status, &mappings, &imp.ErrorMessage, &imp.CreatedAt, &imp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	imp.Status = model.ImportStatus(status)
	if mappings != "" && mappings != "null" {
		if err := json.Unmarshal([]byte(mappings), &imp.MappingConfig); err != nil {
			return nil, eris.Wrapf(err, "decode mapping config for import %s", imp.ID)
		}
	}
	return &imp, nil
}

func scanLog(row scannable) (*model.ProcessingLog, error) {
	var (
		l             model.ProcessingLog
		step          string
		input, output sql.NullString
	)
	err := row.Scan(
		&l.ID, &l.CompanyID, &l.ImportID, &step, &input, &output,
		&l.LLMModel, &l.TokensUsed, &l.DurationMs, &l.Error, &l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Step = model.Step(step)
	if input.Valid {
		l.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		l.Output = json.RawMessage(output.String)
	}
	return &l, nil
}

func scanRule(row scannable) (*model.ColumnRule, error) {
	var (
		r        model.ColumnRule
		ruleType string
		config   string
	)
	err := row.Scan(&r.ID, &r.ColumnName, &ruleType, &config, &r.ErrorMessage, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RuleType = model.RuleType(ruleType)
	if config != "" && config != "null" {
		if err := json.Unmarshal([]byte(config), &r.RuleConfig); err != nil {
			return nil, eris.Wrapf(err, "decode config for rule %s", r.ID)
		}
	}
	return &r, nil
}

func scanPrompt(row scannable) (*model.Prompt, error) {
	var (
		p    model.Prompt
		step string
	)
	if err := row.Scan(&p.ID, &step, &p.Name, &p.Template, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Step = model.PromptStep(step)
	return &p, nil
}

func prepareLog(l *model.ProcessingLog, id string, now time.Time) {
	if l.ID == "" {
		l.ID = id
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
}

// importAssignments lists the columns and values an ImportUpdate writes.
func importAssignments(upd model.ImportUpdate, now time.Time) ([]string, []any) {
	cols := []string{"updated_at"}
	args := []any{now}
	if upd.Status != nil {
		cols = append(cols, "status")
		args = append(args, string(*upd.Status))
	}
	for _, f := range []struct {
		col string
		v   *int
	}{
		{"processed_count", upd.ProcessedCount},
		{"skipped_count", upd.SkippedCount},
		{"error_count", upd.ErrorCount},
	} {
		if f.v != nil {
			cols = append(cols, f.col)
			args = append(args, *f.v)
		}
	}
	if upd.ErrorMessage != nil {
		cols = append(cols, "error_message")
		args = append(args, *upd.ErrorMessage)
	}
	return cols, args
}
