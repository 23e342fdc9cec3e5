package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/db"
	"github.com/sells-group/supplier-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the per-company pipeline updates.
var preparedStatements = map[string]string{
	"get_import":      `SELECT ` + strings.Join(importColumns, ", ") + ` FROM imports WHERE id = $1`,
	"existing_hashes": `SELECT company_hash FROM companies WHERE company_hash = ANY($1)`,
	"count_by_status": `SELECT status, COUNT(*) FROM companies WHERE import_id = $1 GROUP BY status`,
	"active_prompt":   promptSelect + ` WHERE step = $1 AND is_active ORDER BY updated_at DESC LIMIT 1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS imports (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	filename        TEXT NOT NULL,
	row_count       INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	skipped_count   INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	mapping_config  JSONB NOT NULL DEFAULT '[]',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS companies (
	id                   TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_hash         TEXT NOT NULL UNIQUE,
	import_id            TEXT NOT NULL REFERENCES imports(id),
	external_id          TEXT NOT NULL DEFAULT '',
	name                 TEXT NOT NULL,
	formatted_name       TEXT NOT NULL DEFAULT '',
	website              TEXT NOT NULL DEFAULT '',
	domain               TEXT NOT NULL DEFAULT '',
	email                TEXT NOT NULL DEFAULT '',
	phone                TEXT NOT NULL DEFAULT '',
	address              TEXT NOT NULL DEFAULT '',
	formatted_address    TEXT NOT NULL DEFAULT '',
	country_code         TEXT NOT NULL DEFAULT '',
	country_name         TEXT NOT NULL DEFAULT '',
	description          TEXT NOT NULL DEFAULT '',
	enriched_description TEXT NOT NULL DEFAULT '',
	company_type         TEXT NOT NULL DEFAULT '',
	categories           JSONB NOT NULL DEFAULT '[]',
	tags                 JSONB NOT NULL DEFAULT '[]',
	certifications       JSONB NOT NULL DEFAULT '[]',
	production_types     JSONB NOT NULL DEFAULT '[]',
	accepts_startups     BOOLEAN,
	enrichment_sources   JSONB NOT NULL DEFAULT '[]',
	status               TEXT NOT NULL DEFAULT 'pending',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_companies_import_status ON companies(import_id, status);

CREATE TABLE IF NOT EXISTS processing_logs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	company_id  TEXT NOT NULL DEFAULT '',
	import_id   TEXT NOT NULL DEFAULT '',
	step        TEXT NOT NULL,
	input       JSONB,
	output      JSONB,
	llm_model   TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_processing_logs_import ON processing_logs(import_id);
CREATE INDEX IF NOT EXISTS idx_processing_logs_company ON processing_logs(company_id);

CREATE TABLE IF NOT EXISTS prompts (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	step       TEXT NOT NULL,
	name       TEXT NOT NULL,
	template   TEXT NOT NULL,
	is_active  BOOLEAN NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (step, name)
);

CREATE TABLE IF NOT EXISTS column_rules (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	column_name   TEXT NOT NULL,
	rule_type     TEXT NOT NULL,
	rule_config   JSONB NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	is_active     BOOLEAN NOT NULL DEFAULT true,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (column_name, rule_type)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Imports ---

func (s *PostgresStore) CreateImport(ctx context.Context, imp *model.Import) error {
	now := time.Now().UTC()
	if imp.ID == "" {
		imp.ID = uuid.New().String()
	}
	if imp.Status == "" {
		imp.Status = model.ImportPending
	}
	imp.CreatedAt, imp.UpdatedAt = now, now

	mappings, err := json.Marshal(imp.MappingConfig)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal mapping config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO imports (`+strings.Join(importColumns, ", ")+`) VALUES (`+pgPlaceholders(1, len(importColumns))+`)`,
		imp.ID, imp.Filename, imp.RowCount, imp.ProcessedCount, imp.SkippedCount, imp.ErrorCount,
		string(imp.Status), string(mappings), imp.ErrorMessage, now, now,
	)
	return eris.Wrapf(err, "postgres: insert import %s", imp.ID)
}

func (s *PostgresStore) UpdateImport(ctx context.Context, id string, upd model.ImportUpdate) error {
	cols, args := importAssignments(upd, time.Now().UTC())
	args = append(args, id)

	tag, err := s.pool.Exec(ctx,
		`UPDATE imports SET `+pgAssign(cols, 1)+` WHERE id = $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update import %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "import %s", id)
	}
	return nil
}

func (s *PostgresStore) GetImport(ctx context.Context, id string) (*model.Import, error) {
	imp, err := scanImport(s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(importColumns, ", ")+` FROM imports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "import %s", id)
	}
	return imp, eris.Wrapf(err, "postgres: get import %s", id)
}

func (s *PostgresStore) ListImports(ctx context.Context, filter ImportFilter) ([]model.Import, error) {
	query := `SELECT ` + strings.Join(importColumns, ", ") + ` FROM imports WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list imports")
	}
	defer rows.Close()

	var out []model.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan import")
		}
		out = append(out, *imp)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list imports iterate")
}

// --- Companies ---

func (s *PostgresStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(hashes) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT company_hash FROM companies WHERE company_hash = ANY($1)`, hashes)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing hashes")
	}
	defer rows.Close()
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "postgres: scan hash")
		}
		out[h] = true
	}
	return out, eris.Wrap(rows.Err(), "postgres: existing hashes iterate")
}

// InsertCompanies inserts the batch with a single COPY, which either stores
// every row or none. Ids and timestamps are assigned in place.
func (s *PostgresStore) InsertCompanies(ctx context.Context, companies []model.Company) error {
	if len(companies) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(companies))
	for i := range companies {
		prepareCompany(&companies[i], uuid.New().String(), now)
		rows[i] = companyValues(&companies[i])
	}
	if _, err := db.CopyFrom(ctx, s.pool, "companies", companyColumns, rows); err != nil {
		if db.IsUniqueViolation(err) {
			return eris.Wrap(ErrDuplicateHash, err.Error())
		}
		return eris.Wrap(err, "postgres: insert companies")
	}
	return nil
}

func (s *PostgresStore) InsertCompany(ctx context.Context, c *model.Company) error {
	prepareCompany(c, uuid.New().String(), time.Now().UTC())
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (`+strings.Join(companyColumns, ", ")+`) VALUES (`+pgPlaceholders(1, len(companyColumns))+`)`,
		companyValues(c)...,
	)
	if db.IsUniqueViolation(err) {
		return eris.Wrapf(ErrDuplicateHash, "hash %s", c.CompanyHash)
	}
	return eris.Wrapf(err, "postgres: insert company %s", c.CompanyHash)
}

func (s *PostgresStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	c, err := scanCompany(s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(companyColumns, ", ")+` FROM companies WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "company %s", id)
	}
	return c, eris.Wrapf(err, "postgres: get company %s", id)
}

func (s *PostgresStore) ListCompanies(ctx context.Context, importID string, statuses ...model.CompanyStatus) ([]model.Company, error) {
	query := `SELECT ` + strings.Join(companyColumns, ", ") + ` FROM companies WHERE import_id = $1`
	args := []any{importID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		args = append(args, statusStrings(statuses))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list companies for import %s", importID)
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list companies iterate")
}

// UpdateCompany writes upd only while the company is still in one of the
// from statuses.
func (s *PostgresStore) UpdateCompany(ctx context.Context, id string, from []model.CompanyStatus, upd model.CompanyUpdate) error {
	if err := checkTransition(from, upd.Status); err != nil {
		return err
	}
	cols, args := updateAssignments(upd, time.Now().UTC())
	n := len(args)
	args = append(args, id, statusStrings(from))

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE companies SET %s WHERE id = $%d AND status = ANY($%d)`, pgAssign(cols, 1), n+1, n+2),
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update company %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrStaleStatus, "company %s not in %v", id, from)
	}
	return nil
}

func (s *PostgresStore) TransitionCompanies(ctx context.Context, importID string, from []model.CompanyStatus, to model.CompanyStatus) (int, error) {
	if err := checkTransition(from, to); err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE companies SET status = $1, updated_at = $2 WHERE import_id = $3 AND status = ANY($4)`,
		string(to), time.Now().UTC(), importID, statusStrings(from),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: transition companies for import %s", importID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context, importID string) (map[model.CompanyStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM companies WHERE import_id = $1 GROUP BY status`, importID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count companies for import %s", importID)
	}
	defer rows.Close()

	out := make(map[model.CompanyStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		out[model.CompanyStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "postgres: count companies iterate")
}

// --- Processing logs ---

func (s *PostgresStore) AppendLogs(ctx context.Context, logs []model.ProcessingLog) error {
	if len(logs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, len(logs))
	for i := range logs {
		prepareLog(&logs[i], uuid.New().String(), now)
		rows[i] = logValues(&logs[i])
	}
	_, err := db.CopyFrom(ctx, s.pool, "processing_logs", logColumns, rows)
	return eris.Wrap(err, "postgres: append logs")
}

func (s *PostgresStore) ListLogs(ctx context.Context, importID string) ([]model.ProcessingLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strings.Join(logColumns, ", ")+` FROM processing_logs WHERE import_id = $1 ORDER BY created_at, id`, importID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list logs for import %s", importID)
	}
	defer rows.Close()

	var out []model.ProcessingLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan log")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list logs iterate")
}

// --- Pipeline configuration ---

// ActivePrompt returns the most recently updated active prompt for the step,
// or nil when none is configured.
func (s *PostgresStore) ActivePrompt(ctx context.Context, step model.PromptStep) (*model.Prompt, error) {
	p, err := scanPrompt(s.pool.QueryRow(ctx,
		promptSelect+` WHERE step = $1 AND is_active ORDER BY updated_at DESC LIMIT 1`, string(step)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "postgres: active prompt %s", step)
}

func (s *PostgresStore) ActiveRules(ctx context.Context) ([]model.ColumnRule, error) {
	rows, err := s.pool.Query(ctx, ruleSelect+` WHERE is_active ORDER BY column_name, rule_type`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: active rules")
	}
	defer rows.Close()

	var out []model.ColumnRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan rule")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: active rules iterate")
}

// SavePrompt inserts or replaces the prompt identified by (step, name).
func (s *PostgresStore) SavePrompt(ctx context.Context, p *model.Prompt) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	err := s.pool.QueryRow(ctx,
		`INSERT INTO prompts (id, step, name, template, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (step, name) DO UPDATE SET template = EXCLUDED.template, is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		p.ID, string(p.Step), p.Name, p.Template, p.IsActive, now, now,
	).Scan(&p.ID)
	return eris.Wrapf(err, "postgres: save prompt %s/%s", p.Step, p.Name)
}

// SaveRule inserts or replaces the rule identified by (column_name, rule_type).
func (s *PostgresStore) SaveRule(ctx context.Context, r *model.ColumnRule) error {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt, r.UpdatedAt = now, now
	config, err := json.Marshal(r.RuleConfig)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rule config")
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO column_rules (id, column_name, rule_type, rule_config, error_message, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (column_name, rule_type) DO UPDATE SET rule_config = EXCLUDED.rule_config, error_message = EXCLUDED.error_message, is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		r.ID, r.ColumnName, string(r.RuleType), string(config), r.ErrorMessage, r.IsActive, now, now,
	).Scan(&r.ID)
	return eris.Wrapf(err, "postgres: save rule %s/%s", r.ColumnName, r.RuleType)
}

// helpers

func pgPlaceholders(start, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(ph, ", ")
}

func pgAssign(cols []string, start int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s = $%d", c, start+i)
	}
	return strings.Join(parts, ", ")
}
