package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

// sqliteMaxParams bounds the number of bound parameters per IN (...) query.
const sqliteMaxParams = 500

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: pragmas are per connection and SQLite has a single writer.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS imports (
	id              TEXT PRIMARY KEY,
	filename        TEXT NOT NULL,
	row_count       INTEGER NOT NULL DEFAULT 0,
	processed_count INTEGER NOT NULL DEFAULT 0,
	skipped_count   INTEGER NOT NULL DEFAULT 0,
	error_count     INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'pending',
	mapping_config  TEXT NOT NULL DEFAULT '[]',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS companies (
	id                   TEXT PRIMARY KEY,
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
	categories           TEXT NOT NULL DEFAULT '[]',
	tags                 TEXT NOT NULL DEFAULT '[]',
	certifications       TEXT NOT NULL DEFAULT '[]',
	production_types     TEXT NOT NULL DEFAULT '[]',
	accepts_startups     INTEGER,
	enrichment_sources   TEXT NOT NULL DEFAULT '[]',
	status               TEXT NOT NULL DEFAULT 'pending',
	created_at           DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_companies_import_status ON companies(import_id, status);

CREATE TABLE IF NOT EXISTS processing_logs (
	id          TEXT PRIMARY KEY,
	company_id  TEXT NOT NULL DEFAULT '',
	import_id   TEXT NOT NULL DEFAULT '',
	step        TEXT NOT NULL,
	input       TEXT,
	output      TEXT,
	llm_model   TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_processing_logs_import ON processing_logs(import_id);

CREATE TABLE IF NOT EXISTS prompts (
	id         TEXT PRIMARY KEY,
	step       TEXT NOT NULL,
	name       TEXT NOT NULL,
	template   TEXT NOT NULL,
	is_active  INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (step, name)
);

CREATE TABLE IF NOT EXISTS column_rules (
	id            TEXT PRIMARY KEY,
	column_name   TEXT NOT NULL,
	rule_type     TEXT NOT NULL,
	rule_config   TEXT NOT NULL DEFAULT '{}',
	error_message TEXT NOT NULL DEFAULT '',
	is_active     INTEGER NOT NULL DEFAULT 1,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (column_name, rule_type)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Imports ---

func (s *SQLiteStore) CreateImport(ctx context.Context, imp *model.Import) error {
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
		return eris.Wrap(err, "sqlite: marshal mapping config")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO imports (`+strings.Join(importColumns, ", ")+`) VALUES (`+sqlitePlaceholders(len(importColumns))+`)`,
		imp.ID, imp.Filename, imp.RowCount, imp.ProcessedCount, imp.SkippedCount, imp.ErrorCount,
		string(imp.Status), string(mappings), imp.ErrorMessage, now, now,
	)
	return eris.Wrapf(err, "sqlite: insert import %s", imp.ID)
}

func (s *SQLiteStore) UpdateImport(ctx context.Context, id string, upd model.ImportUpdate) error {
	cols, args := importAssignments(upd, time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE imports SET `+sqliteAssign(cols)+` WHERE id = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update import %s", id)
	}
	return checkRowsAffected(res, ErrNotFound, "import "+id)
}

func (s *SQLiteStore) GetImport(ctx context.Context, id string) (*model.Import, error) {
	imp, err := scanImport(s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(importColumns, ", ")+` FROM imports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "import %s", id)
	}
	return imp, eris.Wrapf(err, "sqlite: get import %s", id)
}

func (s *SQLiteStore) ListImports(ctx context.Context, filter ImportFilter) ([]model.Import, error) {
	query := `SELECT ` + strings.Join(importColumns, ", ") + ` FROM imports WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list imports")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan import")
		}
		out = append(out, *imp)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list imports iterate")
}

// --- Companies ---

func (s *SQLiteStore) ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for start := 0; start < len(hashes); start += sqliteMaxParams {
		end := min(start+sqliteMaxParams, len(hashes))
		chunk := hashes[start:end]

		args := make([]any, len(chunk))
		for i, h := range chunk {
			args[i] = h
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT company_hash FROM companies WHERE company_hash IN (`+sqlitePlaceholders(len(chunk))+`)`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing hashes")
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan hash")
			}
			out[h] = true
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing hashes iterate")
		}
	}
	return out, nil
}

// InsertCompanies inserts the batch in one transaction, so a failure on any
// row stores nothing. Ids and timestamps are assigned in place.
func (s *SQLiteStore) InsertCompanies(ctx context.Context, companies []model.Company) error {
	if len(companies) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert companies")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO companies (`+strings.Join(companyColumns, ", ")+`) VALUES (`+sqlitePlaceholders(len(companyColumns))+`)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert company")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	for i := range companies {
		prepareCompany(&companies[i], uuid.New().String(), now)
		if _, err := stmt.ExecContext(ctx, companyValues(&companies[i])...); err != nil {
			if isSQLiteUnique(err) {
				return eris.Wrapf(ErrDuplicateHash, "hash %s", companies[i].CompanyHash)
			}
			return eris.Wrapf(err, "sqlite: insert company %s", companies[i].CompanyHash)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert companies")
}

func (s *SQLiteStore) InsertCompany(ctx context.Context, c *model.Company) error {
	prepareCompany(c, uuid.New().String(), time.Now().UTC())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO companies (`+strings.Join(companyColumns, ", ")+`) VALUES (`+sqlitePlaceholders(len(companyColumns))+`)`,
		companyValues(c)...,
	)
	if isSQLiteUnique(err) {
		return eris.Wrapf(ErrDuplicateHash, "hash %s", c.CompanyHash)
	}
	return eris.Wrapf(err, "sqlite: insert company %s", c.CompanyHash)
}

func (s *SQLiteStore) GetCompany(ctx context.Context, id string) (*model.Company, error) {
	c, err := scanCompany(s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(companyColumns, ", ")+` FROM companies WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "company %s", id)
	}
	return c, eris.Wrapf(err, "sqlite: get company %s", id)
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, importID string, statuses ...model.CompanyStatus) ([]model.Company, error) {
	query := `SELECT ` + strings.Join(companyColumns, ", ") + ` FROM companies WHERE import_id = ?`
	args := []any{importID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + sqlitePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list companies for import %s", importID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list companies iterate")
}

// UpdateCompany writes upd only while the company is still in one of the
// from statuses.
func (s *SQLiteStore) UpdateCompany(ctx context.Context, id string, from []model.CompanyStatus, upd model.CompanyUpdate) error {
	if err := checkTransition(from, upd.Status); err != nil {
		return err
	}
	cols, args := updateAssignments(upd, time.Now().UTC())
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET `+sqliteAssign(cols)+` WHERE id = ? AND status IN (`+sqlitePlaceholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update company %s", id)
	}
	return checkRowsAffected(res, ErrStaleStatus, "company "+id)
}

func (s *SQLiteStore) TransitionCompanies(ctx context.Context, importID string, from []model.CompanyStatus, to model.CompanyStatus) (int, error) {
	if err := checkTransition(from, to); err != nil {
		return 0, err
	}
	args := []any{string(to), time.Now().UTC(), importID}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE companies SET status = ?, updated_at = ? WHERE import_id = ? AND status IN (`+sqlitePlaceholders(len(from))+`)`,
		args...,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: transition companies for import %s", importID)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountByStatus(ctx context.Context, importID string) (map[model.CompanyStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM companies WHERE import_id = ? GROUP BY status`, importID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count companies for import %s", importID)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[model.CompanyStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		out[model.CompanyStatus(status)] = n
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count companies iterate")
}

// --- Processing logs ---

func (s *SQLiteStore) AppendLogs(ctx context.Context, logs []model.ProcessingLog) error {
	if len(logs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append logs")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	query := `INSERT INTO processing_logs (` + strings.Join(logColumns, ", ") + `) VALUES (` + sqlitePlaceholders(len(logColumns)) + `)`
	for i := range logs {
		prepareLog(&logs[i], uuid.New().String(), now)
		if _, err := tx.ExecContext(ctx, query, logValues(&logs[i])...); err != nil {
			return eris.Wrap(err, "sqlite: insert log")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append logs")
}

func (s *SQLiteStore) ListLogs(ctx context.Context, importID string) ([]model.ProcessingLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+strings.Join(logColumns, ", ")+` FROM processing_logs WHERE import_id = ? ORDER BY created_at, rowid`, importID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list logs for import %s", importID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ProcessingLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan log")
		}
		out = append(out, *l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list logs iterate")
}

// --- Pipeline configuration ---

func (s *SQLiteStore) ActivePrompt(ctx context.Context, step model.PromptStep) (*model.Prompt, error) {
	p, err := scanPrompt(s.db.QueryRowContext(ctx,
		promptSelect+` WHERE step = ? AND is_active = 1 ORDER BY updated_at DESC LIMIT 1`, string(step)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, eris.Wrapf(err, "sqlite: active prompt %s", step)
}

func (s *SQLiteStore) ActiveRules(ctx context.Context) ([]model.ColumnRule, error) {
	rows, err := s.db.QueryContext(ctx, ruleSelect+` WHERE is_active = 1 ORDER BY column_name, rule_type`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: active rules")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ColumnRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rule")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: active rules iterate")
}

func (s *SQLiteStore) SavePrompt(ctx context.Context, p *model.Prompt) error {
	now := time.Now().UTC()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.CreatedAt, p.UpdatedAt = now, now
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO prompts (id, step, name, template, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (step, name) DO UPDATE SET template = excluded.template, is_active = excluded.is_active, updated_at = excluded.updated_at
		 RETURNING id`,
		p.ID, string(p.Step), p.Name, p.Template, p.IsActive, now, now,
	).Scan(&p.ID)
	return eris.Wrapf(err, "sqlite: save prompt %s/%s", p.Step, p.Name)
}

func (s *SQLiteStore) SaveRule(ctx context.Context, r *model.ColumnRule) error {
	now := time.Now().UTC()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt, r.UpdatedAt = now, now
	config, err := json.Marshal(r.RuleConfig)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rule config")
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO column_rules (id, column_name, rule_type, rule_config, error_message, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (column_name, rule_type) DO UPDATE SET rule_config = excluded.rule_config, error_message = excluded.error_message, is_active = excluded.is_active, updated_at = excluded.updated_at
		 RETURNING id`,
		r.ID, r.ColumnName, string(r.RuleType), string(config), r.ErrorMessage, r.IsActive, now, now,
	).Scan(&r.ID)
	return eris.Wrapf(err, "sqlite: save rule %s/%s", r.ColumnName, r.RuleType)
}

// helpers

func checkRowsAffected(res sql.Result, sentinel error, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrap(sentinel, what)
	}
	return nil
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func sqlitePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func sqliteAssign(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c + " = ?"
	}
	return strings.Join(parts, ", ")
}
