package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetImport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, filename, .* FROM imports WHERE id = \$1`).
		WithArgs("imp-1").
		WillReturnRows(pgxmock.NewRows(importColumns).AddRow(
			"imp-1", "suppliers.csv", 3, 1, 2, 0, "completed",
			`[{"sourceColumn":"Company","targetColumn":"name"}]`, "", now, now,
		))

	imp, err := s.GetImport(context.Background(), "imp-1")
	require.NoError(t, err)
	assert.Equal(t, model.ImportCompleted, imp.Status)
	assert.Equal(t, []model.ColumnMapping{{SourceColumn: "Company", TargetColumn: "name"}}, imp.MappingConfig)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetImport_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM imports WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetImport(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateImport(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	status := model.ImportFailed
	msg := "boom"

	mock.ExpectExec(`UPDATE imports SET updated_at = \$1, status = \$2, error_message = \$3 WHERE id = \$4`).
		WithArgs(pgxmock.AnyArg(), "failed", "boom", "imp-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateImport(context.Background(), "imp-1", model.ImportUpdate{Status: &status, ErrorMessage: &msg})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExistingHashes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT company_hash FROM companies WHERE company_hash = ANY\(\$1\)`).
		WithArgs([]string{"h1", "h2"}).
		WillReturnRows(pgxmock.NewRows([]string{"company_hash"}).AddRow("h2"))

	got, err := s.ExistingHashes(context.Background(), []string{"h1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"h2": true}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExistingHashes_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	got, err := s.ExistingHashes(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCompanies_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"companies"}, companyColumns).WillReturnResult(2)

	batch := []model.Company{{CompanyHash: "h1", Name: "a"}, {CompanyHash: "h2", Name: "b"}}
	require.NoError(t, s.InsertCompanies(context.Background(), batch))
	assert.NotEmpty(t, batch[0].ID)
	assert.Equal(t, model.StatusPending, batch[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCompanies_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"companies"}, companyColumns).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key"})

	err := s.InsertCompanies(context.Background(), []model.Company{{CompanyHash: "h1", Name: "a"}})
	assert.ErrorIs(t, err, ErrDuplicateHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCompany_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO companies`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	c := model.Company{CompanyHash: "h1", Name: "a"}
	assert.ErrorIs(t, s.InsertCompany(context.Background(), &c), ErrDuplicateHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	name := "Acme"

	mock.ExpectExec(`UPDATE companies SET status = \$1, updated_at = \$2, formatted_name = \$3 WHERE id = \$4 AND status = ANY\(\$5\)`).
		WithArgs("cleaned", pgxmock.AnyArg(), "Acme", "c1", []string{"pending"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateCompany(context.Background(), "c1", []model.CompanyStatus{model.StatusPending},
		model.CompanyUpdate{Status: model.StatusCleaned, FormattedName: &name})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCompany_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE companies SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateCompany(context.Background(), "c1", []model.CompanyStatus{model.StatusCleaned},
		model.CompanyUpdate{Status: model.StatusResearched})
	assert.ErrorIs(t, err, ErrStaleStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateCompany_InvalidTransition(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.UpdateCompany(context.Background(), "c1", []model.CompanyStatus{model.StatusValidated},
		model.CompanyUpdate{Status: model.StatusPending})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionCompanies(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE companies SET status = \$1, updated_at = \$2 WHERE import_id = \$3 AND status = ANY\(\$4\)`).
		WithArgs("validated", pgxmock.AnyArg(), "imp-1", []string{"cleaned", "researched"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := s.TransitionCompanies(context.Background(), "imp-1",
		[]model.CompanyStatus{model.StatusCleaned, model.StatusResearched}, model.StatusValidated)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM companies WHERE import_id = \$1 GROUP BY status`).
		WithArgs("imp-1").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 2).
			AddRow("validated", 5))

	counts, err := s.CountByStatus(context.Background(), "imp-1")
	require.NoError(t, err)
	assert.Equal(t, map[model.CompanyStatus]int{model.StatusPending: 2, model.StatusValidated: 5}, counts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendLogs_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"processing_logs"}, logColumns).WillReturnResult(1)

	logs := []model.ProcessingLog{{CompanyID: "c1", ImportID: "imp-1", Step: model.StepClean}}
	require.NoError(t, s.AppendLogs(context.Background(), logs))
	assert.NotEmpty(t, logs[0].ID)
	assert.False(t, logs[0].CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActivePrompt_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM prompts WHERE step = \$1 AND is_active`).
		WithArgs("clean").
		WillReturnError(pgx.ErrNoRows)

	p, err := s.ActivePrompt(context.Background(), model.PromptClean)
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActiveRules(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM column_rules WHERE is_active`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "column_name", "rule_type", "rule_config", "error_message", "is_active", "created_at", "updated_at"}).
			AddRow("r1", "email", "format", `{"pattern":"@"}`, "", true, now, now))

	rules, err := s.ActiveRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.RuleFormat, rules[0].RuleType)
	assert.Equal(t, "@", rules[0].RuleConfig.Pattern)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SavePrompt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO prompts .* ON CONFLICT \(step, name\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "clean", "default", "tmpl", true, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	p := &model.Prompt{Step: model.PromptClean, Name: "default", Template: "tmpl", IsActive: true}
	require.NoError(t, s.SavePrompt(context.Background(), p))
	assert.Equal(t, "existing-id", p.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS imports`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnError(errors.New("connection refused"))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: ping")
}
