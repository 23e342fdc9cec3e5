package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seedImport creates a completed import holding the given companies.
func seedImport(t *testing.T, st store.Store, companies ...model.Company) (string, []model.Company) {
	t.Helper()
	ctx := context.Background()
	imp := &model.Import{Filename: "suppliers.csv", RowCount: len(companies), Status: model.ImportCompleted}
	require.NoError(t, st.CreateImport(ctx, imp))
	for i := range companies {
		companies[i].ImportID = imp.ID
	}
	if len(companies) > 0 {
		require.NoError(t, st.InsertCompanies(ctx, companies))
	}
	return imp.ID, companies
}

func company(hash, name, domain string, status model.CompanyStatus) model.Company {
	return model.Company{
		CompanyHash: hash,
		Name:        name,
		Domain:      domain,
		Website:     "https://" + domain,
		Status:      status,
	}
}

func savePrompt(t *testing.T, st store.Store, step model.PromptStep, template string) {
	t.Helper()
	require.NoError(t, st.SavePrompt(context.Background(), &model.Prompt{
		Step:     step,
		Name:     "default",
		Template: template,
		IsActive: true,
	}))
}

func statusOf(t *testing.T, st store.Store, id string) model.CompanyStatus {
	t.Helper()
	c, err := st.GetCompany(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func logsFor(t *testing.T, st store.Store, importID string, step model.Step) []model.ProcessingLog {
	t.Helper()
	all, err := st.ListLogs(context.Background(), importID)
	require.NoError(t, err)
	var out []model.ProcessingLog
	for _, l := range all {
		if l.Step == step {
			out = append(out, l)
		}
	}
	return out
}

// newTestRunner builds a Runner without research pacing unless cfg sets a
// delay.
func newTestRunner(st store.Store, p Providers, cfg Config) *Runner {
	if cfg.ResearchDelay == 0 {
		cfg.ResearchDelay = NoResearchDelay
	}
	return New(st, st, p, cfg)
}
