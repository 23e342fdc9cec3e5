package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/store"
)

func TestRunFull_Completes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	savePrompt(t, st, model.PromptClean, cleanTemplate)

	importID, companies := seedImport(t, st,
		company("h1", "acme", "acme.com", model.StatusPending),
		company("h2", "bolt", "", model.StatusPending),
	)

	cl := &mockCleaner{}
	cl.On("Clean", mock.Anything, cleanTemplate, mock.Anything).Return(func(in []CleanInput) ([]CleanOutput, error) {
		out := make([]CleanOutput, len(in))
		for i, c := range in {
			out[i] = CleanOutput{CompanyHash: c.CompanyHash, FormattedName: c.Name}
		}
		return out, nil
	}, nil)
	rs := &mockResearcher{}
	rs.On("Research", mock.Anything, mock.Anything).
		Return(&ResearchAnswer{Content: "Acme builds custom CNC fixtures for the automotive industry.", Sources: []string{"https://acme.com"}}, nil)

	res, err := newTestRunner(st, Providers{Cleaner: cl, Researcher: rs}, Config{}).RunFull(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, importID, res.ImportID)
	assert.Equal(t, 2, res.Clean.Processed)
	assert.Equal(t, 2, res.Research.Processed)
	assert.Equal(t, 2, res.Validate.Valid)
	assert.Equal(t, 6, res.TotalProcessed)
	assert.Equal(t, 0, res.TotalErrors)

	imp, err := st.GetImport(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, model.ImportCompleted, imp.Status)
	for _, c := range companies {
		assert.Equal(t, model.StatusValidated, statusOf(t, st, c.ID))
	}
	rs.AssertNumberOfCalls(t, "Research", 2)
}

func TestRunFull_PerRecordErrorsCompleteWithErrors(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	savePrompt(t, st, model.PromptClean, cleanTemplate)
	importID, _ := seedImport(t, st, company("h1", "acme", "acme.com", model.StatusPending))

	cl := &mockCleaner{}
	cl.On("Clean", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("malformed response"))

	res, err := newTestRunner(st, Providers{Cleaner: cl, Researcher: &mockResearcher{}}, Config{}).RunFull(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TotalErrors)

	imp, err := st.GetImport(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, model.ImportCompletedWithErrors, imp.Status)
}

func TestRunFull_StageErrorMarksImportFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	importID, _ := seedImport(t, st, company("h1", "acme", "acme.com", model.StatusPending))

	_, err := newTestRunner(st, Providers{Cleaner: &mockCleaner{}}, Config{}).RunFull(ctx, importID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoActivePrompt))

	imp, err := st.GetImport(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, model.ImportFailed, imp.Status)
	assert.Contains(t, imp.ErrorMessage, "no active prompt")
}

func TestRunFull_UnknownImport(t *testing.T) {
	st := newTestStore(t)
	_, err := newTestRunner(st, Providers{}, Config{}).RunFull(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestRunStep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	importID, _ := seedImport(t, st, company("h1", "acme", "acme.com", model.StatusCleaned))
	r := newTestRunner(st, Providers{}, Config{})

	_, err := r.RunStep(ctx, importID, model.Step("enrich"))
	assert.True(t, errors.Is(err, ErrUnknownStep))

	res, err := r.RunStep(ctx, importID, model.StepValidate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, res.Issues)
}

func TestRunStep_ValidateKeepsViolations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	saveRule(t, st, model.ColumnRule{ColumnName: "email", RuleType: model.RuleRequired, ErrorMessage: "Email is required"})
	importID, companies := seedImport(t, st, company("h1", "acme", "acme.com", model.StatusCleaned))

	res, err := newTestRunner(st, Providers{}, Config{}).RunStep(ctx, importID, model.StepValidate)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "acme", res.Issues[0].Name)
	require.Len(t, res.Issues[0].Issues, 1)
	assert.Equal(t, "Email is required", res.Issues[0].Issues[0].Message)
	assert.Equal(t, model.StatusFailed, statusOf(t, st, companies[0].ID))
}

func TestStatus(t *testing.T) {
	st := newTestStore(t)
	importID, _ := seedImport(t, st,
		company("h1", "acme", "acme.com", model.StatusPending),
		company("h2", "bolt", "bolt.io", model.StatusCleaned),
		company("h3", "cast", "cast.de", model.StatusCleaned),
	)

	status, err := newTestRunner(st, Providers{}, Config{}).Status(context.Background(), importID)
	require.NoError(t, err)
	assert.Equal(t, importID, status.Import.ID)
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 1, status.Counts[model.StatusPending])
	assert.Equal(t, 2, status.Counts[model.StatusCleaned])
	assert.Equal(t, 0, status.Counts[model.StatusValidated])
	assert.Len(t, status.Counts, len(model.AllStatuses))
}

func TestNew_Defaults(t *testing.T) {
	r := New(nil, nil, Providers{}, Config{})
	assert.Equal(t, DefaultConfig().CleanBatchSize, r.cfg.CleanBatchSize)
	assert.Equal(t, 10, r.cfg.AddressMinLen)
	assert.Equal(t, 30, r.cfg.DescriptionMinLen)
	assert.Equal(t, 500*time.Millisecond, r.cfg.ResearchDelay)
	assert.Equal(t, rate.Every(500*time.Millisecond), r.limiter.Limit())
	assert.False(t, r.cfg.EnableCustomRules)

	r = New(nil, nil, Providers{}, Config{ResearchDelay: NoResearchDelay})
	assert.Equal(t, rate.Inf, r.limiter.Limit())

	r = New(nil, nil, Providers{}, Config{ResearchDelay: 100 * time.Millisecond})
	assert.Equal(t, rate.Every(100*time.Millisecond), r.limiter.Limit())
}
