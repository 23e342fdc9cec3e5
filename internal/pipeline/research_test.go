package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

func TestPlausible(t *testing.T) {
	tests := []struct {
		content string
		minLen  int
		want    bool
	}{
		{"", 10, false},
		{"   ", 10, false},
		{"Berlin", 10, false},
		{"Hauptstr. 5, 10115 Berlin, Germany", 10, true},
		{"I could not find an address on this domain.", 10, false},
		{"Address Not Available on the website", 10, false},
		{"No information about this company exists online.", 30, false},
		{"Acme builds custom CNC fixtures for the automotive industry.", 30, true},
		{"Acme builds fixtures.", 30, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Plausible(tt.content, tt.minLen), tt.content)
	}
}

func TestRenderPrompt(t *testing.T) {
	c := model.Company{Name: "acme", FormattedName: "Acme GmbH", Domain: "acme.de"}
	got := RenderPrompt("Find {company_name} on {domain} in {country}.", c)
	assert.Equal(t, "Find Acme GmbH on acme.de in unknown.", got)

	c.CountryName = "Germany"
	assert.Contains(t, RenderPrompt(DefaultAddressPrompt, c), "country of origin: Germany")
	assert.NotContains(t, RenderPrompt(DefaultDescriptionPrompt, c), "{domain}")
}

func TestResearch_FillsMissingFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	missing := company("h1", "acme", "acme.com", model.StatusCleaned)
	complete := company("h2", "bolt", "bolt.io", model.StatusCleaned)
	complete.FormattedAddress = "Bolt Street 2, Berlin"
	complete.EnrichedDescription = "Bolt makes fasteners for aerospace customers."
	noDomain := company("h3", "cast", "", model.StatusCleaned)
	importID, companies := seedImport(t, st, missing, complete, noDomain)

	rs := &mockResearcher{}
	rs.On("Research", mock.Anything, mock.MatchedBy(func(q ResearchQuery) bool {
		return q.Domain == "acme.com" && strings.Contains(q.Prompt, "official, complete address")
	})).Return(&ResearchAnswer{Content: " Acme Road 1, 80331 Munich, Germany ", Sources: []string{"https://acme.com/contact"}}, nil)
	rs.On("Research", mock.Anything, mock.MatchedBy(func(q ResearchQuery) bool {
		return q.Domain == "acme.com" && strings.Contains(q.Prompt, "company description")
	})).Return(&ResearchAnswer{Content: "Sorry, I could not find enough information.", Sources: []string{"https://acme.com"}}, nil)

	res, err := newTestRunner(st, Providers{Researcher: rs}, Config{}).Research(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Empty(t, res.Errors)
	rs.AssertNumberOfCalls(t, "Research", 2)

	got, err := st.GetCompany(ctx, companies[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResearched, got.Status)
	assert.Equal(t, "Acme Road 1, 80331 Munich, Germany", got.FormattedAddress)
	assert.Empty(t, got.EnrichedDescription)
	assert.Equal(t, []string{"https://acme.com/contact"}, got.EnrichmentSources)

	assert.Equal(t, model.StatusCleaned, statusOf(t, st, companies[1].ID))
	assert.Equal(t, model.StatusResearched, statusOf(t, st, companies[2].ID))
	assert.Len(t, logsFor(t, st, importID, model.StepResearch), 2)
}

func TestResearch_UsesStoredPrompt(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	savePrompt(t, st, model.PromptResearchAddress, "Where is {company_name} ({domain})?")

	c := company("h1", "acme", "acme.com", model.StatusCleaned)
	c.EnrichedDescription = "Acme builds custom CNC fixtures for carmakers."
	importID, _ := seedImport(t, st, c)

	rs := &mockResearcher{}
	rs.On("Research", mock.Anything, ResearchQuery{Prompt: "Where is acme (acme.com)?", Domain: "acme.com"}).
		Return(&ResearchAnswer{Content: "Acme Road 1, Munich"}, nil)

	res, err := newTestRunner(st, Providers{Researcher: rs}, Config{}).Research(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	rs.AssertExpectations(t)
}

func TestResearch_ProviderErrorLeavesCleaned(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	importID, companies := seedImport(t, st, company("h1", "acme", "acme.com", model.StatusCleaned))

	rs := &mockResearcher{}
	rs.On("Research", mock.Anything, mock.Anything).Return(nil, errors.New("perplexity: status 503"))

	res, err := newTestRunner(st, Providers{Researcher: rs}, Config{}).Research(ctx, importID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "status 503")
	assert.Equal(t, model.StatusCleaned, statusOf(t, st, companies[0].ID))

	logs := logsFor(t, st, importID, model.StepResearch)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "status 503")
}

func TestResearch_NothingToDo(t *testing.T) {
	st := newTestStore(t)
	importID, _ := seedImport(t, st, company("h1", "acme", "acme.com", model.StatusPending))

	res, err := newTestRunner(st, Providers{}, Config{}).Research(context.Background(), importID)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Empty(t, res.Errors)
}

func TestMergeSources(t *testing.T) {
	got := mergeSources([]string{"a", "b"}, []string{"b", "", "c", "a"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestResearch_PacesProviderCalls(t *testing.T) {
	st := newTestStore(t)
	importID, _ := seedImport(t, st,
		company("h1", "acme", "acme.com", model.StatusCleaned),
		company("h2", "bolt", "bolt.io", model.StatusCleaned),
		company("h3", "cast", "cast.de", model.StatusCleaned),
	)

	rs := &mockResearcher{}
	rs.On("Research", mock.Anything, mock.Anything).Return(&ResearchAnswer{Content: "not found"}, nil)

	r := New(st, st, Providers{Researcher: rs}, Config{ResearchDelay: 100 * time.Millisecond})
	start := time.Now()
	res, err := r.Research(context.Background(), importID)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	rs.AssertNumberOfCalls(t, "Research", 6)
	// Burst of one: the first call is immediate, the other five wait 100ms each.
	assert.GreaterOrEqual(t, elapsed, 480*time.Millisecond)
}
