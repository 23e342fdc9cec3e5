package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/supplier-pipeline/internal/rules"
)

// --- Cleaner Mock ---

type mockCleaner struct {
	mock.Mock
}

func (m *mockCleaner) Clean(ctx context.Context, template string, companies []CleanInput) ([]CleanOutput, error) {
	args := m.Called(ctx, template, companies)
	if fn, ok := args.Get(0).(func([]CleanInput) ([]CleanOutput, error)); ok {
		return fn(companies)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]CleanOutput), args.Error(1)
}

func (m *mockCleaner) Model() string { return "test-cleaner" }

// echoClean formats every input it receives.
func echoClean(companies []CleanInput) ([]CleanOutput, error) {
	out := make([]CleanOutput, len(companies))
	for i, c := range companies {
		out[i] = CleanOutput{
			CompanyHash:         c.CompanyHash,
			FormattedName:       c.Name + " GmbH",
			FormattedAddress:    "Main Street 1, 10115 Berlin, Germany",
			CompanyType:         "seller",
			EnrichedDescription: "Supplier of precision parts",
			TokensUsed:          10,
		}
	}
	return out, nil
}

// --- Researcher Mock ---

type mockResearcher struct {
	mock.Mock
}

func (m *mockResearcher) Research(ctx context.Context, q ResearchQuery) (*ResearchAnswer, error) {
	args := m.Called(ctx, q)
	if fn, ok := args.Get(0).(func(ResearchQuery) (*ResearchAnswer, error)); ok {
		return fn(q)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ResearchAnswer), args.Error(1)
}

func (m *mockResearcher) Model() string { return "test-researcher" }

// --- Semantic validator Mock ---

type mockValidator struct {
	mock.Mock
}

func (m *mockValidator) Check(ctx context.Context, snapshot rules.Record, rubric string) (*rules.SemanticVerdict, error) {
	args := m.Called(ctx, snapshot, rubric)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*rules.SemanticVerdict), args.Error(1)
}
