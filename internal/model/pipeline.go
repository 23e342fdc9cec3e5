package model

import (
	"encoding/json"
	"time"
)

// Step names a pipeline stage.
type Step string

const (
	StepClean    Step = "clean"
	StepResearch Step = "research"
	StepValidate Step = "validate"
)

// Steps lists the stages in execution order.
var Steps = []Step{StepClean, StepResearch, StepValidate}

// ProcessingLog is an append-only audit entry for one company and step.
type ProcessingLog struct {
	ID         string          `json:"id"`
	CompanyID  string          `json:"company_id,omitempty"`
	ImportID   string          `json:"import_id,omitempty"`
	Step       Step            `json:"step"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	LLMModel   string          `json:"llm_model,omitempty"`
	TokensUsed int             `json:"tokens_used,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// StepResult is the outcome of one stage. Issues is only set for a validate
// step run on its own.
type StepResult struct {
	Processed int             `json:"processed"`
	Errors    []string        `json:"errors"`
	Issues    []CompanyIssues `json:"issues,omitempty"`
}

// ValidationIssue is one rule violation for a company.
type ValidationIssue struct {
	Column  string `json:"column"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// CompanyIssues groups the violations found for one company.
type CompanyIssues struct {
	CompanyID   string            `json:"company_id"`
	CompanyHash string            `json:"company_hash"`
	Name        string            `json:"name"`
	Issues      []ValidationIssue `json:"issues"`
}

// ValidateResult is the outcome of the validate stage. Rule violations are
// reported in Issues; Errors only holds processing failures.
type ValidateResult struct {
	Processed int             `json:"processed"`
	Valid     int             `json:"valid"`
	Invalid   int             `json:"invalid"`
	Errors    []string        `json:"errors"`
	Issues    []CompanyIssues `json:"issues,omitempty"`
}

// PipelineResult aggregates the three stage results for one import.
type PipelineResult struct {
	ImportID       string          `json:"import_id"`
	Clean          *StepResult     `json:"clean"`
	Research       *StepResult     `json:"research"`
	Validate       *ValidateResult `json:"validate"`
	TotalProcessed int             `json:"total_processed"`
	TotalErrors    int             `json:"total_errors"`
}

// PipelineStatus is a progress snapshot for one import.
type PipelineStatus struct {
	Import Import                `json:"import"`
	Counts map[CompanyStatus]int `json:"counts"`
	Total  int                   `json:"total"`
}
