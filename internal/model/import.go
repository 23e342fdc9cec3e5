package model

import "time"

// RawRow is one parsed CSV row keyed by source column header.
type RawRow map[string]string

// ColumnMapping maps one source CSV column onto a company field.
type ColumnMapping struct {
	SourceColumn string `json:"sourceColumn" yaml:"source"`
	TargetColumn string `json:"targetColumn" yaml:"target"`
}

// ImportStatus is the lifecycle state of an Import.
type ImportStatus string

const (
	ImportPending             ImportStatus = "pending"
	ImportProcessing          ImportStatus = "processing"
	ImportCompleted           ImportStatus = "completed"
	ImportCompletedWithErrors ImportStatus = "completed_with_errors"
	ImportFailed              ImportStatus = "failed"
)

// Import is one uploaded file and the companies it produced.
type Import struct {
	ID             string          `json:"id"`
	Filename       string          `json:"filename"`
	RowCount       int             `json:"row_count"`
	ProcessedCount int             `json:"processed_count"`
	SkippedCount   int             `json:"skipped_count"`
	ErrorCount     int             `json:"error_count"`
	Status         ImportStatus    `json:"status"`
	MappingConfig  []ColumnMapping `json:"mapping_config"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ImportUpdate carries the mutable import fields. Nil pointers are left unchanged.
type ImportUpdate struct {
	Status         *ImportStatus
	ProcessedCount *int
	SkippedCount   *int
	ErrorCount     *int
	ErrorMessage   *string
}

// SkipReason explains why an input row produced no company.
type SkipReason string

const (
	SkipDuplicateInDB  SkipReason = "duplicate_in_db"
	SkipDuplicateInCSV SkipReason = "duplicate_in_csv"
	SkipMissingName    SkipReason = "missing_name"
)

// SkippedCompany is a report entry for a row that was not inserted.
type SkippedCompany struct {
	Name        string     `json:"name"`
	Domain      string     `json:"domain,omitempty"`
	CompanyHash string     `json:"company_hash,omitempty"`
	Reason      SkipReason `json:"reason"`
}

// ImportError is a per-record insertion failure.
type ImportError struct {
	CompanyHash string `json:"company_hash"`
	Name        string `json:"name"`
	Error       string `json:"error"`
}

// ImportResult is the report returned for one import.
type ImportResult struct {
	ImportID         string           `json:"import_id"`
	TotalRows        int              `json:"total_rows"`
	ProcessedCount   int              `json:"processed_count"`
	SkippedCount     int              `json:"skipped_count"`
	ErrorCount       int              `json:"error_count"`
	SkippedCompanies []SkippedCompany `json:"skipped_companies"`
	Errors           []ImportError    `json:"errors"`
}
