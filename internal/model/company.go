package model

import "time"

// CompanyStatus is a company's position in the enrichment pipeline.
type CompanyStatus string

const (
	StatusPending     CompanyStatus = "pending"
	StatusCleaning    CompanyStatus = "cleaning"
	StatusCleaned     CompanyStatus = "cleaned"
	StatusResearching CompanyStatus = "researching"
	StatusResearched  CompanyStatus = "researched"
	StatusValidating  CompanyStatus = "validating"
	StatusValidated   CompanyStatus = "validated"
	StatusFailed      CompanyStatus = "failed"
)

// AllStatuses lists every company status in pipeline order.
var AllStatuses = []CompanyStatus{
	StatusPending,
	StatusCleaning,
	StatusCleaned,
	StatusResearching,
	StatusResearched,
	StatusValidating,
	StatusValidated,
	StatusFailed,
}

// transitions is the forward-only status graph. validated and failed are
// terminal; failed is only reachable from the statuses the validate stage reads.
var transitions = map[CompanyStatus][]CompanyStatus{
	StatusPending:     {StatusCleaning, StatusCleaned},
	StatusCleaning:    {StatusCleaned},
	StatusCleaned:     {StatusResearching, StatusResearched, StatusValidating, StatusValidated, StatusFailed},
	StatusResearching: {StatusResearched},
	StatusResearched:  {StatusValidating, StatusValidated, StatusFailed},
	StatusValidating:  {StatusValidated, StatusFailed},
}

// Valid reports whether s is a known status.
func (s CompanyStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s CompanyStatus) Terminal() bool {
	return s == StatusValidated || s == StatusFailed
}

// CanTransition reports whether a company may move from one status to another.
func CanTransition(from, to CompanyStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ListColumns are the mapping targets coerced to string lists.
var ListColumns = map[string]bool{
	"categories":       true,
	"tags":             true,
	"certifications":   true,
	"production_types": true,
}

// MappedCompany is one CSV row after column mapping and type coercion.
type MappedCompany struct {
	Name            string   `json:"name"`
	ExternalID      string   `json:"external_id,omitempty"`
	Website         string   `json:"website,omitempty"`
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	Address         string   `json:"address,omitempty"`
	CountryCode     string   `json:"country_code,omitempty"`
	CountryName     string   `json:"country_name,omitempty"`
	Description     string   `json:"description,omitempty"`
	CompanyType     string   `json:"company_type,omitempty"`
	Categories      []string `json:"categories,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Certifications  []string `json:"certifications,omitempty"`
	ProductionTypes []string `json:"production_types,omitempty"`
	AcceptsStartups *bool    `json:"accepts_startups,omitempty"`
}

// ProcessedCompany is a MappedCompany with its derived dedup and contact fields.
type ProcessedCompany struct {
	MappedCompany
	Domain         string        `json:"domain,omitempty"`
	CompanyHash    string        `json:"company_hash"`
	ValidatedEmail string        `json:"validated_email,omitempty"`
	Status         CompanyStatus `json:"status"`
	ImportID       string        `json:"import_id"`
}

// Company is a persisted company record. CompanyHash is globally unique.
type Company struct {
	ID                  string        `json:"id"`
	CompanyHash         string        `json:"company_hash"`
	ImportID            string        `json:"import_id"`
	ExternalID          string        `json:"external_id,omitempty"`
	Name                string        `json:"name"`
	FormattedName       string        `json:"formatted_name,omitempty"`
	Website             string        `json:"website,omitempty"`
	Domain              string        `json:"domain,omitempty"`
	Email               string        `json:"email,omitempty"`
	Phone               string        `json:"phone,omitempty"`
	Address             string        `json:"address,omitempty"`
	FormattedAddress    string        `json:"formatted_address,omitempty"`
	CountryCode         string        `json:"country_code,omitempty"`
	CountryName         string        `json:"country_name,omitempty"`
	Description         string        `json:"description,omitempty"`
	EnrichedDescription string        `json:"enriched_description,omitempty"`
	CompanyType         string        `json:"company_type,omitempty"`
	Categories          []string      `json:"categories,omitempty"`
	Tags                []string      `json:"tags,omitempty"`
	Certifications      []string      `json:"certifications,omitempty"`
	ProductionTypes     []string      `json:"production_types,omitempty"`
	AcceptsStartups     *bool         `json:"accepts_startups,omitempty"`
	EnrichmentSources   []string      `json:"enrichment_sources,omitempty"`
	Status              CompanyStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// NewCompany builds the insertable record for a processed company. The raw
// email is replaced by the validated business email (empty when rejected).
func NewCompany(p ProcessedCompany) Company {
	return Company{
		CompanyHash:     p.CompanyHash,
		ImportID:        p.ImportID,
		ExternalID:      p.ExternalID,
		Name:            p.Name,
		Website:         p.Website,
		Domain:          p.Domain,
		Email:           p.ValidatedEmail,
		Phone:           p.Phone,
		Address:         p.Address,
		CountryCode:     p.CountryCode,
		CountryName:     p.CountryName,
		Description:     p.Description,
		CompanyType:     p.CompanyType,
		Categories:      p.Categories,
		Tags:            p.Tags,
		Certifications:  p.Certifications,
		ProductionTypes: p.ProductionTypes,
		AcceptsStartups: p.AcceptsStartups,
		Status:          StatusPending,
	}
}

// CompanyUpdate lists the fields a stage writes back. Nil pointers are left
// unchanged. Status is always written.
type CompanyUpdate struct {
	Status              CompanyStatus
	FormattedName       *string
	FormattedAddress    *string
	CompanyType         *string
	EnrichedDescription *string
	EnrichmentSources   []string
}
