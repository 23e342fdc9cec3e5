// Package mapping applies a user-declared column mapping to raw CSV rows.
package mapping

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

var (
	// ErrNoMappings is returned when no column mapping is declared.
	ErrNoMappings = eris.New("mapping: no column mappings provided")
	// ErrNameMapping is returned unless exactly one mapping targets "name".
	ErrNameMapping = eris.New("mapping: exactly one column must map to name")
	// ErrUnknownTarget is returned for a mapping onto a field that does not exist.
	ErrUnknownTarget = eris.New("mapping: unknown target column")
)

// Targets lists every company field a source column can be mapped onto.
var Targets = []string{
	"name",
	"external_id",
	"website",
	"email",
	"phone",
	"address",
	"country_code",
	"country_name",
	"description",
	"company_type",
	"categories",
	"tags",
	"certifications",
	"production_types",
	"accepts_startups",
}

var targetSet = func() map[string]bool {
	m := make(map[string]bool, len(Targets))
	for _, t := range Targets {
		m[t] = true
	}
	return m
}()

// Result holds the outcome of applying a mapping to a batch of rows.
type Result struct {
	Companies    []model.MappedCompany
	Missing      []model.MappedCompany // rows dropped for an empty name, in input order
	MissingNames int
}

// Validate checks a mapping before any row is touched.
func Validate(mappings []model.ColumnMapping) error {
	if len(mappings) == 0 {
		return ErrNoMappings
	}
	names := 0
	for _, m := range mappings {
		if !targetSet[m.TargetColumn] {
			return eris.Wrapf(ErrUnknownTarget, "%q (source %q)", m.TargetColumn, m.SourceColumn)
		}
		if m.TargetColumn == "name" {
			names++
		}
	}
	if names != 1 {
		return eris.Wrapf(ErrNameMapping, "found %d", names)
	}
	return nil
}

// Apply maps every row independently. Rows whose mapped name is empty are
// excluded from Companies and reported in Missing.
func Apply(rows []model.RawRow, mappings []model.ColumnMapping) Result {
	res := Result{Companies: make([]model.MappedCompany, 0, len(rows))}
	for _, row := range rows {
		c := ApplyRow(row, mappings)
		if c.Name == "" {
			res.Missing = append(res.Missing, c)
			res.MissingNames++
			continue
		}
		res.Companies = append(res.Companies, c)
	}
	return res
}

// ApplyRow maps a single row. Mappings are applied in declaration order and
// empty source cells are ignored, so when several mappings share a target the
// last one with a non-empty cell wins.
func ApplyRow(row model.RawRow, mappings []model.ColumnMapping) model.MappedCompany {
	var c model.MappedCompany
	for _, m := range mappings {
		value := strings.TrimSpace(row[m.SourceColumn])
		if value == "" {
			continue
		}
		assign(&c, m.TargetColumn, value)
	}
	return c
}

func assign(c *model.MappedCompany, target, value string) {
	switch target {
	case "name":
		c.Name = value
	case "external_id":
		c.ExternalID = value
	case "website":
		c.Website = value
	case "email":
		c.Email = value
	case "phone":
		c.Phone = value
	case "address":
		c.Address = value
	case "country_code":
		c.CountryCode = value
	case "country_name":
		c.CountryName = value
	case "description":
		c.Description = value
	case "company_type":
		c.CompanyType = value
	case "categories":
		c.Categories = SplitList(value)
	case "tags":
		c.Tags = SplitList(value)
	case "certifications":
		c.Certifications = SplitList(value)
	case "production_types":
		c.ProductionTypes = SplitList(value)
	case "accepts_startups":
		b := ParseBool(value)
		c.AcceptsStartups = &b
	}
}

// SplitList splits a comma-separated cell, trimming items and dropping empties.
func SplitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseBool treats "true", "1" and "yes" (any case) as true and anything else
// as false.
func ParseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
