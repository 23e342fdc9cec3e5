package rules

import "github.com/sells-group/supplier-pipeline/internal/model"

// Project converts a company into a Record keyed by its column names. Empty
// strings and lists become nil so that required checks see them as absent.
func Project(c model.Company) Record {
	r := Record{
		"id":                   c.ID,
		"company_hash":         c.CompanyHash,
		"import_id":            c.ImportID,
		"status":               string(c.Status),
		"external_id":          str(c.ExternalID),
		"name":                 str(c.Name),
		"formatted_name":       str(c.FormattedName),
		"website":              str(c.Website),
		"domain":               str(c.Domain),
		"email":                str(c.Email),
		"phone":                str(c.Phone),
		"address":              str(c.Address),
		"formatted_address":    str(c.FormattedAddress),
		"country_code":         str(c.CountryCode),
		"country_name":         str(c.CountryName),
		"description":          str(c.Description),
		"enriched_description": str(c.EnrichedDescription),
		"company_type":         str(c.CompanyType),
		"categories":           list(c.Categories),
		"tags":                 list(c.Tags),
		"certifications":       list(c.Certifications),
		"production_types":     list(c.ProductionTypes),
		"enrichment_sources":   list(c.EnrichmentSources),
		"accepts_startups":     nil,
	}
	if c.AcceptsStartups != nil {
		r["accepts_startups"] = *c.AcceptsStartups
	}
	return r
}

func str(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func list(v []string) any {
	if len(v) == 0 {
		return nil
	}
	return v
}
