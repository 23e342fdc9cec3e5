// Package dedup partitions processed companies into new records and duplicates.
package dedup

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/supplier-pipeline/internal/model"
)

// HashLookup reports which of the given company hashes are already persisted.
type HashLookup interface {
	ExistingHashes(ctx context.Context, hashes []string) (map[string]bool, error)
}

// Result splits the input into records to insert and records to skip.
type Result struct {
	New     []model.ProcessedCompany
	Skipped []model.SkippedCompany
}

// Partition runs one batched lookup over the distinct incoming hashes, then
// walks the input in order. A stored hash is skipped as duplicate_in_db; a hash
// already seen earlier in the batch is skipped as duplicate_in_csv. Relative
// order is preserved in both outputs.
func Partition(ctx context.Context, lookup HashLookup, companies []model.ProcessedCompany) (*Result, error) {
	res := &Result{}
	if len(companies) == 0 {
		return res, nil
	}

	distinct := make([]string, 0, len(companies))
	seen := make(map[string]bool, len(companies))
	for _, c := range companies {
		if !seen[c.CompanyHash] {
			seen[c.CompanyHash] = true
			distinct = append(distinct, c.CompanyHash)
		}
	}

	existing, err := lookup.ExistingHashes(ctx, distinct)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: lookup existing hashes")
	}

	kept := make(map[string]bool, len(distinct))
	for _, c := range companies {
		switch {
		case existing[c.CompanyHash]:
			res.Skipped = append(res.Skipped, skipped(c, model.SkipDuplicateInDB))
		case kept[c.CompanyHash]:
			res.Skipped = append(res.Skipped, skipped(c, model.SkipDuplicateInCSV))
		default:
			kept[c.CompanyHash] = true
			res.New = append(res.New, c)
		}
	}
	return res, nil
}

func skipped(c model.ProcessedCompany, reason model.SkipReason) model.SkippedCompany {
	return model.SkippedCompany{
		Name:        c.Name,
		Domain:      c.Domain,
		CompanyHash: c.CompanyHash,
		Reason:      reason,
	}
}
