// Package importer turns raw CSV rows into deduplicated pending companies
// attached to a new Import.
package importer

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/dedup"
	"github.com/sells-group/supplier-pipeline/internal/mapping"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/normalize"
)

// DefaultInsertBatchSize is used when Config.InsertBatchSize is not positive.
const DefaultInsertBatchSize = 100

// Store is the persistence the importer needs. store.Store satisfies it.
type Store interface {
	dedup.HashLookup
	CreateImport(ctx context.Context, imp *model.Import) error
	UpdateImport(ctx context.Context, id string, upd model.ImportUpdate) error
	InsertCompanies(ctx context.Context, companies []model.Company) error
	InsertCompany(ctx context.Context, company *model.Company) error
}

// Config tunes the importer.
type Config struct {
	InsertBatchSize int
}

// Request is one import: parsed rows plus the mapping declared for them.
type Request struct {
	Rows     []model.RawRow
	Mappings []model.ColumnMapping
	Filename string
	// RowLimit truncates Rows when positive.
	RowLimit int
}

// Importer runs imports against a Store.
type Importer struct {
	store Store
	cfg   Config
}

// New creates an Importer.
func New(st Store, cfg Config) *Importer {
	if cfg.InsertBatchSize <= 0 {
		cfg.InsertBatchSize = DefaultInsertBatchSize
	}
	return &Importer{store: st, cfg: cfg}
}

// Run executes the import. An invalid mapping is rejected before anything is
// written. Once the Import exists, any error that escapes marks it failed
// with the error message before being returned. Per-record insert failures
// do not escape; they are reported in the result.
func (im *Importer) Run(ctx context.Context, req Request) (*model.ImportResult, error) {
	if err := mapping.Validate(req.Mappings); err != nil {
		return nil, err
	}

	rows := req.Rows
	if req.RowLimit > 0 && len(rows) > req.RowLimit {
		rows = rows[:req.RowLimit]
	}

	imp := &model.Import{
		Filename:      req.Filename,
		RowCount:      len(rows),
		Status:        model.ImportPending,
		MappingConfig: append([]model.ColumnMapping(nil), req.Mappings...),
	}
	if err := im.store.CreateImport(ctx, imp); err != nil {
		return nil, eris.Wrap(err, "importer: create import")
	}

	log := zap.L().With(zap.String("import_id", imp.ID), zap.String("filename", req.Filename))
	log.Info("importer: started", zap.Int("rows", len(rows)))

	res, err := im.run(ctx, imp.ID, rows, req.Mappings)
	if err != nil {
		im.markFailed(ctx, imp.ID, err)
		log.Error("importer: failed", zap.Error(err))
		return nil, err
	}

	log.Info("importer: finished",
		zap.Int("processed", res.ProcessedCount),
		zap.Int("skipped", res.SkippedCount),
		zap.Int("errors", res.ErrorCount),
	)
	return res, nil
}

func (im *Importer) run(ctx context.Context, importID string, rows []model.RawRow, mappings []model.ColumnMapping) (*model.ImportResult, error) {
	mapped := mapping.Apply(rows, mappings)

	res := &model.ImportResult{
		ImportID:         importID,
		TotalRows:        len(rows),
		SkippedCompanies: []model.SkippedCompany{},
		Errors:           []model.ImportError{},
	}

	processed := Process(mapped.Companies, importID)

	parts, err := dedup.Partition(ctx, im.store, processed)
	if err != nil {
		return nil, eris.Wrap(err, "importer: deduplicate")
	}
	res.SkippedCompanies = append(res.SkippedCompanies, parts.Skipped...)

	// Rows without a name never reach dedup; they are reported after the duplicates.
	for _, m := range mapped.Missing {
		domain := normalize.ExtractDomain(m.Website)
		var hash string
		if domain != "" {
			hash = normalize.CompanyHash(domain, "")
		}
		res.SkippedCompanies = append(res.SkippedCompanies, model.SkippedCompany{
			Domain:      domain,
			CompanyHash: hash,
			Reason:      model.SkipMissingName,
		})
	}

	inserted, insertErrs, err := im.insert(ctx, parts.New)
	if err != nil {
		return nil, err
	}
	res.Errors = append(res.Errors, insertErrs...)

	res.ProcessedCount = inserted
	res.SkippedCount = len(res.SkippedCompanies)
	res.ErrorCount = len(res.Errors)

	status := model.ImportCompleted
	if res.ErrorCount > 0 {
		status = model.ImportCompletedWithErrors
	}
	if err := im.store.UpdateImport(ctx, importID, model.ImportUpdate{
		Status:         &status,
		ProcessedCount: &res.ProcessedCount,
		SkippedCount:   &res.SkippedCount,
		ErrorCount:     &res.ErrorCount,
	}); err != nil {
		return nil, eris.Wrap(err, "importer: update import")
	}
	return res, nil
}

// Process derives domain, company hash and validated email for each mapped
// company and marks it pending for importID.
func Process(companies []model.MappedCompany, importID string) []model.ProcessedCompany {
	out := make([]model.ProcessedCompany, len(companies))
	for i, c := range companies {
		domain := normalize.ExtractDomain(c.Website)
		out[i] = model.ProcessedCompany{
			MappedCompany:  c,
			Domain:         domain,
			CompanyHash:    normalize.CompanyHash(domain, c.Name),
			ValidatedEmail: normalize.ValidateEmail(c.Email),
			Status:         model.StatusPending,
			ImportID:       importID,
		}
	}
	return out
}

// insert stores companies in batches. A failed batch is retried one record
// at a time so a single bad record only costs itself.
func (im *Importer) insert(ctx context.Context, companies []model.ProcessedCompany) (int, []model.ImportError, error) {
	var (
		inserted int
		errs     []model.ImportError
	)
	for start := 0; start < len(companies); start += im.cfg.InsertBatchSize {
		end := min(start+im.cfg.InsertBatchSize, len(companies))

		batch := make([]model.Company, 0, end-start)
		for _, p := range companies[start:end] {
			batch = append(batch, model.NewCompany(p))
		}

		err := im.store.InsertCompanies(ctx, batch)
		if err == nil {
			inserted += len(batch)
			continue
		}
		if ctx.Err() != nil {
			return inserted, errs, eris.Wrap(ctx.Err(), "importer: insert companies")
		}
		zap.L().Warn("importer: batch insert failed, retrying per record",
			zap.Int("batch_size", len(batch)),
			zap.Error(err),
		)

		for i := range batch {
			if err := im.store.InsertCompany(ctx, &batch[i]); err != nil {
				if ctx.Err() != nil {
					return inserted, errs, eris.Wrap(ctx.Err(), "importer: insert company")
				}
				errs = append(errs, model.ImportError{
					CompanyHash: batch[i].CompanyHash,
					Name:        batch[i].Name,
					Error:       err.Error(),
				})
				continue
			}
			inserted++
		}
	}
	return inserted, errs, nil
}

func (im *Importer) markFailed(ctx context.Context, importID string, cause error) {
	status := model.ImportFailed
	msg := cause.Error()
	if err := im.store.UpdateImport(context.WithoutCancel(ctx), importID, model.ImportUpdate{
		Status:       &status,
		ErrorMessage: &msg,
	}); err != nil {
		zap.L().Error("importer: mark import failed", zap.String("import_id", importID), zap.Error(err))
	}
}
