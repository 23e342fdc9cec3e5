package main

import (
	"path"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplier-pipeline/internal/config"
	"github.com/sells-group/supplier-pipeline/internal/fetcher"
	"github.com/sells-group/supplier-pipeline/internal/importer"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/seed"
)

// maxConcurrentImports bounds how many files import at once.
const maxConcurrentImports = 4

var (
	importSources  []string
	importMapping  string
	importLimit    int
	importFilename string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import supplier files into pending companies",
	Long:  "Reads one or more CSV, XLSX or zipped CSV files from disk, HTTP(S) or FTP, maps their columns, removes duplicates and stores the new companies. Each file becomes its own import.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if importFilename != "" && len(importSources) > 1 {
			return eris.New("--filename can only be used with a single --csv")
		}

		mappings, err := seed.LoadMappings(importMapping)
		if err != nil {
			return eris.Wrap(err, "load mapping")
		}

		env, err := initEnv(ctx, config.ModeImport, false)
		if err != nil {
			return err
		}
		defer env.Close()

		results := make([]*model.ImportResult, len(importSources))
		loader := fetcher.NewLoader()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxConcurrentImports)
		for i, src := range importSources {
			g.Go(func() error {
				rows, err := loader.LoadRows(gctx, src)
				if err != nil {
					return eris.Wrapf(err, "read %s", src)
				}
				name := importFilename
				if name == "" {
					name = path.Base(src)
				}
				res, err := env.Importer.Run(gctx, importer.Request{
					Rows:     rows,
					Mappings: mappings,
					Filename: name,
					RowLimit: importLimit,
				})
				if err != nil {
					return eris.Wrapf(err, "import %s", src)
				}
				results[i] = res
				zap.L().Info("import complete",
					zap.String("source", src),
					zap.String("import_id", res.ImportID),
					zap.Int("processed", res.ProcessedCount),
					zap.Int("skipped", res.SkippedCount),
				)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), results)
	},
}

func init() {
	importCmd.Flags().StringSliceVar(&importSources, "csv", nil, "path or http(s)/ftp URL of a supplier file (repeatable)")
	importCmd.Flags().StringVar(&importMapping, "mapping", "", "YAML column mapping file (required)")
	importCmd.Flags().IntVar(&importLimit, "limit", 0, "import at most N rows per file (0 = all)")
	importCmd.Flags().StringVar(&importFilename, "filename", "", "filename recorded on the import (default: base name of --csv)")
	_ = importCmd.MarkFlagRequired("csv")
	_ = importCmd.MarkFlagRequired("mapping")
	rootCmd.AddCommand(importCmd)
}
