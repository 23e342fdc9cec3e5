package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/supplier-pipeline/internal/config"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/seed"
	"github.com/sells-group/supplier-pipeline/internal/store"
)

var (
	seedFile      string
	importsLimit  int
	importsStatus string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load prompt templates and column rules from a YAML file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		f, err := seed.LoadFile(seedFile)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, config.ModeMaintenance, false)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := seed.Apply(ctx, env.Store, f)
		if err != nil {
			return eris.Wrap(err, "apply seed")
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "List recent imports",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, config.ModeMaintenance, false)
		if err != nil {
			return err
		}
		defer env.Close()

		imps, err := env.Store.ListImports(ctx, store.ImportFilter{
			Status: model.ImportStatus(importsStatus),
			Limit:  importsLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), imps)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), config.ModeMaintenance, false)
		if err != nil {
			return err
		}
		defer env.Close()

		zap.L().Info("schema up to date", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "seed.yaml", "seed YAML file")
	importsCmd.Flags().IntVar(&importsLimit, "limit", 20, "maximum number of imports to list")
	importsCmd.Flags().StringVar(&importsStatus, "status", "", "only list imports in this status")
	rootCmd.AddCommand(seedCmd, importsCmd, migrateCmd)
}
