package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/supplier-pipeline/internal/config"
	"github.com/sells-group/supplier-pipeline/internal/model"
	"github.com/sells-group/supplier-pipeline/internal/pipeline"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"import", "pipeline", "seed", "imports", "migrate", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "supplier-pipeline", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestPipelineCommand_Flags(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range pipelineCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"run", "step", "status"} {
		assert.True(t, names[name], "pipeline should have subcommand %q", name)
	}

	require.NotNil(t, pipelineCmd.PersistentFlags().Lookup("import"))
	require.NotNil(t, pipelineStepCmd.Flags().Lookup("step"))
	assert.NotNil(t, pipelineRunCmd.Flags().Lookup("offline"))
	assert.Nil(t, pipelineStatusCmd.Flags().Lookup("offline"))
}

func TestImportCommand_Flags(t *testing.T) {
	for _, name := range []string{"csv", "mapping", "limit", "filename"} {
		assert.NotNil(t, importCmd.Flags().Lookup(name), "import should have --%s", name)
	}
	assert.Equal(t, "[]", importCmd.Flags().Lookup("csv").DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("offline"))
}

func TestPipelineConfig_ResearchDelay(t *testing.T) {
	p := config.PipelineConfig{CleanBatchSize: 15, ResearchDelayMs: 250}
	assert.Equal(t, 250*time.Millisecond, pipelineConfig(p).ResearchDelay)

	p.ResearchDelayMs = 0
	assert.Equal(t, pipeline.NoResearchDelay, pipelineConfig(p).ResearchDelay)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

// TestCommands_EndToEnd drives seed, import, pipeline and imports through
// the CLI with configuration from the environment.
func TestCommands_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SUPPLIER_STORE_DRIVER", "sqlite")
	t.Setenv("SUPPLIER_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("SUPPLIER_LOG_LEVEL", "error")
	t.Setenv("SUPPLIER_PIPELINE_RESEARCH_DELAY_MS", "0")

	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
		return p
	}
	seedPath := write("seed.yaml", "prompts:\n  - step: clean\n    name: default\n    template: Clean these suppliers.\n")
	mappingPath := write("mapping.yaml", "Company: name\nWebsite: website\n")
	csvPath := write("suppliers.csv", "\ufeffCompany,Website\nAcme GmbH,https://acme.de\nBolt AG,bolt.ch\nAcme GmbH,acme.de\n")

	var seeded struct{ Prompts, Rules int }
	require.NoError(t, json.Unmarshal([]byte(execute(t, "seed", "--file", seedPath)), &seeded))
	assert.Equal(t, 1, seeded.Prompts)

	var results []model.ImportResult
	require.NoError(t, json.Unmarshal([]byte(execute(t, "import", "--csv", csvPath, "--mapping", mappingPath)), &results))
	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].ProcessedCount)
	assert.Equal(t, 1, results[0].SkippedCount)
	id := results[0].ImportID

	var res model.PipelineResult
	require.NoError(t, json.Unmarshal([]byte(execute(t, "pipeline", "run", "--import", id, "--offline")), &res))
	assert.Equal(t, 0, res.TotalErrors)
	assert.Equal(t, 2, res.Validate.Valid)

	var st model.PipelineStatus
	require.NoError(t, json.Unmarshal([]byte(execute(t, "pipeline", "status", "--import", id)), &st))
	assert.Equal(t, model.ImportCompleted, st.Import.Status)

	var imps []model.Import
	require.NoError(t, json.Unmarshal([]byte(execute(t, "imports")), &imps))
	require.Len(t, imps, 1)
	assert.Equal(t, "suppliers.csv", imps[0].Filename)
}
