package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/upstox-harvester/internal/collector"
	"github.com/johnayoung/upstox-harvester/internal/logger"
	"github.com/johnayoung/upstox-harvester/internal/models"
	"github.com/johnayoung/upstox-harvester/internal/storage"
)

func newTestCLI() (*CLI, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return &CLI{stdout: &stdout, stderr: &stderr}, &stdout, &stderr
}

func TestParseRunFlags(t *testing.T) {
	flags, err := parseRunFlags([]string{
		"--config", "h.yaml", "--out", "data", "--limit", "5",
		"--timeframes", "days|1, hours|4", "--no-sweep", "--every", "24h",
	})
	require.NoError(t, err)
	assert.Equal(t, &RunFlags{
		ConfigPath: "h.yaml",
		OutputDir:  "data",
		Limit:      5,
		Timeframes: []string{"days|1", "hours|4"},
		NoSweep:    true,
		Every:      "24h",
	}, flags)

	tests := []struct {
		name string
		args []string
	}{
		{"missing value", []string{"--limit"}},
		{"bad limit", []string{"--limit", "many"}},
		{"negative limit", []string{"--limit", "-1"}},
		{"bad duration", []string{"--every", "daily"}},
		{"unknown flag", []string{"--pairs", "BTC-USD"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRunFlags(tt.args)
			var usage *usageError
			assert.ErrorAs(t, err, &usage)
		})
	}
}

func TestParseExportFlags_Defaults(t *testing.T) {
	flags, err := parseExportFlags([]string{"-f", "doc.json", "-o", "out.parquet"})
	require.NoError(t, err)
	assert.Equal(t, "days|1", flags.Timeframe)
	assert.Equal(t, "doc.json", flags.File)
	assert.Equal(t, "out.parquet", flags.Output)
}

func TestCLI_Dispatch(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")

	tests := []struct {
		name   string
		args   []string
		code   int
		stdout string
	}{
		{"no args", nil, ExitUsageError, "USAGE:"},
		{"version", []string{"version"}, ExitSuccess, "harvester version " + Version},
		{"help", []string{"help"}, ExitSuccess, "COMMANDS:"},
		{"command help", []string{"help", "export"}, ExitSuccess, "--timeframe"},
		{"unknown command", []string{"collect"}, ExitUsageError, "USAGE:"},
		{"bad flag", []string{"sweep", "--pairs"}, ExitUsageError, "harvester sweep"},
		{"export without file", []string{"export", "--output", "x.parquet"}, ExitUsageError, "harvester export"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cli, stdout, _ := newTestCLI()
			assert.Equal(t, tt.code, cli.Run(context.Background(), tt.args))
			assert.Contains(t, stdout.String(), tt.stdout)
		})
	}
}

func TestCLI_RunRejectsUnknownTimeframe(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv("LOG_OUTPUT", "stderr")

	cli, _, stderr := newTestCLI()
	code := cli.Run(context.Background(), []string{"run", "--out", t.TempDir(), "--timeframes", "days|7"})
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr.String(), "Error:")
}

func TestCLI_SweepEmptyDirectory(t *testing.T) {
	t.Setenv("NO_DOTENV", "1")
	t.Setenv("LOG_OUTPUT", "stderr")

	cli, stdout, _ := newTestCLI()
	code := cli.Run(context.Background(), []string{"sweep", "--out", t.TempDir()})
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "swept=0")
}

func TestCLI_PrintReport(t *testing.T) {
	cli, stdout, _ := newTestCLI()
	cli.printReport(collector.RunStats{InstrumentsTotal: 3, InstrumentsCompleted: 3})
	assert.NotContains(t, stdout.String(), "completed with failures")

	cli, stdout, _ = newTestCLI()
	cli.printReport(collector.RunStats{InstrumentsTotal: 3, InstrumentsCompleted: 1, InstrumentsFailed: 2, SaveFailures: 1})
	assert.Contains(t, stdout.String(), "completed with failures: 2 instruments failed, 1 saves lost")
}

func TestCLI_Export(t *testing.T) {
	dir := t.TempDir()
	store := storage.NewFileStore(storage.FileStoreConfig{Root: dir}, logger.Discard())

	inst := models.Instrument{InstrumentKey: "NSE_EQ|INE002A01018", Segment: "NSE_EQ", TradingSymbol: "RELIANCE"}
	doc := models.NewDocument(inst, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	doc.EnsureTimeframe(models.Timeframe{Unit: models.UnitDays, Interval: "1"}).Candles = []models.Candle{
		models.NewCandle("2024-01-01T00:00:00+05:30", 1, 2, 0.5, 1.5, 100, 0),
	}
	key := store.Locate(inst)
	require.NoError(t, store.Save(context.Background(), key, doc))

	out := filepath.Join(dir, "reliance.parquet")
	cli, stdout, _ := newTestCLI()
	code := cli.Run(context.Background(), []string{"export", "--file", store.Path(key), "--output", out})
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, stdout.String(), "Exported 1 candles of days|1")
	assert.FileExists(t, out)

	cli, _, _ = newTestCLI()
	code = cli.Run(context.Background(), []string{"export", "--file", store.Path(key), "--timeframe", "hours|4", "--output", out})
	assert.Equal(t, ExitDataError, code)
}

func TestCLI_InterruptedExitCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cli, _, _ := newTestCLI()
	assert.Equal(t, ExitInterrupt, cli.exitCode(ctx, "run", context.Canceled))
}
