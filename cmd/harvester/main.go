// Upstox bulk harvester CLI
// This application downloads the Upstox instrument master and keeps one JSON
// document of historical candles per equity, backfilling every timeframe to its
// earliest available date and topping it up to today on later runs.
//
// Usage:
//
//	harvester run --config harvester.yaml --out data_upstox_json
//	harvester run --timeframes days|1,hours|4 --limit 50 --no-sweep
//	harvester sweep --out data_upstox_json
//	harvester export --file data_upstox_json/NSE_EQ/RELIANCE.json --timeframe days|1 --output reliance.parquet
//
// For detailed help on any command, use: harvester <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/upstox-harvester/internal/collector"
	"github.com/johnayoung/upstox-harvester/internal/config"
	errs "github.com/johnayoung/upstox-harvester/internal/errors"
	"github.com/johnayoung/upstox-harvester/internal/exchange"
	"github.com/johnayoung/upstox-harvester/internal/export"
	"github.com/johnayoung/upstox-harvester/internal/logger"
	"github.com/johnayoung/upstox-harvester/internal/models"
	"github.com/johnayoung/upstox-harvester/internal/storage"
)

// CLI version information
const (
	Version = "1.3.0"
	AppName = "harvester"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

// usageError marks bad command lines
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// RunFlags holds the options of the run command
type RunFlags struct {
	ConfigPath string
	OutputDir  string
	Limit      int
	Timeframes []string
	NoSweep    bool
	Every      string
	Help       bool
}

// SweepFlags holds the options of the sweep command
type SweepFlags struct {
	ConfigPath string
	OutputDir  string
	Help       bool
}

// ExportFlags holds the options of the export command
type ExportFlags struct {
	File      string
	Timeframe string
	Output    string
	Help      bool
}

// InstrumentsFlags holds the options of the instruments command
type InstrumentsFlags struct {
	ConfigPath string
	Help       bool
}

// CLI represents the main CLI application
type CLI struct {
	stdout io.Writer
	stderr io.Writer

	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	cliLog  *logger.ComponentLogger
	client  *exchange.UpstoxClient
	catalog *exchange.UpstoxInstruments
	store   *storage.FileStore
}

// main is the entry point for the CLI application
func main() {
	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{stdout: os.Stdout, stderr: os.Stderr}
	os.Exit(cli.Run(ctx, os.Args[1:]))
}

// Run dispatches one command line and returns the process exit code
func (cli *CLI) Run(ctx context.Context, args []string) int {
	defer cli.close()

	if len(args) == 0 {
		cli.printUsage()
		return ExitUsageError
	}

	command, rest := args[0], args[1:]
	var err error
	switch command {
	case "run":
		err = cli.handleRun(ctx, rest)
	case "sweep":
		err = cli.handleSweep(ctx, rest)
	case "export":
		err = cli.handleExport(ctx, rest)
	case "instruments":
		err = cli.handleInstruments(ctx, rest)
	case "version", "--version", "-v":
		fmt.Fprintf(cli.stdout, "%s version %s\n", AppName, Version)
		return ExitSuccess
	case "help", "--help", "-h":
		if len(rest) > 0 {
			cli.printCommandHelp(rest[0])
		} else {
			cli.printUsage()
		}
		return ExitSuccess
	default:
		fmt.Fprintf(cli.stderr, "Error: Unknown command '%s'\n\n", command)
		cli.printUsage()
		return ExitUsageError
	}

	return cli.exitCode(ctx, command, err)
}

// exitCode maps a command error to an exit status and reports it
func (cli *CLI) exitCode(ctx context.Context, command string, err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *usageError
	switch {
	case errors.As(err, &usage):
		fmt.Fprintf(cli.stderr, "Error: %v\n\n", err)
		cli.printCommandHelp(command)
		return ExitUsageError
	case errs.IsType(err, errs.ErrorTypeCanceled) || ctx.Err() != nil:
		fmt.Fprintln(cli.stderr, "Interrupted")
		return ExitInterrupt
	case errs.IsType(err, errs.ErrorTypeConfiguration):
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitConfigError
	default:
		if cli.cliLog != nil {
			cli.cliLog.Error("Command failed",
				"command", command,
				"error_type", errs.TypeOf(err),
				"error", err)
		}
		fmt.Fprintf(cli.stderr, "Error: %v\n", err)
		return ExitDataError
	}
}

// initialize loads configuration and builds the shared components
func (cli *CLI) initialize(ctx context.Context, configPath string, apply func(*config.AppConfig) error) error {
	bootstrap := slog.New(slog.NewTextHandler(cli.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg, err := config.NewConfigManager(configPath, bootstrap).LoadConfig(ctx)
	if err != nil {
		return errs.New(errs.ErrorTypeConfiguration, "cli", "load_config", err)
	}
	if apply != nil {
		if err := apply(cfg); err != nil {
			return errs.New(errs.ErrorTypeConfiguration, "cli", "apply_flags", err)
		}
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return errs.New(errs.ErrorTypeConfiguration, "cli", "setup_logging", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	cli.cliLog = logs.GetComponentLogger("cli")

	cli.client = exchange.NewUpstoxClient(exchange.ClientConfigFrom(cfg), cli.logger)
	cli.catalog = exchange.NewUpstoxInstruments(cfg.API.InstrumentsURL, cfg.API.UserAgent, cfg.RequestTimeout(), cli.logger)
	cli.store = storage.NewFileStore(storage.FileStoreConfigFrom(cfg), cli.logger)

	cli.cliLog.Debug("configuration", "config", cfg.String())
	return nil
}

func (cli *CLI) close() {
	if cli.logs != nil {
		_ = cli.logs.Close()
	}
}

func (cli *CLI) orchestrator(limit int, noSweep bool) (*collector.Orchestrator, error) {
	cfg, err := collector.ConfigFrom(cli.config)
	if err != nil {
		return nil, errs.New(errs.ErrorTypeConfiguration, "cli", "timeframes", err)
	}
	cfg.Limit = limit
	cfg.SkipSweep = noSweep
	return collector.NewOrchestrator(cli.catalog, cli.client, cli.store, cfg, cli.logger), nil
}

// handleRun handles the 'run' command: full harvest followed by a sweep
func (cli *CLI) handleRun(ctx context.Context, args []string) error {
	flags, err := parseRunFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("run")
		return nil
	}

	err = cli.initialize(ctx, flags.ConfigPath, func(cfg *config.AppConfig) error {
		if flags.OutputDir != "" {
			cfg.Storage.OutputDir = flags.OutputDir
		}
		if len(flags.Timeframes) > 0 {
			cfg.Harvest.Timeframes = flags.Timeframes
		}
		if flags.Every != "" {
			cfg.Schedule.Interval = flags.Every
		}
		_, err := cfg.ScheduleInterval()
		return err
	})
	if err != nil {
		return err
	}

	orch, err := cli.orchestrator(flags.Limit, flags.NoSweep)
	if err != nil {
		return err
	}
	interval, _ := cli.config.ScheduleInterval()

	cli.cliLog.Info("Starting harvest",
		"output_dir", cli.store.Root(),
		"limit", flags.Limit,
		"sweep", !flags.NoSweep,
		"interval", interval)

	harvester := &reportingHarvester{Harvester: orch, cli: cli}
	if err := collector.NewScheduler(harvester, interval, cli.logger).Start(ctx); err != nil {
		return err
	}
	return nil
}

// handleSweep handles the 'sweep' command: top up every stored document
func (cli *CLI) handleSweep(ctx context.Context, args []string) error {
	flags, err := parseSweepFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("sweep")
		return nil
	}

	err = cli.initialize(ctx, flags.ConfigPath, func(cfg *config.AppConfig) error {
		if flags.OutputDir != "" {
			cfg.Storage.OutputDir = flags.OutputDir
		}
		return nil
	})
	if err != nil {
		return err
	}

	orch, err := cli.orchestrator(0, false)
	if err != nil {
		return err
	}
	return logger.TimedOperationWithContext(ctx, cli.cliLog.Logger, "sweep", func(ctx context.Context) error {
		report, err := orch.Sweep(ctx)
		if err != nil {
			return err
		}
		cli.printReport(report.Stats())
		return nil
	})
}

// handleExport handles the 'export' command: one timeframe of one document to parquet
func (cli *CLI) handleExport(ctx context.Context, args []string) error {
	flags, err := parseExportFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("export")
		return nil
	}
	if flags.File == "" {
		return usagef("--file is required")
	}
	if flags.Output == "" {
		return usagef("--output is required")
	}

	tf, err := models.ParseTimeframeKey(flags.Timeframe)
	if err != nil {
		return usagef("invalid --timeframe: %v", err)
	}

	if cli.logger == nil {
		cli.logger = slog.New(slog.NewTextHandler(cli.stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	n, err := export.NewExporter(cli.logger).Export(ctx, flags.File, tf, flags.Output)
	if err != nil {
		return err
	}

	fmt.Fprintf(cli.stdout, "Exported %d candles of %s to %s\n", n, tf.Key(), flags.Output)
	return nil
}

// handleInstruments handles the 'instruments' command: download and count equities
func (cli *CLI) handleInstruments(ctx context.Context, args []string) error {
	flags, err := parseInstrumentsFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		cli.printCommandHelp("instruments")
		return nil
	}

	if err := cli.initialize(ctx, flags.ConfigPath, nil); err != nil {
		return err
	}

	instruments, err := cli.catalog.Instruments(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.stdout, "%d equity instruments\n", len(instruments))
	return nil
}

// reportingHarvester prints a summary after every harvest
type reportingHarvester struct {
	collector.Harvester
	cli *CLI
}

func (h *reportingHarvester) Harvest(ctx context.Context) (*collector.RunReport, error) {
	report, err := h.Harvester.Harvest(ctx)
	if report != nil {
		h.cli.printReport(report.Stats())
	}
	return report, err
}

func (cli *CLI) printReport(stats collector.RunStats) {
	fmt.Fprintf(cli.stdout, "%s\n", stats)
	if stats.HasFailures() {
		fmt.Fprintf(cli.stdout, "completed with failures: %d instruments failed, %d saves lost\n",
			stats.InstrumentsFailed, stats.SaveFailures)
	}
	if cli.client != nil {
		fmt.Fprintf(cli.stdout, "api: %s\n", cli.client.Stats())
	}
}

// parseRunFlags parses command line arguments for the run command
func parseRunFlags(args []string) (*RunFlags, error) {
	flags := &RunFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, usagef("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--out", "-o":
			if i+1 >= len(args) {
				return nil, usagef("--out requires a value")
			}
			flags.OutputDir = args[i+1]
			i++
		case "--limit", "-n":
			if i+1 >= len(args) {
				return nil, usagef("--limit requires a value")
			}
			limit, err := strconv.Atoi(args[i+1])
			if err != nil || limit < 0 {
				return nil, usagef("invalid limit value: %s", args[i+1])
			}
			flags.Limit = limit
			i++
		case "--timeframes", "-t":
			if i+1 >= len(args) {
				return nil, usagef("--timeframes requires a value")
			}
			for _, tf := range strings.Split(args[i+1], ",") {
				if tf = strings.TrimSpace(tf); tf != "" {
					flags.Timeframes = append(flags.Timeframes, tf)
				}
			}
			i++
		case "--no-sweep":
			flags.NoSweep = true
		case "--every", "-e":
			if i+1 >= len(args) {
				return nil, usagef("--every requires a value")
			}
			if _, err := time.ParseDuration(args[i+1]); err != nil {
				return nil, usagef("invalid --every duration: %s", args[i+1])
			}
			flags.Every = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseSweepFlags parses command line arguments for the sweep command
func parseSweepFlags(args []string) (*SweepFlags, error) {
	flags := &SweepFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, usagef("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--out", "-o":
			if i+1 >= len(args) {
				return nil, usagef("--out requires a value")
			}
			flags.OutputDir = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseExportFlags parses command line arguments for the export command
func parseExportFlags(args []string) (*ExportFlags, error) {
	flags := &ExportFlags{
		Timeframe: "days|1",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file", "-f":
			if i+1 >= len(args) {
				return nil, usagef("--file requires a value")
			}
			flags.File = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, usagef("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--output", "-o":
			if i+1 >= len(args) {
				return nil, usagef("--output requires a value")
			}
			flags.Output = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseInstrumentsFlags parses command line arguments for the instruments command
func parseInstrumentsFlags(args []string) (*InstrumentsFlags, error) {
	flags := &InstrumentsFlags{}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 >= len(args) {
				return nil, usagef("--config requires a value")
			}
			flags.ConfigPath = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, usagef("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// printUsage prints the main usage information
func (cli *CLI) printUsage() {
	fmt.Fprintf(cli.stdout, `%s - Upstox historical candle harvester v%s

USAGE:
    %s <command> [options]

COMMANDS:
    run          Harvest every NSE/BSE equity, then sweep stored documents
    sweep        Top up every stored document to today
    export       Write one timeframe of a document as parquet
    instruments  Download the instrument master and count equities
    version      Show version information
    help         Show help information

EXAMPLES:
    # Harvest everything into ./data_upstox_json
    %s run

    # Harvest the first 50 instruments, daily candles only, every 24 hours
    %s run --limit 50 --timeframes days|1 --every 24h

    # Export daily candles of one document
    %s export --file data_upstox_json/NSE_EQ/RELIANCE.json --timeframe days|1 --output reliance.parquet

CONFIGURATION:
    Configuration can be provided via:
    - Config file: --config harvester.yaml (YAML or JSON)
    - .env file in the working directory (ENV_FILE overrides, NO_DOTENV=1 disables)
    - Environment variables: UPSTOX_API_TOKEN, HARVESTER_* and LOG_*

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, AppName, AppName, AppName, AppName)
}

// printCommandHelp prints detailed help for a specific command
func (cli *CLI) printCommandHelp(command string) {
	switch command {
	case "run":
		fmt.Fprintf(cli.stdout, `%s run - Harvest historical candles

USAGE:
    %s run [options]

OPTIONS:
    --config, -c <file>        Config file (YAML or JSON)
    --out, -o <dir>            Output directory for documents
    --limit, -n <n>            Harvest only the first n instruments
    --timeframes, -t <list>    Comma-separated unit|interval keys (default: whole catalog)
    --no-sweep                 Skip the final sweep of stored documents
    --every, -e <duration>     Repeat the harvest on this interval
    --help, -h                 Show this help message

NOTES:
    - Interrupted runs resume from the last persisted chunk
    - Documents are rewritten atomically after every chunk
`, AppName, AppName)

	case "sweep":
		fmt.Fprintf(cli.stdout, `%s sweep - Top up stored documents

USAGE:
    %s sweep [options]

OPTIONS:
    --config, -c <file>        Config file (YAML or JSON)
    --out, -o <dir>            Output directory for documents
    --help, -h                 Show this help message
`, AppName, AppName)

	case "export":
		fmt.Fprintf(cli.stdout, `%s export - Export one timeframe as parquet

USAGE:
    %s export --file <doc.json> --output <out.parquet> [options]

OPTIONS:
    --file, -f <file>          Document written by run or sweep (required)
    --timeframe, -t <key>      Timeframe key (default: days|1)
    --output, -o <file>        Parquet file to write (required)
    --help, -h                 Show this help message
`, AppName, AppName)

	case "instruments":
		fmt.Fprintf(cli.stdout, `%s instruments - Count harvestable equities

USAGE:
    %s instruments [options]

OPTIONS:
    --config, -c <file>        Config file (YAML or JSON)
    --help, -h                 Show this help message
`, AppName, AppName)

	default:
		fmt.Fprintf(cli.stdout, "No help available for command: %s\n", command)
		cli.printUsage()
	}
}
