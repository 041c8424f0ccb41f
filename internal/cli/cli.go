// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - argument parsing, dispatch and exit codes for rigroute.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigroute/internal/config"
	"github.com/jeranaias/rigroute/internal/logger"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdModels
	CmdProfiles
	CmdDomains
	CmdReport
	CmdAudit
	CmdSelect
	CmdThermal
	CmdCatalog
	CmdServe
	CmdDoctor
	CmdVersion
	CmdUnknown
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	JSON       bool
	Quiet      bool
	Verbose    bool

	// Name is the command word as typed
	Name string

	// Raw holds the arguments after the command word
	Raw []string
}

const usageText = `rigroute - compliance-aware model selection

Usage:
  rigroute <command> [subcommand] [flags]

Commands:
  models list                    List registered models
    --tag TAG                      Require a certification (repeatable)
    --provider NAME                Filter by provider
    --thermal                      Only thermal-managed models
    --availability up|degraded|down
  models show <id>               Show one model
  models remove <id>...          Remove models from the registry
    --confirm                      Skip the confirmation prompt

  profiles list                  List the latest version of every profile
  profiles show <id>             Show a profile
    --version N                    A specific published version
  profiles set-weights <id> <w1..w8 | dim=w ...>
                                 Publish a new profile version
  profiles validate <file>       Validate a manifest without applying it

  domains list                   List domains
  domains show <id>              Show a domain and its eligible models
    --tenant ID                    Apply a tenant's override
  domains override <tenant> <domain>
    --add TAG                      Add a compliance tag (repeatable)
    --profile ID                   Pin the tenant's profile
    --allow-profile-override true|false
    --remove                       Remove the override

  select                         Dry-run a selection (nothing is recorded)
    --tenant ID --domain ID        Required
    --profile ID[@vN]              Explicit profile override
    --budget DURATION              Latency budget (500ms, 2s)
    --max-cost DECIMAL             Max cost per 1000 units

  report compliance              Compliance report (markdown or JSON)
    --domain ID --tenant ID
    --since TIME --until TIME      RFC 3339, YYYY-MM-DD or 7d
    --format md|json
  report bundle --output FILE    Write an evidence bundle (.tar.gz)
  report verify-bundle <file>    Check a bundle against its manifest

  audit search                   Search recorded decisions
    --tenant --domain --outcome --since --until --limit N
  audit verify                   Verify hash chains
    --tenant ID --domain ID
  audit purge --before TIME      Remove decisions older than TIME
    --confirm                      Skip the prompt

  thermal status                 Show thermal state of self-hosted models
  catalog export <file>          Write models and catalog as a manifest
  catalog import <file>          Apply a manifest and persist it
  serve                          Run the HTTP server
  doctor                         Check configuration and backends
  version                        Show version information

Global flags:
  --config FILE                  Config file (default: ~/.rigroute/config.toml)
  --json                         JSON output
  -q, --quiet                    Errors only in logs
  -v, --verbose                  Debug logging

Exit codes:
  0  success
  1  validation error (bad input, unknown domain, invalid profile)
  2  no eligible model
  3  backend unavailable

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// VersionData is the JSON payload of the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// =============================================================================
// PARSING
// =============================================================================

// Parse splits argv into the command and its arguments. Global flags may
// appear anywhere.
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)
	if len(remaining) == 0 {
		return CmdHelp, args
	}

	args.Name = strings.ToLower(remaining[0])
	args.Raw = remaining[1:]

	switch args.Name {
	case "models", "model":
		return CmdModels, args
	case "profiles", "profile":
		return CmdProfiles, args
	case "domains", "domain":
		return CmdDomains, args
	case "report", "reports":
		return CmdReport, args
	case "audit":
		return CmdAudit, args
	case "select":
		return CmdSelect, args
	case "thermal":
		return CmdThermal, args
	case "catalog":
		return CmdCatalog, args
	case "serve":
		return CmdServe, args
	case "doctor":
		return CmdDoctor, args
	case "version", "--version":
		return CmdVersion, args
	case "help", "-h", "--help":
		return CmdHelp, args
	default:
		return CmdUnknown, args
	}
}

// parseGlobalFlags extracts global flags and returns what is left.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var (
		remaining []string
		args      Args
	)
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--json":
			args.JSON = true
		case arg == "-q" || arg == "--quiet":
			args.Quiet = true
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case arg == "--config" && i+1 < len(argv):
			i++
			args.ConfigPath = argv[i]
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining, args
}

// =============================================================================
// APP
// =============================================================================

// App carries what every command handler needs.
type App struct {
	Out, Err    io.Writer
	In          io.Reader
	Interactive bool
	Now         func() time.Time

	Config *config.Config
	Log    zerolog.Logger

	args Args
}

// Run parses argv, runs the command and returns the process exit code.
// Errors go to stderr, or to stdout as a JSON envelope with --json.
func Run(argv []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cmd, args := Parse(argv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{
		Out:         stdout,
		Err:         stderr,
		In:          stdin,
		Interactive: isTerminalReader(stdin),
		Now:         time.Now,
		args:        args,
	}

	err := app.dispatch(ctx, cmd)
	if err != nil {
		if args.JSON {
			DisplayError(stdout, args.Name, err, true)
		} else {
			DisplayError(stderr, args.Name, err, false)
		}
	}
	return ExitCodeFor(err)
}

func (a *App) dispatch(ctx context.Context, cmd Command) error {
	switch cmd {
	case CmdHelp:
		PrintUsage(a.Out)
		return nil
	case CmdVersion:
		return a.version()
	case CmdUnknown:
		hint := "Run 'rigroute help' for usage."
		if s := SuggestCommand(a.args.Name); s != "" {
			hint = fmt.Sprintf("Did you mean '%s'?", s)
		}
		return &UsageError{Usage: "rigroute <command> [subcommand] [flags]", Hint: fmt.Sprintf("unknown command %q. %s", a.args.Name, hint)}
	}

	if err := a.loadConfig(); err != nil {
		return err
	}

	switch cmd {
	case CmdModels:
		return a.models(ctx)
	case CmdProfiles:
		return a.profiles(ctx)
	case CmdDomains:
		return a.domains(ctx)
	case CmdReport:
		return a.report(ctx)
	case CmdAudit:
		return a.audit(ctx)
	case CmdSelect:
		return a.selectModel(ctx)
	case CmdThermal:
		return a.thermal(ctx)
	case CmdCatalog:
		return a.catalog(ctx)
	case CmdServe:
		return a.serve(ctx)
	case CmdDoctor:
		return a.doctor(ctx)
	}
	return nil
}

// loadConfig loads the configuration and builds the logger. Logs always go
// to stderr so stdout stays parseable.
func (a *App) loadConfig() error {
	cfg, err := config.Load(a.args.ConfigPath)
	if err != nil {
		return NewValidationError("config", a.args.ConfigPath, err.Error())
	}
	a.Config = cfg

	level := cfg.Log.Level
	switch {
	case a.args.Verbose:
		level = "debug"
	case a.args.Quiet:
		level = "error"
	}
	a.Log = logger.NewWithWriter(a.Err, level, cfg.Log.Format)
	return nil
}

// writeJSON writes a success envelope for the current command.
func (a *App) writeJSON(data any) error {
	return NewJSONResponse(a.args.Name, data).Write(a.Out)
}

func (a *App) version() error {
	if a.args.JSON {
		return a.writeJSON(VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		})
	}
	fmt.Fprintf(a.Out, "rigroute version %s\n", Version)
	fmt.Fprintf(a.Out, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(a.Out, "  Build date: %s\n", BuildDate)
	return nil
}

// subcommand returns the parser for the current command's arguments and
// its first positional, which must be one of valid.
func (a *App) subcommand(usage string, bools []string, valid ...string) (*ArgParser, string, error) {
	p := NewArgParser(a.args.Raw, bools...)
	sub := strings.ToLower(p.Subcommand())
	if sub == "" && len(valid) > 0 {
		sub = valid[0]
	}
	for _, v := range valid {
		if sub == v {
			return p, sub, nil
		}
	}
	return nil, "", &UsageError{
		Usage: usage,
		Hint:  fmt.Sprintf("unknown subcommand %q, expected one of: %s", sub, strings.Join(valid, ", ")),
	}
}
