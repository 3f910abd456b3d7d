package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/callisto/pkg/cli"
	"mercator-hq/callisto/pkg/config"
	"mercator-hq/callisto/pkg/session"
	"mercator-hq/callisto/pkg/telemetry/logging"
	"mercator-hq/callisto/pkg/telemetry/tracing"
)

var runFlags struct {
	includeAll  bool
	traceDir    string
	sessionID   string
	sessionName string
	continues   bool
	tags        []string
	maxBodySize int
	binary      string
	binaryPath  string
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVar(&runFlags.includeAll, "include-all", false, "capture non-provider traffic too")
	flags.StringVar(&runFlags.traceDir, "trace-dir", "", "trace root directory (default \".opencode-trace\")")
	flags.StringVar(&runFlags.sessionID, "session", "", "explicit session id")
	flags.StringVar(&runFlags.sessionName, "session-name", "", "session display name")
	flags.BoolVar(&runFlags.continues, "continue", false, "resume the most recent session id")
	flags.StringArrayVar(&runFlags.tags, "tag", nil, "session tag (repeatable)")
	flags.IntVar(&runFlags.maxBodySize, "max-body-size", 0, "captured body cap in bytes (default 1048576)")
	flags.StringVar(&runFlags.binary, "binary", "", "wrapped binary name (default \"opencode\")")
	flags.StringVar(&runFlags.binaryPath, "binary-path", "", "wrapped binary path, skipping discovery")
}

// loadConfig merges defaults, the (explicit or discovered) config file and
// the global flags, then validates.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
	} else {
		cfg, _, err = config.LoadDiscovered()
	}
	if err != nil {
		return nil, cli.NewConfigError("", err.Error())
	}

	// Flags win over the file.
	if runFlags.includeAll {
		cfg.IncludeAll = true
	}
	if runFlags.traceDir != "" {
		cfg.TraceDir = runFlags.traceDir
	}
	if runFlags.sessionID != "" {
		cfg.Session.ID = runFlags.sessionID
	}
	if runFlags.sessionName != "" {
		cfg.Session.Name = runFlags.sessionName
	}
	if runFlags.continues {
		cfg.Session.Continue = true
	}
	if len(runFlags.tags) > 0 {
		cfg.Session.Tags = append(cfg.Session.Tags, runFlags.tags...)
	}
	if runFlags.maxBodySize > 0 {
		cfg.MaxBodySize = runFlags.maxBodySize
	}
	if runFlags.binary != "" {
		cfg.Wrapped.Binary = runFlags.binary
	}
	if runFlags.binaryPath != "" {
		cfg.Wrapped.Path = runFlags.binaryPath
	}
	if debug {
		cfg.Debug = true
		cfg.Telemetry.Logging.Level = "debug"
	}
	if verbose {
		cfg.Verbose = true
	}
	if quiet {
		cfg.Quiet = true
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// runSession is the root command: trace one run of the wrapped binary.
func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		exitCode = 2
		return err
	}
	cfg.Wrapped.Args = args

	if _, err := logging.Setup(logging.Config{
		Level:  cfg.Telemetry.Logging.Level,
		Format: cfg.Telemetry.Logging.Format,
	}); err != nil {
		exitCode = 2
		return cli.NewConfigError("telemetry.logging", err.Error())
	}

	ctx := cli.SetupSignalHandler()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:        cfg.Telemetry.Tracing.Enabled,
		Endpoint:       cfg.Telemetry.Tracing.Endpoint,
		SampleRatio:    cfg.Telemetry.Tracing.SampleRatio,
		ServiceVersion: Version,
	})
	if err != nil {
		// Self-tracing is optional; a dead collector must not block the
		// session.
		fmt.Fprintf(os.Stderr, "warning: tracing disabled: %v\n", err)
		shutdownTracing = nil
	}

	printer := cli.NewPrinter(os.Stdout, cfg.Quiet, cfg.Verbose)

	coordinator, err := session.New(cfg, printer)
	if err != nil {
		exitCode = 2
		return err
	}

	code, err := coordinator.Run(ctx)
	exitCode = code

	if shutdownTracing != nil {
		if err := shutdownTracing(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "warning: tracing shutdown: %v\n", err)
		}
	}

	if err != nil {
		return cli.NewCommandError("callisto", err)
	}
	return nil
}
