package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ListenUpApp/client-sub012/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagNoStream   bool
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that must run even when the config
// file does not load (config init writes it).
const skipConfigAnnotation = "skipConfig"

// logFileMaxSizeMB caps a single log file before lumberjack rotates it.
const logFileMaxSizeMB = 50

// CLIFlags is a snapshot of the persistent flags for one invocation.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext carries everything a subcommand needs. It is built once in
// PersistentPreRunE and stored in the command's context.
type CLIContext struct {
	Flags  CLIFlags
	Env    config.EnvOverrides
	CLI    config.CLIOverrides
	Cfg    *config.Resolved
	Logger *slog.Logger
	// Level is the live log level; watch mode lowers or raises it on config
	// reload unless --verbose or --quiet pinned it.
	Level *slog.LevelVar
	Out   io.Writer
	Err   io.Writer

	closeLog func() error
}

type cliContextKey struct{}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by PersistentPreRunE. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listenup-sync",
		Short: "ListenUp offline-first sync client",
		Long: `Keep a local ListenUp catalog in sync with a ListenUp server.

Local changes are queued and pushed when the server is reachable; server
changes arrive over a live event stream and periodic delta pulls.`,
		Version: version,
		// Silence Cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadCLIContext(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext)
			if !ok || cc.closeLog == nil {
				return nil
			}

			return cc.closeLog()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "ListenUp server URL (overrides config)")
	cmd.PersistentFlags().BoolVar(&flagNoStream, "no-stream", false, "disable the live event stream")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPendingCmd())
	cmd.AddCommand(newRetryCmd())
	cmd.AddCommand(newDismissCmd())
	cmd.AddCommand(newMutateCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newLibraryCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration and builds the logger.
func loadCLIContext(cmd *cobra.Command) error {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
		Env: config.ReadEnvOverrides(),
		CLI: cliOverrides(cmd),
		Out: cmd.OutOrStdout(),
		Err: cmd.ErrOrStderr(),
	}

	if cmd.Annotations[skipConfigAnnotation] != "true" {
		resolved, err := config.Resolve(cc.Env, cc.CLI)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cc.Cfg = resolved
	}

	logger, level, closeLog := buildLogger(cc.Cfg, cc.Flags, cmd.ErrOrStderr())
	cc.Logger, cc.Level, cc.closeLog = logger, level, closeLog

	cmd.SetContext(withCLIContext(cmd.Context(), cc))

	return nil
}

// cliOverrides passes only explicitly set flags to the resolver.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Copies, so a resolver re-run on config reload never reads the globals.
	if cmd.Flags().Changed("server") {
		server := flagServerURL
		cli.ServerURL = &server
	}

	if cmd.Flags().Changed("no-stream") {
		noStream := flagNoStream
		cli.NoStream = &noStream
	}

	return cli
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. The config-file log level is the baseline; --verbose and
// --quiet override it. With log_file set, output goes to a file rotated by
// lumberjack and kept for log_retention_days.
func buildLogger(cfg *config.Resolved, flags CLIFlags, stderr io.Writer) (*slog.Logger, *slog.LevelVar, func() error) {
	level := &slog.LevelVar{}
	level.Set(slog.LevelWarn)

	var logging config.LoggingConfig
	if cfg != nil {
		logging = cfg.Logging
		level.Set(logging.Level())
	}

	if flags.Verbose {
		level.Set(slog.LevelDebug)
	}

	if flags.Quiet {
		level.Set(slog.LevelError)
	}

	out := stderr
	closeLog := func() error { return nil }

	if logging.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: logging.LogFile,
			MaxSize:  logFileMaxSizeMB,
			MaxAge:   logging.LogRetentionDays,
			Compress: true,
		}

		out = lj
		closeLog = lj.Close
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if useJSONLogs(logging.LogFormat, out) {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), level, closeLog
}

// useJSONLogs resolves log_format. "auto" picks text for a terminal and
// JSON for everything else (files, pipes, journald).
func useJSONLogs(format string, out io.Writer) bool {
	switch format {
	case "json":
		return true
	case "text":
		return false
	default:
		return !isTerminal(out)
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newHTTPClient returns an HTTP client honoring the configured timeouts.
func newHTTPClient(n *config.NetworkConfig) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: n.Connect()}).DialContext

	return &http.Client{Timeout: n.Data(), Transport: transport}
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	var coded *exitError
	if errors.As(err, &coded) {
		return coded.code
	}

	return 1
}

// exitError carries a specific exit status through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}
