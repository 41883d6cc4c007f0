package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/config"
)

// levelRouter is a slog.Handler that routes records below ERROR to stdout and
// ERROR+ to stderr.
type levelRouter struct {
	level  slog.Leveler
	stdout slog.Handler
	stderr slog.Handler
}

func (lr *levelRouter) Enabled(_ context.Context, level slog.Level) bool {
	return level >= lr.level.Level()
}

func (lr *levelRouter) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelError {
		return lr.stderr.Handle(ctx, r)
	}
	return lr.stdout.Handle(ctx, r)
}

func (lr *levelRouter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelRouter{
		level:  lr.level,
		stdout: lr.stdout.WithAttrs(attrs),
		stderr: lr.stderr.WithAttrs(attrs),
	}
}

func (lr *levelRouter) WithGroup(name string) slog.Handler {
	return &levelRouter{
		level:  lr.level,
		stdout: lr.stdout.WithGroup(name),
		stderr: lr.stderr.WithGroup(name),
	}
}

// setupLogger configures structured logging. Records below ERROR go to
// stdout, ERROR goes to stderr. If logPath is non-empty, all levels are also
// written to that file, rotated once it reaches maxSizeMB.
// Returns a cleanup function that closes the log file (if opened).
func setupLogger(level slog.Level, logPath string, maxSizeMB int) func() {
	opts := &slog.HandlerOptions{Level: level}

	cleanup := func() {}

	stdoutW := io.Writer(os.Stdout)
	stderrW := io.Writer(os.Stderr)

	if logPath != "" {
		f := &lumberjack.Logger{
			Filename:   logPath,
			MaxSize:    maxSizeMB,
			MaxBackups: 3,
			Compress:   true,
		}
		cleanup = func() { f.Close() }
		stdoutW = io.MultiWriter(os.Stdout, f)
		stderrW = io.MultiWriter(os.Stderr, f)
	}

	handler := &levelRouter{
		level:  level,
		stdout: slog.NewTextHandler(stdoutW, opts),
		stderr: slog.NewTextHandler(stderrW, opts),
	}
	slog.SetDefault(slog.New(handler))
	return cleanup
}

var (
	configPath string
	logPath    string
	verbose    bool

	cfg      *config.Config
	closeLog = func() {}
)

var rootCmd = &cobra.Command{
	Use:   "crochetsync",
	Short: "Local-first sync core for the crochet tracker",
	Long: `crochetsync keeps projects and yarn inventory on the device, mirrors them
to the hosted backend for pro accounts and uploads captured photos in the
background.

Without a configured backend everything runs offline against the local
database, with local accounts.

Configuration is read from --config (YAML), a .env file and CROCHET_*
environment variables, e.g. CROCHET_BACKEND_URL or CROCHET_STORAGE_BUCKET.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if logPath == "" {
			logPath = cfg.Local.LogFile
		}

		level := slog.LevelWarn
		if verbose || cmd.Name() == "run" {
			level = slog.LevelInfo
		}
		closeLog = setupLogger(level, logPath, cfg.Local.LogMaxSizeMB)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		closeLog()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&logPath, "log", "l", "", "log file path (default: no file, stdout/stderr only)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at info level")
}

// openApp opens the app and restores the persisted session. The returned
// function waits for running uploads and closes the app.
func openApp(ctx context.Context) (*app.App, *app.Workspace, func(), error) {
	a, err := app.Open(ctx, cfg, slog.Default())
	if err != nil {
		return nil, nil, nil, err
	}
	ws, err := a.Bootstrap(ctx)
	if err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	return a, ws, func() {
		a.Queue().Wait()
		if err := a.Close(); err != nil {
			slog.Error("closing app", "error", err)
		}
	}, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		closeLog()
		os.Exit(1)
	}
}
