package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsplit/cmd"
	"github.com/dhcgn/mailsplit/config"
	"github.com/dhcgn/mailsplit/split"
	"github.com/dhcgn/mailsplit/store"
)

var version = "devel"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command line and returns the process exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd, err := newRootCommand(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "failed to register CLI flags: %v\n", err)
		return 1
	}
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCommand(logSink io.Writer) (*cobra.Command, error) {
	newLogger := func(cfg config.Config) (*slog.Logger, func() error, error) {
		return setupLogger(cfg, logSink)
	}

	rootCmd := &cobra.Command{
		Use:           "mailsplit [flags] MAILPATH",
		Short:         "Split a mailbox or maildir into per-date archives",
		Version:       version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}

			logger, cleanup, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			logger.Info("starting mailsplit", "mailpath", cfg.MailPath, "format", cfg.Format, "template", cfg.Template(), "copy", cfg.Copy, "dryRun", cfg.DryRun)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}
	rootCmd.AddCommand(cmd.NewPlanCommand(newLogger))
	return rootCmd, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	opts, err := cfg.SplitOptions()
	if err != nil {
		return err
	}

	source, err := store.Open(cfg.Format, cfg.MailPath, false)
	if err != nil {
		return err
	}

	splitter := split.New(store.OpenerFor(cfg.Format), logger)
	if _, err := splitter.Split(ctx, source, opts); err != nil {
		return fmt.Errorf("split %s: %w", cfg.MailPath, err)
	}
	return nil
}

// setupLogger builds a text logger writing to sink and, with --log-dir set,
// to a timestamped file as well.
func setupLogger(cfg config.Config, sink io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailsplit-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(sink, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(sink, opts)
	return slog.New(handler), cleanup, nil
}
