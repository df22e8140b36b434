package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsplit/config"
	"github.com/dhcgn/mailsplit/split"
	"github.com/dhcgn/mailsplit/stats"
	"github.com/dhcgn/mailsplit/store"
)

// ReportFile is the name of the CSV written by --report.
const ReportFile = "report_destinations.csv"

// LoggerFunc builds the logger for a run and returns a cleanup function.
type LoggerFunc func(config.Config) (*slog.Logger, func() error, error)

// NewPlanCommand returns the plan subcommand. It runs a dry split and prints
// how many messages each destination would receive.
func NewPlanCommand(newLogger LoggerFunc) *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	planCmd := &cobra.Command{
		Use:   "plan [flags] MAILPATH",
		Short: "Show which archives a split would create and how many messages each gets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd, args)
			if err != nil {
				return err
			}
			cfg.DryRun = true
			if !cmd.Flags().Changed("log-level") {
				cfg.LogLevel = "warn"
			}

			logger, cleanup, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			opts, err := cfg.SplitOptions()
			if err != nil {
				return err
			}

			source, err := store.Open(cfg.Format, cfg.MailPath, false)
			if err != nil {
				return err
			}

			summary, err := split.New(store.OpenerFor(cfg.Format), logger).Split(cmd.Context(), source, opts)
			if err != nil {
				return fmt.Errorf("plan %s: %w", cfg.MailPath, err)
			}

			printPlan(cmd.OutOrStdout(), cfg, summary, topN)

			if reportDir != "" {
				path, err := saveCSVReport(summary.Destinations, reportDir)
				if err != nil {
					return fmt.Errorf("error saving CSV report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nReport saved to: %s\n", path)
			}
			return nil
		},
	}

	planCmd.Flags().StringVarP(&reportDir, "report", "r", "", "Write a CSV report of destination counts into this directory")
	planCmd.Flags().IntVarP(&topN, "top", "t", 0, "Number of destinations to display (0 shows all)")
	return planCmd
}

func printPlan(w io.Writer, cfg config.Config, summary stats.Summary, topN int) {
	selected := summary.DryRunDelivered
	fmt.Fprintf(w, "Source: %s (%s)\n", cfg.MailPath, cfg.Format)
	fmt.Fprintf(w, "Template: %s\n", cfg.Template())
	fmt.Fprintf(w, "Scanned %d messages: %d selected, %d filtered, %d skipped\n",
		summary.Scanned, selected, summary.Filtered, summary.Skipped)
	if cfg.Copy {
		fmt.Fprintln(w, "Mode: copy (source is kept)")
	} else {
		fmt.Fprintf(w, "Mode: move (%d messages would leave the source)\n", summary.DryRunRemoved)
	}
	fmt.Fprintln(w)

	if len(summary.Destinations) == 0 {
		fmt.Fprintln(w, "No destinations.")
		return
	}
	fmt.Fprintf(w, "Destinations (%d):\n", len(summary.Destinations))
	stats.PrettyPrintTop(w, summary.Destinations, topN)
}

func saveCSVReport(counts map[string]int, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	filePath := filepath.Join(dir, ReportFile)
	file, err := os.Create(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Destination", "Count"}); err != nil {
		return "", err
	}
	for _, p := range stats.Top(counts, 0) {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return "", err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return filePath, file.Close()
}
