package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailsplit/filter"
	"github.com/dhcgn/mailsplit/namer"
	"github.com/dhcgn/mailsplit/split"
	"github.com/dhcgn/mailsplit/store"
)

// DefaultSuffix groups messages by the four-digit year of their date.
const DefaultSuffix = "_{Date:%Y}"

// Config captures all command-line options required to run a split.
type Config struct {
	MailPath      string
	OutputDir     string
	ArchiveName   string
	Prefix        string
	Suffix        string
	Copy          bool
	DryRun        bool
	SkipInvalid   bool
	Before        time.Time
	Format        store.Format
	LogLevel      string
	LogDir        string
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// RegisterFlags attaches all CLI flags to the provided command. Flags are
// persistent so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	flags.StringP("output-dir", "o", "", "Output directory (defaults to the directory of MAILPATH)")
	flags.StringP("archive-name", "a", "", "Archive name (defaults to the base name of MAILPATH)")
	flags.StringP("prefix", "p", "", "Prefix format")
	flags.StringP("suffix", "s", DefaultSuffix, "Suffix format")
	flags.BoolP("copy", "c", false, "Copy instead of move mail")
	flags.BoolP("dry-run", "n", false, "Log what would be done without modifying any mailbox")
	flags.StringP("date", "D", "", "Process mails older than this date only (YYYY-MM-DD)")
	flags.String("mailformat", string(store.FormatMaildir), "Mail format: "+strings.Join(store.FormatNames(), ", "))
	flags.Bool("skip-invalid", false, "Leave messages with a bad date or unrenderable name in place instead of aborting")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return nil
}

// LoadConfig converts the parsed Cobra flags and the MAILPATH argument into
// a Config struct with validation.
func LoadConfig(cmd *cobra.Command, args []string) (Config, error) {
	if len(args) != 1 {
		return Config{}, fmt.Errorf("exactly one MAILPATH argument is required")
	}
	flags := cmd.Flags()

	outputDir, err := flags.GetString("output-dir")
	if err != nil {
		return Config{}, err
	}
	archiveName, err := flags.GetString("archive-name")
	if err != nil {
		return Config{}, err
	}
	prefix, err := flags.GetString("prefix")
	if err != nil {
		return Config{}, err
	}
	suffix, err := flags.GetString("suffix")
	if err != nil {
		return Config{}, err
	}
	copyMail, err := flags.GetBool("copy")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	date, err := flags.GetString("date")
	if err != nil {
		return Config{}, err
	}
	mailFormat, err := flags.GetString("mailformat")
	if err != nil {
		return Config{}, err
	}
	skipInvalid, err := flags.GetBool("skip-invalid")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	mailPath := strings.TrimSpace(args[0])
	if mailPath == "" {
		return Config{}, fmt.Errorf("MAILPATH is empty")
	}
	mailPath = filepath.Clean(mailPath)

	if archiveName == "" {
		archiveName = filepath.Base(mailPath)
	}
	if outputDir == "" {
		outputDir = filepath.Dir(mailPath)
	}

	var before time.Time
	if date != "" {
		before, err = filter.ParseCutoff(date)
		if err != nil {
			return Config{}, fmt.Errorf("--date: %w", err)
		}
	}

	format, err := store.ParseFormat(mailFormat)
	if err != nil {
		return Config{}, fmt.Errorf("--mailformat: %w", err)
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		MailPath:      mailPath,
		OutputDir:     outputDir,
		ArchiveName:   archiveName,
		Prefix:        prefix,
		Suffix:        suffix,
		Copy:          copyMail,
		DryRun:        dryRun,
		SkipInvalid:   skipInvalid,
		Before:        before,
		Format:        format,
		LogLevel:      logLevel,
		LogDir:        logDir,
		IncludeHeader: includeHeader,
		IncludeBody:   includeBody,
		ExcludeHeader: excludeHeader,
		ExcludeBody:   excludeBody,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.ArchiveName == "" || cfg.ArchiveName == "." || cfg.ArchiveName == string(filepath.Separator) {
		return fmt.Errorf("--archive-name is required when MAILPATH has no base name")
	}
	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	if _, err := namer.Parse(cfg.Template()); err != nil {
		return fmt.Errorf("invalid --prefix/--suffix: %w", err)
	}

	return nil
}

// Template returns the destination template: the output directory joined
// with prefix, archive name and suffix.
func (c Config) Template() string {
	return filepath.Join(c.OutputDir, c.Prefix+c.ArchiveName+c.Suffix)
}

// SplitOptions builds the engine options described by the configuration.
func (c Config) SplitOptions() (split.Options, error) {
	tmpl, err := namer.Parse(c.Template())
	if err != nil {
		return split.Options{}, err
	}

	f, err := filter.New(filter.Options{
		Before:        c.Before,
		IncludeHeader: c.IncludeHeader,
		IncludeBody:   c.IncludeBody,
		ExcludeHeader: c.ExcludeHeader,
		ExcludeBody:   c.ExcludeBody,
	})
	if err != nil {
		return split.Options{}, fmt.Errorf("filter: %w", err)
	}

	opts := split.Options{
		Template:    tmpl,
		Copy:        c.Copy,
		DryRun:      c.DryRun,
		SkipInvalid: c.SkipInvalid,
	}
	if f.Active() {
		opts.Filter = f.Accept
	}
	return opts, nil
}
