package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"email2deadline/internal/config"
	"email2deadline/internal/extract"
	"email2deadline/internal/ics"
	"email2deadline/internal/ledger"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/mailbox"
	"email2deadline/internal/pipeline"
	"email2deadline/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values; non-empty values override the config file.
type flagConfig struct {
	command      string
	configPath   string
	outputDir    string
	mergeFile    string
	calendarName string
	timezone     string
	listen       string
	stdout       bool
	verbose      bool
	inputs       []string
}

func main() {
	flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		os.Exit(2)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	err = run(ctx, flags)
	switch {
	case err == nil:
	case errors.Is(err, ics.ErrNoEvents), errors.Is(err, mailbox.ErrNoMessages):
		// Already reported by the notifier.
	case errors.Is(err, context.Canceled):
	default:
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, flags flagConfig) error {
	conf, err := loadConfig(flags)
	if err != nil {
		return err
	}

	level := appLog.ParseLevel(conf.LogLevel)
	if flags.verbose {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	appLog.Debug("email2deadline starting", "version", version, "command", flags.command)
	appLog.Debug("effective config",
		"calendar_name", conf.CalendarName,
		"timezone", conf.Timezone,
		"output_dir", conf.OutputDir,
		"merge_file", conf.MergeFile,
		"inputs", len(conf.Inputs),
		"imap", conf.IMAP != nil,
		"ledger", conf.LedgerPath != "",
		"refresh", conf.RefreshCron,
	)

	var ldg *ledger.Ledger
	if conf.LedgerPath != "" {
		if ldg, err = ledger.Open(conf.LedgerPath); err != nil {
			return err
		}
		defer ldg.Close()
	}

	extractor := extract.New(extract.Config{Location: conf.Location()})
	export := ics.ExportConfig{CalendarName: conf.CalendarName, LineLength: conf.LineLength}

	opts := pipeline.Options{
		Extractor:   extractor,
		Export:      export,
		OutputDir:   conf.OutputDir,
		FilePattern: conf.FilePattern,
		MergeFile:   conf.MergeFile,
		Ledger:      ldg,
		Notifier:    cliNotifier{w: os.Stderr},
	}
	if flags.stdout {
		opts.Stdout = os.Stdout
		opts.MergeFile = ""
	}

	src := buildSource(conf, flags.inputs)

	switch flags.command {
	case "export":
		if src == nil {
			return errors.New("no inputs: pass .eml/.mbox files (or - for stdin), or configure inputs/imap")
		}
		_, err := pipeline.New(opts).Run(ctx, src)
		return err

	case "watch":
		if src == nil {
			return errors.New("watch needs inputs or an imap mailbox in the config")
		}
		return pipeline.New(opts).Watch(ctx, conf.RefreshCron, src)

	case "serve":
		srv := web.NewServer(conf, extractor, export, ldg)
		if src == nil {
			appLog.Info("no message sources configured; serving the extraction API only")
			return srv.Serve(ctx)
		}
		opts.Publisher = srv
		opts.Notifier = pipeline.LogNotifier{}
		opts.Stdout = nil

		watchCtx, stopWatch := context.WithCancel(ctx)
		defer stopWatch()
		watchErr := make(chan error, 1)
		go func() { watchErr <- pipeline.New(opts).Watch(watchCtx, conf.RefreshCron, src) }()

		serveErr := srv.Serve(ctx)
		stopWatch()
		if err := <-watchErr; err != nil && serveErr == nil {
			return err
		}
		return serveErr
	}
	return fmt.Errorf("unknown command %q", flags.command)
}

func loadConfig(flags flagConfig) (*config.Config, error) {
	conf, err := config.Load(flags.configPath)
	if err != nil {
		if conf == nil {
			return nil, fmt.Errorf("loading config %s: %w", flags.configPath, err)
		}
		// Defaults are usable even if they could not be written.
		appLog.Warn("could not write default config", "config_path", flags.configPath, "reason", err.Error())
	}

	if flags.timezone != "" {
		if _, err := time.LoadLocation(flags.timezone); err != nil {
			return nil, fmt.Errorf("invalid -tz %q: %w", flags.timezone, err)
		}
		conf.Timezone = flags.timezone
	}
	if flags.outputDir != "" {
		conf.OutputDir = flags.outputDir
	}
	if flags.mergeFile != "" {
		conf.MergeFile = flags.mergeFile
	}
	if flags.calendarName != "" {
		conf.CalendarName = flags.calendarName
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	return conf, nil
}

// buildSource returns nil when neither files nor IMAP are configured.
// Command-line inputs replace the configured ones.
func buildSource(conf *config.Config, args []string) mailbox.Source {
	var sources mailbox.MultiSource

	inputs := conf.Inputs
	if len(args) > 0 {
		inputs = args
	}
	if len(inputs) > 0 {
		sources = append(sources, mailbox.FileSource{Paths: inputs})
	}
	if conf.IMAP != nil && conf.IMAP.Host != "" && len(args) == 0 {
		sources = append(sources, mailbox.NewIMAPSource(*conf.IMAP))
	}

	switch len(sources) {
	case 0:
		return nil
	case 1:
		return sources[0]
	}
	return sources
}

// cliNotifier prints user-facing outcomes.
type cliNotifier struct {
	w io.Writer
}

func (n cliNotifier) Notify(message string) {
	fmt.Fprintln(n.w, message)
}

func parseFlags(args []string) (flagConfig, error) {
	cfg := flagConfig{command: "export"}
	if len(args) > 0 {
		switch args[0] {
		case "export", "watch", "serve":
			cfg.command = args[0]
			args = args[1:]
		}
	}

	fs := flag.NewFlagSet("email2deadline", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: email2deadline [export|watch|serve] [flags] [files...]\n\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.configPath, "config", config.DefaultPath(), "Path to config file")
	fs.StringVar(&cfg.outputDir, "out", "", "Output directory for .ics files (overrides config)")
	fs.StringVar(&cfg.mergeFile, "merge", "", "Merge events into this calendar file (overrides config)")
	fs.StringVar(&cfg.calendarName, "calendar-name", "", "Calendar name (overrides config)")
	fs.StringVar(&cfg.timezone, "tz", "", "IANA time zone for dates found in messages (overrides config)")
	fs.StringVar(&cfg.listen, "listen", "", "HTTP listen address for serve (overrides config)")
	fs.BoolVar(&cfg.stdout, "stdout", false, "Print the calendar instead of writing a file")
	fs.BoolVar(&cfg.verbose, "v", false, "Debug logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.inputs = fs.Args()
	return cfg, nil
}
