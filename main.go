package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cepro/meterlogger/config"
	"github.com/cepro/meterlogger/daemon"
	"github.com/spf13/pflag"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("meterlogger", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", config.DefaultPath, "configuration file")
	logPath := flags.StringP("log", "o", "", "also append log output to this file")
	httpd := flags.BoolP("httpd", "l", false, "enable the local HTTP interface")
	httpdPort := flags.IntP("httpd-port", "p", 0, "port for the local HTTP interface")
	verbosity := flags.IntP("verbose", "v", 0, "log verbosity, 5 or more enables debug logging")
	help := flags.BoolP("help", "h", false, "show this help")
	showVersion := flags.BoolP("version", "V", false, "show the version")
	flags.BoolP("foreground", "f", false, "run in the foreground (always the case, kept for compatibility)")

	err := flags.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage(flags)
		return 2
	}
	if *help {
		usage(flags)
		return 0
	}
	if *showVersion {
		fmt.Printf("%s %s\n", daemon.Generator, version)
		return 0
	}

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read config: %v\n", err)
		return 1
	}
	if flags.Changed("verbose") {
		cfg.Verbosity = *verbosity
	}
	if *httpd {
		cfg.Local.Enabled = true
	}
	if flags.Changed("httpd-port") {
		cfg.Local.Port = *httpdPort
	}

	closeLog, err := setupLogging(cfg.Verbosity, *logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		return 1
	}
	defer closeLog()

	slog.Info("Starting meterlogger...", "version", version, "config", *configPath)

	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("Failed to create daemon", "error", err)
		return 1
	}

	// the first interrupt, terminate or hangup signal cancels the context, and the daemon tears itself down
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	err = d.Start(ctx)
	if err != nil {
		slog.Error("Failed to start", "error", err)
		return 1
	}

	err = d.Wait()
	if err != nil {
		slog.Error("Exiting after failure", "error", err)
		return 1
	}

	slog.Info("Exiting")
	return 0
}

// setupLogging installs the default logger. Output goes to stdout and, if `logPath` is set, is appended to that file.
func setupLogging(verbosity int, logPath string) (func(), error) {
	level := slog.LevelInfo
	if verbosity >= 5 {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stdout
	closeLog := func() {}
	if logPath != "" {
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stdout, file)
		closeLog = func() { file.Close() }
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return closeLog, nil
}

func usage(flags *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, "Usage: meterlogger [options]\n\n")
	flags.PrintDefaults()

	fmt.Fprintf(os.Stderr, "\nProtocols:\n")
	for _, details := range daemon.Protocols() {
		periodic := ""
		if details.Periodic {
			periodic = " (periodic)"
		}
		fmt.Fprintf(os.Stderr, "  %-10s %s%s\n", details.Name, details.Description, periodic)
	}
}
