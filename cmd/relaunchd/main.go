package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/schaermu/relaunchd/internal/activation"
	"github.com/schaermu/relaunchd/internal/config"
	"github.com/schaermu/relaunchd/internal/deps"
	"github.com/schaermu/relaunchd/internal/fetch"
	"github.com/schaermu/relaunchd/internal/history"
	"github.com/schaermu/relaunchd/internal/notify"
	"github.com/schaermu/relaunchd/internal/release"
	"github.com/schaermu/relaunchd/internal/supervisor"
	"github.com/schaermu/relaunchd/internal/updater"
	"github.com/schaermu/relaunchd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Command flags
	dryRun       bool
	historyLimit int
	socketName   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "relaunchd",
	Short: "Keep an installed application on its latest GitHub release",
	Long: `relaunchd checks a GitHub repository for new releases, synchronizes the
installed tree with the release archive while leaving protected paths alone,
installs dependencies and restarts the application.

It can run once (from a chat command, cron job or systemd timer) or as a
long-running daemon that reacts to GitHub release webhooks and polls.`,
	SilenceUsage:      true,
	PersistentPreRunE: bindSettings,
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Install the latest release if it is newer than the installed one",
	Long: `Update resolves the installed and latest versions, downloads and verifies the
release archive, synchronizes the installed tree, runs the dependency command
and restarts the application according to restart.mode.

With --dry-run the plan is logged but nothing is changed.

When restart.mode is detach, restart.command must name the application's
entry point: relaunching "relaunchd update" would not start the application.`,
	RunE: runUpdate,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether a newer release is available",
	RunE:  runCheck,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook and poll daemon",
	Long: `Serve performs an update run at startup and then triggers further runs from
GitHub release webhooks (serve.listen_addr or a systemd socket) and from the
poll timer (serve.poll_interval). The configuration file is reloaded when it
changes.`,
	RunE: runServe,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent update attempts",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "relaunchd %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/relaunchd/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	for _, name := range []string{"config", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
	viper.SetEnvPrefix("RELAUNCHD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	updateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	serveCmd.Flags().StringVar(&socketName, "socket-name", "", "name of the activated socket to serve on (default first)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of attempts to show")

	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// bindSettings resolves global settings from flags and RELAUNCHD_* variables.
func bindSettings(cmd *cobra.Command, args []string) error {
	cfgFile = viper.GetString("config")
	logLevel = viper.GetString("log-level")
	logFormat = viper.GetString("log-format")
	return nil
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := checkOneShotRestart(cfg, dryRun); err != nil {
		return err
	}

	app, err := newApp(cfg, logger, notify.NewWriter(cmd.OutOrStdout()))
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.engine.Run(ctx, updater.RunOptions{DryRun: dryRun})
	if err != nil {
		return err
	}

	if report.DryRun && report.Descriptor != nil && report.Descriptor.UpdateAvailable() {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Would update %s -> %s: %d files to copy, %d to delete\n",
			report.Descriptor.CurrentVersion, report.Descriptor.LatestVersion,
			report.PlannedCopy, report.PlannedDelete)
	}
	return nil
}

// checkOneShotRestart rejects detach mode without an explicit command for
// one-shot runs, whose default replacement would be relaunchd itself.
func checkOneShotRestart(cfg *config.Config, dryRun bool) error {
	if dryRun || cfg.Restart.Mode != config.RestartDetach || len(cfg.Restart.Command) > 0 {
		return nil
	}
	return errors.New("restart.command is required with restart.mode detach when running update; " +
		"set it to the application's entry point or use restart.mode none")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer app.Close()

	desc, err := app.engine.Check(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "installed: %s\n", desc.CurrentVersion)
	_, _ = fmt.Fprintf(out, "latest:    %s\n", desc.LatestVersion)
	if desc.UpdateAvailable() {
		_, _ = fmt.Fprintln(out, "update available")
	} else {
		_, _ = fmt.Fprintln(out, "up to date")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var opts []webhook.Option
	sockets, err := activation.Listeners()
	if err != nil {
		return fmt.Errorf("socket activation: %w", err)
	}
	if ln := activation.Select(sockets, socketName); ln != nil {
		logger.Info("using activated socket", "addr", ln.Addr().String())
		opts = append(opts, webhook.WithListener(ln))
	} else if !cfg.ServeEnabled() {
		return fmt.Errorf("serve requires serve.listen_addr, serve.poll_interval or an activated socket")
	}

	app, err := newApp(cfg, logger, nil)
	if err != nil {
		return err
	}
	var appMu sync.Mutex
	defer func() {
		appMu.Lock()
		defer appMu.Unlock()
		app.Close()
	}()

	server, err := webhook.NewServer(cfg, app.engine, logger, opts...)
	if err != nil {
		return err
	}

	path := configPath()
	go func() {
		err := webhook.WatchFile(ctx, path, time.Second, logger, func() {
			next, err := config.Load(path)
			if err != nil {
				logger.Error("ignoring invalid configuration change", "error", err)
				return
			}
			nextApp, err := newApp(next, logger, nil)
			if err != nil {
				logger.Error("failed to apply configuration change", "error", err)
				return
			}
			server.Reload(next, nextApp.engine)

			appMu.Lock()
			prev := app
			app = nextApp
			appMu.Unlock()

			// the previous engine may still be finishing a run
			go func() {
				for updater.InProgress() {
					time.Sleep(time.Second)
				}
				prev.Close()
			}()
		})
		if err != nil {
			logger.Warn("configuration reload disabled", "error", err)
		}
	}()

	return server.Start(ctx)
}

func runHistory(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	path := cfg.HistoryDBPath()
	if path == "" {
		return errors.New("update history is disabled (set history.db_path)")
	}

	store, err := history.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	attempts, err := store.Recent(ctx, historyLimit)
	if err != nil {
		return err
	}

	printHistory(cmd.OutOrStdout(), attempts, time.Now())
	return nil
}

func printHistory(w io.Writer, attempts []history.Attempt, now time.Time) {
	if len(attempts) == 0 {
		_, _ = fmt.Fprintln(w, "no update attempts recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tSTATUS\tFROM\tTO\tCOPIED\tDELETED\tFAILED\tERROR")
	for _, a := range attempts {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			humanize.RelTime(a.StartedAt, now, "ago", "from now"),
			a.Status, a.FromVersion, a.ToVersion,
			a.Copied, a.Deleted, a.Failed, a.Error)
	}
	_ = tw.Flush()
}

// app holds the wired update engine and the resources it owns.
type app struct {
	engine *updater.Engine
	store  *history.Store
}

// Close releases the history database.
func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// newApp wires the update pipeline from cfg. Progress messages go to the
// logger, the configured webhook and, when set, out.
func newApp(cfg *config.Config, logger *slog.Logger, out notify.Notifier) (*app, error) {
	token, err := readToken(cfg.Release.TokenFile)
	if err != nil {
		return nil, err
	}
	userAgent := "relaunchd/" + version

	source := release.NewGitHubClient(cfg.Release.Owner, cfg.Release.Repo,
		release.WithBaseURL(cfg.Release.APIURL),
		release.WithToken(token),
		release.WithUserAgent(userAgent))

	fetcher := fetch.New(logger,
		fetch.WithToken(token, cfg.Release.APIURL),
		fetch.WithUserAgent(userAgent),
		fetch.WithRequireChecksum(cfg.Release.RequireChecksum))

	sup, err := newSupervisor(cfg, logger)
	if err != nil {
		return nil, err
	}

	notifiers := notify.Multi{notify.NewLog(logger)}
	if out != nil {
		notifiers = append(notifiers, out)
	}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger))
	}

	a := &app{}
	var recorder history.Recorder = history.Nop{}
	if path := cfg.HistoryDBPath(); path != "" {
		store, err := history.Open(path)
		if err != nil {
			return nil, err
		}
		a.store = store
		recorder = store
	}

	a.engine = updater.New(cfg, updater.Deps{
		Resolver:   release.NewResolver(source, cfg.ManifestPath(), cfg.Release.Asset),
		Fetcher:    fetcher,
		Installer:  deps.NewShellInstaller(cfg.Dependencies.Command, cfg.Dependencies.Timeout, logger),
		Supervisor: sup,
		Notifier:   notifiers,
		History:    recorder,
	}, logger)
	return a, nil
}

func newSupervisor(cfg *config.Config, logger *slog.Logger) (supervisor.Supervisor, error) {
	switch cfg.Restart.Mode {
	case config.RestartSystemd:
		return supervisor.NewSystemd(cfg.Restart.Unit, logger), nil
	case config.RestartNone:
		return supervisor.NewNone(logger), nil
	default:
		return supervisor.NewDetached(cfg.Restart.Command, logger)
	}
}

func readToken(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if logFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	// charmbracelet levels share slog's numeric values
	handler := log.NewWithOptions(os.Stderr, log.Options{
		Level:           log.Level(level),
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	return slog.New(handler)
}

// configPath returns the explicit config file or the XDG default.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(xdg.ConfigHome, "relaunchd", "config.yaml")
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := configPath()
	logger.Info("loading configuration", "path", path)

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Release.Owner+"/"+cfg.Release.Repo,
		"install_root", cfg.Paths.InstallRoot,
		"restart", cfg.Restart.Mode,
		"protected", len(cfg.Sync.Protected))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
