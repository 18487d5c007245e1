// Package updater runs the self-update pipeline: resolve, fetch, sync,
// install dependencies and restart.
package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/schaermu/relaunchd/internal/config"
	"github.com/schaermu/relaunchd/internal/deps"
	"github.com/schaermu/relaunchd/internal/history"
	"github.com/schaermu/relaunchd/internal/notify"
	"github.com/schaermu/relaunchd/internal/release"
	"github.com/schaermu/relaunchd/internal/snapshot"
	"github.com/schaermu/relaunchd/internal/supervisor"
	"github.com/schaermu/relaunchd/internal/sync"
)

// ErrUpdateInProgress is returned when Run is called while another run is
// active anywhere in the process.
var ErrUpdateInProgress = errors.New("update already in progress")

// inProgress is shared by every Engine in the process.
var inProgress atomic.Bool

// InProgress reports whether an update is currently running.
func InProgress() bool {
	return inProgress.Load()
}

// Resolver produces the release descriptor for one attempt.
type Resolver interface {
	Resolve(ctx context.Context) (*release.Descriptor, error)
}

// Fetcher retrieves, verifies and unpacks release archives.
type Fetcher interface {
	Download(ctx context.Context, url, dest string) error
	Verify(ctx context.Context, archivePath, checksumURL, assetName string) error
	Extract(archivePath, scratchDir string) (string, error)
}

// Deps are the collaborators of an Engine. Notifier and History default to
// no-ops when nil.
type Deps struct {
	Resolver   Resolver
	Fetcher    Fetcher
	Installer  deps.Installer
	Supervisor supervisor.Supervisor
	Notifier   notify.Notifier
	History    history.Recorder
}

// RunOptions controls a single run.
type RunOptions struct {
	// DryRun computes and logs the plan without touching the installed
	// tree, installing dependencies or restarting.
	DryRun bool
}

// Report summarizes one run.
type Report struct {
	RunID         string
	Descriptor    *release.Descriptor
	Status        history.Status
	PlannedCopy   int
	PlannedDelete int
	Sync          *sync.Result
	DependencyErr error
	Restarted     bool
	DryRun        bool
}

// Engine orchestrates update runs against one installation.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(cfg *config.Config, d Deps, logger *slog.Logger) *Engine {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.History == nil {
		d.History = history.Nop{}
	}
	return &Engine{
		cfg:    cfg,
		deps:   d,
		logger: logger,
		now:    time.Now,
	}
}

// Check resolves the installed and latest versions without changing anything.
func (e *Engine) Check(ctx context.Context) (*release.Descriptor, error) {
	desc, err := e.deps.Resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Info("version check",
		"current", desc.CurrentVersion,
		"latest", desc.LatestVersion,
		"update_available", desc.UpdateAvailable())
	return desc, nil
}

// run carries the per-attempt state.
type run struct {
	report  *Report
	attempt *history.Attempt
}

// Run executes one update attempt. Scratch artifacts are removed on every
// return path. When an update is installed and the process is restarted,
// Run only returns if the supervisor does not terminate the process.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	if !inProgress.CompareAndSwap(false, true) {
		return nil, ErrUpdateInProgress
	}
	defer inProgress.Store(false)

	r := &run{
		report: &Report{
			RunID:  history.NewRunID(),
			DryRun: opts.DryRun,
		},
	}
	r.attempt = &history.Attempt{
		RunID:     r.report.RunID,
		StartedAt: e.now().UTC(),
	}

	defer e.cleanup()

	if err := e.execute(ctx, r, opts); err != nil {
		r.report.Status = history.StatusFailed
		e.cleanup()
		e.notify(ctx, notify.StageFailed, fmt.Sprintf("Update failed: %s", err), err)
		e.record(ctx, r, err)
		return r.report, err
	}
	return r.report, nil
}

func (e *Engine) execute(ctx context.Context, r *run, opts RunOptions) error {
	desc, err := e.deps.Resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	r.report.Descriptor = desc
	r.attempt.FromVersion = desc.CurrentVersion
	r.attempt.ToVersion = desc.LatestVersion

	if !desc.UpdateAvailable() {
		e.logger.Info("already on latest version", "current", desc.CurrentVersion, "latest", desc.LatestVersion)
		r.report.Status = history.StatusUpToDate
		e.notify(ctx, notify.StageUpToDate, "Already on latest version!", nil)
		e.record(ctx, r, nil)
		return nil
	}

	e.logger.Info("update found", "current", desc.CurrentVersion, "latest", desc.LatestVersion, "archive", release.RedactURL(desc.ArchiveURL))
	e.notify(ctx, notify.StageUpdateFound, fmt.Sprintf("Update found: %s (installed %s)", desc.LatestVersion, desc.CurrentVersion), nil)

	archive := e.cfg.ArchivePath()
	if err := e.deps.Fetcher.Download(ctx, desc.ArchiveURL, archive); err != nil {
		return err
	}
	if err := e.deps.Fetcher.Verify(ctx, archive, desc.ChecksumURL, desc.AssetName); err != nil {
		return err
	}
	srcRoot, err := e.deps.Fetcher.Extract(archive, e.cfg.ScratchDirPath())
	if err != nil {
		return err
	}

	if !opts.DryRun {
		e.notify(ctx, notify.StageInstalling, "Installing update...", nil)
	}

	result, err := e.syncTrees(ctx, r, srcRoot, opts.DryRun)
	if err != nil {
		return err
	}
	r.attempt.Copied = result.Copied
	r.attempt.Deleted = result.Deleted
	r.attempt.Failed = result.Failed()
	if result.Failed() > 0 {
		e.logger.Warn("some files could not be synchronized", "failed", result.Failed())
	}

	if opts.DryRun {
		e.logger.Info("[dry-run] update not applied",
			"latest", desc.LatestVersion,
			"copy", r.report.PlannedCopy,
			"delete", r.report.PlannedDelete)
		r.report.Status = history.StatusDryRun
		e.cleanup()
		e.record(ctx, r, nil)
		return nil
	}

	e.notify(ctx, notify.StageDependencies, "Installing dependencies...", nil)
	if err := e.deps.Installer.Install(ctx, e.cfg.Paths.InstallRoot); err != nil {
		// files stay in place; the operator has to fix dependencies by hand
		r.report.DependencyErr = err
		e.logger.Error("dependency install failed", "error", err)
		e.notify(ctx, notify.StageDependencies, fmt.Sprintf("Dependency install failed: %s", err), err)
	}

	// everything below must happen before the process is replaced
	e.cleanup()
	r.report.Status = history.StatusSuccess
	e.record(ctx, r, r.report.DependencyErr)

	if e.cfg.Restart.Mode == config.RestartNone {
		e.notify(ctx, notify.StageCompleted, fmt.Sprintf("Update to %s complete! Restart to apply.", desc.LatestVersion), nil)
	} else {
		e.notify(ctx, notify.StageRestarting, "Update complete! Restarting...", nil)
	}

	if err := e.deps.Supervisor.LaunchDetachedReplacement(ctx); err != nil {
		return fmt.Errorf("failed to launch replacement process: %w", err)
	}
	r.report.Restarted = e.cfg.Restart.Mode != config.RestartNone
	e.deps.Supervisor.TerminateSelf(0)
	return nil
}

// syncTrees scans both trees and applies the resulting plan.
func (e *Engine) syncTrees(ctx context.Context, r *run, srcRoot string, dryRun bool) (*sync.Result, error) {
	src, skipped, err := snapshot.ScanWithSkipped(srcRoot)
	if err != nil {
		return nil, err
	}
	logSkipped(e.logger, "release", skipped)

	root := e.cfg.Paths.InstallRoot
	dst, skipped, err := snapshot.ScanWithSkipped(root)
	if err != nil {
		return nil, err
	}
	logSkipped(e.logger, "installed", skipped)

	protected := sync.NewProtectedSet(e.cfg.ProtectedPaths()...)
	plan := sync.BuildPlan(src, dst, root, protected)
	r.report.PlannedCopy = len(plan.Copy)
	r.report.PlannedDelete = len(plan.Delete)

	e.logger.Info("sync plan computed",
		"copy", len(plan.Copy),
		"delete", len(plan.Delete),
		"protected", len(plan.Protected))

	executor := sync.NewExecutor(root, e.logger, sync.Options{
		DryRun:      dryRun,
		Concurrency: e.cfg.Sync.Concurrency,
		AlwaysCopy:  e.cfg.Sync.AlwaysCopy,
	})
	result := executor.Apply(ctx, plan)
	r.report.Sync = result
	return result, nil
}

func logSkipped(logger *slog.Logger, tree string, skipped []string) {
	for _, p := range skipped {
		logger.Debug("skipping non-regular file", "tree", tree, "path", p)
	}
}

// cleanup removes the scratch directory and archive. Missing artifacts are not
// an error, so it is safe to call repeatedly.
func (e *Engine) cleanup() {
	for _, p := range []string{e.cfg.ScratchDirPath(), e.cfg.ArchivePath()} {
		if p == "" {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			e.logger.Warn("failed to remove scratch artifact", "path", p, "error", err)
		}
	}
}

func (e *Engine) notify(ctx context.Context, stage notify.Stage, msg string, err error) {
	e.deps.Notifier.Notify(ctx, notify.Event{
		Stage:   stage,
		Message: msg,
		Err:     err,
		Time:    e.now().UTC(),
	})
}

func (e *Engine) record(ctx context.Context, r *run, runErr error) {
	r.attempt.Status = r.report.Status
	r.attempt.FinishedAt = e.now().UTC()
	if runErr != nil {
		r.attempt.Error = runErr.Error()
	}
	// a cancelled run is still worth recording
	if err := e.deps.History.Record(context.WithoutCancel(ctx), r.attempt); err != nil {
		e.logger.Warn("failed to record update attempt", "error", err)
	}
}
