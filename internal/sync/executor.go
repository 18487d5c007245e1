// Package sync applies a release tree onto an installed tree while leaving
// protected paths untouched.
package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"

	"golang.org/x/sync/errgroup"
)

// ErrSyncAction classifies a failed copy or delete. Such failures are
// recorded and never abort the remaining plan.
var ErrSyncAction = errors.New("sync action failed")

// Operation names used in ActionError.
const (
	OpCopy   = "copy"
	OpDelete = "delete"
)

// ActionError describes one failed action.
type ActionError struct {
	Op   string
	Path string // relative path
	Err  error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap exposes both ErrSyncAction and the underlying cause.
func (e *ActionError) Unwrap() []error {
	return []error{ErrSyncAction, e.Err}
}

// Result summarizes an applied plan.
type Result struct {
	Copied   int
	Deleted  int
	Skipped  int // copies skipped because the installed file was already identical
	Failures []*ActionError
}

// Failed returns the number of failed actions.
func (r *Result) Failed() int {
	return len(r.Failures)
}

// Err joins all action failures, or returns nil.
func (r *Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Options tunes plan application.
type Options struct {
	// DryRun logs the plan without touching the filesystem.
	DryRun bool
	// Concurrency bounds parallel copies. Values below 1 mean sequential.
	Concurrency int
	// AlwaysCopy disables the size and content short-circuit for files that
	// are already identical.
	AlwaysCopy bool
}

// Executor applies plans to an installed tree rooted at Root.
type Executor struct {
	root   string
	opts   Options
	logger *slog.Logger
}

// NewExecutor creates an executor for the tree at root.
func NewExecutor(root string, logger *slog.Logger, opts Options) *Executor {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Executor{
		root:   filepath.Clean(root),
		opts:   opts,
		logger: logger,
	}
}

// Apply runs every copy before the remaining deletes. Deletes marked InTheWay
// run first so the copies they block can succeed. Individual failures are logged and
// collected in the result. When ctx is cancelled, actions not yet started are
// recorded as failures and no deletes run.
func (e *Executor) Apply(ctx context.Context, plan *Plan) *Result {
	res := &Result{}

	if e.opts.DryRun {
		e.logPlanDetails(plan)
		return res
	}

	var mu stdsync.Mutex
	record := func(a Action, op string, skipped bool, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err != nil:
			ae := &ActionError{Op: op, Path: a.RelativePath, Err: err}
			res.Failures = append(res.Failures, ae)
			e.logger.Warn("sync action failed", "op", op, "path", a.RelativePath, "error", err)
		case skipped:
			res.Skipped++
		case op == OpCopy:
			res.Copied++
		default:
			res.Deleted++
		}
	}

	deleteAll := func(inTheWay bool) {
		for _, a := range plan.Delete {
			if a.InTheWay != inTheWay {
				continue
			}
			if err := ctx.Err(); err != nil {
				record(a, OpDelete, false, err)
				continue
			}
			e.logger.Debug("deleting file", "path", a.RelativePath, "in_the_way", a.InTheWay)
			record(a, OpDelete, false, e.deleteFile(a.DestPath))
		}
	}

	// clear paths whose file or directory kind changes in this release
	deleteAll(true)

	g := new(errgroup.Group)
	g.SetLimit(e.opts.Concurrency)
	for _, a := range plan.Copy {
		if err := ctx.Err(); err != nil {
			record(a, OpCopy, false, err)
			continue
		}
		g.Go(func() error {
			skipped, err := e.copyAction(a)
			record(a, OpCopy, skipped, err)
			return nil
		})
	}
	_ = g.Wait()

	deleteAll(false)

	e.logger.Info("sync applied",
		"copied", res.Copied,
		"deleted", res.Deleted,
		"unchanged", res.Skipped,
		"failed", res.Failed())
	return res
}

func (e *Executor) copyAction(a Action) (bool, error) {
	if a.Overwrite && !e.opts.AlwaysCopy {
		same, err := sameContent(a.SourcePath, a.DestPath)
		if err == nil && same {
			e.logger.Debug("file unchanged", "path", a.RelativePath)
			return true, nil
		}
	}

	if a.Overwrite {
		e.logger.Debug("updating file", "path", a.RelativePath)
	} else {
		e.logger.Debug("adding file", "path", a.RelativePath)
	}
	return false, copyFile(a.SourcePath, a.DestPath)
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	// Create temp file in destination directory so the rename stays on one filesystem
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".relaunchd-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(srcInfo.Mode().Perm()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	// an empty directory left at the target would make the rename fail
	if fi, err := os.Lstat(dst); err == nil && fi.IsDir() {
		_ = os.Remove(dst)
	}
	return os.Rename(tmpPath, dst)
}

// deleteFile removes path and prunes parent directories left empty, stopping
// at the tree root.
func (e *Executor) deleteFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	for dir := filepath.Dir(path); dir != e.root && len(dir) > len(e.root); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		e.logger.Debug("pruned empty directory", "dir", dir)
	}
	return nil
}

// sameContent reports whether two regular files have equal mode, size and
// SHA-256 digest.
func sameContent(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Lstat(b)
	if err != nil {
		return false, err
	}
	if !bi.Mode().IsRegular() || ai.Size() != bi.Size() || ai.Mode().Perm() != bi.Mode().Perm() {
		return false, nil
	}

	ha, err := fileHash(a)
	if err != nil {
		return false, err
	}
	hb, err := fileHash(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(ha, hb), nil
}

// fileHash computes the SHA256 hash of a file
func fileHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Executor) logPlanDetails(plan *Plan) {
	for _, a := range plan.Copy {
		verb := "[dry-run] would add"
		if a.Overwrite {
			verb = "[dry-run] would update"
		}
		e.logger.Info(verb, "path", a.RelativePath, "source", a.SourcePath)
	}
	for _, a := range plan.Delete {
		e.logger.Info("[dry-run] would delete", "path", a.RelativePath)
	}
	for _, p := range plan.Protected {
		e.logger.Info("[dry-run] would keep protected", "path", p)
	}
}
