// Package deps runs the dependency install step after files are synchronized.
package deps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/shell"
)

// ErrDependencyInstall indicates the install command failed or exited non-zero.
var ErrDependencyInstall = errors.New("dependency install failed")

// Installer installs dependencies for the tree at dir.
type Installer interface {
	Install(ctx context.Context, dir string) error
}

// ShellInstaller implements Installer by running a configured command line
type ShellInstaller struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
}

// NewShellInstaller creates an installer for command, split with POSIX shell
// word rules. An empty command makes Install a no-op.
func NewShellInstaller(command string, timeout time.Duration, logger *slog.Logger) *ShellInstaller {
	return &ShellInstaller{
		command: strings.TrimSpace(command),
		timeout: timeout,
		logger:  logger,
	}
}

// Install runs the command with dir as its working directory and waits for it to exit.
func (s *ShellInstaller) Install(ctx context.Context, dir string) error {
	if s.command == "" {
		s.logger.Debug("no dependency command configured, skipping")
		return nil
	}

	args, err := shell.Fields(s.command, os.Getenv)
	if err != nil {
		return fmt.Errorf("%w: parsing command %q: %v", ErrDependencyInstall, s.command, err)
	}
	if len(args) == 0 {
		return nil
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Info("installing dependencies", "command", args[0], "args", args[1:], "dir", dir)
	start := time.Now()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	if err := runCommand(cmd); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: timed out after %s: %v", ErrDependencyInstall, s.timeout, err)
		}
		return fmt.Errorf("%w: %v", ErrDependencyInstall, err)
	}

	s.logger.Info("dependencies installed", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// runCommand executes a command and returns an error with its output on failure
func runCommand(cmd *exec.Cmd) error {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
