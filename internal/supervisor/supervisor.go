// Package supervisor replaces the running process with a freshly started one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/schaermu/relaunchd/internal/activation"
)

// Supervisor launches a replacement process and terminates the current one.
type Supervisor interface {
	// LaunchDetachedReplacement starts a new instance that outlives this process.
	LaunchDetachedReplacement(ctx context.Context) error
	// TerminateSelf ends the current process. Implementations that do not
	// own the process lifecycle return without exiting.
	TerminateSelf(code int)
}

// Option configures a supervisor.
type Option func(*options)

type options struct {
	exit   func(int)
	dir    string
	runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// WithExit replaces os.Exit, mainly so tests never terminate the test binary.
func WithExit(exit func(int)) Option {
	return func(o *options) {
		o.exit = exit
	}
}

// WithDir sets the working directory of the replacement process.
func WithDir(dir string) Option {
	return func(o *options) {
		o.dir = dir
	}
}

// WithRunner replaces the function used to run systemctl.
func WithRunner(run func(ctx context.Context, name string, args ...string) ([]byte, error)) Option {
	return func(o *options) {
		o.runner = run
	}
}

func buildOptions(opts []Option) options {
	o := options{
		exit:   os.Exit,
		runner: combinedOutput,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func combinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Detached starts the entry command in a new session with its standard
// streams on the null device.
type Detached struct {
	command []string
	dir     string
	exit    func(int)
	logger  *slog.Logger
}

// NewDetached creates a Detached supervisor. An empty command relaunches the
// current executable with the current arguments. The working directory
// defaults to the current one.
func NewDetached(command []string, logger *slog.Logger, opts ...Option) (*Detached, error) {
	o := buildOptions(opts)

	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving current executable: %w", err)
		}
		command = append([]string{exe}, os.Args[1:]...)
	}

	if o.dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		o.dir = wd
	}

	return &Detached{
		command: command,
		dir:     o.dir,
		exit:    o.exit,
		logger:  logger,
	}, nil
}

// LaunchDetachedReplacement starts the replacement and releases it. The child
// is not bound to ctx so it survives this process.
func (d *Detached) LaunchDetachedReplacement(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// nil Stdin/Stdout/Stderr connect the child to the null device
	cmd := exec.Command(d.command[0], d.command[1:]...)
	cmd.Dir = d.dir
	cmd.Env = activation.StripEnv(os.Environ())
	cmd.SysProcAttr = detachAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting replacement %s: %w", d.command[0], err)
	}

	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		d.logger.Warn("failed to release replacement process", "pid", pid, "error", err)
	}

	d.logger.Info("replacement process launched",
		"pid", pid,
		"command", strings.Join(d.command, " "),
		"dir", d.dir)
	return nil
}

// TerminateSelf exits the current process.
func (d *Detached) TerminateSelf(code int) {
	d.logger.Info("terminating current process", "code", code)
	d.exit(code)
}

// Systemd restarts a systemd --user unit that runs the process.
type Systemd struct {
	unit   string
	exit   func(int)
	run    func(ctx context.Context, name string, args ...string) ([]byte, error)
	logger *slog.Logger
}

// NewSystemd creates a supervisor for unit.
func NewSystemd(unit string, logger *slog.Logger, opts ...Option) *Systemd {
	o := buildOptions(opts)
	return &Systemd{
		unit:   unit,
		exit:   o.exit,
		run:    o.runner,
		logger: logger,
	}
}

// Available checks if systemctl --user is accessible
func (s *Systemd) Available(ctx context.Context) error {
	_, err := s.run(ctx, "systemctl", "--user", "status")
	if err != nil {
		var exitErr *exec.ExitError
		// Exit codes 1-3 are normal for systemctl status on degraded systems
		if errors.As(err, &exitErr) && exitErr.ExitCode() <= 3 {
			return nil
		}
		return fmt.Errorf("systemctl --user not available: %w", err)
	}
	return nil
}

// LaunchDetachedReplacement queues a restart of the unit without waiting for
// it, since the restart stops this process.
func (s *Systemd) LaunchDetachedReplacement(ctx context.Context) error {
	output, err := s.run(ctx, "systemctl", "--user", "--no-block", "restart", s.unit)
	if err != nil {
		return fmt.Errorf("systemctl restart %s failed: %w: %s", s.unit, err, strings.TrimSpace(string(output)))
	}
	s.logger.Info("unit restart queued", "unit", s.unit)
	return nil
}

// TerminateSelf exits the current process.
func (s *Systemd) TerminateSelf(code int) {
	s.logger.Info("terminating current process", "code", code)
	s.exit(code)
}

// None neither launches a replacement nor exits. It serves one-shot runs
// where an outer process manager owns restarts.
type None struct {
	logger *slog.Logger
}

// NewNone creates a no-op supervisor.
func NewNone(logger *slog.Logger) *None {
	return &None{logger: logger}
}

// LaunchDetachedReplacement logs that the restart is left to the operator.
func (n *None) LaunchDetachedReplacement(ctx context.Context) error {
	n.logger.Info("restart mode none, replacement not launched")
	return nil
}

// TerminateSelf does nothing.
func (n *None) TerminateSelf(code int) {}
