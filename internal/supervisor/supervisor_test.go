package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// waitForFile polls until path exists and is non-empty.
func waitForFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return ""
}

func TestDetached_LaunchesInDirWithoutActivationEnv(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	t.Setenv("LISTEN_PID", "12345")
	t.Setenv("LISTEN_FDS", "1")

	dir := t.TempDir()
	script := `pwd > started.tmp; echo "pid=${LISTEN_PID:-unset}" >> started.tmp; mv started.tmp started.txt`

	var exitCode = -1
	d, err := NewDetached([]string{"sh", "-c", script}, testLogger(),
		WithDir(dir),
		WithExit(func(code int) { exitCode = code }))
	if err != nil {
		t.Fatalf("NewDetached() error: %v", err)
	}

	if err := d.LaunchDetachedReplacement(context.Background()); err != nil {
		t.Fatalf("LaunchDetachedReplacement() error: %v", err)
	}

	out := waitForFile(t, filepath.Join(dir, "started.txt"))
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("unexpected child output %q", out)
	}
	gotDir, _ := filepath.EvalSymlinks(lines[0])
	wantDir, _ := filepath.EvalSymlinks(dir)
	if gotDir != wantDir {
		t.Errorf("child working directory = %s, want %s", gotDir, wantDir)
	}
	if lines[1] != "pid=unset" {
		t.Errorf("activation env leaked into child: %s", lines[1])
	}

	d.TerminateSelf(0)
	if exitCode != 0 {
		t.Errorf("exit called with %d, want 0", exitCode)
	}
}

func TestDetached_DefaultsToCurrentExecutable(t *testing.T) {
	d, err := NewDetached(nil, testLogger(), WithExit(func(int) {}))
	if err != nil {
		t.Fatalf("NewDetached() error: %v", err)
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	if d.command[0] != exe {
		t.Errorf("command[0] = %s, want %s", d.command[0], exe)
	}
	if !reflect.DeepEqual(d.command[1:], os.Args[1:]) {
		t.Errorf("args = %v, want %v", d.command[1:], os.Args[1:])
	}
	wd, _ := os.Getwd()
	if d.dir != wd {
		t.Errorf("dir = %s, want %s", d.dir, wd)
	}
}

func TestDetached_StartFailure(t *testing.T) {
	d, err := NewDetached([]string{filepath.Join(t.TempDir(), "missing-binary")}, testLogger(), WithExit(func(int) {
		t.Error("exit must not be called by a failed launch")
	}))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.LaunchDetachedReplacement(context.Background()); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestDetached_CancelledContext(t *testing.T) {
	d, err := NewDetached([]string{"true"}, testLogger(), WithDir(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.LaunchDetachedReplacement(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type recordedCall struct {
	name string
	args []string
}

func TestSystemd_LaunchQueuesRestart(t *testing.T) {
	var calls []recordedCall
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, recordedCall{name: name, args: args})
		return nil, nil
	}

	exitCode := -1
	s := NewSystemd("bot.service", testLogger(), WithRunner(runner), WithExit(func(code int) { exitCode = code }))

	if err := s.LaunchDetachedReplacement(context.Background()); err != nil {
		t.Fatalf("LaunchDetachedReplacement() error: %v", err)
	}
	want := []recordedCall{{name: "systemctl", args: []string{"--user", "--no-block", "restart", "bot.service"}}}
	if !reflect.DeepEqual(calls, want) {
		t.Errorf("calls = %+v, want %+v", calls, want)
	}

	s.TerminateSelf(0)
	if exitCode != 0 {
		t.Errorf("exit code = %d, want 0", exitCode)
	}
}

func TestSystemd_LaunchFailure(t *testing.T) {
	runner := func(_ context.Context, _ string, _ ...string) ([]byte, error) {
		return []byte("Unit bot.service not found."), errors.New("exit status 5")
	}
	s := NewSystemd("bot.service", testLogger(), WithRunner(runner), WithExit(func(int) {}))

	err := s.LaunchDetachedReplacement(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected error with systemctl output, got %v", err)
	}
}

func TestSystemd_Available(t *testing.T) {
	s := NewSystemd("bot.service", testLogger(), WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exec: \"systemctl\": executable file not found in $PATH")
	}))
	if err := s.Available(context.Background()); err == nil {
		t.Error("expected error when systemctl is missing")
	}

	s = NewSystemd("bot.service", testLogger(), WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("State: running"), nil
	}))
	if err := s.Available(context.Background()); err != nil {
		t.Errorf("Available() error: %v", err)
	}
}

func TestNone(t *testing.T) {
	n := NewNone(testLogger())
	if err := n.LaunchDetachedReplacement(context.Background()); err != nil {
		t.Errorf("LaunchDetachedReplacement() error: %v", err)
	}
	// must return without exiting the test binary
	n.TerminateSelf(0)
}

var (
	_ Supervisor = (*Detached)(nil)
	_ Supervisor = (*Systemd)(nil)
	_ Supervisor = (*None)(nil)
)
