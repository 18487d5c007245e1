// Package activation picks up listening sockets handed over by systemd.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

const (
	envPID     = "LISTEN_PID"
	envFDs     = "LISTEN_FDS"
	envFDNames = "LISTEN_FDNAMES"

	// firstFD is the first descriptor systemd passes (after stdin, stdout, stderr).
	firstFD = 3
)

// Socket is one activated listener.
type Socket struct {
	Name     string
	Listener net.Listener
}

// Listeners returns the systemd-activated sockets for this process, named
// after LISTEN_FDNAMES when present. It returns nil when activation is absent
// or addressed to another process. The activation variables are removed from
// the environment so relaunched processes do not inherit them.
func Listeners() ([]Socket, error) {
	pidStr := os.Getenv(envPID)
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envPID, pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv(envFDs)
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envFDs, fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if raw := os.Getenv(envFDNames); raw != "" {
		names = strings.Split(raw, ":")
	}

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		name := fmt.Sprintf("fd%d", fd)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// net.FileListener dups the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: name, Listener: listener})
	}

	for _, k := range []string{envPID, envFDs, envFDNames} {
		_ = os.Unsetenv(k)
	}

	return sockets, nil
}

// Select returns the listener named name, or the first one when name is empty.
// Unselected listeners are closed.
func Select(sockets []Socket, name string) net.Listener {
	var picked net.Listener
	for _, s := range sockets {
		if picked == nil && (name == "" || s.Name == name) {
			picked = s.Listener
			continue
		}
		_ = s.Listener.Close()
	}
	return picked
}

// StripEnv returns env without the socket activation variables.
func StripEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if key == envPID || key == envFDs || key == envFDNames {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
