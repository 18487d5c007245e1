//go:build !windows

package supervisor

import "syscall"

// detachAttr starts the child in its own session so it has no controlling
// terminal and does not receive signals aimed at our process group.
func detachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
