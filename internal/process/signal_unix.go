//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup signals the process group led by pid, falling back to the pid
// itself when it leads no group.
func signalGroup(pid int, sig syscall.Signal) error {
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	return err
}

func requestStop(pid int) error { return signalGroup(pid, syscall.SIGTERM) }

func forceKill(pid int) error { return signalGroup(pid, syscall.SIGKILL) }

func signalZero(pid int) error { return syscall.Kill(pid, 0) }

func isGone(err error) bool { return errors.Is(err, syscall.ESRCH) }

func isPermission(err error) bool { return errors.Is(err, syscall.EPERM) }
