//go:build windows

package process

import (
	"errors"
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

var errGone = errors.New("process does not exist")

func openProcess(access uint32, pid int) (syscall.Handle, error) {
	if pid <= 0 {
		return 0, errGone
	}
	ret, _, _ := procOpenProcess.Call(uintptr(access), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return 0, errGone
	}
	return syscall.Handle(ret), nil
}

// Windows has no graceful signal for console-less children; both steps terminate.
func requestStop(pid int) error { return terminate(pid) }

func forceKill(pid int) error { return terminate(pid) }

func terminate(pid int) error {
	h, err := openProcess(processTerminate, pid)
	if err != nil {
		return err
	}
	defer func() { _, _, _ = procCloseHandle.Call(uintptr(h)) }()
	if ret, _, callErr := procTerminateProcess.Call(uintptr(h), 1); ret == 0 {
		return callErr
	}
	return nil
}

func signalZero(pid int) error {
	h, err := openProcess(processQueryInformation, pid)
	if err != nil {
		return err
	}
	_, _, _ = procCloseHandle.Call(uintptr(h))
	return nil
}

func isGone(err error) bool { return errors.Is(err, errGone) }

func isPermission(error) bool { return false }
