//go:build linux && (amd64 || arm64)

package v4l2

import (
	"syscall"
	"time"
	"unsafe"
)

func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	for {
		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
		if errno == syscall.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func open(path string) (int, error) {
	return syscall.Open(path, syscall.O_RDWR|syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0)
}

func close(fd int) error {
	return syscall.Close(fd)
}

func fdSet(set *syscall.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *syscall.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

func makeTimeval(d time.Duration) *syscall.Timeval {
	tv := syscall.NsecToTimeval(d.Nanoseconds())
	return &tv
}

// waitReady blocks for at most timeout until fd is readable (capture) or
// writable (output). It reports false on timeout.
func waitReady(fd int, output bool, timeout time.Duration) (bool, error) {
	for {
		var set syscall.FdSet
		fdSet(&set, fd)
		var n int
		var err error
		if output {
			n, err = syscall.Select(fd+1, nil, &set, nil, makeTimeval(timeout))
		} else {
			n, err = syscall.Select(fd+1, &set, nil, nil, makeTimeval(timeout))
		}
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return false, err
		}
		return n > 0 && fdIsSet(&set, fd), nil
	}
}
