//go:build linux

package ioworker

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// createWakeFd creates the eventfd a worker thread uses to interrupt its
// poll step when work arrives from another goroutine.
func createWakeFd() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, os.NewSyscallError("eventfd", err)
	}
	return fd, nil
}

// signalWakeFd wakes the owning thread. Write errors during shutdown
// (EBADF after the fd closed) are returned for the caller to ignore; the
// queued work is still picked up by the drain.
func signalWakeFd(fd int) error {
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]
	_, err := unix.Write(fd, buf)
	return err
}

// drainWakeFd consumes pending wake signals until the counter is empty.
func drainWakeFd(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// closeWakeFd releases the eventfd.
func closeWakeFd(fd int) {
	_ = unix.Close(fd)
}
