//go:build !linux

package ioworker

func createWakeFd() (int, error) {
	return -1, ErrUnsupportedPlatform
}

func signalWakeFd(fd int) error {
	return ErrUnsupportedPlatform
}

func drainWakeFd(fd int) {}

func closeWakeFd(fd int) {}
