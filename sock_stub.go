//go:build !linux

package ioworker

import "net"

func closeFD(fd int) error { return ErrUnsupportedPlatform }

func addrFamily(ip net.IP) int { return 0 }

func localTCPAddr(fd int) *net.TCPAddr { return nil }

func remoteTCPAddr(fd int) *net.TCPAddr { return nil }

func localUDPAddr(fd int) *net.UDPAddr { return nil }

func openStreamSocket(family int, options OptionMap) (int, error) {
	return -1, ErrUnsupportedPlatform
}

func openDatagramSocket(family int, options OptionMap) (int, error) {
	return -1, ErrUnsupportedPlatform
}

func bindFD(fd, family int, ip net.IP, port int, zone string) error {
	return ErrUnsupportedPlatform
}

func applyListenerOptions(fd int, options OptionMap) error { return ErrUnsupportedPlatform }

func listenFD(fd int, options OptionMap) error { return ErrUnsupportedPlatform }

func connectFD(fd, family int, ip net.IP, port int, zone string) (bool, error) {
	return false, ErrUnsupportedPlatform
}

func connectResult(fd int) (bool, error) { return false, ErrUnsupportedPlatform }

func acceptFD(fd int) (int, *net.TCPAddr, bool, error) {
	return -1, nil, false, ErrUnsupportedPlatform
}

func recvFromFD(fd int, buf []byte) (int, *net.UDPAddr, bool, error) {
	return 0, nil, false, ErrUnsupportedPlatform
}

func sendToFD(fd, family int, buf []byte, to *net.UDPAddr) (int, bool, error) {
	return 0, false, ErrUnsupportedPlatform
}

func joinGroupConn(conn *net.UDPConn, group net.IP, ifi *net.Interface) error {
	return ErrUnsupportedPlatform
}
