//go:build linux

package ioworker

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

func closeFD(fd int) error {
	return unix.Close(fd)
}

// addrFamily selects the socket family for ip. A nil IP is the IPv4
// wildcard.
func addrFamily(ip net.IP) int {
	if ip == nil || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// ipToSockaddr converts an IP/port/zone triple for the given family.
func ipToSockaddr(family int, ip net.IP, port int, zone string) (unix.Sockaddr, error) {
	switch family {
	case unix.AF_INET:
		sa := &unix.SockaddrInet4{Port: port}
		if ip != nil {
			ip4 := ip.To4()
			if ip4 == nil {
				return nil, fmt.Errorf("%w: non-IPv4 address %s on an IPv4 socket", ErrInvalidArgument, ip)
			}
			copy(sa.Addr[:], ip4)
		}
		return sa, nil
	case unix.AF_INET6:
		sa := &unix.SockaddrInet6{Port: port}
		if ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		if zone != "" {
			if ifi, err := net.InterfaceByName(zone); err == nil {
				sa.ZoneId = uint32(ifi.Index)
			}
		}
		return sa, nil
	}
	return nil, fmt.Errorf("%w: unsupported address family %d", ErrInvalidArgument, family)
}

func sockaddrIPZone(sa unix.Sockaddr) (net.IP, int, string) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return append(net.IP(nil), sa.Addr[:]...), sa.Port, ""
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), sa.Addr[:]...)
		var zone string
		if sa.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(sa.ZoneId)); err == nil {
				zone = ifi.Name
			}
		}
		return ip, sa.Port, zone
	}
	return nil, 0, ""
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	ip, port, zone := sockaddrIPZone(sa)
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip, Port: port, Zone: zone}
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	ip, port, zone := sockaddrIPZone(sa)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: port, Zone: zone}
}

// localTCPAddr reads the socket's bound address.
func localTCPAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

// remoteTCPAddr reads the connected peer's address.
func remoteTCPAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return sockaddrToTCPAddr(sa)
}

// localUDPAddr reads the datagram socket's bound address.
func localUDPAddr(fd int) *net.UDPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sockaddrToUDPAddr(sa)
}

// applyBufferOptions sets send/receive buffer sizes when the keys are
// explicitly present in the map. Kernel defaults are kept otherwise.
func applyBufferOptions(fd int, options OptionMap) error {
	if _, ok := options[OptSendBuffer.Name()]; ok {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, OptSendBuffer.Get(options)); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
	}
	if _, ok := options[OptReceiveBuffer.Name()]; ok {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, OptReceiveBuffer.Get(options)); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
	}
	return nil
}

// openStreamSocket creates a non-blocking TCP socket of the given family
// with the map's socket options applied. The caller owns the descriptor.
func openStreamSocket(family int, options OptionMap) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if OptTCPNoDelay.Get(options) {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			_ = unix.Close(fd)
			return -1, os.NewSyscallError("setsockopt", err)
		}
	}
	if err := applyBufferOptions(fd, options); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// openDatagramSocket creates a non-blocking UDP socket of the given family.
func openDatagramSocket(family int, options OptionMap) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	if err := applyBufferOptions(fd, options); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// bindFD binds fd to the address. A nil IP binds the family wildcard.
func bindFD(fd, family int, ip net.IP, port int, zone string) error {
	sa, err := ipToSockaddr(family, ip, port, zone)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return os.NewSyscallError("bind", err)
	}
	return nil
}

// applyListenerOptions sets address reuse options. Must run before bind to
// take effect.
func applyListenerOptions(fd int, options OptionMap) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	if OptReusePort.Get(options) {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return os.NewSyscallError("setsockopt", err)
		}
	}
	return nil
}

// listenFD marks fd as a listening socket.
func listenFD(fd int, options OptionMap) error {
	if err := unix.Listen(fd, OptBacklog.Get(options)); err != nil {
		return os.NewSyscallError("listen", err)
	}
	return nil
}

// connectFD starts a non-blocking connect. Reports inProgress when the
// handshake continues asynchronously (EINPROGRESS).
func connectFD(fd, family int, ip net.IP, port int, zone string) (inProgress bool, err error) {
	sa, err := ipToSockaddr(family, ip, port, zone)
	if err != nil {
		return false, err
	}
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return false, nil
	case unix.EINPROGRESS:
		return true, nil
	default:
		return false, os.NewSyscallError("connect", err)
	}
}

// connectResult reads SO_ERROR after writable readiness: nil means the
// handshake completed, inProgress means keep waiting.
func connectResult(fd int) (inProgress bool, err error) {
	code, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, os.NewSyscallError("getsockopt", err)
	}
	switch errno := unix.Errno(code); errno {
	case 0:
		return false, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return true, nil
	default:
		return false, os.NewSyscallError("connect", errno)
	}
}

// acceptFD accepts one queued connection, non-blocking and close-on-exec.
// Reports wouldBlock when none is pending.
func acceptFD(fd int) (cfd int, remote *net.TCPAddr, wouldBlock bool, err error) {
	cfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	switch err {
	case nil:
		return cfd, sockaddrToTCPAddr(sa), false, nil
	case unix.EAGAIN:
		return -1, nil, true, nil
	default:
		return -1, nil, false, os.NewSyscallError("accept", err)
	}
}

// recvFromFD performs one non-blocking receive. Reports wouldBlock when no
// datagram is queued.
func recvFromFD(fd int, buf []byte) (n int, from *net.UDPAddr, wouldBlock bool, err error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	switch err {
	case nil:
		return n, sockaddrToUDPAddr(sa), false, nil
	case unix.EAGAIN:
		return 0, nil, true, nil
	default:
		return 0, nil, false, os.NewSyscallError("recvfrom", err)
	}
}

// sendToFD performs one non-blocking send. Reports wouldBlock when the
// socket buffer is full.
func sendToFD(fd, family int, buf []byte, to *net.UDPAddr) (n int, wouldBlock bool, err error) {
	sa, err := ipToSockaddr(family, to.IP, to.Port, to.Zone)
	if err != nil {
		return 0, false, err
	}
	switch err := unix.Sendto(fd, buf, 0, sa); err {
	case nil:
		return len(buf), false, nil
	case unix.EAGAIN:
		return 0, true, nil
	default:
		return 0, false, os.NewSyscallError("sendto", err)
	}
}

// joinGroupConn joins an IPv4 multicast group on a blocking datagram
// connection owned by the net package.
func joinGroupConn(conn *net.UDPConn, group net.IP, ifi *net.Interface) error {
	group4 := group.To4()
	if group4 == nil || !group4.IsMulticast() {
		return fmt.Errorf("%w: %s is not an IPv4 multicast group", ErrInvalidArgument, group)
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	mreq := &unix.IPMreq{}
	copy(mreq.Multiaddr[:], group4)
	if ifi != nil {
		addrs, err := ifi.Addrs()
		if err == nil {
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok {
					if ip4 := ipn.IP.To4(); ip4 != nil {
						copy(mreq.Interface[:], ip4)
						break
					}
				}
			}
		}
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq)
	}); err != nil {
		return err
	}
	if serr != nil {
		return os.NewSyscallError("setsockopt", serr)
	}
	return nil
}
