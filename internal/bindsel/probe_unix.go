//go:build unix

package bindsel

import (
	"net"

	"golang.org/x/sys/unix"
)

// Probe binds a throwaway socket with SO_REUSEADDR and closes it at once.
// The socket never listens, so nothing can connect to it.
func Probe(ip string, port int) bool {
	addr := net.ParseIP(ip)
	if addr == nil || port < 0 || port > maxPort {
		return false
	}
	var (
		family = unix.AF_INET
		sa     unix.Sockaddr
	)
	if ip4 := addr.To4(); ip4 != nil {
		s4 := &unix.SockaddrInet4{Port: port}
		copy(s4.Addr[:], ip4)
		sa = s4
	} else {
		family = unix.AF_INET6
		s6 := &unix.SockaddrInet6{Port: port}
		copy(s6.Addr[:], addr.To16())
		sa = s6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return false
	}
	return unix.Bind(fd, sa) == nil
}

func canBindPrivileged() bool {
	return unix.Geteuid() == 0
}
