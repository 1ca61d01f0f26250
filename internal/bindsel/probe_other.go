//go:build !unix

package bindsel

import (
	"net"
	"strconv"
)

// Probe listens on ip:port and closes the listener immediately.
func Probe(ip string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Ports below 1024 are not restricted outside unix.
func canBindPrivileged() bool { return true }
