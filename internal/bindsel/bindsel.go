// Package bindsel picks an (ip, port) pair the server can actually bind,
// on machines where the requested port is privileged or busy and where the
// right interface is not known up front.
package bindsel

import (
	"errors"
	"fmt"
	"log"
	"net"

	"github.com/jackpal/gateway"
)

const (
	Wildcard = "0.0.0.0"

	// DefaultScanBase is where the unprivileged port scan starts.
	DefaultScanBase = 8080
	maxPort         = 65535
)

var (
	ErrNoPort    = errors.New("no free port available")
	ErrPortInUse = errors.New("requested port is already in use")
)

// Selector holds the probes used for selection. The zero value is not
// usable; call New. Fields are exported so callers can substitute probes.
type Selector struct {
	// Probe reports whether ip:port can be bound right now.
	Probe func(ip string, port int) bool
	// Privileged reports whether ports below 1024 may be bound.
	Privileged func() bool
	// RoutedIP returns the source address the OS would use for public traffic.
	RoutedIP func() (net.IP, error)
	// GatewayIP returns the local address on the default gateway's subnet.
	GatewayIP func() (net.IP, error)
	// InterfaceIPs lists IPv4 addresses of up, non-loopback interfaces.
	InterfaceIPs func() ([]net.IP, error)

	ScanBase int
	ScanEnd  int
	Logger   *log.Logger
}

func New(logger *log.Logger) *Selector {
	if logger == nil {
		logger = log.Default()
	}
	return &Selector{
		Probe:        Probe,
		Privileged:   canBindPrivileged,
		RoutedIP:     RoutedIP,
		GatewayIP:    GatewayIP,
		InterfaceIPs: InterfaceIPs,
		ScanBase:     DefaultScanBase,
		ScanEnd:      maxPort,
		Logger:       logger,
	}
}

// Port returns requested if it is bindable. A privileged port requested by a
// process that cannot bind it is replaced by the first bindable port from
// ScanBase upward.
func (s *Selector) Port(requested int) (int, error) {
	candidates := s.candidateIPs()
	if requested < 1024 && !s.Privileged() {
		for port := s.ScanBase; port <= s.ScanEnd; port++ {
			if s.anyBindable(candidates, port) {
				s.Logger.Printf("bind: cannot bind privileged port %d without privileges, using %d instead", requested, port)
				return port, nil
			}
		}
		return 0, fmt.Errorf("%w >= %d", ErrNoPort, s.ScanBase)
	}
	if s.anyBindable(candidates, requested) {
		return requested, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrPortInUse, requested)
}

// IP picks the address to bind port on: the requested IP, then the routed
// IP, then the gateway-subnet IP, then any interface IP, then the wildcard.
func (s *Selector) IP(port int, requested string) string {
	if requested != "" && requested != Wildcard && s.Probe(requested, port) {
		return requested
	}
	if requested != "" && requested != Wildcard {
		s.Logger.Printf("bind: requested ip %s cannot bind port %d, auto-selecting", requested, port)
	}
	for _, step := range []struct {
		name string
		fn   func() (net.IP, error)
	}{
		{"routed", s.RoutedIP},
		{"gateway", s.GatewayIP},
	} {
		if step.fn == nil {
			continue
		}
		ip, err := step.fn()
		if err != nil || ip == nil {
			continue
		}
		if s.Probe(ip.String(), port) {
			s.Logger.Printf("bind: using %s ip %s", step.name, ip)
			return ip.String()
		}
	}
	ips, _ := s.InterfaceIPs()
	for _, ip := range ips {
		if s.Probe(ip.String(), port) {
			return ip.String()
		}
	}
	return Wildcard
}

func (s *Selector) candidateIPs() []string {
	var out []string
	ips, err := s.InterfaceIPs()
	if err == nil {
		for _, ip := range ips {
			out = append(out, ip.String())
		}
	}
	return append(out, Wildcard)
}

func (s *Selector) anyBindable(ips []string, port int) bool {
	for _, ip := range ips {
		if s.Probe(ip, port) {
			return true
		}
	}
	return false
}

// RoutedIP asks the routing table which source address reaches a public
// address. A UDP "connect" sends no packets.
func RoutedIP() (net.IP, error) {
	c, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer c.Close()
	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return nil, errors.New("no routed address")
	}
	return addr.IP, nil
}

// GatewayIP finds the local IPv4 address on the same subnet as the default gateway.
func GatewayIP() (net.IP, error) {
	gw, err := gateway.DiscoverGateway()
	if err != nil {
		return nil, fmt.Errorf("discover gateway: %w", err)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			if ipnet.Contains(gw) {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("no local address on gateway %s subnet", gw)
}

// InterfaceIPs lists IPv4 addresses of interfaces that are up, skipping
// loopback.
func InterfaceIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.IsLoopback() {
				out = append(out, ip4)
			}
		}
	}
	return out, nil
}
