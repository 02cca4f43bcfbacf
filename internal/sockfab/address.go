//go:build unix

// Package sockfab provides the socket primitives the engine builds on:
// create/bind/listen/accept/connect/close, address construction, stream
// send/recv, datagram sendto/recvfrom, and a poll primitive — all driven
// off raw file descriptors via golang.org/x/sys/unix rather than Go's
// runtime netpoller, so the engine can run a single poll(2) call across
// its whole contiguous descriptor vector.
package sockfab

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Address is a resolved IPv4/IPv6 endpoint, constructable from a
// (host, port) pair.
type Address struct {
	sa   unix.Sockaddr
	ip   net.IP
	port uint16
}

// Resolve looks up host and builds an Address bound to port. An empty
// host means the IPv4 any-address. Prefers an IPv4 result when both
// families are available.
func Resolve(host string, port uint16) (*Address, error) {
	if host == "" {
		return addrFromIP(net.IPv4zero, port), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", host)
	}
	var chosen net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			chosen = v4
			break
		}
	}
	if chosen == nil && len(ips) > 0 {
		chosen = ips[0]
	}
	if chosen == nil {
		return nil, errors.Errorf("no address found for %q", host)
	}
	return addrFromIP(chosen, port), nil
}

func addrFromIP(ip net.IP, port uint16) *Address {
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: int(port)}
		copy(sa.Addr[:], v4)
		return &Address{sa: sa, ip: v4, port: port}
	}
	v6 := ip.To16()
	sa := &unix.SockaddrInet6{Port: int(port)}
	copy(sa.Addr[:], v6)
	return &Address{sa: sa, ip: v6, port: port}
}

func addressFromSockaddr(sa unix.Sockaddr) (*Address, error) {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := append(net.IP(nil), v.Addr[:]...)
		return &Address{sa: v, ip: ip, port: uint16(v.Port)}, nil
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), v.Addr[:]...)
		return &Address{sa: v, ip: ip, port: uint16(v.Port)}, nil
	default:
		return nil, errors.New("sockfab: unsupported address family")
	}
}

// Wildcard returns the IPv4 any-address with the given port, for sockets
// that bind locally without caring which interface.
func Wildcard(port uint16) *Address {
	return addrFromIP(net.IPv4zero, port)
}

// Port reports the address's port.
func (a *Address) Port() uint16 { return a.port }

// WithPort returns a copy of a with its port replaced — used to apply the
// peer's announced auxiliary UDP port to the TCP peer's known host.
func (a *Address) WithPort(port uint16) *Address {
	return addrFromIP(a.ip, port)
}

func (a *Address) String() string {
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
}

func familyOf(a *Address) int {
	if a.ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}
