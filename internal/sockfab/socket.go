//go:build unix

package sockfab

import (
	stderrors "errors"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrHangup is returned by RecvAll when the peer closes mid-read, which
// for a fixed-size framed body is itself a protocol-level surprise rather
// than an ordinary EOF.
var ErrHangup = errors.New("sockfab: connection closed mid-read")

// Socket wraps a raw file descriptor for a TCP or UDP endpoint. All I/O is
// blocking at the syscall level; the engine only calls Send/Recv/SendTo/
// RecvFrom after its own Poll has reported the descriptor ready, so in
// practice only Poll suspends.
type Socket struct {
	FD int
}

func newSocket(domain, typ int) (*Socket, error) {
	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	if typ == unix.SOCK_STREAM {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			unix.Close(fd)
			return nil, errors.Wrap(err, "setsockopt SO_REUSEADDR")
		}
	}
	return &Socket{FD: fd}, nil
}

// NewTCPSocket creates an unbound stream socket for address family af.
func NewTCPSocket(af int) (*Socket, error) { return newSocket(af, unix.SOCK_STREAM) }

// NewUDPSocket creates an unbound datagram socket for address family af.
func NewUDPSocket(af int) (*Socket, error) { return newSocket(af, unix.SOCK_DGRAM) }

// ListenTCP creates, binds, and listens a TCP socket at addr.
func ListenTCP(addr *Address, backlog int) (*Socket, error) {
	s, err := NewTCPSocket(familyOf(addr))
	if err != nil {
		return nil, err
	}
	if err := s.Bind(addr); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.Listen(backlog); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// BindUDP creates and binds a datagram socket at addr.
func BindUDP(addr *Address) (*Socket, error) {
	s, err := NewUDPSocket(familyOf(addr))
	if err != nil {
		return nil, err
	}
	if err := s.Bind(addr); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// DialTCP creates and connects a stream socket to addr.
func DialTCP(addr *Address) (*Socket, error) {
	s, err := NewTCPSocket(familyOf(addr))
	if err != nil {
		return nil, err
	}
	if err := s.Connect(addr); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) Bind(addr *Address) error {
	return errors.Wrap(unix.Bind(s.FD, addr.sa), "bind")
}

func (s *Socket) Listen(backlog int) error {
	return errors.Wrap(unix.Listen(s.FD, backlog), "listen")
}

// Connect performs a blocking connect. The error is returned unwrapped so
// callers can inspect it with IsConnRefused and treat a refused dial as
// transient.
func (s *Socket) Connect(addr *Address) error {
	return unix.Connect(s.FD, addr.sa)
}

func (s *Socket) Accept() (*Socket, error) {
	nfd, _, err := unix.Accept(s.FD)
	if err != nil {
		return nil, errors.Wrap(err, "accept")
	}
	return &Socket{FD: nfd}, nil
}

func (s *Socket) Close() error {
	if s == nil || s.FD == 0 {
		return nil
	}
	return unix.Close(s.FD)
}

// Send writes buf in full to a connected stream socket.
func (s *Socket) Send(buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(s.FD, buf)
		if err != nil {
			return errors.Wrap(err, "send")
		}
		buf = buf[n:]
	}
	return nil
}

// Recv performs a single raw read, returning (0, nil) on a cleanly closed
// peer exactly like a POSIX recv() of 0 bytes.
func (s *Socket) Recv(buf []byte) (int, error) {
	n, err := unix.Read(s.FD, buf)
	if err != nil {
		return 0, errors.Wrap(err, "recv")
	}
	return n, nil
}

// RecvAll reads exactly len(buf) bytes, a MSG_WAITALL equivalent for
// fixed-size framed bodies: the sender writes each frame as a unit, so
// once poll has signalled readiness the stream carries at least the
// announced bytes.
func (s *Socket) RecvAll(buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := unix.Read(s.FD, buf[total:])
		if err != nil {
			return errors.Wrap(err, "recv")
		}
		if n == 0 {
			return ErrHangup
		}
		total += n
	}
	return nil
}

func (s *Socket) SendTo(buf []byte, addr *Address) error {
	return errors.Wrap(unix.Sendto(s.FD, buf, 0, addr.sa), "sendto")
}

func (s *Socket) RecvFrom(buf []byte) (int, *Address, error) {
	n, from, err := unix.Recvfrom(s.FD, buf, 0)
	if err != nil {
		return 0, nil, errors.Wrap(err, "recvfrom")
	}
	addr, aerr := addressFromSockaddr(from)
	if aerr != nil {
		return n, nil, aerr
	}
	return n, addr, nil
}

// LocalPort reports the port the OS assigned this socket, used right
// after binding with port 0 to learn the ephemeral port before announcing
// it to the peer.
func (s *Socket) LocalPort() (uint16, error) {
	sa, err := unix.Getsockname(s.FD)
	if err != nil {
		return 0, errors.Wrap(err, "getsockname")
	}
	addr, err := addressFromSockaddr(sa)
	if err != nil {
		return 0, err
	}
	return addr.Port(), nil
}

// PeerAddress reports the address of the socket's connected peer, used to
// learn a freshly-accepted client's host before the UDP port exchange.
func (s *Socket) PeerAddress() (*Address, error) {
	sa, err := unix.Getpeername(s.FD)
	if err != nil {
		return nil, errors.Wrap(err, "getpeername")
	}
	return addressFromSockaddr(sa)
}

// IsConnRefused reports whether err is (or wraps) ECONNREFUSED, the one
// transient outcome of a bridge destination dial.
func IsConnRefused(err error) bool {
	return stderrors.Is(err, unix.ECONNREFUSED)
}

// IsConnReset reports whether err is (or wraps) ECONNRESET, which a UDP
// recv can surface after an ICMP port-unreachable and which is never
// fatal for a datagram socket.
func IsConnReset(err error) bool {
	return stderrors.Is(err, unix.ECONNRESET)
}
