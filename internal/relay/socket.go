package relay

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"golang.org/x/sys/unix"
)

// Socket is the descriptor-level surface a Binding drives. The engine's
// production sockets are raw blocking IPv4 UDP descriptors; tests substitute
// scripted implementations.
type Socket interface {
	// Fd is the descriptor handed to poll(2) when several sources exist.
	Fd() int
	EnableBroadcast() error
	Bind(netip.AddrPort) error
	Connect(netip.AddrPort) error
	// Read receives one datagram, truncated to len(p).
	Read(p []byte) (int, error)
	// Write sends p as one datagram to the connected peer.
	Write(p []byte) (int, error)
	LocalAddr() (netip.AddrPort, error)
	RemoteAddr() (netip.AddrPort, error)
	// Shutdown wakes any reader or poller blocked on the socket without
	// releasing the descriptor.
	Shutdown() error
	Close() error
}

// udpSocket is a blocking AF_INET/SOCK_DGRAM descriptor. The runtime
// netpoller is deliberately not involved: the engine blocks in read(2) or
// poll(2) itself.
type udpSocket struct {
	fd        int
	closeOnce sync.Once
	closeErr  error
}

func openUDP4() (Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(fd)
	return &udpSocket{fd: fd}, nil
}

func (s *udpSocket) Fd() int { return s.fd }

func (s *udpSocket) EnableBroadcast() error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
}

func (s *udpSocket) Bind(addr netip.AddrPort) error {
	return unix.Bind(s.fd, sockaddrInet4(addr))
}

func (s *udpSocket) Connect(addr netip.AddrPort) error {
	return unix.Connect(s.fd, sockaddrInet4(addr))
}

func (s *udpSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *udpSocket) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(s.fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}

func (s *udpSocket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortOf(sa)
}

func (s *udpSocket) RemoteAddr() (netip.AddrPort, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortOf(sa)
}

// Shutdown stops reception only. ENOTCONN is ignored: an unconnected UDP
// socket reports it, but the kernel still marks the socket shut down and
// wakes its readers.
func (s *udpSocket) Shutdown() error {
	err := unix.Shutdown(s.fd, unix.SHUT_RD)
	if errors.Is(err, unix.ENOTCONN) {
		return nil
	}
	return err
}

func (s *udpSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = unix.Close(s.fd)
	})
	return s.closeErr
}

func sockaddrInet4(addr netip.AddrPort) *unix.SockaddrInet4 {
	return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
}

func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, error) {
	inet4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("unexpected socket address type %T", sa)
	}
	return netip.AddrPortFrom(netip.AddrFrom4(inet4.Addr), uint16(inet4.Port)), nil
}
