//go:build linux

package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// RawSocket reads and writes raw Ethernet frames on a Linux network
// interface via an AF_PACKET/SOCK_RAW socket, bypassing the kernel's own
// IP stack entirely.
type RawSocket struct {
	fd     int
	ifname string
	closed atomic.Bool

	mu sync.Mutex // serializes concurrent Close calls; Recv does not take it
}

// NewRawSocket opens an AF_PACKET raw socket bound to the named interface.
// It requires CAP_NET_RAW (typically root).
func NewRawSocket(ifname string) (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, htons(unix.ETH_P_ALL))
	if err != nil {
		return nil, fmt.Errorf("driver: open AF_PACKET socket: %w", err)
	}

	idx, err := ifNameIndex(ifname)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  idx,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("driver: bind to %q: %w", ifname, err)
	}

	return &RawSocket{fd: fd, ifname: ifname}, nil
}

// Recv reads one frame into buf.
func (s *RawSocket) Recv(buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	n, _, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		return 0, fmt.Errorf("driver: recvfrom %q: %w", s.ifname, err)
	}
	return n, nil
}

// Send writes one frame.
func (s *RawSocket) Send(buf []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := unix.Sendto(s.fd, buf, 0, &unix.SockaddrLinklayer{}); err != nil {
		return fmt.Errorf("driver: sendto %q: %w", s.ifname, err)
	}
	return nil
}

// Close releases the underlying socket.
func (s *RawSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return unix.Close(s.fd)
}

func ifNameIndex(name string) (int, error) {
	iface, err := unix.IfNameindex()
	if err != nil {
		return 0, fmt.Errorf("driver: enumerate interfaces: %w", err)
	}
	for _, e := range iface {
		n := 0
		for n < len(e.Name) && e.Name[n] != 0 {
			n++
		}
		if string(e.Name[:n]) == name {
			return int(e.Index), nil
		}
	}
	return 0, fmt.Errorf("driver: interface %q not found", name)
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
