// Package udp implements UDP datagram demultiplexing by destination port,
// checksum verification, and port-unreachable reporting. It is agnostic
// to IP version: Send picks IPv4 or IPv6 based on the address length
// handed to it, and In is registered under protocol number 17 in both
// ipv4's and ipv6's shared protocol registry.
package udp

import (
	"encoding/binary"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/netutil"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

// HeaderLen is the fixed UDP header size.
const HeaderLen = 8

// Protocol is the IP protocol / next-header number for UDP.
const Protocol uint8 = 17

// Handler processes one datagram's payload. src is the sender's address,
// 4 or 16 bytes depending on IP version.
type Handler func(payload []byte, src []byte, srcPort uint16)

// IPv4Sender transmits a UDP segment over IPv4. Satisfied by *ipv4.Sender
// without udp needing to import package ipv4, which would otherwise pull
// in a dependency this package has no other reason to take on.
type IPv4Sender interface {
	Out(pb *buf.Buffer, dst [4]byte, protocol uint8)
}

// IPv6Sender transmits a UDP segment over IPv6. Satisfied by
// *ipv6.Sender.
type IPv6Sender interface {
	Out(pb *buf.Buffer, dst [16]byte, nextHeader uint8)
}

// UnreachableV4 reports a port-unreachable condition over IPv4.
type UnreachableV4 func(pb *buf.Buffer, dst [4]byte, code uint8)

// UnreachableV6 reports a port-unreachable condition over IPv6.
type UnreachableV6 func(pb *buf.Buffer, dst [16]byte, code uint8)

// Stack wires together the port table and both IP-version send paths.
type Stack struct {
	SelfIPv4 [4]byte
	SelfIPv6 [16]byte

	SenderV4 IPv4Sender
	SenderV6 IPv6Sender

	UnreachableV4 UnreachableV4
	UnreachableV6 UnreachableV6

	ports *protoreg.Registry[uint16, Handler]
}

// NewStack constructs a udp.Stack with an empty port table.
func NewStack() *Stack {
	return &Stack{ports: protoreg.New[uint16, Handler]()}
}

// Open registers h to receive datagrams sent to port.
func (s *Stack) Open(port uint16, h Handler) { s.ports.Register(port, h) }

// Close stops delivering datagrams to port.
func (s *Stack) Close(port uint16) { s.ports.Unregister(port) }

// In decodes a UDP datagram whose source network-layer address is src (4
// or 16 bytes). If no handler is registered for the destination port, a
// placeholder network-layer header is pushed back in front of the
// (still-undecoded) UDP header so the ICMP/ICMPv6 unreachable message can
// quote it, exactly as the system this package models does: the
// placeholder reuses whatever bytes already sit in that part of the
// buffer rather than synthesizing a real header, since nothing has
// overwritten them yet.
func (s *Stack) In(pb *buf.Buffer, src []byte) {
	if pb.Len() < HeaderLen {
		return
	}
	raw := pb.Bytes()
	srcPort := binary.BigEndian.Uint16(raw[0:2])
	dstPort := binary.BigEndian.Uint16(raw[2:4])
	length := int(binary.BigEndian.Uint16(raw[4:6]))
	checksum := binary.BigEndian.Uint16(raw[6:8])

	if length > pb.Len() {
		return
	}
	if checksum != 0 {
		var dst []byte
		if len(src) == 4 {
			dst = s.SelfIPv4[:]
		} else {
			dst = s.SelfIPv6[:]
		}
		segment := raw[:length]
		verify := make([]byte, length)
		copy(verify, segment)
		binary.BigEndian.PutUint16(verify[6:8], 0)
		if netutil.PseudoHeaderChecksum(Protocol, src, dst, verify) != checksum {
			return
		}
	}

	h, ok := s.ports.Lookup(dstPort)
	if !ok {
		s.sendUnreachable(pb, src, len(src))
		return
	}
	pb.RemoveHeader(HeaderLen)
	h(pb.Bytes(), src, srcPort)
}

func (s *Stack) sendUnreachable(pb *buf.Buffer, src []byte, addrLen int) {
	switch addrLen {
	case 4:
		if s.UnreachableV4 == nil {
			return
		}
		pb.AddHeader(20)
		var dst [4]byte
		copy(dst[:], src)
		s.UnreachableV4(pb, dst, 3) // icmp.CodePortUnreachable
	case 16:
		if s.UnreachableV6 == nil {
			return
		}
		pb.AddHeader(40)
		var dst [16]byte
		copy(dst[:], src)
		s.UnreachableV6(pb, dst, 4) // icmpv6.CodePortUnreachable
	}
}

// Send transmits data from srcPort to dstIP:dstPort, choosing IPv4 or
// IPv6 transmission based on the length of dstIP.
func (s *Stack) Send(data []byte, srcPort uint16, dstIP []byte, dstPort uint16) {
	pb := buf.NewTX(HeaderLen + len(data))
	raw := pb.Bytes()
	binary.BigEndian.PutUint16(raw[0:2], srcPort)
	binary.BigEndian.PutUint16(raw[2:4], dstPort)
	binary.BigEndian.PutUint16(raw[4:6], uint16(len(raw)))
	binary.BigEndian.PutUint16(raw[6:8], 0)
	copy(raw[HeaderLen:], data)

	switch len(dstIP) {
	case 4:
		var dst [4]byte
		copy(dst[:], dstIP)
		cs := netutil.PseudoHeaderChecksum(Protocol, s.SelfIPv4[:], dst[:], raw)
		binary.BigEndian.PutUint16(raw[6:8], cs)
		s.SenderV4.Out(pb, dst, Protocol)
	case 16:
		var dst [16]byte
		copy(dst[:], dstIP)
		cs := netutil.PseudoHeaderChecksum(Protocol, s.SelfIPv6[:], dst[:], raw)
		binary.BigEndian.PutUint16(raw[6:8], cs)
		s.SenderV6.Out(pb, dst, Protocol)
	}
}
