// Package ipv6 implements the IPv6 network layer: header encode/decode,
// EUI-64 link-local address autoconfiguration, destination-MAC derivation
// for the link layer, address-type classification, and protocol dispatch.
// TCP and UDP next-headers are dispatched through the same handler type
// and registry package ipv4 defines, since "demux by protocol number to a
// registered handler" is identical at both layers; ICMPv6 is not
// registered there; it is always next-header 58 and is wired in directly
// by whoever constructs the stack, the same way the network this package
// models never treated its own control-message protocol as just another
// upper layer.
package ipv6

import (
	"encoding/binary"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/ethernet"
	"github.com/go-netstack/netstackd/internal/ipv4"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

// HeaderLen is the fixed IPv6 header size; this stack never emits or
// expects extension headers.
const HeaderLen = 40

const (
	version = 6

	// NextHeaderICMPv6 is the next-header value that routes to the
	// caller-supplied ICMPv6 callback rather than through reg.
	NextHeaderICMPv6 uint8 = 58

	// DefaultHopLimit is the hop limit set on every packet this stack
	// originates.
	DefaultHopLimit = 64
)

// AddrType classifies a 16-byte IPv6 address.
type AddrType int

const (
	Unspecified AddrType = iota
	Loopback
	Multicast
	LinkLocal
	Global
	IPv4Mapped
	IPv4Compatible
)

// ClassifyAddr returns the type of a.
func ClassifyAddr(a [16]byte) AddrType {
	var zero [16]byte
	if a == zero {
		return Unspecified
	}
	loopback := [16]byte{15: 1}
	if a == loopback {
		return Loopback
	}
	if a[0] == 0xFF {
		return Multicast
	}
	if a[0] == 0xFE && a[1]&0xC0 == 0x80 {
		return LinkLocal
	}
	if isIPv4Mapped(a) {
		return IPv4Mapped
	}
	if isIPv4Compatible(a) {
		return IPv4Compatible
	}
	return Global
}

func isIPv4Mapped(a [16]byte) bool {
	for i := 0; i < 10; i++ {
		if a[i] != 0 {
			return false
		}
	}
	return a[10] == 0xFF && a[11] == 0xFF
}

func isIPv4Compatible(a [16]byte) bool {
	for i := 0; i < 12; i++ {
		if a[i] != 0 {
			return false
		}
	}
	// Excludes the unspecified and loopback addresses, which share the
	// all-zero prefix but are classified separately above.
	return a[12] != 0 || a[13] != 0 || (a[14] == 0 && a[15] > 1) || a[14] != 0
}

// Handler processes the payload of an IPv6 datagram whose next-header
// value it was registered under.
type Handler = ipv4.Handler

// Unreachable reports that a datagram could not be delivered.
type Unreachable func(pb *buf.Buffer, dst [16]byte, code uint8)

// Resolver sends pb toward ip over the link layer, resolving its
// destination MAC first.
type Resolver interface {
	Resolve(pb *buf.Buffer, ip [16]byte)
}

// Sender originates IPv6 datagrams on behalf of a single interface
// identity.
type Sender struct {
	SelfIP   [16]byte
	Resolver Resolver
}

// EUI64 derives the 8-byte modified EUI-64 interface identifier from a
// 6-byte MAC address: the universal/local bit is flipped and
// 0xFFFE is inserted between the OUI and the device identifier halves.
func EUI64(mac [6]byte) [8]byte {
	var id [8]byte
	id[0] = mac[0] ^ 0x02
	id[1] = mac[1]
	id[2] = mac[2]
	id[3] = 0xFF
	id[4] = 0xFE
	id[5] = mac[3]
	id[6] = mac[4]
	id[7] = mac[5]
	return id
}

// LinkLocalAddr builds the fe80::/64 address autoconfigured from mac.
func LinkLocalAddr(mac [6]byte) [16]byte {
	var a [16]byte
	a[0] = 0xFE
	a[1] = 0x80
	eui := EUI64(mac)
	copy(a[8:16], eui[:])
	return a
}

// macFromEUI64 reverses EUI64, recovering the original MAC address from an
// interface identifier that was produced by it.
func macFromEUI64(id [8]byte) ([6]byte, bool) {
	var mac [6]byte
	if id[3] != 0xFF || id[4] != 0xFE {
		return mac, false
	}
	mac[0] = id[0] ^ 0x02
	mac[1] = id[1]
	mac[2] = id[2]
	mac[3] = id[5]
	mac[4] = id[6]
	mac[5] = id[7]
	return mac, true
}

// DestMAC derives the link-layer destination for an IPv6 address being
// transmitted to: multicast addresses map to 33:33:<low 32 bits>;
// link-local addresses that were themselves derived via EUI-64 are
// reconstructed back to their originating MAC; anything else (an
// off-link global destination with no routing table to consult) falls
// back to the Ethernet broadcast address, a deliberate simplification —
// this stack has no default-router concept.
func DestMAC(dst [16]byte) [6]byte {
	switch ClassifyAddr(dst) {
	case Multicast:
		return [6]byte{0x33, 0x33, dst[12], dst[13], dst[14], dst[15]}
	case LinkLocal:
		var id [8]byte
		copy(id[:], dst[8:16])
		if mac, ok := macFromEUI64(id); ok {
			return mac
		}
	}
	return ethernet.Broadcast
}

// In decodes an IPv6 datagram, admits it only if addressed to self or to
// a multicast group, and dispatches on next-header: ICMPv6 always goes to
// onICMPv6; everything else is looked up in reg, the same registry used
// by package ipv4 for TCP and UDP.
func In(pb *buf.Buffer, self [16]byte, reg *protoreg.Registry[uint8, Handler], onICMPv6 func(pb *buf.Buffer, src [16]byte)) {
	if pb.Len() < HeaderLen {
		return
	}
	raw := pb.Bytes()
	if raw[0]>>4 != version {
		return
	}
	payloadLen := int(binary.BigEndian.Uint16(raw[4:6]))
	nextHeader := raw[6]
	var src, dst [16]byte
	copy(src[:], raw[8:24])
	copy(dst[:], raw[24:40])

	if dst != self && ClassifyAddr(dst) != Multicast {
		return
	}
	if HeaderLen+payloadLen > pb.Len() {
		return
	}

	pb.RemoveHeader(HeaderLen)
	pb.RemovePadding(pb.Len() - payloadLen)

	if nextHeader == NextHeaderICMPv6 {
		if onICMPv6 != nil {
			onICMPv6(pb, src)
		}
		return
	}

	h, ok := reg.Lookup(nextHeader)
	if !ok {
		return
	}
	h(pb, src[:])
}

// Out transmits payload to dst with the given next-header value.
func (s *Sender) Out(payload *buf.Buffer, dst [16]byte, nextHeader uint8) {
	payload.AddHeader(HeaderLen)
	raw := payload.Bytes()
	raw[0] = version << 4
	raw[1], raw[2], raw[3] = 0, 0, 0
	binary.BigEndian.PutUint16(raw[4:6], uint16(payload.Len()-HeaderLen))
	raw[6] = nextHeader
	raw[7] = DefaultHopLimit
	copy(raw[8:24], s.SelfIP[:])
	copy(raw[24:40], dst[:])

	s.Resolver.Resolve(payload, dst)
}
