// Package ethernet implements the link layer: framing outbound packets
// with a destination MAC and ethertype, and demultiplexing inbound frames
// to whichever protocol registered that ethertype.
package ethernet

import (
	"encoding/binary"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/driver"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

// HeaderLen is the size of an untagged Ethernet II header.
const HeaderLen = 14

// Well-known ethertypes this stack dispatches on.
const (
	TypeIPv4 uint16 = 0x0800
	TypeARP  uint16 = 0x0806
	TypeIPv6 uint16 = 0x86DD
)

// Broadcast is the all-ones link-layer destination used for ARP requests
// and as the last-resort IPv6 destination MAC (spec.md §9 note 2).
var Broadcast = [6]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// Handler processes the payload of a frame whose ethertype it was
// registered under. src is the frame's source MAC.
type Handler func(pb *buf.Buffer, src [6]byte)

// In strips the Ethernet header from pb, admits the frame only if it is
// addressed to self, Broadcast, or (for IPv6 neighbor discovery) a
// 33:33:xx:xx:xx:xx multicast address, and dispatches on ethertype via reg.
// Frames with no registered handler, or not addressed to us, are dropped
// silently — there is no link-layer error signal to send back.
func In(pb *buf.Buffer, self [6]byte, reg *protoreg.Registry[uint16, Handler]) {
	if pb.Len() < HeaderLen {
		return
	}
	raw := pb.Bytes()
	var dst, src [6]byte
	copy(dst[:], raw[0:6])
	copy(src[:], raw[6:12])
	ethertype := binary.BigEndian.Uint16(raw[12:14])

	if !admitted(dst, self) {
		return
	}

	pb.RemoveHeader(HeaderLen)

	h, ok := reg.Lookup(ethertype)
	if !ok {
		return
	}
	h(pb, src)
}

func admitted(dst, self [6]byte) bool {
	if dst == self || dst == Broadcast {
		return true
	}
	return dst[0] == 0x33 && dst[1] == 0x33
}

// Out pushes an Ethernet header onto pb addressed to dst with the given
// ethertype and hands the complete frame to drv for transmission.
func Out(pb *buf.Buffer, dst, self [6]byte, ethertype uint16, drv driver.Driver) error {
	pb.AddHeader(HeaderLen)
	raw := pb.Bytes()
	copy(raw[0:6], dst[:])
	copy(raw[6:12], self[:])
	binary.BigEndian.PutUint16(raw[12:14], ethertype)
	return drv.Send(raw)
}
