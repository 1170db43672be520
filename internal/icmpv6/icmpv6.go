// Package icmpv6 implements ICMPv6: echo request/reply, Neighbor
// Solicitation/Advertisement (the IPv6 analogue of ARP, used for
// on-link address resolution and duplicate address detection), and
// destination-unreachable replies.
package icmpv6

import (
	"encoding/binary"
	"time"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/expmap"
	"github.com/go-netstack/netstackd/internal/ipv6"
)

const (
	TypeDestUnreachable     uint8 = 1
	TypeEchoRequest         uint8 = 128
	TypeEchoReply           uint8 = 129
	TypeNeighborSolicit     uint8 = 135
	TypeNeighborAdvert      uint8 = 136

	// Code identifies the reason a destination could not be reached.
	// The original system this models defines five; only PortUnreach is
	// ever exercised by this stack's own UDP handler today, but all five
	// are plumbed through as a typed value so a future upper-layer
	// consumer has somewhere to plug in without widening the wire format.
	CodeNoRoute         uint8 = 0
	CodeAdminProhibited uint8 = 1
	CodeBeyondScope     uint8 = 2
	CodeAddrUnreachable uint8 = 3
	CodePortUnreachable uint8 = 4

	naFlagOverride  = 0x20000000
	naFlagSolicited = 0x40000000

	optTypeTargetLLA = 2

	echoHeaderLen = 8
	// nsHeaderLen/naHeaderLen: type+code+checksum(4) + reserved-or-flags(4)
	// + target(16) + one link-layer-address option(8).
	nsHeaderLen   = 4 + 4 + 16 + 8
	naHeaderLen   = 4 + 4 + 16 + 8
	nextHeaderICMPv6 = 58
)

type echoRecord struct {
	sentAt time.Time
}

// Handler answers echo requests and neighbor discovery messages and
// originates Neighbor Solicitations on behalf of address resolution,
// all via a single ipv6.Sender.
type Handler struct {
	SelfIP  [16]byte
	SelfMAC [6]byte
	Sender  *ipv6.Sender

	echoes *expmap.Map[uint16, *echoRecord]
}

// NewHandler constructs a Handler whose outstanding echo requests expire
// after echoTTL if no reply ever arrives.
func NewHandler(selfIP [16]byte, selfMAC [6]byte, sender *ipv6.Sender, echoTTL time.Duration) *Handler {
	return &Handler{
		SelfIP:  selfIP,
		SelfMAC: selfMAC,
		Sender:  sender,
		echoes:  expmap.New[uint16, *echoRecord](256, echoTTL),
	}
}

// In processes an ICMPv6 message received from src.
func (h *Handler) In(pb *buf.Buffer, src [16]byte) {
	if pb.Len() < 4 {
		return
	}
	raw := pb.Bytes()
	switch raw[0] {
	case TypeEchoRequest:
		h.replyEcho(raw, src)
	case TypeNeighborSolicit:
		h.handleNS(raw, src)
	}
}

func (h *Handler) replyEcho(request []byte, dst [16]byte) {
	pb := buf.NewTX(len(request))
	copy(pb.Bytes(), request)
	raw := pb.Bytes()
	raw[0] = TypeEchoReply
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], 0)
	binary.BigEndian.PutUint16(raw[2:4], h.checksum(raw, dst))
	h.Sender.Out(pb, dst, nextHeaderICMPv6)
}

// handleNS answers a Neighbor Solicitation targeting our address with a
// solicited Neighbor Advertisement.
func (h *Handler) handleNS(raw []byte, src [16]byte) {
	if len(raw) < nsHeaderLen-8 {
		return
	}
	var target [16]byte
	copy(target[:], raw[8:24])
	if target != h.SelfIP {
		return
	}
	h.SendNA(src, true)
}

// SendNA originates a Neighbor Advertisement for our own address, either
// solicited (in response to an NS) or unsolicited (e.g. after a link
// change).
func (h *Handler) SendNA(dst [16]byte, solicited bool) {
	pb := buf.NewTX(naHeaderLen)
	raw := pb.Bytes()
	raw[0] = TypeNeighborAdvert
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], 0)
	flags := uint32(naFlagOverride)
	if solicited {
		flags |= naFlagSolicited
	}
	binary.BigEndian.PutUint32(raw[4:8], flags)
	copy(raw[8:24], h.SelfIP[:])
	raw[24] = optTypeTargetLLA
	raw[25] = 1 // option length in units of 8 bytes
	copy(raw[26:32], h.SelfMAC[:])

	binary.BigEndian.PutUint16(raw[2:4], h.checksum(raw, dst))
	h.Sender.Out(pb, dst, nextHeaderICMPv6)
}

// SendNS originates a Neighbor Solicitation for target, addressed to its
// solicited-node multicast group.
func (h *Handler) SendNS(target [16]byte) {
	dst := SolicitedNodeMulticast(target)

	pb := buf.NewTX(nsHeaderLen)
	raw := pb.Bytes()
	raw[0] = TypeNeighborSolicit
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], 0)
	binary.BigEndian.PutUint32(raw[4:8], 0)
	copy(raw[8:24], target[:])
	raw[24] = 1 // source link-layer address option
	raw[25] = 1
	copy(raw[26:32], h.SelfMAC[:])

	binary.BigEndian.PutUint16(raw[2:4], h.checksum(raw, dst))
	h.Sender.Out(pb, dst, nextHeaderICMPv6)
}

// SolicitedNodeMulticast returns the solicited-node multicast address for
// target: ff02::1:ffXX:XXXX, where the low 24 bits come from target.
func SolicitedNodeMulticast(target [16]byte) [16]byte {
	addr := [16]byte{0: 0xFF, 1: 0x02, 11: 0x01, 12: 0xFF}
	addr[13] = target[13]
	addr[14] = target[14]
	addr[15] = target[15]
	return addr
}

// Unreachable builds and sends a destination-unreachable message quoting
// orig, which must already carry its IPv6 header (restored by the
// caller).
func (h *Handler) Unreachable(orig *buf.Buffer, dst [16]byte, code uint8) {
	quoted := orig.Bytes()
	const maxQuote = ipv6.HeaderLen + 8
	if len(quoted) > maxQuote {
		quoted = quoted[:maxQuote]
	}

	pb := buf.NewTX(8 + len(quoted))
	raw := pb.Bytes()
	raw[0] = TypeDestUnreachable
	raw[1] = code
	binary.BigEndian.PutUint16(raw[2:4], 0)
	binary.BigEndian.PutUint32(raw[4:8], 0)
	copy(raw[8:], quoted)
	binary.BigEndian.PutUint16(raw[2:4], h.checksum(raw, dst))

	h.Sender.Out(pb, dst, nextHeaderICMPv6)
}

func (h *Handler) checksum(segment []byte, dst [16]byte) uint16 {
	return Checksum(h.SelfIP, dst, segment)
}

// Checksum computes the ICMPv6 checksum over segment (the ICMPv6 message,
// checksum field zeroed) using the IPv6 pseudo-header built from src and
// dst (RFC 8200 Section 8.1), folding a trailing odd byte into the high
// half of the imaginary final word.
func Checksum(src, dst [16]byte, segment []byte) uint16 {
	var sum uint32
	for i := 0; i < 16; i += 2 {
		sum += uint32(src[i])<<8 | uint32(src[i+1])
		sum += uint32(dst[i])<<8 | uint32(dst[i+1])
	}
	n := len(segment)
	sum += uint32(n >> 16)
	sum += uint32(n & 0xFFFF)
	sum += uint32(nextHeaderICMPv6)

	for i := 0; i+1 < n; i += 2 {
		sum += uint32(segment[i])<<8 | uint32(segment[i+1])
	}
	if n%2 == 1 {
		sum += uint32(segment[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xFFFF
	}
	return cs
}
