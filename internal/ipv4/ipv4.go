// Package ipv4 implements the IPv4 network layer: header encode/decode,
// header checksum verification, destination-address admission, protocol
// dispatch, and transmit-side fragmentation for payloads larger than the
// interface MTU.
package ipv4

import (
	"encoding/binary"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/netutil"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

const (
	// HeaderLen is the fixed IPv4 header size this stack emits and
	// expects; options are never generated or parsed.
	HeaderLen = 20

	version = 4

	// DefaultTTL is the hop limit set on every packet this stack
	// originates.
	DefaultTTL = 64

	flagMF     = 0x2000
	offsetMask = 0x1FFF
)

// Handler processes a datagram's payload for the protocol number it was
// registered under. src is the 4-byte source address. The same function
// shape is reused by package ipv6 for the protocol numbers (TCP, UDP) that
// are not IP-version-specific.
type Handler func(pb *buf.Buffer, src []byte)

// Unreachable is called by In when no handler is registered for a
// datagram's protocol number, or invoked by an upper layer (e.g. udp) that
// wants to report its own inability to deliver. code is one of the ICMP
// destination-unreachable codes.
type Unreachable func(pb *buf.Buffer, dst [4]byte, code uint8)

// Resolver sends pb toward ip, resolving its link-layer address first if
// necessary. It takes ownership of pb.
type Resolver interface {
	Resolve(pb *buf.Buffer, ip [4]byte)
}

// Sender originates IPv4 datagrams on behalf of a single interface
// identity. The Identification counter is a field here rather than a
// package-level variable so that both the single-packet and the
// fragmenting paths share one sequence, matching the original
// implementation's single counter shared across both code paths.
type Sender struct {
	SelfIP   [4]byte
	Resolver Resolver
	MTU      int

	id uint16

	// OnFragmentSent, if set, is called once per fragment transmitted.
	OnFragmentSent func()
}

// In decodes an IPv4 datagram, validates its header checksum by
// recomputing it with the checksum field zeroed and comparing against the
// received value, admits it only if addressed to self,
// and dispatches its payload via reg. Fragmented datagrams are dropped:
// this stack does not reassemble. If no handler is registered for the
// protocol number, unreachable is invoked with the original header and
// payload restored.
func In(pb *buf.Buffer, self [4]byte, reg *protoreg.Registry[uint8, Handler], unreachable Unreachable) {
	if pb.Len() < HeaderLen {
		return
	}
	raw := pb.Bytes()
	if raw[0]>>4 != version {
		return
	}
	ihl := int(raw[0]&0x0F) * 4
	if ihl < HeaderLen || pb.Len() < ihl {
		return
	}
	saved := binary.BigEndian.Uint16(raw[10:12])
	binary.BigEndian.PutUint16(raw[10:12], 0)
	computed := netutil.Checksum16(raw[:ihl])
	binary.BigEndian.PutUint16(raw[10:12], saved)
	if computed != saved {
		return
	}

	totalLen := int(binary.BigEndian.Uint16(raw[2:4]))
	flagsFrag := binary.BigEndian.Uint16(raw[6:8])
	protocol := raw[9]
	var src, dst [4]byte
	copy(src[:], raw[12:16])
	copy(dst[:], raw[16:20])

	if dst != self {
		return
	}
	if flagsFrag&flagMF != 0 || flagsFrag&offsetMask != 0 {
		return
	}
	if totalLen < ihl || totalLen > pb.Len() {
		return
	}

	pb.RemoveHeader(ihl)
	pb.RemovePadding(pb.Len() - (totalLen - ihl))

	h, ok := reg.Lookup(protocol)
	if !ok {
		pb.AddHeader(ihl) // header bytes are still there, untouched by RemoveHeader
		if unreachable != nil {
			unreachable(pb, src, codeProtoUnreachable)
		}
		return
	}
	h(pb, src[:])
}

// codeProtoUnreachable mirrors icmp.CodeProtoUnreachable without importing
// package icmp, which would create an import cycle (icmp imports ipv4 to
// send its replies).
const codeProtoUnreachable = 2

// Out transmits payload to dst carrying the given protocol number,
// fragmenting automatically if it does not fit within one MTU-sized
// datagram.
func (s *Sender) Out(payload *buf.Buffer, dst [4]byte, protocol uint8) {
	maxPayload := s.MTU - HeaderLen
	if payload.Len() <= maxPayload {
		s.send(payload, dst, protocol, s.nextID(), 0, false)
		return
	}
	s.fragmentOut(payload, dst, protocol, maxPayload)
}

func (s *Sender) nextID() uint16 {
	s.id++
	return s.id
}

func (s *Sender) fragmentOut(payload *buf.Buffer, dst [4]byte, protocol uint8, maxPayload int) {
	id := s.nextID()
	fragSize := maxPayload &^ 7 // must be a multiple of 8 per the offset field's units
	data := payload.Bytes()
	total := len(data)

	for offset := 0; offset < total; {
		remaining := total - offset
		n := fragSize
		more := true
		if n >= remaining {
			n = remaining
			more = false
		}
		frag := buf.NewTX(n)
		copy(frag.Bytes(), data[offset:offset+n])
		s.send(frag, dst, protocol, id, uint16(offset/8), more)
		offset += n
		if s.OnFragmentSent != nil {
			s.OnFragmentSent()
		}
	}
}

func (s *Sender) send(pb *buf.Buffer, dst [4]byte, protocol uint8, id uint16, fragOffset8 uint16, moreFragments bool) {
	pb.AddHeader(HeaderLen)
	raw := pb.Bytes()
	raw[0] = version<<4 | (HeaderLen / 4)
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], uint16(pb.Len()))
	binary.BigEndian.PutUint16(raw[4:6], id)
	flagsFrag := fragOffset8 & offsetMask
	if moreFragments {
		flagsFrag |= flagMF
	}
	binary.BigEndian.PutUint16(raw[6:8], flagsFrag)
	raw[8] = DefaultTTL
	raw[9] = protocol
	binary.BigEndian.PutUint16(raw[10:12], 0)
	copy(raw[12:16], s.SelfIP[:])
	copy(raw[16:20], dst[:])
	binary.BigEndian.PutUint16(raw[10:12], Checksum(raw[:HeaderLen]))

	s.Resolver.Resolve(pb, dst)
}

// Checksum computes the IPv4 header checksum over header (which must have
// its checksum field already zeroed), the standard "save, zero, compute,
// restore" idiom applied to a field that is part of its own checksummed
// region.
func Checksum(header []byte) uint16 {
	return netutil.Checksum16(header)
}
