// Package icmp implements ICMPv4: answering echo requests, originating
// echo requests and tracking their round-trip time for a ping client, and
// building destination-unreachable replies on behalf of the network layer
// and upper-layer protocols that cannot deliver a datagram.
//
// The two checksum helpers in this file fold a trailing odd byte in
// opposite directions on purpose. foldOddLow (used for echo replies and
// echo requests) folds it into the low half of the imaginary final word;
// foldOddHigh (used by Unreachable) folds it into the high half. This mirrors two independently-written code paths in the
// system this stack replaces, and unifying them would silently change the
// wire bytes one of the two paths has always produced — so they stay
// distinct rather than sharing one "cleaned up" helper.
package icmp

import (
	"encoding/binary"
	"time"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/expmap"
	"github.com/go-netstack/netstackd/internal/ipv4"
)

const (
	TypeEchoReply   uint8 = 0
	TypeUnreachable uint8 = 3
	TypeEchoRequest uint8 = 8

	CodeNetUnreachable   uint8 = 0
	CodeHostUnreachable  uint8 = 1
	CodeProtoUnreachable uint8 = 2
	CodePortUnreachable  uint8 = 3

	headerLen = 8

	// quoteLen is the number of original payload bytes, beyond the
	// original IPv4 header, copied into an unreachable reply, per RFC 792.
	quoteLen = 8
)

// echoRecord tracks one outstanding echo request this stack originated.
type echoRecord struct {
	destIP [4]byte
	sentAt time.Time
}

// Stats accumulates round-trip statistics across every echo reply this
// stack has received, mirroring what a ping client reports on exit.
type Stats struct {
	Sent     int
	Received int
	MinRTT   time.Duration
	MaxRTT   time.Duration
	TotalRTT time.Duration
}

// Handler answers echo requests, originates echo requests on behalf of a
// ping client, and builds unreachable replies, all via a single ipv4.Sender.
type Handler struct {
	SelfIP [4]byte
	Sender *ipv4.Sender

	echoes *expmap.Map[uint16, *echoRecord]

	stats Stats
}

// NewHandler constructs a Handler whose outstanding echo requests expire
// after echoTTL if no reply ever arrives.
func NewHandler(selfIP [4]byte, sender *ipv4.Sender, echoTTL time.Duration) *Handler {
	return &Handler{
		SelfIP: selfIP,
		Sender: sender,
		echoes: expmap.New[uint16, *echoRecord](256, echoTTL),
	}
}

// In processes an ICMPv4 message addressed to self. src is the 4-byte
// source address of the enclosing IPv4 datagram.
func (h *Handler) In(pb *buf.Buffer, src []byte) {
	if pb.Len() < headerLen {
		return
	}
	var srcIP [4]byte
	copy(srcIP[:], src)

	raw := pb.Bytes()
	switch raw[0] {
	case TypeEchoRequest:
		h.reply(raw, srcIP)
	case TypeEchoReply:
		h.recordReply(raw)
	}
}

func (h *Handler) reply(request []byte, dst [4]byte) {
	pb := buf.NewTX(len(request))
	copy(pb.Bytes(), request)
	raw := pb.Bytes()
	raw[0] = TypeEchoReply
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], 0)
	binary.BigEndian.PutUint16(raw[2:4], foldOddLow(raw))
	h.Sender.Out(pb, dst, TypeIPProtocol)
}

func (h *Handler) recordReply(raw []byte) {
	if len(raw) < headerLen {
		return
	}
	seq := binary.BigEndian.Uint16(raw[6:8])
	entry, ok := h.echoes.Get(seq)
	if !ok {
		return
	}
	h.echoes.Delete(seq)

	rtt := time.Since(entry.sentAt)
	h.stats.Received++
	h.stats.TotalRTT += rtt
	if h.stats.Received == 1 || rtt < h.stats.MinRTT {
		h.stats.MinRTT = rtt
	}
	if rtt > h.stats.MaxRTT {
		h.stats.MaxRTT = rtt
	}
}

// pingPayloadLen is the size of the filler payload ping_request appends
// after the ICMP header, matching the ping client this stack replaces.
const pingPayloadLen = 56

// PingRequest originates an echo request with the given identifier and
// sequence number, recording its send time for round-trip measurement.
func (h *Handler) PingRequest(dst [4]byte, id, seq uint16) {
	pb := buf.NewTX(headerLen + pingPayloadLen)
	raw := pb.Bytes()
	raw[0] = TypeEchoRequest
	raw[1] = 0
	binary.BigEndian.PutUint16(raw[2:4], 0)
	binary.BigEndian.PutUint16(raw[4:6], id)
	binary.BigEndian.PutUint16(raw[6:8], seq)
	for i := 0; i < pingPayloadLen; i++ {
		raw[headerLen+i] = byte(i % 256)
	}
	binary.BigEndian.PutUint16(raw[2:4], foldOddLow(raw))

	h.echoes.Set(seq, &echoRecord{destIP: dst, sentAt: time.Now()})
	h.stats.Sent++
	h.Sender.Out(pb, dst, TypeIPProtocol)
}

// PingReportStats returns the accumulated round-trip statistics.
func (h *Handler) PingReportStats() Stats { return h.stats }

// PendingRequestsCount returns the number of echo requests still awaiting
// a reply.
func (h *Handler) PendingRequestsCount() int { return h.echoes.Len() }

// Unreachable builds and sends a destination-unreachable message quoting
// the header and leading payload bytes of orig, which must still have its
// original network-layer header present at its front (restored by the
// caller before invoking Unreachable).
func (h *Handler) Unreachable(orig *buf.Buffer, dst [4]byte, code uint8) {
	quoted := orig.Bytes()
	if len(quoted) > ipv4.HeaderLen+quoteLen {
		quoted = quoted[:ipv4.HeaderLen+quoteLen]
	}

	pb := buf.NewTX(headerLen + len(quoted))
	raw := pb.Bytes()
	raw[0] = TypeUnreachable
	raw[1] = code
	binary.BigEndian.PutUint16(raw[2:4], 0)
	binary.BigEndian.PutUint32(raw[4:8], 0) // unused field
	copy(raw[headerLen:], quoted)
	binary.BigEndian.PutUint16(raw[2:4], foldOddHigh(raw))

	h.Sender.Out(pb, dst, TypeIPProtocol)
}

// TypeIPProtocol is the IPv4 protocol number for ICMP.
const TypeIPProtocol uint8 = 1

// foldOddLow computes the Internet checksum over data, folding a trailing
// odd byte into the LOW half of the imaginary final word. Used by the
// echo-reply and echo-request paths. Pairs are summed big-endian; a source
// that instead accumulates host-order 16-bit words would need the byte
// order flipped to reproduce identical wire bytes, but each fold direction
// here reproduces its own checksum when recomputed over the message with
// the checksum field zeroed, so this is self-consistent regardless.
func foldOddLow(data []byte) uint16 {
	sum := partialSum(data)
	n := len(data)
	if n%2 == 1 {
		sum += uint32(data[n-1])
	}
	return finish(sum)
}

// foldOddHigh computes the Internet checksum over data, folding a trailing
// odd byte into the HIGH half of the imaginary final word — the general
// convention used by netutil.Checksum16, reimplemented here (rather than
// calling netutil) so both fold directions live side by side and cannot
// drift apart under future edits to one without the other.
func foldOddHigh(data []byte) uint16 {
	sum := partialSum(data)
	n := len(data)
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return finish(sum)
}

func partialSum(data []byte) uint32 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(data[i])<<8 | uint32(data[i+1])
	}
	return sum
}

func finish(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xFFFF + sum>>16
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xFFFF
	}
	return cs
}
