// Package arp implements IPv4 address resolution: a timed-out table of
// known IPv4-to-MAC bindings, a one-outstanding-request-per-destination
// pending queue for packets awaiting resolution, and the request/reply
// wire codec.
package arp

import (
	"encoding/binary"
	"time"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/driver"
	"github.com/go-netstack/netstackd/internal/ethernet"
	"github.com/go-netstack/netstackd/internal/expmap"
)

const (
	headerLen   = 28
	hwTypeEther = 1

	opRequest = 1
	opReply   = 2
)

// Table is the learned IPv4-to-MAC binding cache, aged out after the
// configured timeout.
type Table struct {
	m *expmap.Map[[4]byte, [6]byte]
}

// NewTable constructs a Table whose entries expire after timeout.
func NewTable(timeout time.Duration) *Table {
	return &Table{m: expmap.New[[4]byte, [6]byte](256, timeout)}
}

// Lookup returns the MAC bound to ip, if any and not expired.
func (t *Table) Lookup(ip [4]byte) ([6]byte, bool) { return t.m.Get(ip) }

// Len reports the number of live bindings.
func (t *Table) Len() int { return t.m.Len() }

func (t *Table) learn(ip [4]byte, mac [6]byte) { t.m.Set(ip, mac) }

// pendingEntry is the buffer awaiting resolution for one destination, plus
// the time its most recent request was sent (for ARPMinInterval pacing).
type pendingEntry struct {
	buf       *buf.Buffer
	requested time.Time
}

// Pending holds at most one outstanding resolution per destination IPv4
// address. A second send attempt to an address already pending replaces
// the queued packet (keeping the newest) without issuing a new request
// until minInterval has elapsed since the last one.
type Pending struct {
	m           *expmap.Map[[4]byte, *pendingEntry]
	minInterval time.Duration
}

// NewPending constructs a Pending queue. Entries are dropped after timeout
// if never resolved; a destination already pending is re-requested no
// more often than minInterval.
func NewPending(timeout, minInterval time.Duration) *Pending {
	return &Pending{
		m:           expmap.New[[4]byte, *pendingEntry](64, timeout),
		minInterval: minInterval,
	}
}

// Len reports the number of destinations currently awaiting resolution.
func (p *Pending) Len() int { return p.m.Len() }

// Handler wires a Table and Pending queue to a concrete interface identity
// and driver so it can answer and issue ARP requests.
type Handler struct {
	Table           *Table
	Pending         *Pending
	SelfMAC         [6]byte
	SelfIP          [4]byte
	Driver          driver.Driver
	OnTableChange   func(size int)
	OnPendingChange func(size int)
}

// In decodes an ARP packet received from srcMAC. It learns the sender's
// binding unconditionally, satisfies any pending resolution for that
// sender regardless of the packet's opcode, and answers requests for our
// own address.
func (h *Handler) In(pb *buf.Buffer, srcMAC [6]byte) {
	if pb.Len() < headerLen {
		return
	}
	raw := pb.Bytes()
	hwType := binary.BigEndian.Uint16(raw[0:2])
	protoType := binary.BigEndian.Uint16(raw[2:4])
	op := binary.BigEndian.Uint16(raw[6:8])
	var senderMAC [6]byte
	copy(senderMAC[:], raw[8:14])
	var senderIP [4]byte
	copy(senderIP[:], raw[14:18])
	var targetIP [4]byte
	copy(targetIP[:], raw[24:28])

	if hwType != hwTypeEther || protoType != ethernet.TypeIPv4 {
		return
	}

	h.Table.learn(senderIP, senderMAC)
	if h.OnTableChange != nil {
		h.OnTableChange(h.Table.Len())
	}

	if entry, ok := h.Pending.m.Get(senderIP); ok {
		h.Pending.m.Delete(senderIP)
		if h.OnPendingChange != nil {
			h.OnPendingChange(h.Pending.Len())
		}
		ethernet.Out(entry.buf, senderMAC, h.SelfMAC, ethernet.TypeIPv4, h.Driver)
	}

	if op == opRequest && targetIP == h.SelfIP {
		h.reply(senderMAC, senderIP)
	}
}

// Resolve sends pb to ip via its known MAC binding, or queues it behind an
// ARP request if the binding is not yet known. It takes ownership of pb.
func (h *Handler) Resolve(pb *buf.Buffer, ip [4]byte) {
	if mac, ok := h.Table.Lookup(ip); ok {
		ethernet.Out(pb, mac, h.SelfMAC, ethernet.TypeIPv4, h.Driver)
		return
	}

	now := time.Now()
	if entry, ok := h.Pending.m.Get(ip); ok {
		entry.buf = pb
		h.Pending.m.Set(ip, entry)
		if now.Sub(entry.requested) < h.Pending.minInterval {
			return
		}
		entry.requested = now
		h.request(ip)
		return
	}

	h.Pending.m.Set(ip, &pendingEntry{buf: pb, requested: now})
	if h.OnPendingChange != nil {
		h.OnPendingChange(h.Pending.Len())
	}
	h.request(ip)
}

// Probe sends a gratuitous ARP request for our own address, used at
// startup to announce our presence and detect address conflicts.
func (h *Handler) Probe() {
	h.request(h.SelfIP)
}

func (h *Handler) request(ip [4]byte) {
	pb := buf.NewTX(headerLen)
	var zero [6]byte
	encode(pb.Bytes(), opRequest, h.SelfMAC, h.SelfIP, zero, ip)
	ethernet.Out(pb, ethernet.Broadcast, h.SelfMAC, ethernet.TypeARP, h.Driver)
}

func (h *Handler) reply(dstMAC [6]byte, dstIP [4]byte) {
	pb := buf.NewTX(headerLen)
	encode(pb.Bytes(), opReply, h.SelfMAC, h.SelfIP, dstMAC, dstIP)
	ethernet.Out(pb, dstMAC, h.SelfMAC, ethernet.TypeARP, h.Driver)
}

func encode(raw []byte, op uint16, senderMAC [6]byte, senderIP [4]byte, targetMAC [6]byte, targetIP [4]byte) {
	binary.BigEndian.PutUint16(raw[0:2], hwTypeEther)
	binary.BigEndian.PutUint16(raw[2:4], ethernet.TypeIPv4)
	raw[4] = 6
	raw[5] = 4
	binary.BigEndian.PutUint16(raw[6:8], op)
	copy(raw[8:14], senderMAC[:])
	copy(raw[14:18], senderIP[:])
	copy(raw[18:24], targetMAC[:])
	copy(raw[24:28], targetIP[:])
}
