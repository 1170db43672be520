package icmp

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/ipv4"
)

var selfIP = [4]byte{10, 0, 0, 1}
var peerIP = [4]byte{10, 0, 0, 2}

type fakeResolver struct{ sent []*buf.Buffer }

func (f *fakeResolver) Resolve(pb *buf.Buffer, ip [4]byte) { f.sent = append(f.sent, pb) }

func newHandler() (*Handler, *fakeResolver) {
	r := &fakeResolver{}
	sender := &ipv4.Sender{SelfIP: selfIP, Resolver: r, MTU: 1500}
	return NewHandler(selfIP, sender, 5*time.Second), r
}

// checksumMatches recomputes raw's checksum with fold, the checksum field
// zeroed, and reports whether it equals the transmitted value.
func checksumMatches(raw []byte, fold func([]byte) uint16) bool {
	zeroed := append([]byte(nil), raw...)
	binary.BigEndian.PutUint16(zeroed[2:4], 0)
	return fold(zeroed) == binary.BigEndian.Uint16(raw[2:4])
}

func echoRequestPacket(id, seq uint16, payload []byte) []byte {
	raw := make([]byte, headerLen+len(payload))
	raw[0] = TypeEchoRequest
	binary.BigEndian.PutUint16(raw[4:6], id)
	binary.BigEndian.PutUint16(raw[6:8], seq)
	copy(raw[headerLen:], payload)
	binary.BigEndian.PutUint16(raw[2:4], foldOddLow(raw))
	return raw
}

func TestInAnswersEchoRequest(t *testing.T) {
	t.Parallel()
	h, r := newHandler()
	pkt := echoRequestPacket(1, 1, []byte{0xDE, 0xAD})

	h.In(buf.NewRX(pkt), peerIP[:])

	if len(r.sent) != 1 {
		t.Fatalf("Resolve called %d times, want 1", len(r.sent))
	}
	raw := r.sent[0].Bytes()[ipv4.HeaderLen:]
	if raw[0] != TypeEchoReply {
		t.Fatalf("type = %d, want %d", raw[0], TypeEchoReply)
	}
	if !checksumMatches(raw, foldOddLow) {
		t.Fatal("echo reply checksum does not self-validate under the low-fold convention")
	}
	if binary.BigEndian.Uint16(raw[4:6]) != 1 || binary.BigEndian.Uint16(raw[6:8]) != 1 {
		t.Fatal("echo reply does not preserve id/seq")
	}
}

func TestPingRequestAndReplyUpdatesStats(t *testing.T) {
	t.Parallel()
	h, r := newHandler()
	h.PingRequest(peerIP, 7, 1)

	if len(r.sent) != 1 {
		t.Fatalf("Resolve called %d times, want 1", len(r.sent))
	}
	if h.PendingRequestsCount() != 1 {
		t.Fatalf("PendingRequestsCount() = %d, want 1", h.PendingRequestsCount())
	}

	sentRaw := r.sent[0].Bytes()[ipv4.HeaderLen:]
	replyRaw := make([]byte, len(sentRaw))
	copy(replyRaw, sentRaw)
	replyRaw[0] = TypeEchoReply
	binary.BigEndian.PutUint16(replyRaw[2:4], 0)
	binary.BigEndian.PutUint16(replyRaw[2:4], foldOddLow(replyRaw))

	h.In(buf.NewRX(replyRaw), peerIP[:])

	if h.PendingRequestsCount() != 0 {
		t.Fatalf("PendingRequestsCount() = %d, want 0 after reply", h.PendingRequestsCount())
	}
	stats := h.PingReportStats()
	if stats.Sent != 1 || stats.Received != 1 {
		t.Fatalf("stats = %+v, want Sent=1 Received=1", stats)
	}
}

func TestUnreachableFoldsOddByteHigh(t *testing.T) {
	t.Parallel()
	h, r := newHandler()

	orig := buf.NewTX(21) // odd length forces the fold path
	copy(orig.Bytes(), []byte{0x45, 0, 0, 21})

	h.Unreachable(orig, peerIP, CodePortUnreachable)

	if len(r.sent) != 1 {
		t.Fatalf("Resolve called %d times, want 1", len(r.sent))
	}
	raw := r.sent[0].Bytes()[ipv4.HeaderLen:]
	if raw[0] != TypeUnreachable || raw[1] != CodePortUnreachable {
		t.Fatalf("type/code = %d/%d, want %d/%d", raw[0], raw[1], TypeUnreachable, CodePortUnreachable)
	}
	if !checksumMatches(raw, foldOddHigh) {
		t.Fatal("unreachable checksum does not self-validate under the high-fold convention")
	}
}

func TestFoldOddLowAndHighDiffer(t *testing.T) {
	t.Parallel()
	data := []byte{0x01, 0x02, 0x03} // odd length exercises both fold directions
	low := foldOddLow(data)
	high := foldOddHigh(data)
	if low == high {
		t.Fatal("foldOddLow and foldOddHigh must diverge on odd-length input")
	}
	// Golden values pinned so a future refactor cannot silently unify them.
	if low != 0xFEFA {
		t.Fatalf("foldOddLow(%x) = %#04x, want 0xfefa", data, low)
	}
	if high != 0xFBFD {
		t.Fatalf("foldOddHigh(%x) = %#04x, want 0xfbfd", data, high)
	}
}
