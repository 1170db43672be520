package ipv4

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

var selfIP = [4]byte{10, 0, 0, 1}
var peerIP = [4]byte{10, 0, 0, 2}

type fakeResolver struct {
	sent []*buf.Buffer
	dst  [][4]byte
}

func (f *fakeResolver) Resolve(pb *buf.Buffer, ip [4]byte) {
	f.sent = append(f.sent, pb)
	f.dst = append(f.dst, ip)
}

func buildPacket(t *testing.T, src, dst [4]byte, protocol uint8, payload []byte) []byte {
	t.Helper()
	raw := make([]byte, HeaderLen+len(payload))
	raw[0] = version<<4 | (HeaderLen / 4)
	binary.BigEndian.PutUint16(raw[2:4], uint16(len(raw)))
	binary.BigEndian.PutUint16(raw[4:6], 1)
	raw[8] = DefaultTTL
	raw[9] = protocol
	copy(raw[12:16], src[:])
	copy(raw[16:20], dst[:])
	copy(raw[HeaderLen:], payload)
	binary.BigEndian.PutUint16(raw[10:12], Checksum(raw[:HeaderLen]))
	return raw
}

func TestInDispatchesKnownProtocol(t *testing.T) {
	t.Parallel()
	reg := protoreg.New[uint8, Handler]()
	var gotSrc [4]byte
	var gotPayload []byte
	reg.Register(17, func(pb *buf.Buffer, src []byte) {
		copy(gotSrc[:], src)
		gotPayload = append([]byte(nil), pb.Bytes()...)
	})

	pkt := buildPacket(t, peerIP, selfIP, 17, []byte{1, 2, 3, 4})
	In(buf.NewRX(pkt), selfIP, reg, nil)

	if gotSrc != peerIP {
		t.Fatalf("src = %v, want %v", gotSrc, peerIP)
	}
	if !bytes.Equal(gotPayload, []byte{1, 2, 3, 4}) {
		t.Fatalf("payload = %x, want 01020304", gotPayload)
	}
}

func TestInDropsForeignDestination(t *testing.T) {
	t.Parallel()
	reg := protoreg.New[uint8, Handler]()
	called := false
	reg.Register(17, func(*buf.Buffer, []byte) { called = true })

	other := [4]byte{10, 0, 0, 99}
	pkt := buildPacket(t, peerIP, other, 17, []byte{1})
	In(buf.NewRX(pkt), selfIP, reg, nil)

	if called {
		t.Fatal("handler invoked for a datagram not addressed to self")
	}
}

func TestInDropsBadChecksum(t *testing.T) {
	t.Parallel()
	reg := protoreg.New[uint8, Handler]()
	called := false
	reg.Register(17, func(*buf.Buffer, []byte) { called = true })

	pkt := buildPacket(t, peerIP, selfIP, 17, []byte{1})
	pkt[10] ^= 0xFF // corrupt checksum
	In(buf.NewRX(pkt), selfIP, reg, nil)

	if called {
		t.Fatal("handler invoked despite bad header checksum")
	}
}

func TestInEmitsUnreachableForUnknownProtocol(t *testing.T) {
	t.Parallel()
	reg := protoreg.New[uint8, Handler]()

	var gotDst [4]byte
	var gotCode uint8
	var gotLen int
	unreachable := func(pb *buf.Buffer, dst [4]byte, code uint8) {
		gotDst, gotCode = dst, code
		gotLen = pb.Len()
	}

	pkt := buildPacket(t, peerIP, selfIP, 253, []byte{9, 9, 9, 9})
	In(buf.NewRX(pkt), selfIP, reg, unreachable)

	if gotDst != peerIP {
		t.Fatalf("unreachable dst = %v, want %v", gotDst, peerIP)
	}
	if gotCode != codeProtoUnreachable {
		t.Fatalf("unreachable code = %d, want %d", gotCode, codeProtoUnreachable)
	}
	if gotLen != HeaderLen+4 {
		t.Fatalf("buffer handed to Unreachable has len %d, want %d (header restored)", gotLen, HeaderLen+4)
	}
}

func TestInDropsFragments(t *testing.T) {
	t.Parallel()
	reg := protoreg.New[uint8, Handler]()
	called := false
	reg.Register(17, func(*buf.Buffer, []byte) { called = true })

	pkt := buildPacket(t, peerIP, selfIP, 17, []byte{1, 2})
	binary.BigEndian.PutUint16(pkt[6:8], flagMF)
	binary.BigEndian.PutUint16(pkt[10:12], 0)
	binary.BigEndian.PutUint16(pkt[10:12], Checksum(pkt[:HeaderLen]))

	In(buf.NewRX(pkt), selfIP, reg, nil)
	if called {
		t.Fatal("handler invoked for a fragment; reassembly is unsupported")
	}
}

func TestOutSetsHeaderFieldsAndResolves(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{}
	s := &Sender{SelfIP: selfIP, Resolver: r, MTU: 1500}

	pb := buf.NewTX(4)
	copy(pb.Bytes(), []byte{1, 2, 3, 4})
	s.Out(pb, peerIP, 17)

	if len(r.sent) != 1 {
		t.Fatalf("Resolve called %d times, want 1", len(r.sent))
	}
	raw := r.sent[0].Bytes()
	if raw[0]>>4 != version {
		t.Fatalf("version = %d, want %d", raw[0]>>4, version)
	}
	if raw[9] != 17 {
		t.Fatalf("protocol = %d, want 17", raw[9])
	}
	hdr := append([]byte(nil), raw[:HeaderLen]...)
	binary.BigEndian.PutUint16(hdr[10:12], 0)
	if Checksum(hdr) != binary.BigEndian.Uint16(raw[10:12]) {
		t.Fatal("header checksum does not self-validate")
	}
	var gotSrc, gotDst [4]byte
	copy(gotSrc[:], raw[12:16])
	copy(gotDst[:], raw[16:20])
	if gotSrc != selfIP || gotDst != peerIP {
		t.Fatalf("src/dst = %v/%v, want %v/%v", gotSrc, gotDst, selfIP, peerIP)
	}
}

func TestOutFragmentsOversizedPayload(t *testing.T) {
	t.Parallel()
	r := &fakeResolver{}
	s := &Sender{SelfIP: selfIP, Resolver: r, MTU: 100}

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	pb := buf.NewTX(len(payload))
	copy(pb.Bytes(), payload)
	s.Out(pb, peerIP, 17)

	if len(r.sent) < 2 {
		t.Fatalf("fragment count = %d, want at least 2", len(r.sent))
	}

	var firstID uint16
	var reassembled []byte
	for i, frag := range r.sent {
		raw := frag.Bytes()
		id := binary.BigEndian.Uint16(raw[4:6])
		if i == 0 {
			firstID = id
		} else if id != firstID {
			t.Fatalf("fragment %d has id %d, want %d (shared across all fragments)", i, id, firstID)
		}
		reassembled = append(reassembled, raw[HeaderLen:]...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatal("reassembled fragment payloads do not match original")
	}

	last := r.sent[len(r.sent)-1].Bytes()
	lastFlags := binary.BigEndian.Uint16(last[6:8])
	if lastFlags&flagMF != 0 {
		t.Fatal("last fragment has MF set")
	}
	first := r.sent[0].Bytes()
	firstFlags := binary.BigEndian.Uint16(first[6:8])
	if firstFlags&flagMF == 0 {
		t.Fatal("first fragment is missing MF")
	}
}
