package ipv6

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/ethernet"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

var selfMAC = [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}

func TestEUI64RoundTrip(t *testing.T) {
	t.Parallel()
	id := EUI64(selfMAC)
	mac, ok := macFromEUI64(id)
	if !ok {
		t.Fatal("macFromEUI64 rejected a valid EUI-64")
	}
	if mac != selfMAC {
		t.Fatalf("recovered MAC = %v, want %v", mac, selfMAC)
	}
}

func TestLinkLocalAddrIsFE80(t *testing.T) {
	t.Parallel()
	addr := LinkLocalAddr(selfMAC)
	if addr[0] != 0xFE || addr[1] != 0x80 {
		t.Fatalf("prefix = %02x%02x, want fe80", addr[0], addr[1])
	}
	if ClassifyAddr(addr) != LinkLocal {
		t.Fatalf("ClassifyAddr() = %v, want LinkLocal", ClassifyAddr(addr))
	}
}

func TestDestMACMulticast(t *testing.T) {
	t.Parallel()
	var dst [16]byte
	dst[0] = 0xFF
	dst[1] = 0x02
	dst[12], dst[13], dst[14], dst[15] = 0x00, 0x00, 0x00, 0x01
	mac := DestMAC(dst)
	want := [6]byte{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}
	if mac != want {
		t.Fatalf("DestMAC() = %v, want %v", mac, want)
	}
}

func TestDestMACLinkLocalReconstructsFromEUI64(t *testing.T) {
	t.Parallel()
	dst := LinkLocalAddr(selfMAC)
	if got := DestMAC(dst); got != selfMAC {
		t.Fatalf("DestMAC() = %v, want %v", got, selfMAC)
	}
}

func TestDestMACFallsBackToBroadcast(t *testing.T) {
	t.Parallel()
	var dst [16]byte
	dst[0] = 0x20 // a global unicast address, no on-link route known
	dst[15] = 1
	if got := DestMAC(dst); got != ethernet.Broadcast {
		t.Fatalf("DestMAC() = %v, want broadcast", got)
	}
}

func TestClassifyAddr(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		addr [16]byte
		want AddrType
	}{
		{"unspecified", [16]byte{}, Unspecified},
		{"loopback", [16]byte{15: 1}, Loopback},
		{"multicast", [16]byte{0: 0xFF}, Multicast},
		{"ipv4-mapped", [16]byte{10: 0xFF, 11: 0xFF, 12: 192, 13: 0, 14: 2, 15: 1}, IPv4Mapped},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyAddr(c.addr); got != c.want {
				t.Fatalf("ClassifyAddr(%s) = %v, want %v", c.name, got, c.want)
			}
		})
	}
}

func TestStringCompressesZeroRun(t *testing.T) {
	t.Parallel()
	addr := [16]byte{0x20, 0x01, 0x0D, 0xB8}
	addr[15] = 1
	got := String(addr)
	want := "2001:db8::1"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestStringIPv4Mapped(t *testing.T) {
	t.Parallel()
	addr := [16]byte{10: 0xFF, 11: 0xFF, 12: 192, 13: 0, 14: 2, 15: 1}
	got := String(addr)
	want := "::ffff:192.0.2.1"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func buildHeader(src, dst [16]byte, nextHeader uint8, payload []byte) []byte {
	raw := make([]byte, HeaderLen+len(payload))
	raw[0] = version << 4
	binary.BigEndian.PutUint16(raw[4:6], uint16(len(payload)))
	raw[6] = nextHeader
	raw[7] = DefaultHopLimit
	copy(raw[8:24], src[:])
	copy(raw[24:40], dst[:])
	copy(raw[HeaderLen:], payload)
	return raw
}

func TestInDispatchesICMPv6Directly(t *testing.T) {
	t.Parallel()
	self := LinkLocalAddr(selfMAC)
	peer := LinkLocalAddr([6]byte{0x02, 0, 0, 0, 0, 9})
	reg := protoreg.New[uint8, Handler]()

	var gotSrc [16]byte
	var gotPayload []byte
	onICMPv6 := func(pb *buf.Buffer, src [16]byte) {
		gotSrc = src
		gotPayload = append([]byte(nil), pb.Bytes()...)
	}

	pkt := buildHeader(peer, self, NextHeaderICMPv6, []byte{1, 2, 3})
	In(buf.NewRX(pkt), self, reg, onICMPv6)

	if gotSrc != peer {
		t.Fatalf("src = %v, want %v", gotSrc, peer)
	}
	if !bytes.Equal(gotPayload, []byte{1, 2, 3}) {
		t.Fatalf("payload = %x, want 010203", gotPayload)
	}
}

func TestInDispatchesUDPViaSharedRegistry(t *testing.T) {
	t.Parallel()
	self := LinkLocalAddr(selfMAC)
	peer := LinkLocalAddr([6]byte{0x02, 0, 0, 0, 0, 9})
	reg := protoreg.New[uint8, Handler]()
	called := false
	reg.Register(17, func(pb *buf.Buffer, src []byte) { called = true })

	pkt := buildHeader(peer, self, 17, []byte{1, 2})
	In(buf.NewRX(pkt), self, reg, nil)

	if !called {
		t.Fatal("UDP handler not invoked")
	}
}

func TestInAdmitsMulticastDestination(t *testing.T) {
	t.Parallel()
	self := LinkLocalAddr(selfMAC)
	peer := LinkLocalAddr([6]byte{0x02, 0, 0, 0, 0, 9})
	var mcast [16]byte
	mcast[0] = 0xFF
	mcast[1] = 0x02
	mcast[15] = 1

	reg := protoreg.New[uint8, Handler]()
	called := false
	onICMPv6 := func(*buf.Buffer, [16]byte) { called = true }

	pkt := buildHeader(peer, mcast, NextHeaderICMPv6, []byte{1})
	In(buf.NewRX(pkt), self, reg, onICMPv6)

	if !called {
		t.Fatal("handler not invoked for a multicast destination")
	}
}
