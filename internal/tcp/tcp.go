// Package tcp is the registered-protocol collaborator the core dispatches
// to by destination port: stream reassembly, connection state, and
// congestion control all belong to whatever registers a handler here, not
// to this package. It exists so the core can expose tcp_open/tcp_close to
// an external consumer (an FTP control-path session, for example) without
// the core itself growing a TCP state machine.
package tcp

import (
	"encoding/binary"

	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/protoreg"
)

// HeaderLen is the fixed portion of a TCP header, before options. This
// package never parses past the port fields: everything else in the
// header is the registered handler's concern.
const HeaderLen = 20

// Protocol is the IP protocol / next-header number for TCP.
const Protocol uint8 = 6

// Handler receives one TCP segment, undecoded beyond the destination-port
// lookup that dispatched it here. src is the sender's network-layer
// address, 4 or 16 bytes depending on IP version.
type Handler func(segment []byte, src []byte, srcPort uint16)

// Stack is the core's tcp_open/tcp_close collaborator: a port table with
// no connection tracking of its own.
type Stack struct {
	ports *protoreg.Registry[uint16, Handler]
}

// NewStack constructs a tcp.Stack with an empty port table.
func NewStack() *Stack {
	return &Stack{ports: protoreg.New[uint16, Handler]()}
}

// Open is the core's tcp_open(port, handler) hook: h receives every
// segment addressed to port from then on.
func (s *Stack) Open(port uint16, h Handler) { s.ports.Register(port, h) }

// Close is the core's tcp_close(port) hook.
func (s *Stack) Close(port uint16) { s.ports.Unregister(port) }

// In dispatches a TCP segment by destination port. Unlike udp.Stack.In,
// an unclaimed port is silently dropped rather than answered with an
// unreachable message: a real TCP stack would reply RST, which needs
// connection state this package deliberately does not keep.
func (s *Stack) In(pb *buf.Buffer, src []byte) {
	if pb.Len() < HeaderLen {
		return
	}
	raw := pb.Bytes()
	srcPort := binary.BigEndian.Uint16(raw[0:2])
	dstPort := binary.BigEndian.Uint16(raw[2:4])

	h, ok := s.ports.Lookup(dstPort)
	if !ok {
		return
	}
	h(raw, src, srcPort)
}
