// Package stack is the composition root: it owns one of every protocol
// layer, wires them together via the dependency-injected interfaces each
// layer defines (so ipv4 never imports arp or icmp, and ipv6 never
// imports icmpv6), and runs the single poll loop that drives the whole
// stack from one goroutine.
package stack

import (
	"context"
	"fmt"
	"time"

	"github.com/go-netstack/netstackd/internal/arp"
	"github.com/go-netstack/netstackd/internal/buf"
	"github.com/go-netstack/netstackd/internal/config"
	"github.com/go-netstack/netstackd/internal/driver"
	"github.com/go-netstack/netstackd/internal/ethernet"
	"github.com/go-netstack/netstackd/internal/icmp"
	"github.com/go-netstack/netstackd/internal/icmpv6"
	"github.com/go-netstack/netstackd/internal/ipv4"
	"github.com/go-netstack/netstackd/internal/ipv6"
	"github.com/go-netstack/netstackd/internal/netmetrics"
	"github.com/go-netstack/netstackd/internal/protoreg"
	"github.com/go-netstack/netstackd/internal/tcp"
	"github.com/go-netstack/netstackd/internal/udp"
)

// Stack owns one instance of every protocol layer for a single network
// interface identity and drives them from a single poll loop.
type Stack struct {
	Driver driver.Driver

	SelfMAC  [6]byte
	SelfIPv4 [4]byte
	SelfIPv6 [16]byte

	ethReg *protoreg.Registry[uint16, ethernet.Handler]

	ARP  *arp.Handler
	IPv4 *ipv4.Sender
	ICMP *icmp.Handler

	IPv6   *ipv6.Sender
	ICMPv6 *icmpv6.Handler

	UDP *udp.Stack
	TCP *tcp.Stack

	metrics *netmetrics.Collector
}

// New builds a fully wired Stack from cfg, transmitting via drv. metrics
// may be nil, in which case stack activity is not reported to Prometheus.
func New(cfg *config.Config, drv driver.Driver, metrics *netmetrics.Collector) (*Stack, error) {
	mac, err := cfg.Interface.MACBytes()
	if err != nil {
		return nil, fmt.Errorf("build stack: %w", err)
	}
	ipv4Addr, err := cfg.Interface.IPv4Bytes()
	if err != nil {
		return nil, fmt.Errorf("build stack: %w", err)
	}

	s := &Stack{
		Driver:   drv,
		SelfMAC:  mac,
		SelfIPv4: ipv4Addr,
		SelfIPv6: ipv6.LinkLocalAddr(mac),
		ethReg:   protoreg.New[uint16, ethernet.Handler](),
		metrics:  metrics,
	}

	s.ARP = &arp.Handler{
		Table:   arp.NewTable(cfg.ARPTimeout()),
		Pending: arp.NewPending(cfg.ARPMinInterval(), cfg.ARPMinInterval()),
		SelfMAC: mac,
		SelfIP:  ipv4Addr,
		Driver:  drv,
	}
	if metrics != nil {
		s.ARP.OnTableChange = metrics.SetARPTableEntries
		s.ARP.OnPendingChange = metrics.SetARPPendingEntries
	}

	s.IPv4 = &ipv4.Sender{
		SelfIP:   ipv4Addr,
		Resolver: s.ARP,
		MTU:      cfg.Interface.MTU,
	}
	if metrics != nil {
		s.IPv4.OnFragmentSent = metrics.IncFragmentsSent
	}

	s.ICMP = icmp.NewHandler(ipv4Addr, s.IPv4, cfg.EchoRecordTTL())

	s.IPv6 = &ipv6.Sender{
		SelfIP:   s.SelfIPv6,
		Resolver: ipv6ResolverFunc(s.v6Resolve),
	}
	s.ICMPv6 = icmpv6.NewHandler(s.SelfIPv6, mac, s.IPv6, cfg.EchoRecordTTL())

	unreachV4 := s.unreachableV4(s.ICMP.Unreachable)
	unreachV6 := s.unreachableV6(s.ICMPv6.Unreachable)

	s.UDP = udp.NewStack()
	s.UDP.SelfIPv4 = ipv4Addr
	s.UDP.SelfIPv6 = s.SelfIPv6
	s.UDP.SenderV4 = s.IPv4
	s.UDP.SenderV6 = s.IPv6
	s.UDP.UnreachableV4 = unreachV4
	s.UDP.UnreachableV6 = unreachV6

	s.TCP = tcp.NewStack()

	ipv4Reg := protoreg.New[uint8, ipv4.Handler]()
	ipv4Reg.Register(icmp.TypeIPProtocol, s.ICMP.In)
	ipv4Reg.Register(udp.Protocol, s.UDP.In)
	ipv4Reg.Register(tcp.Protocol, s.TCP.In)

	ipv6Reg := protoreg.New[uint8, ipv6.Handler]()
	ipv6Reg.Register(udp.Protocol, func(pb *buf.Buffer, src []byte) { s.UDP.In(pb, src) })
	ipv6Reg.Register(tcp.Protocol, s.TCP.In)

	s.ethReg.Register(ethernet.TypeARP, s.ARP.In)
	s.ethReg.Register(ethernet.TypeIPv4, func(pb *buf.Buffer, src [6]byte) {
		ipv4.In(pb, ipv4Addr, ipv4Reg, unreachV4)
	})
	s.ethReg.Register(ethernet.TypeIPv6, func(pb *buf.Buffer, src [6]byte) {
		ipv6.In(pb, s.SelfIPv6, ipv6Reg, s.ICMPv6.In)
	})

	return s, nil
}

// unreachableV4 wraps h so that every call also reports the code to
// Prometheus, when metrics are configured.
func (s *Stack) unreachableV4(h ipv4.Unreachable) ipv4.Unreachable {
	return func(pb *buf.Buffer, dst [4]byte, code uint8) {
		if s.metrics != nil {
			s.metrics.IncUnreachableSent(code)
		}
		h(pb, dst, code)
	}
}

func (s *Stack) unreachableV6(h ipv6.Unreachable) ipv6.Unreachable {
	return func(pb *buf.Buffer, dst [16]byte, code uint8) {
		if s.metrics != nil {
			s.metrics.IncUnreachableSent(code)
		}
		h(pb, dst, code)
	}
}

// ipv6ResolverFunc adapts a plain function to ipv6.Resolver.
type ipv6ResolverFunc func(pb *buf.Buffer, ip [16]byte)

func (f ipv6ResolverFunc) Resolve(pb *buf.Buffer, ip [16]byte) { f(pb, ip) }

// v6Resolve sends pb to ip over the link layer. There is no IPv6
// neighbor-discovery table kept for the transmit path: the destination
// MAC is always derivable from the address itself (multicast, or a
// link-local address this stack itself assigned via EUI-64), or falls
// back to the Ethernet broadcast placeholder documented on
// ipv6.DestMAC.
func (s *Stack) v6Resolve(pb *buf.Buffer, ip [16]byte) {
	dstMAC := ipv6.DestMAC(ip)
	_ = ethernet.Out(pb, dstMAC, s.SelfMAC, ethernet.TypeIPv6, s.Driver)
}

// Run drives the stack's poll loop: receive a frame, hand it to the
// Ethernet layer, repeat, until ctx is canceled or the driver reports a
// fatal error.
func (s *Stack) Run(ctx context.Context) error {
	frame := make([]byte, driver.MaxFrame)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.Driver.Recv(frame)
		if err != nil {
			return fmt.Errorf("stack: receive frame: %w", err)
		}
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}

		pb := buf.NewRX(frame[:n])
		ethernet.In(pb, s.SelfMAC, s.ethReg)
	}
}

// Probe sends a gratuitous ARP request announcing this stack's IPv4
// address, intended to be called once at startup.
func (s *Stack) Probe() { s.ARP.Probe() }
