// Package flowtable implements the route-installation pipeline: it ingests
// kernel route and neighbor events, correlates routes with next-hop hardware
// addresses, provokes the kernel resolver for unresolved gateways and emits
// flow modifications to the controller.
package flowtable

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"go.uber.org/zap"

	"github.com/gizmoguy/RouteFlow/internal/discovery"
	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/iface"
	"github.com/gizmoguy/RouteFlow/internal/ipc"
)

// DefaultCooldown is the minimum delay between successive attempts on the
// same pending route.
const DefaultCooldown = 5 * time.Second

// Option is a function that configures the flow table.
type Option func(*options)

// WithLog configures the flow table with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithCooldown configures the retry cool-down for pending routes.
func WithCooldown(cooldown time.Duration) Option {
	return func(o *options) {
		o.Cooldown = cooldown
	}
}

func withNDDialer(dial ndDialer) Option {
	return func(o *options) {
		o.NDDialer = dial
	}
}

type options struct {
	Cooldown time.Duration
	NDDialer ndDialer
	Log      *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Cooldown: DefaultCooldown,
		Log:      zap.NewNop().Sugar(),
	}
}

// FlowTable mirrors the kernel's forwarding and neighbor tables into
// controller flow modifications.
//
// The route table has a single writer, the resolver loop. The host table
// and the pending-neighbors map are internally synchronized.
type FlowTable struct {
	id        uint64
	ifaces    *iface.Registry
	transport ipc.Transport

	hosts   *discovery.Cache[netip.Addr, HostEntry]
	routes  map[string]RouteEntry
	pending *Queue
	nd      *ndTracker

	cooldown time.Duration
	log      *zap.SugaredLogger
}

// New creates a flow table emitting messages with the given agent identity.
func New(id uint64, ifaces *iface.Registry, transport ipc.Transport, options ...Option) *FlowTable {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &FlowTable{
		id:        id,
		ifaces:    ifaces,
		transport: transport,
		hosts:     discovery.NewEmptyCache[netip.Addr, HostEntry](),
		routes:    map[string]RouteEntry{},
		pending:   NewQueue(),
		nd:        newNDTracker(opts.NDDialer, opts.Log),
		cooldown:  opts.Cooldown,
		log:       opts.Log,
	}
}

// IngestNeighbor processes a new-neighbor event from any source.
//
// The host flow modification is emitted before the host-table insert so a
// concurrent resolver attempt never observes the hardware address ahead of
// the host rule.
func (m *FlowTable) IngestNeighbor(ifindex int, addr netip.Addr, hwAddr flow.MAC) {
	via, ok := m.ifaces.FindIndex(ifindex)
	if !ok {
		m.log.Warnw("unknown interface, dropping neighbor entry",
			zap.Int("ifindex", ifindex), zap.Stringer("addr", addr))
		return
	}
	if hwAddr.IsNone() {
		m.log.Infow("neighbor entry with blank hardware address, ignoring",
			zap.Stringer("addr", addr))
		return
	}

	he := HostEntry{Addr: addr, HWAddr: hwAddr, Iface: via}
	m.log.Infow("new neighbor",
		zap.Stringer("addr", addr),
		zap.Stringer("hwaddr", hwAddr),
		zap.String("iface", via.Name),
	)

	if err := m.sendHostMod(he); err != nil {
		m.log.Warnw("failed to push host rule", zap.Stringer("addr", addr), zap.Error(err))
	}
	m.hosts.Insert(addr, he)

	// An answered neighbor releases its pending discovery resource.
	m.nd.Stop(addr)
}

// IngestRoute processes a route event from any source, queueing it for the
// resolver.
func (m *FlowTable) IngestRoute(mod flow.ModType, dst netip.Prefix, gw netip.Addr, ifindex int) {
	via, ok := m.ifaces.FindIndex(ifindex)
	if !ok {
		m.log.Warnw("unknown interface, dropping route entry",
			zap.Int("ifindex", ifindex), zap.Stringer("dst", dst))
		return
	}

	if dst.Bits() == 0 {
		// Default route. Zero the address.
		zero := netip.IPv4Unspecified()
		if dst.Addr().Is6() {
			zero = netip.IPv6Unspecified()
		}
		dst = netip.PrefixFrom(zero, 0)
	}

	re := RouteEntry{Prefix: dst.Masked(), Gateway: gw, Iface: via}
	m.log.Infow("queueing route",
		zap.Stringer("mod", mod),
		zap.Stringer("dst", re.Prefix),
		zap.Stringer("gw", gw),
		zap.String("iface", via.Name),
	)
	m.pending.Push(PendingRoute{Type: mod, Entry: re, NotBefore: time.Now()})
}

// FindHost returns the hardware address of the host, or MACNone when it is
// unresolved. Neighbor discovery is not performed here.
func (m *FlowTable) FindHost(addr netip.Addr) flow.MAC {
	he, ok := m.hosts.Lookup(addr)
	if !ok {
		return flow.MACNone
	}
	return he.HWAddr
}

// Run consumes the pending-route queue until the context is canceled. It is
// the sole writer of the route table.
func (m *FlowTable) Run(ctx context.Context) error {
	m.log.Debugf("starting gateway resolver")
	defer m.log.Debugf("stopped gateway resolver")
	defer m.nd.Close()

	for {
		pr, err := m.pending.Pop(ctx)
		if err != nil {
			return err
		}
		if n := m.pending.Len(); n > 0 {
			m.log.Infof("%d routes pending", n)
		}

		// If the head is in no hurry to be resolved, sleep until it is
		// ready.
		if d := time.Until(pr.NotBefore); d > 0 {
			m.log.Debugf("resolver sleeping for %s", d)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
		pr.NotBefore = time.Now().Add(m.cooldown)

		m.process(pr)
	}
}

func (m *FlowTable) process(pr PendingRoute) {
	key := pr.Entry.Key()
	_, exists := m.routes[key]

	if exists && pr.Type == flow.ModAdd {
		m.log.Infow("duplicate route add, discarding", zap.String("route", key))
		return
	}
	if !exists && pr.Type == flow.ModDelete {
		m.log.Infow("removal of unknown route, discarding", zap.String("route", key))
		return
	}

	if pr.Type != flow.ModDelete && m.FindHost(pr.Entry.Gateway).IsNone() {
		// The gateway is unresolved. Ask the kernel to resolve it and try
		// again after the cool-down. Routes with unresolvable gateways keep
		// cycling through the queue. A withdrawal of such a route does not
		// stop the cycle: the route was never installed, so its DELETE is
		// discarded as unknown.
		if err := m.resolveGateway(pr.Entry.Gateway, pr.Entry.Iface); err != nil {
			m.log.Warnw("cannot resolve gateway, dropping route",
				zap.String("route", key), zap.Error(err))
			return
		}
		m.pending.Push(pr)
		return
	}

	if err := m.sendRouteMod(pr.Type, pr.Entry); err != nil {
		m.log.Warnw("failed to push route, re-enqueueing",
			zap.String("route", key), zap.Error(err))
		m.pending.Push(pr)
		return
	}

	switch pr.Type {
	case flow.ModAdd:
		m.routes[key] = pr.Entry
	case flow.ModDelete:
		delete(m.routes, key)
	}
}

// resolveGateway initiates the gateway resolution process.
func (m *FlowTable) resolveGateway(gw netip.Addr, via *iface.Interface) error {
	if !via.Active() {
		return fmt.Errorf("interface %q is not active", via.Name)
	}
	return m.nd.Start(gw)
}

func (m *FlowTable) sendHostMod(he HostEntry) error {
	return m.sendToHw(flow.ModAdd, flow.HostPrefix(he.Addr), he.Iface, he.HWAddr)
}

func (m *FlowTable) sendRouteMod(mod flow.ModType, re RouteEntry) error {
	switch mod {
	case flow.ModDelete:
		return m.sendToHw(mod, re.Prefix, re.Iface, flow.MACNone)
	case flow.ModAdd:
		hwAddr := m.FindHost(re.Gateway)
		if hwAddr.IsNone() {
			return fmt.Errorf("gateway %s is unresolved", re.Gateway)
		}
		return m.sendToHw(mod, re.Prefix, re.Iface, hwAddr)
	default:
		return fmt.Errorf("unhandled flow modification type %s", mod)
	}
}

func (m *FlowTable) sendToHw(mod flow.ModType, dst netip.Prefix, via *iface.Interface, nextHop flow.MAC) error {
	if !via.Active() {
		return fmt.Errorf("cannot send flow modification for down port %d", via.Port)
	}

	rm := flow.NewRouteMod(mod, m.id)
	setEthernet(rm, via, nextHop)
	rm.AddMatch(flow.MatchIP(dst))
	rm.AddOption(flow.Option{Kind: flow.OptionPriority, Value: flow.PriorityOf(dst.Bits())})

	// Add the output port even on DELETE, the controller needs it to route
	// the message to the correct datapath.
	rm.AddAction(flow.ActionValue(flow.ActionOutput, via.Port))

	m.log.Infow("sending flow modification",
		zap.Stringer("mod", mod),
		zap.Stringer("dst", dst),
		zap.Stringer("next_hop", nextHop),
		zap.Uint32("port", via.Port),
	)
	return m.transport.Send(ipc.ChannelClientServer, ipc.ServerID, &ipc.RouteModMsg{RouteMod: *rm})
}

// setEthernet adds the Ethernet rewrite actions. Deletions carry none, the
// controller identifies the rule by destination, mask and port.
func setEthernet(rm *flow.RouteMod, via *iface.Interface, nextHop flow.MAC) {
	if rm.Mod != flow.ModDelete {
		rm.AddAction(flow.ActionEth(flow.ActionSetEthSrc, via.HWAddr))
		rm.AddAction(flow.ActionEth(flow.ActionSetEthDst, nextHop))
	}
}
