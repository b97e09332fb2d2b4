package kernel

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/flowtable"
)

// RouteSource feeds the flow table with kernel route events from the main
// routing table.
type RouteSource struct {
	ft  *flowtable.FlowTable
	log *zap.SugaredLogger
}

// NewRouteSource creates a route event source.
func NewRouteSource(ft *flowtable.FlowTable, options ...Option) *RouteSource {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &RouteSource{
		ft:  ft,
		log: opts.Log,
	}
}

// Run subscribes to route updates until the context is canceled.
func (m *RouteSource) Run(ctx context.Context) error {
	m.log.Debugf("starting route listener")
	defer m.log.Debugf("stopped route listener")

	txRx := make(chan netlink.RouteUpdate, 1)
	opts := netlink.RouteSubscribeOptions{}
	if err := netlink.RouteSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to route updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			m.processRouteUpdate(update)
		}
	}
}

func (m *RouteSource) processRouteUpdate(update netlink.RouteUpdate) {
	var mod flow.ModType
	switch update.Type {
	case unix.RTM_NEWROUTE:
		mod = flow.ModAdd
	case unix.RTM_DELROUTE:
		mod = flow.ModDelete
	default:
		m.log.Warnf("received unexpected route update type: %d", update.Type)
		return
	}

	route := update.Route
	if route.Table != unix.RT_TABLE_MAIN {
		return
	}

	gw, ifindex := nexthop(route)

	dst, ok := routeDst(route)
	if !ok {
		m.log.Warnf("failed to parse route destination: %v", route.Dst)
		return
	}

	gwAddr := netip.Addr{}
	if len(gw) > 0 {
		addr, ok := netip.AddrFromSlice(gw)
		if !ok {
			m.log.Warnf("failed to parse route gateway: %q", gw)
			return
		}
		gwAddr = addr.Unmap().WithZone("")
	}

	m.log.Debugw("processing route update",
		zap.Stringer("mod", mod),
		zap.Stringer("dst", dst),
		zap.Stringer("gw", gwAddr),
		zap.Int("link_index", ifindex),
	)
	m.ft.IngestRoute(mod, dst, gwAddr, ifindex)
}

// nexthop picks the route's gateway and output interface. Multipath groups
// contribute their first next hop only.
func nexthop(route netlink.Route) (net.IP, int) {
	if len(route.MultiPath) > 0 {
		nh := route.MultiPath[0]
		gw := route.Gw
		if nh.Gw != nil {
			gw = nh.Gw
		}
		return gw, nh.LinkIndex
	}
	return route.Gw, route.LinkIndex
}

func routeDst(route netlink.Route) (netip.Prefix, bool) {
	if route.Dst == nil {
		// Default route.
		zero := netip.IPv4Unspecified()
		if route.Family == unix.AF_INET6 {
			zero = netip.IPv6Unspecified()
		}
		return netip.PrefixFrom(zero, 0), true
	}

	addr, ok := netip.AddrFromSlice(route.Dst.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ones, _ := route.Dst.Mask.Size()
	return netip.PrefixFrom(addr.Unmap().WithZone(""), ones), true
}
