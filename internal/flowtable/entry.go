package flowtable

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/iface"
)

// HostEntry is a resolved neighbor: an IP address, its hardware address and
// the interface it was observed on.
type HostEntry struct {
	Addr   netip.Addr
	HWAddr flow.MAC
	Iface  *iface.Interface
}

// RouteEntry is a kernel route the agent mirrors into the datapath.
type RouteEntry struct {
	// Prefix is the destination. A default route carries the all-zeros
	// address with a zero prefix length.
	Prefix  netip.Prefix
	Gateway netip.Addr
	Iface   *iface.Interface
}

// Key is the canonical route-table key combining destination, gateway and
// output interface.
func (m RouteEntry) Key() string {
	return fmt.Sprintf("%s via %s dev %s", m.Prefix, m.Gateway, m.Iface.Name)
}

// PendingRoute is a route event waiting for installation.
type PendingRoute struct {
	Type  flow.ModType
	Entry RouteEntry
	// NotBefore bounds how soon the resolver may act on this route.
	NotBefore time.Time
}
