// Package kernel subscribes to the kernel's neighbor and route tables via
// netlink and feeds the flow table with the resulting events.
package kernel

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/flowtable"
)

// Option is a function that configures a kernel event source.
type Option func(*options)

// WithLog configures the source with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// NeighSource feeds the flow table with kernel neighbor events.
type NeighSource struct {
	ft  *flowtable.FlowTable
	log *zap.SugaredLogger
}

// NewNeighSource creates a neighbor event source.
func NewNeighSource(ft *flowtable.FlowTable, options ...Option) *NeighSource {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &NeighSource{
		ft:  ft,
		log: opts.Log,
	}
}

// Run subscribes to neighbor updates until the context is canceled. Already
// resolved neighbors are swept in once at start.
func (m *NeighSource) Run(ctx context.Context) error {
	m.log.Debugf("starting neighbor listener")
	defer m.log.Debugf("stopped neighbor listener")

	txRx := make(chan netlink.NeighUpdate, 1)
	opts := netlink.NeighSubscribeOptions{}
	if err := netlink.NeighSubscribeWithOptions(txRx, ctx.Done(), opts); err != nil {
		return fmt.Errorf("failed to subscribe to neighbor updates: %w", err)
	}

	if err := m.bootstrap(); err != nil {
		m.log.Warnw("failed to sweep existing neighbors", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-txRx:
			m.processNeighUpdate(update)
		}
	}
}

// bootstrap feeds neighbors the kernel already resolved before the agent
// started.
func (m *NeighSource) bootstrap() error {
	neighs, err := netlink.NeighList(0, 0)
	if err != nil {
		return fmt.Errorf("failed to list neighbors: %w", err)
	}

	for _, neigh := range neighs {
		m.ingest(neigh)
	}
	return nil
}

func (m *NeighSource) processNeighUpdate(update netlink.NeighUpdate) {
	switch update.Type {
	case unix.RTM_NEWNEIGH:
		m.ingest(update.Neigh)
	case unix.RTM_DELNEIGH:
		// Withdrawals are not acted upon; a stale host entry is overwritten
		// by the next announcement.
	default:
		m.log.Warnf("received unexpected neighbor update type: %d", update.Type)
	}
}

func (m *NeighSource) ingest(neigh netlink.Neigh) {
	addr, ok := netip.AddrFromSlice(neigh.IP)
	if !ok {
		m.log.Warnf("failed to parse neighbor IP address: %q", neigh.IP)
		return
	}
	addr = addr.Unmap().WithZone("")

	hwAddr := flow.MACNone
	if len(neigh.HardwareAddr) > 0 {
		var err error
		if hwAddr, err = flow.MACFromHardwareAddr(neigh.HardwareAddr); err != nil {
			m.log.Warnw("skipping neighbor entry", zap.Error(err))
			return
		}
	}

	m.log.Debugw("processing neighbor update",
		zap.Int("link_index", neigh.LinkIndex),
		zap.Stringer("addr", addr),
		zap.Stringer("hwaddr", hwAddr),
	)
	m.ft.IngestNeighbor(neigh.LinkIndex, addr, hwAddr)
}
