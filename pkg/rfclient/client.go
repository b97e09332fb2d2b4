// Package rfclient wires the agent together: interface discovery, port
// registration, the flow table and its event sources, and the controller's
// port-config callbacks.
package rfclient

import (
	"context"
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gizmoguy/RouteFlow/internal/discovery/fpm"
	"github.com/gizmoguy/RouteFlow/internal/discovery/kernel"
	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/flowtable"
	"github.com/gizmoguy/RouteFlow/internal/iface"
	"github.com/gizmoguy/RouteFlow/internal/ipc"
)

// DefaultInterface is the management interface: it is never mapped to a
// datapath port and its hardware address seeds the default agent identity.
const DefaultInterface = "eth0"

// ErrNoInterfaces is returned when interface discovery yields nothing to
// manage. The process exits non-zero on it.
var ErrNoInterfaces = errors.New("no interfaces discovered")

// RFClient is the per-host agent process.
type RFClient struct {
	id     uint64
	cfg    *Config
	ifaces *iface.Registry
	bus    *ipc.Client
	ft     *flowtable.FlowTable
	log    *zap.SugaredLogger
}

// New discovers the host's interfaces and assembles the agent.
func New(id uint64, cfg *Config, log *zap.SugaredLogger) (*RFClient, error) {
	log.Infof("starting rfclient (id=%016x)", id)

	ifaces, err := iface.Load(cfg.Interfaces, log)
	if err != nil {
		return nil, err
	}
	if len(ifaces) == 0 {
		return nil, ErrNoInterfaces
	}
	log.Infof("loaded %d interfaces", len(ifaces))

	m := &RFClient{
		id:     id,
		cfg:    cfg,
		ifaces: iface.NewRegistry(ifaces),
		log:    log,
	}

	m.bus = ipc.NewClient(
		cfg.Controller,
		fmt.Sprintf("%016x", id),
		ipc.WithLog(log),
		ipc.WithOnConnect(m.registerPorts),
	)
	m.ft = flowtable.New(id, m.ifaces, m.bus,
		flowtable.WithLog(log),
		flowtable.WithCooldown(cfg.Cooldown),
	)
	return m, nil
}

// InterfaceID derives a 64-bit agent identity from the hardware address of
// the named interface.
func InterfaceID(name string) (uint64, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("failed to find interface %q: %w", name, err)
	}

	hwAddr, err := flowMAC(link)
	if err != nil {
		return 0, err
	}
	return hwAddr.Uint64(), nil
}

// Run runs the agent's long-lived tasks until the context is canceled: the
// bus listener, the neighbor and route ingesters and the gateway resolver.
func (m *RFClient) Run(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return m.bus.Run(ctx, m)
	})
	wg.Go(func() error {
		return m.ft.Run(ctx)
	})
	wg.Go(func() error {
		return kernel.NewNeighSource(m.ft, kernel.WithLog(m.log)).Run(ctx)
	})

	switch m.cfg.RouteSource {
	case RouteSourceNetlink:
		m.log.Info("netlink route source enabled")
		wg.Go(func() error {
			return kernel.NewRouteSource(m.ft, kernel.WithLog(m.log)).Run(ctx)
		})
	case RouteSourceFPM:
		m.log.Info("forwarding-plane route feed enabled")
		wg.Go(func() error {
			return fpm.NewServer(m.cfg.FPM, m.ft, fpm.WithLog(m.log)).Run(ctx)
		})
	default:
		return fmt.Errorf("invalid route source %q", m.cfg.RouteSource)
	}

	return wg.Wait()
}

// registerPorts announces every managed port to the controller. Invoked on
// every bus (re)connection so a restarted controller relearns the mapping.
func (m *RFClient) registerPorts() {
	for _, ifc := range m.ifaces.Snapshot() {
		msg := &ipc.PortRegister{ID: m.id, Port: ifc.Port, HWAddr: ifc.HWAddr}
		if err := m.bus.Send(ipc.ChannelClientServer, ipc.ServerID, msg); err != nil {
			m.log.Warnw("failed to register port",
				zap.Uint32("port", ifc.Port), zap.Error(err))
			continue
		}
		m.log.Infow("registering client port", zap.Uint32("port", ifc.Port))
	}
}

// Process dispatches controller-originated bus messages.
func (m *RFClient) Process(from string, msg ipc.Message) bool {
	switch msg := msg.(type) {
	case *ipc.PortConfig:
		return m.processPortConfig(msg)
	case *ipc.NHLFEConfig:
		m.ft.UpdateNHLFE(msg)
		return true
	default:
		return false
	}
}

func (m *RFClient) processPortConfig(msg *ipc.PortConfig) bool {
	switch msg.OperationID {
	case ipc.PortConfigMapRequest:
		m.log.Warnw("received deprecated port-config operation",
			zap.Uint32("vm_port", msg.VMPort))
	case ipc.PortConfigReset:
		m.log.Infow("received port reset", zap.Uint32("vm_port", msg.VMPort))
		if _, ok := m.ifaces.Deactivate(msg.VMPort); !ok {
			m.log.Warnw("port reset for unknown port", zap.Uint32("vm_port", msg.VMPort))
		}
	case ipc.PortConfigMapSuccess:
		m.log.Infow("successfully mapped port", zap.Uint32("vm_port", msg.VMPort))
		ifc, ok := m.ifaces.Activate(msg.VMPort)
		if !ok {
			m.log.Warnw("port map for unknown port", zap.Uint32("vm_port", msg.VMPort))
			return true
		}
		m.sendControllerRouteMods(ifc)
	default:
		m.log.Warnw("received unrecognized port-config operation",
			zap.Uint32("operation", msg.OperationID))
		return false
	}
	return true
}

// sendControllerRouteMods installs the punt-to-controller rule set for a
// freshly mapped port.
func (m *RFClient) sendControllerRouteMods(ifc *iface.Interface) {
	for _, rm := range ControllerRules(m.id, ifc) {
		msg := &ipc.RouteModMsg{RouteMod: *rm}
		if err := m.bus.Send(ipc.ChannelClientServer, ipc.ServerID, msg); err != nil {
			m.log.Warnw("failed to push controller rule",
				zap.Uint32("port", ifc.Port), zap.Error(err))
		}
	}
}

func flowMAC(link netlink.Link) (flow.MAC, error) {
	return flow.MACFromHardwareAddr(link.Attrs().HardwareAddr)
}
