// Package iface holds the agent's view of the host's network interfaces and
// their mapping to logical datapath ports.
package iface

import (
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/gizmoguy/RouteFlow/internal/flow"
)

// Interface is a network interface paired with its logical datapath port.
//
// Name, Index, Port, HWAddr and Addrs are fixed at load time. The active
// flag is flipped only in response to controller port-config events.
type Interface struct {
	Name   string
	Index  int
	Port   uint32
	HWAddr flow.MAC
	Addrs  []netip.Addr

	active atomic.Bool
}

// Active reports whether the controller has confirmed the port mapping.
func (m *Interface) Active() bool {
	return m.active.Load()
}

// Registry is a thread-safe mapping from interface name, kernel index and
// logical port to interface records.
//
// It is populated once at startup; afterwards the only mutation is the
// per-interface active flag. The lock is never held across IPC sends.
type Registry struct {
	mu      sync.Mutex
	byName  map[string]*Interface
	byIndex map[int]*Interface
	byPort  map[uint32]*Interface
}

// NewRegistry builds a registry over the loaded interfaces.
func NewRegistry(ifaces []*Interface) *Registry {
	m := &Registry{
		byName:  make(map[string]*Interface, len(ifaces)),
		byIndex: make(map[int]*Interface, len(ifaces)),
		byPort:  make(map[uint32]*Interface, len(ifaces)),
	}
	for _, iface := range ifaces {
		m.byName[iface.Name] = iface
		m.byIndex[iface.Index] = iface
		m.byPort[iface.Port] = iface
	}
	return m
}

// Find looks up an interface by name.
func (m *Registry) Find(name string) (*Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, ok := m.byName[name]
	return iface, ok
}

// FindIndex looks up an interface by kernel interface index.
func (m *Registry) FindIndex(index int) (*Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, ok := m.byIndex[index]
	return iface, ok
}

// FindPort looks up an interface by logical port.
func (m *Registry) FindPort(port uint32) (*Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, ok := m.byPort[port]
	return iface, ok
}

// Activate marks the interface behind the given port active.
func (m *Registry) Activate(port uint32) (*Interface, bool) {
	return m.setActive(port, true)
}

// Deactivate marks the interface behind the given port inactive.
func (m *Registry) Deactivate(port uint32) (*Interface, bool) {
	return m.setActive(port, false)
}

func (m *Registry) setActive(port uint32, active bool) (*Interface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	iface, ok := m.byPort[port]
	if !ok {
		return nil, false
	}
	iface.active.Store(active)
	return iface, true
}

// Snapshot returns the registered interfaces. Used to send port
// registration messages on every bus connection.
func (m *Registry) Snapshot() []*Interface {
	m.mu.Lock()
	defer m.mu.Unlock()

	ifaces := make([]*Interface, 0, len(m.byName))
	for _, iface := range m.byName {
		ifaces = append(ifaces, iface)
	}
	return ifaces
}

// Len returns the number of registered interfaces.
func (m *Registry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.byName)
}
