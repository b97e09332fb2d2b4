package iface

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/gizmoguy/RouteFlow/internal/flow"
)

// ErrNoPort is returned when no logical port number can be derived for an
// interface name.
var ErrNoPort = errors.New("no port number for interface")

// Config selects which host interfaces become datapath ports.
type Config struct {
	// Patterns are glob patterns of interface names to manage.
	Patterns []string `yaml:"patterns"`
	// Skip is the management interface, never mapped to a port.
	Skip string `yaml:"skip"`
	// PortMap explicitly assigns logical ports to interface names. Names
	// not present here fall back to the digits of the name (see PortNumber).
	PortMap map[string]uint32 `yaml:"port_map"`
}

func DefaultConfig() *Config {
	return &Config{
		Patterns: []string{"eth*"},
		Skip:     "eth0",
	}
}

// Load discovers the managed interfaces via netlink.
//
// Interfaces are matched against the configured glob patterns, the
// management interface is skipped and interfaces without a derivable port
// number are ignored with a log line.
func Load(cfg *Config, log *zap.SugaredLogger) ([]*Interface, error) {
	globs := make([]glob.Glob, 0, len(cfg.Patterns))
	for _, pattern := range cfg.Patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid interface pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}

	ifaces := make([]*Interface, 0, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Name == cfg.Skip || !matchAny(globs, attrs.Name) {
			continue
		}

		hwAddr, err := flow.MACFromHardwareAddr(attrs.HardwareAddr)
		if err != nil {
			log.Warnw("skipping interface", zap.String("name", attrs.Name), zap.Error(err))
			continue
		}

		port, err := PortNumber(cfg.PortMap, attrs.Name)
		if err != nil {
			log.Infow("cannot derive port number, ignoring interface",
				zap.String("name", attrs.Name))
			continue
		}

		addrs, err := interfaceAddrs(link)
		if err != nil {
			return nil, err
		}

		iface := &Interface{
			Name:   attrs.Name,
			Index:  attrs.Index,
			Port:   port,
			HWAddr: hwAddr,
			Addrs:  addrs,
		}
		ifaces = append(ifaces, iface)

		log.Infow("loaded interface",
			zap.String("name", iface.Name),
			zap.Uint32("port", iface.Port),
			zap.Stringer("hwaddr", iface.HWAddr),
		)
		for _, addr := range iface.Addrs {
			log.Infow("interface address",
				zap.String("name", iface.Name),
				zap.Stringer("addr", addr),
			)
		}
	}

	return ifaces, nil
}

func interfaceAddrs(link netlink.Link) ([]netip.Addr, error) {
	addrList, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses of %q: %w", link.Attrs().Name, err)
	}

	addrs := make([]netip.Addr, 0, len(addrList))
	for _, a := range addrList {
		addr, ok := netip.AddrFromSlice(a.IPNet.IP)
		if !ok {
			continue
		}
		// Drop the interface scope and the v4-in-v6 mapping, addresses are
		// used as plain map keys.
		addrs = append(addrs, addr.Unmap().WithZone(""))
	}
	return addrs, nil
}

func matchAny(globs []glob.Glob, name string) bool {
	for _, g := range globs {
		if g.Match(name) {
			return true
		}
	}
	return false
}

// PortNumber resolves the logical port for an interface name, preferring the
// explicit mapping and falling back to the run of digits that starts at the
// first non-zero digit of the name. A name whose only digits are zeros, such
// as eth0, has no port.
func PortNumber(portMap map[string]uint32, name string) (uint32, error) {
	if port, ok := portMap[name]; ok {
		return port, nil
	}

	pos := strings.IndexAny(name, "123456789")
	if pos < 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoPort, name)
	}

	port := uint32(0)
	for _, c := range name[pos:] {
		if c < '0' || c > '9' {
			break
		}
		port = port*10 + uint32(c-'0')
	}
	return port, nil
}
