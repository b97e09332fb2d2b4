package rfclient

import (
	"net/netip"

	"github.com/gopacket/gopacket/layers"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/iface"
)

// TPortBGP is the BGP transport port.
const TPortBGP = 179

// ControllerRules builds the punt-to-controller rule set for a mapped port:
// per interface address one ICMP (or ICMPv6) rule and a pair of BGP rules,
// plus for IPv6 a broad ICMPv6 catch-all just above the low band so
// neighbor solicitations reach the routing stack.
func ControllerRules(id uint64, ifc *iface.Interface) []*flow.RouteMod {
	rules := make([]*flow.RouteMod, 0, 4*len(ifc.Addrs))
	for _, addr := range ifc.Addrs {
		if addr.Is4() {
			rm := controllerRouteMod(id, ifc.Port, addr)
			rm.AddMatch(flow.MatchValue(flow.MatchNWProto, uint32(layers.IPProtocolICMPv4)))
			rules = append(rules, rm)
		} else {
			rm := controllerRouteMod(id, ifc.Port, addr)
			rm.AddMatch(flow.MatchValue(flow.MatchNWProto, uint32(layers.IPProtocolICMPv6)))
			rules = append(rules, rm)

			rm = flow.NewRouteMod(flow.ModController, id)
			rm.AddAction(flow.ActionValue(flow.ActionOutput, ifc.Port))
			rm.AddMatch(flow.MatchValue(flow.MatchEtherType, uint32(layers.EthernetTypeIPv6)))
			rm.AddMatch(flow.MatchValue(flow.MatchNWProto, uint32(layers.IPProtocolICMPv6)))
			rm.AddOption(flow.Option{Kind: flow.OptionPriority, Value: flow.PriorityLow + 1})
			rules = append(rules, rm)
		}

		rm := controllerRouteMod(id, ifc.Port, addr)
		rm.AddMatch(flow.MatchValue(flow.MatchNWProto, uint32(layers.IPProtocolTCP)))
		rm.AddMatch(flow.MatchValue(flow.MatchTPSrc, TPortBGP))
		rules = append(rules, rm)

		rm = controllerRouteMod(id, ifc.Port, addr)
		rm.AddMatch(flow.MatchValue(flow.MatchNWProto, uint32(layers.IPProtocolTCP)))
		rm.AddMatch(flow.MatchValue(flow.MatchTPDst, TPortBGP))
		rules = append(rules, rm)
	}
	return rules
}

func controllerRouteMod(id uint64, port uint32, addr netip.Addr) *flow.RouteMod {
	rm := flow.NewRouteMod(flow.ModController, id)
	rm.AddMatch(flow.MatchIP(flow.HostPrefix(addr)))
	rm.AddAction(flow.ActionValue(flow.ActionOutput, port))
	rm.AddOption(flow.Option{Kind: flow.OptionPriority, Value: flow.PriorityHigh})
	return rm
}
