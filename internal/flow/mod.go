// Package flow defines the flow-modification model exchanged with the
// controller: typed match/action/option triples assembled into RouteMod
// messages.
package flow

import (
	"fmt"
	"net/netip"
)

// ModType describes what the controller should do with a flow rule.
type ModType uint8

const (
	// ModAdd installs a rule.
	ModAdd ModType = iota
	// ModDelete removes a rule.
	ModDelete
	// ModController marks traffic to be punted to the controller.
	ModController
)

func (m ModType) String() string {
	switch m {
	case ModAdd:
		return "ADD"
	case ModDelete:
		return "DELETE"
	case ModController:
		return "CONTROLLER"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(m))
	}
}

// MatchKind tags the field a Match selects on.
type MatchKind uint8

const (
	MatchIPv4 MatchKind = iota
	MatchIPv6
	MatchEthSrc
	MatchEthDst
	MatchEtherType
	MatchNWProto
	MatchTPSrc
	MatchTPDst
	MatchMPLS
)

// Match is a single match field of a flow modification.
//
// Prefix carries the value for MatchIPv4/MatchIPv6, Addr for the Ethernet
// kinds and Value for everything else.
type Match struct {
	Kind   MatchKind `json:"kind"`
	Prefix string    `json:"prefix,omitempty"`
	Addr   MAC       `json:"addr,omitempty"`
	Value  uint32    `json:"value,omitempty"`
}

// MatchIP matches a destination prefix, picking the v4 or v6 kind from the
// address family.
func MatchIP(prefix netip.Prefix) Match {
	kind := MatchIPv4
	if prefix.Addr().Is6() {
		kind = MatchIPv6
	}
	return Match{Kind: kind, Prefix: prefix.String()}
}

// MatchValue matches a scalar field such as EtherType, IP protocol, a
// transport port or an MPLS label.
func MatchValue(kind MatchKind, v uint32) Match {
	return Match{Kind: kind, Value: v}
}

// ActionKind tags the operation an Action performs.
type ActionKind uint8

const (
	ActionSetEthSrc ActionKind = iota
	ActionSetEthDst
	ActionOutput
	ActionPushMPLS
	ActionPopMPLS
	ActionSwapMPLS
)

// Action is a single action of a flow modification.
type Action struct {
	Kind  ActionKind `json:"kind"`
	Addr  MAC        `json:"addr,omitempty"`
	Value uint32     `json:"value,omitempty"`
}

// ActionEth rewrites the Ethernet source or destination address.
func ActionEth(kind ActionKind, addr MAC) Action {
	return Action{Kind: kind, Addr: addr}
}

// ActionValue builds an output-port or MPLS label action.
func ActionValue(kind ActionKind, v uint32) Action {
	return Action{Kind: kind, Value: v}
}

// OptionKind tags a flow modification option.
type OptionKind uint8

const (
	OptionPriority OptionKind = iota
)

// Option is an auxiliary flow modification attribute.
type Option struct {
	Kind  OptionKind `json:"kind"`
	Value uint16     `json:"value"`
}

// RouteMod is a structured directive to add, delete or mark send-to-controller
// a datapath rule. Matches, actions and options keep insertion order.
type RouteMod struct {
	Mod     ModType  `json:"mod"`
	ID      uint64   `json:"id"`
	Matches []Match  `json:"matches,omitempty"`
	Actions []Action `json:"actions,omitempty"`
	Options []Option `json:"options,omitempty"`
}

// NewRouteMod creates a flow modification originating from the agent with
// the given identity.
func NewRouteMod(mod ModType, id uint64) *RouteMod {
	return &RouteMod{Mod: mod, ID: id}
}

func (m *RouteMod) AddMatch(match Match) *RouteMod {
	m.Matches = append(m.Matches, match)
	return m
}

func (m *RouteMod) AddAction(action Action) *RouteMod {
	m.Actions = append(m.Actions, action)
	return m
}

func (m *RouteMod) AddOption(option Option) *RouteMod {
	m.Options = append(m.Options, option)
	return m
}
