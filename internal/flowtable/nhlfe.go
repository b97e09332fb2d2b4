package flowtable

import (
	"go.uber.org/zap"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/ipc"
)

// UpdateNHLFE translates a next-hop label-forwarding entry operation into a
// flow modification matching on the incoming label.
//
// The next hop must already be present in the host table; unresolved next
// hops are dropped, label programs do not go through the pending queue.
func (m *FlowTable) UpdateNHLFE(msg *ipc.NHLFEConfig) {
	var mod flow.ModType
	switch msg.TableOperation {
	case ipc.NHLFEAdd:
		mod = flow.ModAdd
	case ipc.NHLFERemove:
		mod = flow.ModDelete
	default:
		m.log.Warnw("unrecognized NHLFE table operation",
			zap.Uint32("operation", msg.TableOperation))
		return
	}

	// The next-hop IP determines the egress interface.
	he, ok := m.hosts.Lookup(msg.NextHop)
	if !ok {
		m.log.Warnw("failed to locate interface for LSP",
			zap.Stringer("next_hop", msg.NextHop))
		return
	}
	if !he.Iface.Active() {
		m.log.Warnw("cannot program label via inactive interface",
			zap.String("iface", he.Iface.Name))
		return
	}

	rm := flow.NewRouteMod(mod, m.id)
	setEthernet(rm, he.Iface, he.HWAddr)

	// Match on the incoming label only, matching on IP is the domain of the
	// FTN, not the NHLFE.
	rm.AddMatch(flow.MatchValue(flow.MatchMPLS, msg.InLabel))

	switch msg.LabelOperation {
	case ipc.LabelPush:
		rm.AddAction(flow.ActionValue(flow.ActionPushMPLS, msg.OutLabel))
	case ipc.LabelPop:
		rm.AddAction(flow.ActionValue(flow.ActionPopMPLS, 0))
	case ipc.LabelSwap:
		rm.AddAction(flow.ActionValue(flow.ActionSwapMPLS, msg.OutLabel))
	default:
		m.log.Warnw("unrecognized NHLFE label operation",
			zap.Uint32("operation", msg.LabelOperation))
		return
	}

	rm.AddAction(flow.ActionValue(flow.ActionOutput, he.Iface.Port))

	if err := m.transport.Send(ipc.ChannelClientServer, ipc.ServerID, &ipc.RouteModMsg{RouteMod: *rm}); err != nil {
		m.log.Warnw("failed to push label program", zap.Error(err))
	}
}
