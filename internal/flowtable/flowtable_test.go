package flowtable

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gizmoguy/RouteFlow/internal/flow"
	"github.com/gizmoguy/RouteFlow/internal/iface"
	"github.com/gizmoguy/RouteFlow/internal/ipc"
)

func zapNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

const testCooldown = 25 * time.Millisecond

type recordingTransport struct {
	mu   sync.Mutex
	fail bool
	sent []flow.RouteMod
}

func (m *recordingTransport) Send(channel, to string, msg ipc.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("transport down")
	}
	rm, ok := msg.(*ipc.RouteModMsg)
	if !ok {
		return errors.New("unexpected message type")
	}
	m.sent = append(m.sent, rm.RouteMod)
	return nil
}

func (m *recordingTransport) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

func (m *recordingTransport) mods() []flow.RouteMod {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]flow.RouteMod(nil), m.sent...)
}

func (m *recordingTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type stubHandle struct {
	closed *int
	mu     *sync.Mutex
}

func (m stubHandle) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.closed++
	return nil
}

type stubDialer struct {
	mu     sync.Mutex
	calls  []netip.Addr
	closed int
	err    error
}

func (m *stubDialer) dial(addr netip.Addr) (io.Closer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	m.calls = append(m.calls, addr)
	return stubHandle{closed: &m.closed, mu: &m.mu}, nil
}

func (m *stubDialer) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *stubDialer) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func mustMAC(t *testing.T, v string) flow.MAC {
	mac, err := flow.ParseMAC(v)
	require.NoError(t, err)
	return mac
}

func newTestTable(transport ipc.Transport, dial ndDialer) (*FlowTable, *iface.Interface) {
	ifc := &iface.Interface{
		Name:   "eth1",
		Index:  2,
		Port:   1,
		HWAddr: flow.MAC{0x02, 0, 0, 0, 0, 0x01},
	}
	reg := iface.NewRegistry([]*iface.Interface{ifc})
	ft := New(0xcafe, reg, transport,
		WithCooldown(testCooldown),
		withNDDialer(dial),
	)
	return ft, ifc
}

// startResolver runs the gateway resolver for the duration of the test.
// The returned stop function joins the loop so table state can be read
// without races.
func startResolver(t *testing.T, ft *FlowTable) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ft.Run(ctx)
	}()

	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			cancel()
			<-done
		}
	}
	t.Cleanup(stop)
	return stop
}

func ethDst(rm flow.RouteMod) (flow.MAC, bool) {
	for _, action := range rm.Actions {
		if action.Kind == flow.ActionSetEthDst {
			return action.Addr, true
		}
	}
	return flow.MACNone, false
}

func priority(t *testing.T, rm flow.RouteMod) uint16 {
	for _, option := range rm.Options {
		if option.Kind == flow.OptionPriority {
			return option.Value
		}
	}
	t.Fatal("flow modification without priority")
	return 0
}

func TestHappyPathAdd(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	ft.IngestNeighbor(ifc.Index, gw, mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)

	require.Eventually(t, func() bool { return transport.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	mods := transport.mods()

	// The host rule precedes the route rule.
	require.Equal(t, flow.ModAdd, mods[0].Mod)
	require.Equal(t, flow.Match{Kind: flow.MatchIPv4, Prefix: "10.0.0.1/32"}, mods[0].Matches[0])

	require.Equal(t, flow.ModAdd, mods[1].Mod)
	require.Equal(t, uint64(0xcafe), mods[1].ID)
	require.Equal(t, flow.Match{Kind: flow.MatchIPv4, Prefix: "192.168.1.0/24"}, mods[1].Matches[0])
	dst, ok := ethDst(mods[1])
	require.True(t, ok)
	require.Equal(t, mustMAC(t, "aa:bb:cc:dd:ee:ff"), dst)
	require.Equal(t, flow.PriorityLow+24*flow.PriorityBand, priority(t, mods[1]))

	require.Len(t, ft.routes, 1)
	require.Zero(t, dialer.callCount())
}

func TestDeferredAdd(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.2")
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("10.1.0.0/16"), gw, ifc.Index)

	// Discovery is initiated once; while the gateway stays unresolved the
	// route keeps cycling without emitting anything.
	require.Eventually(t, func() bool { return dialer.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * testCooldown)
	require.Equal(t, 1, dialer.callCount())
	require.Zero(t, transport.count())
	require.True(t, ft.nd.Pending(gw))

	// The neighbor answer releases the discovery handle and unblocks the
	// pending route on its next pop.
	ft.IngestNeighbor(ifc.Index, gw, mustMAC(t, "11:22:33:44:55:66"))
	require.Eventually(t, func() bool { return transport.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ft.pending.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	stop()

	require.False(t, ft.nd.Pending(gw))
	require.Equal(t, 1, dialer.closeCount())
	require.Len(t, ft.routes, 1)
}

func TestDuplicateAddDiscarded(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	ft.IngestNeighbor(ifc.Index, gw, mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)
	require.Eventually(t, func() bool { return transport.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)
	time.Sleep(3 * testCooldown)
	stop()

	require.Equal(t, 2, transport.count())
	require.Len(t, ft.routes, 1)
}

func TestOrphanDeleteDiscarded(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	ft.IngestRoute(flow.ModDelete, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)
	time.Sleep(3 * testCooldown)
	stop()

	require.Zero(t, transport.count())
	require.Empty(t, ft.routes)
}

func TestInactiveInterfaceDropsRoute(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("10.0.0.0/8"), gw, ifc.Index)
	time.Sleep(3 * testCooldown)
	stop()

	// Discovery refuses inactive interfaces and the route is dropped, not
	// recycled.
	require.Zero(t, dialer.callCount())
	require.Zero(t, transport.count())
	require.Empty(t, ft.routes)
	require.Zero(t, ft.pending.Len())
}

func TestEmitFailureRecycles(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	transport.setFail(true)
	ft.IngestNeighbor(ifc.Index, gw, mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)

	time.Sleep(2 * testCooldown)
	require.Zero(t, transport.count())

	transport.setFail(false)
	require.Eventually(t, func() bool { return transport.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	stop()

	require.Len(t, ft.routes, 1)
}

func TestDeleteCommitsAndCarriesNoEthernet(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	ft.IngestNeighbor(ifc.Index, gw, mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)
	require.Eventually(t, func() bool { return transport.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	ft.IngestRoute(flow.ModDelete, netip.MustParsePrefix("192.168.1.0/24"), gw, ifc.Index)
	require.Eventually(t, func() bool { return transport.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	stop()

	del := transport.mods()[2]
	require.Equal(t, flow.ModDelete, del.Mod)
	_, hasEth := ethDst(del)
	require.False(t, hasEth)
	// The output port is present even on DELETE.
	require.Equal(t, flow.Action{Kind: flow.ActionOutput, Value: 1}, del.Actions[0])

	require.Empty(t, ft.routes)
}

func TestDefaultRouteZeroesDestination(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)
	stop := startResolver(t, ft)

	gw := netip.MustParseAddr("10.0.0.1")
	ft.IngestNeighbor(ifc.Index, gw, mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("203.0.113.0/0"), gw, ifc.Index)
	require.Eventually(t, func() bool { return transport.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	stop()

	rm := transport.mods()[1]
	require.Equal(t, flow.Match{Kind: flow.MatchIPv4, Prefix: "0.0.0.0/0"}, rm.Matches[0])
	require.Equal(t, flow.PriorityLow, priority(t, rm))
}

func TestBlankHardwareAddressIgnored(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, ifc := newTestTable(transport, dialer.dial)
	ft.ifaces.Activate(ifc.Port)

	ft.IngestNeighbor(ifc.Index, netip.MustParseAddr("10.0.0.1"), flow.MACNone)

	require.Zero(t, transport.count())
	require.Zero(t, ft.hosts.Len())
}

func TestUnknownInterfaceDropsEvents(t *testing.T) {
	transport := &recordingTransport{}
	dialer := &stubDialer{}
	ft, _ := newTestTable(transport, dialer.dial)

	ft.IngestNeighbor(99, netip.MustParseAddr("10.0.0.1"), mustMAC(t, "aa:bb:cc:dd:ee:ff"))
	ft.IngestRoute(flow.ModAdd, netip.MustParsePrefix("192.168.1.0/24"), netip.MustParseAddr("10.0.0.1"), 99)

	require.Zero(t, transport.count())
	require.Zero(t, ft.hosts.Len())
	require.Zero(t, ft.pending.Len())
}

func TestNDTrackerSingleFlight(t *testing.T) {
	dialer := &stubDialer{}
	nd := newNDTracker(dialer.dial, zapNop())

	addr := netip.MustParseAddr("10.0.0.2")
	require.NoError(t, nd.Start(addr))
	require.NoError(t, nd.Start(addr))
	require.Equal(t, 1, dialer.callCount())
	require.True(t, nd.Pending(addr))

	nd.Stop(addr)
	require.False(t, nd.Pending(addr))
	require.Equal(t, 1, dialer.closeCount())

	// Stopping an absent entry is a no-op.
	nd.Stop(addr)
	require.Equal(t, 1, dialer.closeCount())
}

func TestNDTrackerCloseReleasesAll(t *testing.T) {
	dialer := &stubDialer{}
	nd := newNDTracker(dialer.dial, zapNop())

	require.NoError(t, nd.Start(netip.MustParseAddr("10.0.0.2")))
	require.NoError(t, nd.Start(netip.MustParseAddr("10.0.0.3")))
	nd.Close()

	require.Equal(t, 2, dialer.closeCount())
	require.False(t, nd.Pending(netip.MustParseAddr("10.0.0.2")))
}

func TestNDTrackerDialFailure(t *testing.T) {
	dialer := &stubDialer{err: errors.New("no socket")}
	nd := newNDTracker(dialer.dial, zapNop())

	addr := netip.MustParseAddr("10.0.0.2")
	require.Error(t, nd.Start(addr))
	require.False(t, nd.Pending(addr))
}
