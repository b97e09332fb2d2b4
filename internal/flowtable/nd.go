package flowtable

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrNDUnsupported is returned for addresses the trigger cannot provoke
// resolution for. IPv6 needs an ICMPv6 probe this mechanism does not send.
var ErrNDUnsupported = errors.New("neighbor discovery not supported for address")

// ndDialer provokes the kernel into resolving the given address and returns
// a handle that keeps the attempt alive until closed. Replaced in tests.
type ndDialer func(addr netip.Addr) (io.Closer, error)

// ndSocket owns the socket backing one resolution attempt.
type ndSocket struct {
	fd int
}

func (m *ndSocket) Close() error {
	return unix.Close(m.fd)
}

// initiateND opens a non-blocking TCP socket and starts a connect toward
// the address. The connect is not expected to complete, its only purpose is
// to make the kernel ARP for the address.
func initiateND(addr netip.Addr) (io.Closer, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("%w: %s", ErrNDUnsupported, addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	sa := &unix.SockaddrInet4{Addr: addr.As4()}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &ndSocket{fd: fd}, nil
}

// ndTracker tracks outstanding kernel-resolver provocations, at most one
// per address. The held handle is closed when the neighbor answers or on
// shutdown.
type ndTracker struct {
	mu      sync.Mutex
	pending map[netip.Addr]io.Closer
	dial    ndDialer
	log     *zap.SugaredLogger
}

func newNDTracker(dial ndDialer, log *zap.SugaredLogger) *ndTracker {
	if dial == nil {
		dial = initiateND
	}
	return &ndTracker{
		pending: map[netip.Addr]io.Closer{},
		dial:    dial,
		log:     log,
	}
}

// Start begins neighbor discovery for the address. A discovery already in
// flight is success with no side effect.
func (m *ndTracker) Start(addr netip.Addr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[addr]; ok {
		m.log.Infow("already doing neighbor discovery", zap.Stringer("addr", addr))
		return nil
	}

	m.log.Infow("starting neighbor discovery", zap.Stringer("addr", addr))
	handle, err := m.dial(addr)
	if err != nil {
		return err
	}
	m.pending[addr] = handle
	return nil
}

// Stop releases the discovery resource for the address, if any.
func (m *ndTracker) Stop(addr netip.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	handle, ok := m.pending[addr]
	if !ok {
		return
	}
	if err := handle.Close(); err != nil {
		m.log.Warnw("failed to close neighbor discovery socket",
			zap.Stringer("addr", addr), zap.Error(err))
	}
	delete(m.pending, addr)
}

// Close releases every outstanding discovery resource.
func (m *ndTracker) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for addr, handle := range m.pending {
		if err := handle.Close(); err != nil {
			m.log.Warnw("failed to close neighbor discovery socket",
				zap.Stringer("addr", addr), zap.Error(err))
		}
		delete(m.pending, addr)
	}
}

// Pending reports whether a discovery is in flight for the address.
func (m *ndTracker) Pending(addr netip.Addr) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.pending[addr]
	return ok
}
