// Package fpm accepts a streaming route feed from a routing daemon's
// forwarding-plane export and translates it into the same route events the
// kernel listener produces.
package fpm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/netip"

	"github.com/gizmoguy/RouteFlow/internal/flow"
)

// ErrUnsupportedOp is returned for update records whose operation the agent
// does not handle. The stream remains usable.
var ErrUnsupportedOp = errors.New("unsupported route operation")

// Update record layout, after the little-endian uint32 chunk size:
//
//	op        u8   0 = add, 1 = delete
//	family    u8   4 or 6
//	prefixLen u8
//	ifindex   u32  little-endian
//	dst       4 or 16 bytes
//	gw        4 or 16 bytes
const (
	opAdd    = 0
	opDelete = 1

	headerSize = 7
)

// RouteUpdate is one decoded feed record.
type RouteUpdate struct {
	Mod     flow.ModType
	Dst     netip.Prefix
	Gw      netip.Addr
	IfIndex int
}

type Parser struct {
	reader io.Reader
	buf    []byte
}

func NewParser(r io.Reader, bufSize int) *Parser {
	return &Parser{
		reader: r,
		buf:    make([]byte, bufSize),
	}
}

func (m *Parser) readChunk(size int) error {
	if size > len(m.buf) {
		return fmt.Errorf("buffer too small: want %d > bufsize %d", size, len(m.buf))
	}
	_, err := io.ReadFull(m.reader, m.buf[:size])
	return err
}

// Next reads and decodes the next update record, blocking until one is
// available.
func (m *Parser) Next() (RouteUpdate, error) {
	if err := m.readChunk(4); err != nil {
		return RouteUpdate{}, err
	}
	chunkSize := binary.LittleEndian.Uint32(m.buf[:4])
	if chunkSize < headerSize {
		return RouteUpdate{}, fmt.Errorf("too small chunk: %d", chunkSize)
	}

	if err := m.readChunk(int(chunkSize)); err != nil {
		return RouteUpdate{}, fmt.Errorf("failed to read %d byte chunk: %w", chunkSize, err)
	}
	return decodeUpdate(m.buf[:chunkSize])
}

func decodeUpdate(buf []byte) (RouteUpdate, error) {
	op, family, prefixLen := buf[0], buf[1], buf[2]
	ifindex := binary.LittleEndian.Uint32(buf[3:7])

	update := RouteUpdate{IfIndex: int(ifindex)}
	switch op {
	case opAdd:
		update.Mod = flow.ModAdd
	case opDelete:
		update.Mod = flow.ModDelete
	default:
		return RouteUpdate{}, fmt.Errorf("%w: %d", ErrUnsupportedOp, op)
	}

	addrLen := 0
	switch family {
	case 4:
		addrLen = 4
	case 6:
		addrLen = 16
	default:
		return RouteUpdate{}, fmt.Errorf("unrecognized address family: %d", family)
	}
	if len(buf) != headerSize+2*addrLen {
		return RouteUpdate{}, fmt.Errorf("malformed update record: %d bytes", len(buf))
	}
	if int(prefixLen) > addrLen*8 {
		return RouteUpdate{}, fmt.Errorf("invalid prefix length: %d", prefixLen)
	}

	dst, _ := netip.AddrFromSlice(buf[headerSize : headerSize+addrLen])
	gw, _ := netip.AddrFromSlice(buf[headerSize+addrLen : headerSize+2*addrLen])

	update.Dst = netip.PrefixFrom(dst, int(prefixLen))
	if !gw.IsUnspecified() {
		update.Gw = gw
	}
	return update, nil
}
