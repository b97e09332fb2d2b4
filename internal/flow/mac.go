package flow

import (
	"encoding/binary"
	"fmt"
	"net"
)

// MAC is an EUI-48 hardware address.
//
// The zero value is MACNone, the "unresolved" sentinel. It is never a valid
// next-hop address in an emitted flow modification.
type MAC [6]byte

// MACNone denotes an unresolved hardware address.
var MACNone = MAC{}

// MACFromHardwareAddr converts a net.HardwareAddr into a MAC.
//
// Addresses that are not EUI-48 are reported as an error, the kernel may
// expose longer link-layer addresses for tunnel devices.
func MACFromHardwareAddr(addr net.HardwareAddr) (MAC, error) {
	if len(addr) != 6 {
		return MACNone, fmt.Errorf("unsupported hardware address %q: must be EUI-48", addr)
	}

	m := MAC{}
	copy(m[:], addr)
	return m, nil
}

// ParseMAC parses a colon-hex hardware address.
func ParseMAC(v string) (MAC, error) {
	addr, err := net.ParseMAC(v)
	if err != nil {
		return MACNone, err
	}

	return MACFromHardwareAddr(addr)
}

// IsNone reports whether this address is the unresolved sentinel.
func (m MAC) IsNone() bool {
	return m == MACNone
}

// Uint64 returns the address interpreted as a big-endian 64-bit integer.
//
// Used to derive the agent identifier from an interface address.
func (m MAC) Uint64() uint64 {
	buf := [8]byte{}
	copy(buf[2:], m[:])
	return binary.BigEndian.Uint64(buf[:])
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}
