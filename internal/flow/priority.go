package flow

import "net/netip"

// Rule priorities are split into two bands. Masked IP rules live in the low
// band, spaced so a longer prefix always beats a shorter one. Punt-to-
// controller rules live in the high band and beat any low-band rule,
// 0x4010 + 128*0x80 = 0x8010 < 0x8020.
const (
	PriorityLowest uint16 = 0
	PriorityLow    uint16 = 0x4010
	PriorityHigh   uint16 = 0x8020
	PriorityBand   uint16 = 0x80
)

// PriorityOf computes the low-band priority for a masked IP match.
func PriorityOf(prefixLen int) uint16 {
	return PriorityLow + uint16(prefixLen)*PriorityBand
}

// HostPrefix returns the full-length prefix for a single host address,
// /32 for IPv4 and /128 for IPv6.
func HostPrefix(addr netip.Addr) netip.Prefix {
	return netip.PrefixFrom(addr, addr.BitLen())
}
