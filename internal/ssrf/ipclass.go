package ssrf

import "net/netip"

// Non-public ranges beyond what the netip predicates cover directly.
var (
	cgnatRange     = netip.MustParsePrefix("100.64.0.0/10")
	benchmarkRange = netip.MustParsePrefix("198.18.0.0/15")
	docRanges      = []netip.Prefix{
		netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
		netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
		netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
		netip.MustParsePrefix("2001:db8::/32"),
	}
	reservedRanges = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("240.0.0.0/4"),
		netip.MustParsePrefix("192.0.0.0/24"), // IETF protocol assignments
	}
	metadataAddr = netip.MustParseAddr("169.254.169.254")
	broadcast4   = netip.MustParseAddr("255.255.255.255")
)

// ClassifyIP maps an address to a denial reason, or "" when the address is
// public. IPv4-mapped IPv6 addresses are unmapped first so ::ffff:10.0.0.1
// classifies as the private IPv4 address it carries.
func ClassifyIP(addr netip.Addr) string {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}

	switch {
	case addr == metadataAddr:
		return ReasonMetadataIP
	case addr.IsLoopback():
		return ReasonLoopbackIP
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return ReasonLinkLocalIP
	case addr.IsMulticast():
		return ReasonMulticastIP
	case addr == broadcast4:
		return ReasonBroadcastIP
	case addr.IsPrivate():
		return ReasonPrivateIP
	case cgnatRange.Contains(addr):
		return ReasonCGNATIP
	case benchmarkRange.Contains(addr):
		return ReasonReservedIP
	case addr.IsUnspecified():
		return ReasonReservedIP
	}

	for _, p := range docRanges {
		if p.Contains(addr) {
			return ReasonDocumentationIP
		}
	}
	for _, p := range reservedRanges {
		if p.Contains(addr) {
			return ReasonReservedIP
		}
	}

	// Unique-local IPv6 (fc00::/7) is the v6 analog of RFC1918.
	if addr.Is6() {
		b := addr.As16()
		if b[0]&0xfe == 0xfc {
			return ReasonPrivateIP
		}
	}

	return ""
}
