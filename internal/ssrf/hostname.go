package ssrf

import (
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// Cloud metadata hostnames that must never be fetched, regardless of what
// they resolve to.
var metadataHostnames = map[string]bool{
	"metadata.google.internal":      true,
	"metadata.goog":                 true,
	"instance-data":                 true,
	"instance-data.ec2.internal":    true,
	"metadata.azure.internal":       true,
	"metadata.platformequinix.com":  true,
	"metadata.packet.net":           true,
	"metadata.oraclecloud.com":      true,
	"169.254.169.254.nip.io":        true,
	"metadata.digitalocean.internal": true,
}

// toASCIIHostname converts a possibly-Unicode hostname to its ASCII
// (punycode) form and lowercases it. IDN tricks like Cyrillic homoglyph
// domains collapse to distinct xn-- labels here rather than passing as the
// ASCII domains they imitate.
func toASCIIHostname(host string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(host, "."))
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// detectAlternateIPEncoding reports whether the hostname is an IP address in
// a non-canonical encoding. Attackers use dotted-octal, dotted-hex, raw
// integer, and IPv4-mapped-IPv6 forms to slip private addresses past naive
// string checks; any such form is rejected outright.
func detectAlternateIPEncoding(host string) (string, bool) {
	trimmed := strings.Trim(host, "[]")

	// Canonical IPv4/IPv6 literals are fine (they get classified later);
	// only disguised encodings are flagged here.
	if addr, err := netip.ParseAddr(trimmed); err == nil {
		if addr.Is4In6() {
			return "ipv4-mapped-ipv6", true
		}
		return "", false
	}

	// Raw 32-bit integer, e.g. http://2130706433/
	if n, err := strconv.ParseUint(trimmed, 10, 64); err == nil && n <= 0xFFFFFFFF {
		return "raw-integer", true
	}

	// Hex integer, e.g. http://0x7f000001/
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if _, err := strconv.ParseUint(trimmed[2:], 16, 64); err == nil {
			return "hex-integer", true
		}
	}

	// Dotted forms with octal or hex components, e.g. 0177.0.0.1 or
	// 0x7f.0.0.1, and short dotted forms like 127.1.
	parts := strings.Split(trimmed, ".")
	if len(parts) >= 2 && len(parts) <= 4 {
		numeric := true
		suspicious := len(parts) < 4
		for _, p := range parts {
			if p == "" {
				numeric = false
				break
			}
			if strings.HasPrefix(p, "0x") || strings.HasPrefix(p, "0X") {
				if _, err := strconv.ParseUint(p[2:], 16, 32); err != nil {
					numeric = false
					break
				}
				suspicious = true
			} else if _, err := strconv.ParseUint(p, 10, 32); err != nil {
				numeric = false
				break
			} else if len(p) > 1 && p[0] == '0' {
				// Leading zero means octal interpretation in inet_aton.
				suspicious = true
			} else if v, _ := strconv.ParseUint(p, 10, 64); v > 255 {
				suspicious = true
			}
		}
		if numeric && suspicious {
			return "dotted-alternate", true
		}
	}

	// Embedded IPv4 inside an IPv6 literal, e.g. [::ffff:169.254.169.254]
	if strings.Contains(trimmed, ":") && strings.Contains(trimmed, ".") {
		return "embedded-ipv4", true
	}

	return "", false
}

// isMetadataHostname reports whether the host names a cloud metadata service.
func isMetadataHostname(host string) bool {
	return metadataHostnames[host]
}
