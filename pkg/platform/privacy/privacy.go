// Package privacy reduces personal data before it reaches logs.
package privacy

import (
	"net/netip"
)

// AnonymizeIP truncates an address to its /24 (IPv4) or /48 (IPv6) network
// so logs can be correlated by network without identifying a host.
// Unparseable input is returned as "invalid".
func AnonymizeIP(ip string) string {
	if ip == "" {
		return ""
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "invalid"
	}
	addr = addr.Unmap()
	bits := 24
	if addr.Is6() {
		bits = 48
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return "invalid"
	}
	return prefix.String()
}
