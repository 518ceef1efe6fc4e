package scanner

import (
	"regexp"
	"strings"
)

// raspberryPiOUIs are the MAC prefixes registered to the Raspberry Pi Foundation
// and Raspberry Pi Trading.
var raspberryPiOUIs = map[string]struct{}{
	"28:CD:C1": {},
	"B8:27:EB": {},
	"DC:A6:32": {},
	"E4:5F:01": {},
	"D8:3A:DD": {},
	"2C:CF:67": {},
	"88:A2:9E": {},
}

// SSHFingerprint is what an SSH identification string reveals about a host.
type SSHFingerprint struct {
	Protocol string
	Software string
	Comment  string
}

var sshBannerPattern = regexp.MustCompile(`^SSH-(\d+\.\d+)-(\S+)(?:\s+(.*))?$`)

// ParseSSHBanner splits an SSH identification line into its parts.
func ParseSSHBanner(banner string) (SSHFingerprint, bool) {
	m := sshBannerPattern.FindStringSubmatch(strings.TrimSpace(banner))
	if m == nil {
		return SSHFingerprint{}, false
	}
	return SSHFingerprint{Protocol: m[1], Software: m[2], Comment: m[3]}, true
}

// IsRaspberryPiBanner reports whether an SSH banner names a Raspberry Pi OS build.
func IsRaspberryPiBanner(banner string) bool {
	return strings.Contains(strings.ToLower(banner), "raspbian")
}

// IsRaspberryPiHostname reports whether a reverse-DNS name looks like a Pi.
func IsRaspberryPiHostname(hostname string) bool {
	return strings.Contains(strings.ToLower(hostname), "raspberry")
}

// IsRaspberryPiMAC reports whether mac carries a Raspberry Pi OUI. Either
// colon or dash separators are accepted, in any case.
func IsRaspberryPiMAC(mac string) bool {
	norm := NormalizeMAC(mac)
	if len(norm) < 8 {
		return false
	}
	_, ok := raspberryPiOUIs[norm[:8]]
	return ok
}

// NormalizeMAC rewrites a MAC address as upper-case, colon separated octets,
// padding single-digit octets as printed by BSD arp.
func NormalizeMAC(mac string) string {
	parts := strings.FieldsFunc(strings.TrimSpace(mac), func(r rune) bool {
		return r == ':' || r == '-'
	})
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
		}
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}
