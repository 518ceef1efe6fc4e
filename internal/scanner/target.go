package scanner

import (
	"fmt"
	"net"
	"strings"
)

// ResolveTargets turns a request into the ordered, de-duplicated list of
// addresses to probe: the usable hosts of network first, then the explicit
// hosts. Network and broadcast addresses are dropped except for /31 and /32
// networks. The host cap applies to the de-duplicated list.
func ResolveTargets(network string, hosts []string, maxHosts int) ([]string, error) {
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}

	network = strings.TrimSpace(network)
	if network == "" && len(hosts) == 0 {
		return nil, fmt.Errorf("%w: either network or hosts must be provided", ErrInvalidInput)
	}

	var candidates []string
	if network != "" {
		expanded, err := expandNetwork(network, maxHosts)
		if err != nil {
			return nil, err
		}
		candidates = expanded
	}
	for _, raw := range hosts {
		h := strings.TrimSpace(raw)
		if h == "" {
			continue
		}
		if net.ParseIP(h) == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, h)
		}
		candidates = append(candidates, h)
	}

	targets := dedupe(candidates)
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no targets to scan", ErrInvalidInput)
	}
	if len(targets) > maxHosts {
		return nil, fmt.Errorf("%w: %d targets exceeds the limit of %d", ErrInvalidInput, len(targets), maxHosts)
	}
	return targets, nil
}

// expandNetwork lists the usable hosts of a CIDR block. Host bits set in the
// input are masked off; blocks larger than maxHosts addresses are rejected.
func expandNetwork(cidr string, maxHosts int) ([]string, error) {
	if !strings.Contains(cidr, "/") {
		ip := net.ParseIP(cidr)
		if ip == nil {
			return nil, fmt.Errorf("%w: invalid network %q", ErrInvalidInput, cidr)
		}
		if ip.To4() != nil {
			cidr += "/32"
		} else {
			cidr += "/128"
		}
	}

	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid network %q", ErrInvalidInput, cidr)
	}
	if ip4 := ipNet.IP.To4(); ip4 != nil {
		ipNet.IP = ip4
	}

	ones, bits := ipNet.Mask.Size()
	hostBits := bits - ones
	if hostBits > 30 || 1<<hostBits > maxHosts {
		return nil, fmt.Errorf("%w: network %s is too large (max %d addresses)", ErrInvalidInput, cidr, maxHosts)
	}

	var all []string
	for cur := cloneIP(ipNet.IP); ipNet.Contains(cur); incrementIP(cur) {
		all = append(all, cur.String())
		if len(all) == 1<<hostBits {
			break
		}
	}

	// /31 and /32 (and their IPv6 equivalents) have no network or broadcast address.
	if hostBits <= 1 {
		return all, nil
	}
	return all[1 : len(all)-1], nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func cloneIP(ip net.IP) net.IP {
	dup := make(net.IP, len(ip))
	copy(dup, ip)
	return dup
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
