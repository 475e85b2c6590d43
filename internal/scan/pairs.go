package scan

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"proxy_machine/proxypool/model"
)

// subnetOf returns the /24 prefix ("a.b.c") and port of an IPv4 host:port.
// Hostnames and IPv6 addresses are not scanned.
func subnetOf(addr string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	ip, err := netip.ParseAddr(host)
	if err != nil || !ip.Is4() {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return subnetKey(ip.As4()), port, true
}

func subnetKey(b [4]byte) string {
	return fmt.Sprintf("%d.%d.%d", b[0], b[1], b[2])
}

// DerivePairs crosses every /24 seen among addrs with every port seen among
// addrs. Live proxies tend to cluster, so a port open on one host of a range
// is worth trying on the rest of it.
func DerivePairs(addrs []string) []model.ScanPair {
	subnets := make(map[string]struct{})
	ports := make(map[int]struct{})
	for _, a := range addrs {
		subnet, port, ok := subnetOf(a)
		if !ok {
			continue
		}
		subnets[subnet] = struct{}{}
		ports[port] = struct{}{}
	}
	return cross(keys(subnets), portKeys(ports))
}

// ConfiguredPairs crosses explicit /24 subnets with explicit ports.
func ConfiguredPairs(subnets []string, ports []int) []model.ScanPair {
	valid := make([]int, 0, len(ports))
	for _, p := range ports {
		if p > 0 && p <= 65535 {
			valid = append(valid, p)
		}
	}
	return cross(subnets, valid)
}

func cross(subnets []string, ports []int) []model.ScanPair {
	pairs := make([]model.ScanPair, 0, len(subnets)*len(ports))
	for _, s := range subnets {
		for _, p := range ports {
			pairs = append(pairs, model.ScanPair{Subnet: s, Port: p})
		}
	}
	return pairs
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func portKeys(m map[int]struct{}) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// maxRangeSubnets bounds how many /24 blocks one configured range may expand to.
const maxRangeSubnets = 1 << 16

// ParseRanges expands "a.b.c.d/n" and "a.b.c.d-e.f.g.h" ranges into the /24
// blocks they touch. A range that only partly covers a block still yields the
// whole block.
func ParseRanges(ranges []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		start, end, err := parseRange(r)
		if err != nil {
			return nil, err
		}
		first, last := blockIndex(start), blockIndex(end)
		if last-first+1 > maxRangeSubnets {
			return nil, fmt.Errorf("range %q is too large", r)
		}
		for i := first; i <= last; i++ {
			seen[subnetKey([4]byte{byte(i >> 16), byte(i >> 8), byte(i)})] = struct{}{}
		}
	}
	return keys(seen), nil
}

func parseRange(r string) (netip.Addr, netip.Addr, error) {
	if strings.Contains(r, "/") {
		prefix, err := netip.ParsePrefix(r)
		if err != nil || !prefix.Addr().Is4() {
			return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid CIDR range %q", r)
		}
		prefix = prefix.Masked()
		start := prefix.Addr()
		b := start.As4()
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		v |= uint32(0xFFFFFFFF) >> prefix.Bits()
		end := netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
		return start, end, nil
	}

	parts := strings.Split(r, "-")
	if len(parts) != 2 {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid IP range format %q", r)
	}
	start, err1 := netip.ParseAddr(strings.TrimSpace(parts[0]))
	end, err2 := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || !start.Is4() || !end.Is4() {
		return netip.Addr{}, netip.Addr{}, fmt.Errorf("invalid IPv4 address in range %q", r)
	}
	if end.Less(start) {
		start, end = end, start
	}
	return start, end, nil
}

// blockIndex is the 24-bit index of the /24 block containing a.
func blockIndex(a netip.Addr) int {
	b := a.As4()
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2])
}
