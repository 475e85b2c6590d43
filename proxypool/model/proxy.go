package model

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ProxyType 是代理协议类型。它会作为一个字节写入存储的 key 中，
// 因此已有常量的取值不能改变。
type ProxyType uint8

const (
	TypeHTTP ProxyType = iota + 1
	TypeHTTPS
	TypeSOCKS4
	TypeSOCKS5
)

var typeNames = map[ProxyType]string{
	TypeHTTP:   "http",
	TypeHTTPS:  "https",
	TypeSOCKS4: "socks4",
	TypeSOCKS5: "socks5",
}

// AllTypes 按固定顺序返回所有支持的代理类型。
func AllTypes() []ProxyType {
	return []ProxyType{TypeHTTP, TypeHTTPS, TypeSOCKS4, TypeSOCKS5}
}

// String returns the lowercase protocol name, which is also the URL scheme
// used to reach the proxy.
func (t ProxyType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Valid reports whether t is one of the supported types.
func (t ProxyType) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

func (t ProxyType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, MakeError(ErrUnknownProxyType, fmt.Sprintf("unknown proxy type %d", uint8(t)))
	}
	return []byte(t.String()), nil
}

func (t *ProxyType) UnmarshalText(text []byte) error {
	parsed, err := ParseProxyType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// ParseProxyType 解析类型名称，大小写不敏感。
func ParseProxyType(s string) (ProxyType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range typeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, MakeError(ErrUnknownProxyType, fmt.Sprintf("unknown proxy type %q", s))
}

// ParseProxyTypes parses a list of type names, dropping duplicates while
// keeping the first-seen order.
func ParseProxyTypes(names []string) ([]ProxyType, error) {
	seen := make(map[ProxyType]bool, len(names))
	types := make([]ProxyType, 0, len(names))
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		t, err := ParseProxyType(name)
		if err != nil {
			return nil, err
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types, nil
}

// Candidate 是一个待验证的地址，只在内存中存在。
type Candidate struct {
	Address string    `json:"address"` // "host:port"
	Type    ProxyType `json:"type"`
}

func (c Candidate) String() string {
	return c.Type.String() + "://" + c.Address
}

// ValidationResult 是单次验证的结果。Err 为 nil 表示成功。
type ValidationResult struct {
	Candidate
	Latency   time.Duration
	OriginIPs []string
	Timestamp time.Time
	Err       error
}

// OK reports whether the validation succeeded.
func (r *ValidationResult) OK() bool {
	return r.Err == nil
}

// LiveProxy 是经过验证的代理，也是持久化的行。
// 每个 (Type, Address) 最多一行，每次成功验证都会覆盖延迟和时间戳。
type LiveProxy struct {
	Type         ProxyType `json:"type"`
	Address      string    `json:"proxy"`
	ResponseTime float64   `json:"response_time"` // 秒
	LastChecked  time.Time `json:"last_checked"`
}

// FromResult converts a successful validation into a LiveProxy row.
func FromResult(r *ValidationResult) LiveProxy {
	return LiveProxy{
		Type:         r.Type,
		Address:      r.Address,
		ResponseTime: r.Latency.Seconds(),
		LastChecked:  r.Timestamp,
	}
}

// SortByLatency sorts proxies by ascending response time, breaking ties by
// address so the order is stable across calls.
func SortByLatency(proxies []LiveProxy) {
	sort.Slice(proxies, func(i, j int) bool {
		if proxies[i].ResponseTime != proxies[j].ResponseTime {
			return proxies[i].ResponseTime < proxies[j].ResponseTime
		}
		return proxies[i].Address < proxies[j].Address
	})
}

// HealthRecord 记录一个地址的连续存活情况。
type HealthRecord struct {
	Proxy        LiveProxy `json:"proxy"`
	Streak       int       `json:"streak"`        // 连续成功的周期数
	AbsenceCount int       `json:"absence_count"` // 连续缺席的周期数
	FirstSeen    time.Time `json:"first_seen"`    // 本次连续存活的开始时间
}

// Snapshot 是某一类型的存活代理的不可变列表，按延迟升序排列。
// 每个周期发布一次新的 Snapshot，发布后不得修改。
type Snapshot struct {
	Type      ProxyType
	Proxies   []LiveProxy
	CycleID   string
	Published time.Time
}

// Len is safe to call on a nil snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Proxies)
}

// Addresses returns the addresses of the snapshot in latency order.
func (s *Snapshot) Addresses() []string {
	if s == nil {
		return nil
	}
	addrs := make([]string, len(s.Proxies))
	for i, p := range s.Proxies {
		addrs[i] = p.Address
	}
	return addrs
}

// ScanPair 是一个 /24 网段与端口的组合，Subnet 为前三段，例如 "10.1.2"。
type ScanPair struct {
	Subnet string
	Port   int
}

func (p ScanPair) String() string {
	return p.Subnet + ".0/24:" + strconv.Itoa(p.Port)
}

// Key is the compact form used for persistence, e.g. "10.1.2:8080".
func (p ScanPair) Key() string {
	return p.Subnet + ":" + strconv.Itoa(p.Port)
}

// ParseScanPairKey is the inverse of ScanPair.Key.
func ParseScanPairKey(key string) (ScanPair, error) {
	idx := strings.LastIndexByte(key, ':')
	if idx <= 0 {
		return ScanPair{}, fmt.Errorf("malformed scan pair %q", key)
	}
	port, err := strconv.Atoi(key[idx+1:])
	if err != nil || port <= 0 || port > 65535 {
		return ScanPair{}, fmt.Errorf("malformed scan pair port %q", key)
	}
	return ScanPair{Subnet: key[:idx], Port: port}, nil
}

// NormalizeAddress turns loosely formatted input such as
// "socks5://1.2.3.4:1080 " into "1.2.3.4:1080". It rejects anything that is
// not a host with a valid port.
func NormalizeAddress(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/ \t"); idx >= 0 {
		s = s[:idx]
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return "", false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}
