package storage

import (
	"time"

	"proxy_machine/proxypool/model"
)

// Filter narrows a List call. Zero values disable a bound; the latency bound
// is only applied when HasMaxLatency is set, so 0 seconds is a real bound.
type Filter struct {
	MaxLatency    float64 // 秒，仅在 HasMaxLatency 时生效
	HasMaxLatency bool
	MaxAge        time.Duration // 只返回 last_checked 在此时间窗口内的行
	Since         time.Time     // 只返回 last_checked 晚于此时间的行，用于增量刷新
}

// Match reports whether p passes the filter at time now.
func (f Filter) Match(p model.LiveProxy, now time.Time) bool {
	if f.HasMaxLatency && p.ResponseTime > f.MaxLatency {
		return false
	}
	if f.MaxAge > 0 && p.LastChecked.Before(now.Add(-f.MaxAge)) {
		return false
	}
	if !f.Since.IsZero() && !p.LastChecked.After(f.Since) {
		return false
	}
	return true
}

// Storage 接口定义了存活代理与已扫描网段的持久化行为。
// 写操作由实现方串行化；读操作不会被阻塞超过一次批量写入的时间。
type Storage interface {
	// Upsert writes every row, last write wins per (type, address).
	Upsert(proxies []model.LiveProxy) error
	// List returns the rows of one type that pass f, fastest first.
	List(t model.ProxyType, f Filter) ([]model.LiveProxy, error)
	// Delete removes the given addresses; unknown addresses are ignored.
	Delete(t model.ProxyType, addrs []string) error
	// DeleteOlderThan removes rows last checked before cutoff.
	DeleteOlderThan(t model.ProxyType, cutoff time.Time) (int, error)

	MarkScanned(pairs []model.ScanPair) error
	ScannedPairs() (map[model.ScanPair]struct{}, error)

	Close() error
}
