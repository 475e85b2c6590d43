// Package cache keeps an in-memory copy of the stored live proxies so the read
// API never touches the database on the request path.
package cache

import (
	"context"
	"sync"
	"time"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
	"proxy_machine/proxypool/storage"
)

// refreshOverlap re-reads rows slightly older than the previous refresh so a
// row whose timestamp predates its write is not missed.
const refreshOverlap = time.Minute

// Reader 定期从存储中增量拉取新行并回答过滤查询。
type Reader struct {
	store     storage.Storage
	types     []model.ProxyType
	retention time.Duration
	now       func() time.Time

	mu          sync.RWMutex
	rows        map[model.ProxyType]map[string]model.LiveProxy
	lastRefresh time.Time
}

// NewReader creates a cache over store for the given types. Rows older than
// retention are dropped from memory; 0 keeps everything.
func NewReader(store storage.Storage, types []model.ProxyType, retention time.Duration) *Reader {
	rows := make(map[model.ProxyType]map[string]model.LiveProxy, len(types))
	for _, t := range types {
		rows[t] = make(map[string]model.LiveProxy)
	}
	return &Reader{
		store:     store,
		types:     types,
		retention: retention,
		now:       time.Now,
		rows:      rows,
	}
}

// Refresh pulls rows checked since the previous refresh and merges them.
func (r *Reader) Refresh(ctx context.Context) error {
	l := logger.WithComponent("Cache")
	start := r.now()

	r.mu.RLock()
	since := r.lastRefresh
	r.mu.RUnlock()
	if !since.IsZero() {
		since = since.Add(-refreshOverlap)
	}

	fresh := make(map[model.ProxyType][]model.LiveProxy, len(r.types))
	for _, t := range r.types {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows, err := r.store.List(t, storage.Filter{Since: since, MaxAge: r.retention})
		if err != nil {
			return err
		}
		fresh[t] = rows
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	merged, pruned := 0, 0
	for t, rows := range fresh {
		bucket := r.rows[t]
		for _, p := range rows {
			if old, ok := bucket[p.Address]; ok && old.LastChecked.After(p.LastChecked) {
				continue
			}
			bucket[p.Address] = p
			merged++
		}
		if r.retention > 0 {
			cutoff := start.Add(-r.retention)
			for addr, p := range bucket {
				if p.LastChecked.Before(cutoff) {
					delete(bucket, addr)
					pruned++
				}
			}
		}
	}
	r.lastRefresh = start

	l.Debug().Int("merged", merged).Int("pruned", pruned).Msg("Cache refreshed.")
	return nil
}

// Query returns the cached rows of t that pass f, fastest first. The result
// is never nil.
func (r *Reader) Query(t model.ProxyType, f storage.Filter) []model.LiveProxy {
	now := r.now()

	r.mu.RLock()
	bucket := r.rows[t]
	out := make([]model.LiveProxy, 0, len(bucket))
	for _, p := range bucket {
		if f.Match(p, now) {
			out = append(out, p)
		}
	}
	r.mu.RUnlock()

	model.SortByLatency(out)
	return out
}

// Count returns how many rows of t are cached.
func (r *Reader) Count(t model.ProxyType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows[t])
}

// LastRefresh is the start time of the latest successful refresh.
func (r *Reader) LastRefresh() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRefresh
}
