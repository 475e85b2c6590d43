// Package health implements the streak/eviction state machine that decides
// which addresses are live.
//
// An address becomes live on its first success (streak 1). Every further
// success increments the streak and clears the absence count. A miss
// increments the absence count; once it exceeds the eviction threshold the
// record is dropped, so a later success starts again from streak 1.
package health

import (
	"sort"
	"time"

	"proxy_machine/proxypool/model"
)

// Transition reports what a call to Observe changed.
type Transition struct {
	Entered []string // new records, streak 1
	Evicted []string // records deleted this round
	Missed  []string // records in their grace period
}

// Records 不是并发安全的，由调用方（追踪器）在周期锁内独占访问。
type Records struct {
	threshold int
	records   map[string]*model.HealthRecord
}

// NewRecords creates an empty record set. threshold is the number of
// consecutive misses tolerated before eviction; 0 evicts on the first miss.
func NewRecords(threshold int) *Records {
	if threshold < 0 {
		threshold = 0
	}
	return &Records{
		threshold: threshold,
		records:   make(map[string]*model.HealthRecord),
	}
}

// Observe applies one cycle's outcome. successes holds every address that
// validated this cycle; every other tracked address counts as a miss.
func (r *Records) Observe(now time.Time, successes []model.LiveProxy) Transition {
	var tr Transition
	seen := make(map[string]struct{}, len(successes))

	for _, p := range successes {
		seen[p.Address] = struct{}{}
		rec, ok := r.records[p.Address]
		if !ok {
			r.records[p.Address] = &model.HealthRecord{Proxy: p, Streak: 1, FirstSeen: now}
			tr.Entered = append(tr.Entered, p.Address)
			continue
		}
		rec.Streak++
		rec.AbsenceCount = 0
		rec.Proxy = p
	}

	for addr, rec := range r.records {
		if _, ok := seen[addr]; ok {
			continue
		}
		rec.AbsenceCount++
		if rec.AbsenceCount > r.threshold {
			delete(r.records, addr)
			tr.Evicted = append(tr.Evicted, addr)
			continue
		}
		tr.Missed = append(tr.Missed, addr)
	}

	sort.Strings(tr.Entered)
	sort.Strings(tr.Evicted)
	sort.Strings(tr.Missed)
	return tr
}

// Get returns a copy of the record for addr.
func (r *Records) Get(addr string) (model.HealthRecord, bool) {
	rec, ok := r.records[addr]
	if !ok {
		return model.HealthRecord{}, false
	}
	return *rec, true
}

func (r *Records) Len() int {
	return len(r.records)
}

// Addresses returns every tracked address in sorted order.
func (r *Records) Addresses() []string {
	addrs := make([]string, 0, len(r.records))
	for addr := range r.records {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Live returns the last known row of every tracked address, fastest first.
// Records in their grace period are still live.
func (r *Records) Live() []model.LiveProxy {
	live := make([]model.LiveProxy, 0, len(r.records))
	for _, rec := range r.records {
		live = append(live, rec.Proxy)
	}
	model.SortByLatency(live)
	return live
}

// TopK returns up to k records with the longest streaks. Equal streaks are
// ordered by latency, then address.
func (r *Records) TopK(k int) []model.HealthRecord {
	all := make([]model.HealthRecord, 0, len(r.records))
	for _, rec := range r.records {
		all = append(all, *rec)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Streak != all[j].Streak {
			return all[i].Streak > all[j].Streak
		}
		if all[i].Proxy.ResponseTime != all[j].Proxy.ResponseTime {
			return all[i].Proxy.ResponseTime < all[j].Proxy.ResponseTime
		}
		return all[i].Proxy.Address < all[j].Proxy.Address
	})
	if k >= 0 && len(all) > k {
		all = all[:k]
	}
	return all
}
