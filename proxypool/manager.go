package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proxy_machine/internal/core/health"
	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/types"
	"proxy_machine/proxypool/model"
	"proxy_machine/proxypool/storage"
)

// Checker validates a batch of candidates. *validator.Validator implements it.
type Checker interface {
	ValidateAll(ctx context.Context, candidates []model.Candidate, selfIPs []string) []*model.ValidationResult
}

// Notifier is told about every newly published snapshot.
type Notifier interface {
	NotifySnapshot(s *model.Snapshot)
}

// Manager 是单一代理类型的健康追踪器。
// 它拥有候选集与健康记录，每个周期验证 候选 ∪ 存活，
// 并原子地发布新的存活快照。
type Manager struct {
	ptype    model.ProxyType
	cfg      types.TrackerConf
	storage  storage.Storage
	checker  Checker
	exporter *storage.FileExporter

	selfMu  sync.RWMutex
	selfIPs []string

	// 候选集由抓取器、扫描器和周期并发访问
	mu         sync.Mutex
	candidates map[string]struct{}

	// cycleMu 保证周期之间不会重叠；records 只在持有 cycleMu 时访问
	cycleMu sync.Mutex
	records *health.Records

	snapshot atomic.Pointer[model.Snapshot]
	top      atomic.Pointer[[]model.HealthRecord]

	notifyMu  sync.RWMutex
	notifiers []Notifier
}

// NewManager 创建一个追踪器。exporter 可以为 nil。
func NewManager(t model.ProxyType, cfg types.TrackerConf, store storage.Storage, checker Checker, exporter *storage.FileExporter) *Manager {
	m := &Manager{
		ptype:      t,
		cfg:        cfg,
		storage:    store,
		checker:    checker,
		exporter:   exporter,
		candidates: make(map[string]struct{}),
		records:    health.NewRecords(cfg.EvictionThreshold),
	}
	m.snapshot.Store(&model.Snapshot{Type: t, Proxies: []model.LiveProxy{}})
	empty := []model.HealthRecord{}
	m.top.Store(&empty)
	return m
}

// Type returns the proxy type this manager tracks.
func (m *Manager) Type() model.ProxyType {
	return m.ptype
}

// SetSelfIPs sets the addresses a proxy must hide.
func (m *Manager) SetSelfIPs(ips []string) {
	m.selfMu.Lock()
	m.selfIPs = append([]string(nil), ips...)
	m.selfMu.Unlock()
}

func (m *Manager) getSelfIPs() []string {
	m.selfMu.RLock()
	defer m.selfMu.RUnlock()
	return m.selfIPs
}

// AddNotifier registers n for snapshot updates.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifyMu.Lock()
	m.notifiers = append(m.notifiers, n)
	m.notifyMu.Unlock()
}

// AddCandidates 将地址加入候选集，返回新加入的数量。
// 非法地址会被丢弃。候选集达到上限时先清空再加入。
func (m *Manager) AddCandidates(addrs []string) int {
	l := logger.WithComponent("ProxyPool/Manager")
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxCandidates > 0 && len(m.candidates) >= m.cfg.MaxCandidates {
		l.Info().Str("type", m.ptype.String()).Int("count", len(m.candidates)).Msg("Candidate set reached its limit, clearing.")
		m.candidates = make(map[string]struct{})
	}

	added := 0
	for _, raw := range addrs {
		addr, ok := model.NormalizeAddress(raw)
		if !ok {
			continue
		}
		if _, exists := m.candidates[addr]; exists {
			continue
		}
		m.candidates[addr] = struct{}{}
		added++
	}
	return added
}

// CandidateCount returns the size of the pending candidate set.
func (m *Manager) CandidateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.candidates)
}

func (m *Manager) candidateList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.candidates))
	for addr := range m.candidates {
		addrs = append(addrs, addr)
	}
	return addrs
}

func (m *Manager) dropCandidates(addrs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, addr := range addrs {
		delete(m.candidates, addr)
	}
}

// Snapshot returns the current published snapshot. It is never nil and must
// not be modified.
func (m *Manager) Snapshot() *model.Snapshot {
	return m.snapshot.Load()
}

// LiveCount is the size of the current snapshot.
func (m *Manager) LiveCount() int {
	return m.Snapshot().Len()
}

// TopK returns the longest-streak records computed by the last cycle.
func (m *Manager) TopK() []model.HealthRecord {
	return *m.top.Load()
}

// RunCycle 执行一个完整的周期：
// 验证 候选 ∪ 存活 -> 更新健康记录 -> 写入存储 -> 发布快照 -> 导出文件。
// 周期之间互斥，周期内部的验证是并行的。
func (m *Manager) RunCycle(ctx context.Context) (*model.Snapshot, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	cycleID := uuid.NewString()
	l := logger.WithComponent("ProxyPool/Manager").With().
		Str("type", m.ptype.String()).
		Str("cycle_id", cycleID).
		Logger()

	// 1. 候选 ∪ 存活
	pending := m.candidateList()
	set := make(map[string]struct{}, len(pending)+m.records.Len())
	for _, addr := range pending {
		set[addr] = struct{}{}
	}
	for _, addr := range m.records.Addresses() {
		set[addr] = struct{}{}
	}
	batch := make([]model.Candidate, 0, len(set))
	for addr := range set {
		batch = append(batch, model.Candidate{Address: addr, Type: m.ptype})
	}
	sort.Slice(batch, func(i, j int) bool { return batch[i].Address < batch[j].Address })

	start := time.Now()
	l.Debug().Int("candidates", len(pending)).Int("live", m.records.Len()).Msg("Starting cycle...")

	// 2. 并行验证
	results := m.checker.ValidateAll(ctx, batch, m.getSelfIPs())
	if err := ctx.Err(); err != nil {
		// 被取消的验证不能当作失败处理，否则会清空存活集
		l.Info().Msg("Cycle cancelled before completion, discarding results.")
		return m.Snapshot(), err
	}

	// 3. 分区
	successes := make([]model.LiveProxy, 0, len(results))
	failures := 0
	for _, r := range results {
		if r.OK() {
			successes = append(successes, model.FromResult(r))
		} else {
			failures++
		}
	}

	// 4. 更新健康记录
	now := time.Now()
	tr := m.records.Observe(now, successes)

	// 已验证的候选无论成败都离开候选集：成功的进入存活记录，失败的被丢弃
	m.dropCandidates(pending)

	// 5. 写入存储，失败不影响本周期
	if err := m.storage.Upsert(successes); err != nil {
		l.Error().Err(err).Int("count", len(successes)).Msg("Failed to upsert live proxies, will retry next cycle.")
	}

	// 6. 原子发布
	snap := &model.Snapshot{
		Type:      m.ptype,
		Proxies:   m.records.Live(),
		CycleID:   cycleID,
		Published: now,
	}
	m.snapshot.Store(snap)

	top := m.records.TopK(m.cfg.TopK)
	m.top.Store(&top)

	if m.exporter != nil {
		if err := m.exporter.WriteChecked(m.ptype, snap.Proxies); err != nil {
			l.Warn().Err(err).Msg("Failed to export checked list.")
		}
		if err := m.exporter.WriteTop(m.ptype, top); err != nil {
			l.Warn().Err(err).Msg("Failed to export top list.")
		}
	}

	m.notifyMu.RLock()
	for _, n := range m.notifiers {
		n.NotifySnapshot(snap)
	}
	m.notifyMu.RUnlock()

	l.Info().
		Int("checked", len(batch)).
		Int("ok", len(successes)).
		Int("failed", failures).
		Int("entered", len(tr.Entered)).
		Int("evicted", len(tr.Evicted)).
		Int("live", snap.Len()).
		Dur("took", time.Since(start)).
		Msg("Cycle finished.")
	return snap, nil
}

// CleanupStale 删除存储中超过 StaleAfter 未通过验证的行。
func (m *Manager) CleanupStale(ctx context.Context) error {
	if m.cfg.StaleAfter <= 0 {
		return nil
	}
	n, err := m.storage.DeleteOlderThan(m.ptype, time.Now().Add(-m.cfg.StaleAfter))
	if err != nil {
		return err
	}
	if n > 0 {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Info().
			Str("type", m.ptype.String()).Int("deleted_count", n).Msg("Removed stale proxies from storage.")
	}
	return nil
}

// Seed 从上次导出的存活列表与存储中恢复候选集，使重启后的第一个周期
// 不必等待抓取器。
func (m *Manager) Seed() int {
	l := logger.WithComponent("ProxyPool/Manager")
	var addrs []string
	if m.exporter != nil {
		fromFile, err := m.exporter.LoadChecked(m.ptype)
		if err != nil {
			l.Warn().Err(err).Str("type", m.ptype.String()).Msg("Failed to load checked list.")
		}
		addrs = append(addrs, fromFile...)
	}
	rows, err := m.storage.List(m.ptype, storage.Filter{MaxAge: m.cfg.StaleAfter})
	if err != nil {
		l.Warn().Err(err).Str("type", m.ptype.String()).Msg("Failed to read stored proxies for seeding.")
	}
	for _, p := range rows {
		addrs = append(addrs, p.Address)
	}
	added := m.AddCandidates(addrs)
	if added > 0 {
		l.Info().Str("type", m.ptype.String()).Int("count", added).Msg("Seeded candidates from previous run.")
	}
	return added
}
