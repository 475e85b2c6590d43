// Package scan discovers new candidates by sweeping the /24 ranges around
// live proxies, tunnelling every probe through a live SOCKS4 proxy.
package scan

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/types"
	"proxy_machine/proxypool/dialer"
	"proxy_machine/proxypool/model"
)

// SnapshotSource returns the current pool snapshot. *manager.Manager implements it.
type SnapshotSource interface {
	Snapshot() *model.Snapshot
}

// Sink receives discovered host:port candidates.
type Sink interface {
	AddCandidates(addrs []string) int
}

// PairStore remembers which pairs were already swept.
type PairStore interface {
	MarkScanned(pairs []model.ScanPair) error
	ScannedPairs() (map[model.ScanPair]struct{}, error)
}

// Prober checks whether target accepts TCP connections, reaching it through
// the SOCKS4 proxy at via.
type Prober interface {
	Probe(ctx context.Context, via, target string) error
}

type socks4Prober struct {
	timeout time.Duration
}

func (p socks4Prober) Probe(ctx context.Context, via, target string) error {
	dial, err := dialer.DialContext(model.TypeSOCKS4, via, p.timeout)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := dial(ctx, "tcp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Scanner runs one discovery round per Run call.
type Scanner struct {
	cfg     types.ScannerConf
	via     SnapshotSource   // socks4 pool used as the outbound path
	sources []SnapshotSource // pools whose live addresses seed the pairs
	sinks   []Sink
	store   PairStore
	prober  Prober

	configured []model.ScanPair
	sweeps     *semaphore.Weighted
	limiter    *rate.Limiter

	mu      sync.Mutex
	scanned map[model.ScanPair]struct{}
}

func New(cfg types.ScannerConf, via SnapshotSource, sources []SnapshotSource, sinks []Sink, store PairStore) (*Scanner, error) {
	subnets, err := ParseRanges(cfg.Ranges)
	if err != nil {
		return nil, err
	}
	if cfg.ConcurrentSweeps <= 0 {
		cfg.ConcurrentSweeps = 1
	}
	if cfg.ProbesPerSweep <= 0 {
		cfg.ProbesPerSweep = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Scanner{
		cfg:        cfg,
		via:        via,
		sources:    sources,
		sinks:      sinks,
		store:      store,
		prober:     socks4Prober{timeout: cfg.ProbeTimeout},
		configured: ConfiguredPairs(subnets, cfg.Ports),
		sweeps:     semaphore.NewWeighted(cfg.ConcurrentSweeps),
		limiter:    limiter,
	}, nil
}

// loadScanned 首次调用时从存储加载已扫描集合。
func (s *Scanner) loadScanned() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scanned != nil {
		return
	}
	s.scanned = make(map[model.ScanPair]struct{})
	if s.store == nil {
		return
	}
	stored, err := s.store.ScannedPairs()
	if err != nil {
		l := logger.WithComponent("Scanner")
		l.Warn().Err(err).Msg("Failed to load scanned pairs, starting empty.")
		return
	}
	for p := range stored {
		s.scanned[p] = struct{}{}
	}
}

// pending returns the pairs of this round that were never swept.
func (s *Scanner) pending() []model.ScanPair {
	var addrs []string
	for _, src := range s.sources {
		addrs = append(addrs, src.Snapshot().Addresses()...)
	}
	all := append(DerivePairs(addrs), s.configured...)

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScanPair, 0, len(all))
	seen := make(map[model.ScanPair]struct{}, len(all))
	for _, p := range all {
		if _, ok := s.scanned[p]; ok {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// Run 执行一轮扫描。没有存活的 SOCKS4 代理时直接跳过。
func (s *Scanner) Run(ctx context.Context) error {
	l := logger.WithComponent("Scanner")
	if s.via.Snapshot().Len() == 0 {
		l.Info().Msg("No live socks4 proxies, skipping scan round.")
		return nil
	}
	s.loadScanned()

	pairs := s.pending()
	if len(pairs) == 0 {
		l.Debug().Msg("Nothing new to scan.")
		return nil
	}
	l.Info().Int("pairs", len(pairs)).Msg("Scan round started.")

	var wg sync.WaitGroup
	var found int
	var foundMu sync.Mutex
	for _, pair := range pairs {
		if err := s.sweeps.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(pair model.ScanPair) {
			defer wg.Done()
			defer s.sweeps.Release(1)
			hits, err := s.sweep(ctx, pair)
			if err != nil {
				// 被取消的网段不记为已扫描，下一轮重来
				return
			}
			s.finish(pair, hits)
			foundMu.Lock()
			found += len(hits)
			foundMu.Unlock()
		}(pair)
	}
	wg.Wait()

	l.Info().Int("pairs", len(pairs)).Int("found", found).Msg("Scan round finished.")
	return ctx.Err()
}

// sweep probes every host .1-.254 of the pair's subnet on its port.
func (s *Scanner) sweep(ctx context.Context, pair model.ScanPair) ([]string, error) {
	var mu sync.Mutex
	var hits []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ProbesPerSweep)
	port := strconv.Itoa(pair.Port)
	for host := 1; host <= 254; host++ {
		target := pair.Subnet + "." + strconv.Itoa(host) + ":" + port
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			via, ok := s.pickVia()
			if !ok {
				return nil
			}
			if err := s.prober.Probe(gctx, via, target); err != nil {
				return nil
			}
			mu.Lock()
			hits = append(hits, target)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return hits, nil
}

// pickVia 从当前 SOCKS4 快照中随机取一个出口。
func (s *Scanner) pickVia() (string, bool) {
	addrs := s.via.Snapshot().Addresses()
	if len(addrs) == 0 {
		return "", false
	}
	return addrs[rand.IntN(len(addrs))], true
}

func (s *Scanner) finish(pair model.ScanPair, hits []string) {
	l := logger.WithComponent("Scanner")
	s.mu.Lock()
	s.scanned[pair] = struct{}{}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.MarkScanned([]model.ScanPair{pair}); err != nil {
			l.Warn().Err(err).Str("pair", pair.String()).Msg("Failed to persist scanned pair.")
		}
	}
	if len(hits) == 0 {
		return
	}
	for _, sink := range s.sinks {
		sink.AddCandidates(hits)
	}
	l.Info().Str("pair", pair.String()).Int("open", len(hits)).Msg("Sweep found open ports.")
}

// ScannedCount returns how many pairs are known to be swept.
func (s *Scanner) ScannedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.scanned)
}
