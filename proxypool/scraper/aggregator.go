package scraper

import (
	"context"
	"sync"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/types"
	"proxy_machine/proxypool/model"
)

// Pool is the part of a tracker the aggregator feeds. *manager.Manager implements it.
type Pool interface {
	Type() model.ProxyType
	LiveCount() int
	AddCandidates(addrs []string) int
}

// Aggregator 从所有来源并发抓取候选地址，去重后交给各类型的 Pool。
type Aggregator struct {
	cfg     types.AggregatorConf
	sources []Scraper
}

// NewAggregator builds the sources listed in cfg.
func NewAggregator(cfg types.AggregatorConf) *Aggregator {
	a := &Aggregator{cfg: cfg}
	for _, u := range cfg.TextSources {
		a.AddSource(NewTextListSource(u, cfg.MaxPingMs, cfg.PerSourceLimit))
	}
	for _, u := range cfg.HTMLSources {
		a.AddSource(NewHTMLTableSource(u, cfg.MaxPingMs, cfg.PerSourceLimit))
	}
	for _, u := range cfg.PageSources {
		a.AddSource(NewPageSource(u, cfg.MaxPingMs, cfg.PerSourceLimit))
	}
	if cfg.ScanDir != "" {
		a.AddSource(NewDirSource(cfg.ScanDir, 0))
	}
	return a
}

// AddSource 添加一个抓取器。
func (a *Aggregator) AddSource(s Scraper) {
	a.sources = append(a.sources, s)
}

// Sources returns the number of configured sources.
func (a *Aggregator) Sources() int {
	return len(a.sources)
}

// Collect runs every source for t in parallel. A failing source is logged and
// skipped; the result is deduplicated in source order.
func (a *Aggregator) Collect(ctx context.Context, t model.ProxyType) []string {
	l := logger.WithComponent("ProxyPool/Aggregator")

	var wg sync.WaitGroup
	results := make([][]string, len(a.sources))
	for i, s := range a.sources {
		wg.Add(1)
		go func(i int, sc Scraper) {
			defer wg.Done()
			addrs, err := sc.Scrape(ctx, t)
			if err != nil {
				l.Warn().Err(err).Str("source", sc.Name()).Str("type", t.String()).Msg("Scraper failed.")
				return
			}
			results[i] = addrs
		}(i, s)
	}
	wg.Wait()

	var all []string
	for _, r := range results {
		all = append(all, r...)
	}
	return collect(all, 0)
}

// Refresh 为每个 Pool 抓取一次候选。存活数已超过 live_limit 的类型跳过。
func (a *Aggregator) Refresh(ctx context.Context, pools []Pool) error {
	l := logger.WithComponent("ProxyPool/Aggregator")
	for _, p := range pools {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := p.Type()
		if a.cfg.LiveLimit > 0 && p.LiveCount() > a.cfg.LiveLimit {
			l.Debug().Str("type", t.String()).Int("live", p.LiveCount()).Msg("Live limit reached, skipping refresh.")
			continue
		}
		addrs := a.Collect(ctx, t)
		added := p.AddCandidates(addrs)
		l.Info().Str("type", t.String()).Int("scraped", len(addrs)).Int("added", added).Msg("Candidates refreshed.")
	}
	return nil
}
