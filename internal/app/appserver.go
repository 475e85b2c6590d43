package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"proxy_machine/internal/core/relay"
	"proxy_machine/internal/scan"
	"proxy_machine/internal/service/web"
	"proxy_machine/internal/shared/globalstate"
	"proxy_machine/internal/shared/logger"
	"proxy_machine/internal/shared/schedule"
	"proxy_machine/internal/shared/types"
	manager "proxy_machine/proxypool"
	"proxy_machine/proxypool/cache"
	"proxy_machine/proxypool/model"
	"proxy_machine/proxypool/scraper"
	"proxy_machine/proxypool/storage"
	"proxy_machine/proxypool/validator"
)

// selfIPAttempts bounds startup self-IP discovery.
const selfIPAttempts = 5

// AppServer is the application's main struct. It owns one tracker per proxy
// type and every background task and listener that feeds or reads them.
type AppServer struct {
	cfg *types.Config

	store     *storage.LevelDBStorage
	validator *validator.Validator
	managers  []*manager.Manager
	byType    map[model.ProxyType]*manager.Manager

	aggregator *scraper.Aggregator
	cache      *cache.Reader
	hub        *web.Hub
	handler    *web.Handler
	relay      *relay.Server
	scanner    *scan.Scanner
	scheduler  *schedule.Scheduler

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

// New wires every component from cfg. Nothing is started until Run.
func New(cfg *types.Config) (*AppServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	proxyTypes, err := cfg.ProxyTypes()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.CommonConf.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.OpenLevelDB(filepath.Join(cfg.CommonConf.DataDir, "proxies.ldb"))
	if err != nil {
		return nil, err
	}

	s := &AppServer{
		cfg:       cfg,
		store:     store,
		validator: validator.NewValidator(cfg.ValidatorConf.EchoURL, cfg.ValidatorConf.Timeout, cfg.ValidatorConf.Workers),
		byType:    make(map[model.ProxyType]*manager.Manager, len(proxyTypes)),
		hub:       web.NewHub(),
		scheduler: schedule.New(),
	}

	var exporter *storage.FileExporter
	if cfg.TrackerConf.ExportDir != "" {
		exporter = storage.NewFileExporter(cfg.TrackerConf.ExportDir)
	}
	for _, t := range proxyTypes {
		m := manager.NewManager(t, cfg.TrackerConf, store, s.validator, exporter)
		m.AddNotifier(s.hub)
		s.managers = append(s.managers, m)
		s.byType[t] = m
	}

	s.aggregator = scraper.NewAggregator(cfg.AggregatorConf)
	s.cache = cache.NewReader(store, proxyTypes, cfg.CacheConf.Retention)

	views := make([]web.PoolView, len(s.managers))
	for i, m := range s.managers {
		views[i] = m
	}
	s.handler = web.NewHandler(s.cache, views, cfg.APIConf.DefaultMinutes)

	if cfg.RelayConf.Listen != "" {
		rt, _ := model.ParseProxyType(cfg.RelayConf.Type)
		pool, ok := s.byType[rt]
		if !ok {
			store.Close()
			return nil, fmt.Errorf("relay.type %s is not listed in common.types", rt)
		}
		s.relay = relay.NewServer(relay.New(pool, cfg.RelayConf))
	}

	if cfg.ScannerConf.Enabled {
		via, ok := s.byType[model.TypeSOCKS4]
		if !ok {
			logger.Warn().Msg("Scanner needs socks4 in common.types, scanner disabled.")
		} else {
			sources := make([]scan.SnapshotSource, len(s.managers))
			sinks := make([]scan.Sink, len(s.managers))
			for i, m := range s.managers {
				sources[i] = m
				sinks[i] = m
			}
			sc, err := scan.New(cfg.ScannerConf, via, sources, sinks, store)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("scanner: %w", err)
			}
			s.scanner = sc
		}
	}

	return s, nil
}

// resolveSelfIPs 返回配置的本机地址，未配置时直连回显接口获取。
func (s *AppServer) resolveSelfIPs(ctx context.Context) ([]string, error) {
	if len(s.cfg.ValidatorConf.SelfIPs) > 0 {
		return s.cfg.ValidatorConf.SelfIPs, nil
	}
	client := &http.Client{Timeout: s.validator.Timeout()}
	return validator.DiscoverSelfIPs(ctx, client, s.cfg.ValidatorConf.SelfIPURL, selfIPAttempts)
}

// registerTasks adds every periodic job to the scheduler.
func (s *AppServer) registerTasks() {
	pools := make([]scraper.Pool, len(s.managers))
	for i, m := range s.managers {
		pools[i] = m
	}
	s.scheduler.Add(schedule.Task{
		Name:      "aggregator",
		Interval:  s.cfg.AggregatorConf.RefreshInterval,
		Immediate: true,
		Run: func(ctx context.Context) error {
			return s.aggregator.Refresh(ctx, pools)
		},
	})

	for _, m := range s.managers {
		s.scheduler.Add(schedule.Task{
			Name:      "tracker/" + m.Type().String(),
			Interval:  s.cfg.TrackerConf.CycleInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				_, err := m.RunCycle(ctx)
				return err
			},
		})
	}

	s.scheduler.Add(schedule.Task{
		Name:      "cache",
		Interval:  s.cfg.CacheConf.RefreshInterval,
		Immediate: true,
		Run:       s.cache.Refresh,
	})

	s.scheduler.Add(schedule.Task{
		Name:     "cleanup",
		Interval: s.cfg.TrackerConf.CleanupInterval,
		Run: func(ctx context.Context) error {
			s.cleanupStale(ctx)
			return ctx.Err()
		},
	})

	if s.scanner != nil {
		s.scheduler.Add(schedule.Task{
			Name:     "scanner",
			Interval: s.cfg.ScannerConf.Interval,
			Run:      s.scanner.Run,
		})
	}
}

// cleanupStale runs stale cleanup for every type; a failing type does not
// stop the others.
func (s *AppServer) cleanupStale(ctx context.Context) int {
	l := logger.WithComponent("App")
	failed := 0
	for _, m := range s.managers {
		if err := m.CleanupStale(ctx); err != nil {
			failed++
			l.Warn().Err(err).Str("type", m.Type().String()).Msg("Stale cleanup failed.")
		}
	}
	return failed
}

// Run is the server's entry point. It blocks until ctx is cancelled and every
// task and listener has stopped.
func (s *AppServer) Run(ctx context.Context) error {
	l := logger.WithComponent("App")
	defer s.Stop()

	globalstate.GlobalStatus.Set("Discovering self IP...")
	selfIPs, err := s.resolveSelfIPs(ctx)
	if err != nil {
		globalstate.GlobalStatus.Set("Failed: self IP unknown")
		return fmt.Errorf("failed to determine own IP: %w", err)
	}
	l.Info().Strs("self_ips", selfIPs).Msg("Self IP resolved.")

	for _, m := range s.managers {
		m.SetSelfIPs(selfIPs)
		m.Seed()
	}

	s.waitGroup.Add(1)
	go func() {
		defer s.waitGroup.Done()
		s.hub.Run(ctx)
	}()

	if err := web.StartServer(ctx, &s.waitGroup, s.cfg.APIConf, s.handler, s.hub); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if s.relay != nil {
		if err := s.relay.Start(ctx, &s.waitGroup, s.cfg.RelayConf.Listen); err != nil {
			return fmt.Errorf("failed to start relay: %w", err)
		}
	}

	s.registerTasks()
	s.scheduler.Start(ctx)
	globalstate.GlobalStatus.Set("Running")
	l.Info().Int("types", len(s.managers)).Int("sources", s.aggregator.Sources()).Msg("Proxy machine is running.")

	<-ctx.Done()
	globalstate.GlobalStatus.Set("Stopping")
	l.Info().Msg("Shutdown signal received, waiting for tasks to stop...")
	s.scheduler.Wait()
	s.waitGroup.Wait()
	return nil
}

// Stop releases the store. It is safe to call more than once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		if err := s.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close store.")
		}
	})
}
