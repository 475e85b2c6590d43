package types

import (
	"fmt"
	"time"

	"proxy_machine/proxypool/model"
)

// CommonConf 包含共有的配置
type CommonConf struct {
	Types   []string `ini:"types" delim:","` // 需要维护的代理类型
	DataDir string   `ini:"data_dir"`        // leveldb 数据目录
}

// LogConf contains logging specific configuration
type LogConf struct {
	Level     string `ini:"level"`
	File      string `ini:"file"`        // 为空时只输出到控制台
	MaxSizeKB int64  `ini:"max_size_kb"` // 单个日志文件的轮转阈值
	MaxRolls  int    `ini:"max_rolls"`
}

// ValidatorConf 控制单次验证的行为。
type ValidatorConf struct {
	EchoURL   string        `ini:"echo_url"`
	SelfIPURL string        `ini:"self_ip_url"`
	SelfIPs   []string      `ini:"self_ips" delim:","` // 非空时跳过自动探测
	Timeout   time.Duration `ini:"timeout"`
	Workers   int           `ini:"workers"`
}

// TrackerConf 控制健康追踪周期。
type TrackerConf struct {
	CycleInterval     time.Duration `ini:"cycle_interval"`
	EvictionThreshold int           `ini:"eviction_threshold"` // absence > threshold 时移除
	TopK              int           `ini:"top_k"`
	MaxCandidates     int           `ini:"max_candidates"` // 候选集达到此数量时清空
	StaleAfter        time.Duration `ini:"stale_after"`
	CleanupInterval   time.Duration `ini:"cleanup_interval"`
	ExportDir         string        `ini:"export_dir"`
}

// AggregatorConf 描述候选代理的来源。
type AggregatorConf struct {
	RefreshInterval time.Duration `ini:"refresh_interval"`
	LiveLimit       int           `ini:"live_limit"` // 存活数超过此值时跳过抓取
	PerSourceLimit  int           `ini:"per_source_limit"`
	MaxPingMs       int           `ini:"max_ping_ms"`
	TextSources     []string      `ini:"text_sources" delim:","`
	HTMLSources     []string      `ini:"html_sources" delim:","`
	PageSources     []string      `ini:"page_sources" delim:","`
	ScanDir         string        `ini:"scan_dir"`
}

// CacheConf 控制读接口的内存缓存。
type CacheConf struct {
	RefreshInterval time.Duration `ini:"refresh_interval"`
	Retention       time.Duration `ini:"retention"`
}

// APIConf 是读接口的 HTTP 服务配置。
type APIConf struct {
	Listen         string `ini:"listen"`
	WebUser        string `ini:"web_user"`
	WebPassword    string `ini:"web_password"`
	DefaultMinutes int    `ini:"default_minutes"`
}

// RelayConf 是轮换中继的配置。
type RelayConf struct {
	Listen         string        `ini:"listen"`
	Type           string        `ini:"type"`
	MaxAttempts    int           `ini:"max_attempts"`
	AttemptTimeout time.Duration `ini:"attempt_timeout"`
	Sampling       string        `ini:"sampling"` // fresh_first | uniform
}

// ScannerConf 是端口扫描发现的配置。
type ScannerConf struct {
	Enabled          bool          `ini:"enabled"`
	Interval         time.Duration `ini:"interval"`
	ConcurrentSweeps int64         `ini:"concurrent_sweeps"`
	ProbesPerSweep   int           `ini:"probes_per_sweep"`
	ProbeTimeout     time.Duration `ini:"probe_timeout"`
	RatePerSecond    float64       `ini:"rate_per_second"`
	Ranges           []string      `ini:"ranges" delim:","`
	Ports            []int         `ini:"ports" delim:","`
}

// Config 是项目的统一配置结构体
type Config struct {
	CommonConf     `ini:"common"`
	LogConf        `ini:"log"`
	ValidatorConf  `ini:"validator"`
	TrackerConf    `ini:"tracker"`
	AggregatorConf `ini:"aggregator"`
	CacheConf      `ini:"cache"`
	APIConf        `ini:"api"`
	RelayConf      `ini:"relay"`
	ScannerConf    `ini:"scanner"`
}

// DefaultConfig returns the configuration used for any key the ini file
// leaves out.
func DefaultConfig() *Config {
	return &Config{
		CommonConf: CommonConf{
			Types:   []string{"http", "https", "socks4", "socks5"},
			DataDir: "data",
		},
		LogConf: LogConf{
			Level:     "info",
			MaxSizeKB: 10 * 1024,
			MaxRolls:  3,
		},
		ValidatorConf: ValidatorConf{
			EchoURL:   "https://httpbin.org/ip",
			SelfIPURL: "https://httpbin.org/ip",
			Timeout:   5 * time.Second,
			Workers:   50,
		},
		TrackerConf: TrackerConf{
			CycleInterval:     20 * time.Second,
			EvictionThreshold: 0,
			TopK:              10,
			MaxCandidates:     300,
			StaleAfter:        24 * time.Hour,
			CleanupInterval:   time.Hour,
		},
		AggregatorConf: AggregatorConf{
			RefreshInterval: 14 * time.Second,
			LiveLimit:       50,
			PerSourceLimit:  150,
			MaxPingMs:       800,
			TextSources: []string{
				"https://api.proxyscrape.com/v2/?request=displayproxies&protocol={type}&timeout={ping}&country=all&ssl=all&anonymity=all",
				"https://www.proxy-list.download/api/v1/get?type={type}",
			},
		},
		CacheConf: CacheConf{
			RefreshInterval: 10 * time.Second,
			Retention:       24 * time.Hour,
		},
		APIConf: APIConf{
			Listen:         "127.0.0.1:8000",
			DefaultMinutes: 30,
		},
		RelayConf: RelayConf{
			Listen:         "127.0.0.1:3333",
			Type:           "http",
			MaxAttempts:    15,
			AttemptTimeout: 5 * time.Second,
			Sampling:       "fresh_first",
		},
		ScannerConf: ScannerConf{
			Enabled:          false,
			Interval:         5 * time.Minute,
			ConcurrentSweeps: 4,
			ProbesPerSweep:   32,
			ProbeTimeout:     5 * time.Second,
			RatePerSecond:    100,
		},
	}
}

// ProxyTypes parses CommonConf.Types.
func (c *Config) ProxyTypes() ([]model.ProxyType, error) {
	return model.ParseProxyTypes(c.CommonConf.Types)
}

// Validate checks the values that would otherwise fail deep inside a
// component at runtime.
func (c *Config) Validate() error {
	types, err := c.ProxyTypes()
	if err != nil {
		return fmt.Errorf("common.types: %w", err)
	}
	if len(types) == 0 {
		return fmt.Errorf("common.types: at least one proxy type is required")
	}
	if c.ValidatorConf.Timeout <= 0 {
		return fmt.Errorf("validator.timeout must be positive")
	}
	if c.ValidatorConf.Workers <= 0 {
		return fmt.Errorf("validator.workers must be positive")
	}
	if c.TrackerConf.CycleInterval <= 0 {
		return fmt.Errorf("tracker.cycle_interval must be positive")
	}
	if c.TrackerConf.EvictionThreshold < 0 {
		return fmt.Errorf("tracker.eviction_threshold must not be negative")
	}
	if c.RelayConf.Listen != "" {
		if _, err := model.ParseProxyType(c.RelayConf.Type); err != nil {
			return fmt.Errorf("relay.type: %w", err)
		}
		if c.RelayConf.MaxAttempts <= 0 {
			return fmt.Errorf("relay.max_attempts must be positive")
		}
		if c.RelayConf.AttemptTimeout <= 0 {
			return fmt.Errorf("relay.attempt_timeout must be positive")
		}
		switch c.RelayConf.Sampling {
		case "fresh_first", "uniform":
		default:
			return fmt.Errorf("relay.sampling: unknown strategy %q", c.RelayConf.Sampling)
		}
	}
	if c.APIConf.DefaultMinutes <= 0 {
		return fmt.Errorf("api.default_minutes must be positive")
	}
	if c.ScannerConf.Enabled {
		if c.ScannerConf.ConcurrentSweeps <= 0 || c.ScannerConf.ProbesPerSweep <= 0 {
			return fmt.Errorf("scanner: concurrent_sweeps and probes_per_sweep must be positive")
		}
		if c.ScannerConf.ProbeTimeout <= 0 {
			return fmt.Errorf("scanner.probe_timeout must be positive")
		}
	}
	return nil
}
