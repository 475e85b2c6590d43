package scraper

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proxy_machine/proxypool/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Scraper 接口定义了从代理源抓取候选地址的行为。
type Scraper interface {
	// Scrape 返回 t 类型的候选 host:port，只负责抓取和初步解析，不进行验证。
	Scrape(ctx context.Context, t model.ProxyType) ([]string, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// expandURL fills the {type} and {ping} placeholders of a source URL.
func expandURL(tmpl string, t model.ProxyType, maxPingMs int) string {
	return strings.NewReplacer(
		"{type}", t.String(),
		"{ping}", strconv.Itoa(maxPingMs),
	).Replace(tmpl)
}

func newClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}

// sourceName returns the host of a source URL for log fields.
func sourceName(rawURL string) string {
	s := rawURL
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
	}
	if idx := strings.IndexAny(s, "/?"); idx >= 0 {
		s = s[:idx]
	}
	return s
}

// collect normalizes raw entries, drops duplicates and stops at limit (0 = no limit).
func collect(raw []string, limit int) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		addr, ok := model.NormalizeAddress(r)
		if !ok {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
