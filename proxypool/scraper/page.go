package scraper

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

var ipPortRe = regexp.MustCompile(`\b(\d{1,3}(?:\.\d{1,3}){3}):(\d{2,5})\b`)

// PageSource 用 colly 访问页面并在响应体中查找所有 ip:port。
type PageSource struct {
	url       string
	maxPingMs int
	limit     int
	timeout   time.Duration
}

func NewPageSource(url string, maxPingMs, limit int) *PageSource {
	return &PageSource{
		url:       url,
		maxPingMs: maxPingMs,
		limit:     limit,
		timeout:   20 * time.Second,
	}
}

func (s *PageSource) Name() string {
	return sourceName(s.url)
}

func (s *PageSource) Scrape(ctx context.Context, t model.ProxyType) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")

	// 每次抓取都用新的 collector，回调不会累积
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	c.SetRequestTimeout(s.timeout)

	var raw []string
	var scrapeErr error
	var mu sync.Mutex

	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range ipPortRe.FindAllSubmatch(r.Body, -1) {
			raw = append(raw, string(m[1])+":"+string(m[2]))
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("source", s.Name()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	if err := c.Visit(expandURL(s.url, t, s.maxPingMs)); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	c.Wait()

	if scrapeErr != nil {
		return nil, scrapeErr
	}
	addrs := collect(raw, s.limit)
	l.Debug().Int("count", len(addrs)).Str("source", s.Name()).Str("type", t.String()).Msg("Scrape finished.")
	return addrs, nil
}
