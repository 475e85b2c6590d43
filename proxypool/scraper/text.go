package scraper

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

// TextListSource 抓取每行一个 host:port 的纯文本接口，例如 proxyscrape。
// URL 中的 {type} 和 {ping} 会被替换。
type TextListSource struct {
	url       string
	maxPingMs int
	limit     int
	client    *http.Client
}

func NewTextListSource(url string, maxPingMs, limit int) *TextListSource {
	return &TextListSource{
		url:       url,
		maxPingMs: maxPingMs,
		limit:     limit,
		client:    newClient(),
	}
}

func (s *TextListSource) Name() string {
	return sourceName(s.url)
}

func (s *TextListSource) Scrape(ctx context.Context, t model.ProxyType) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	target := expandURL(s.url, t, s.maxPingMs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	var lines []string
	sc := bufio.NewScanner(io.LimitReader(resp.Body, 8<<20))
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Name(), err)
	}

	addrs := collect(lines, s.limit)
	l.Debug().Int("count", len(addrs)).Str("source", s.Name()).Str("type", t.String()).Msg("Scrape finished.")
	return addrs, nil
}
