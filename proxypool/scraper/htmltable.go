package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

// HTMLTableSource 解析 HTML 表格，每行第一列为 IP、第二列为端口，
// 或第一列直接是 ip:port。
type HTMLTableSource struct {
	url       string
	maxPingMs int
	limit     int
	client    *http.Client
}

func NewHTMLTableSource(url string, maxPingMs, limit int) *HTMLTableSource {
	return &HTMLTableSource{
		url:       url,
		maxPingMs: maxPingMs,
		limit:     limit,
		client:    newClient(),
	}
}

func (s *HTMLTableSource) Name() string {
	return sourceName(s.url)
}

func (s *HTMLTableSource) Scrape(ctx context.Context, t model.ProxyType) ([]string, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	target := expandURL(s.url, t, s.maxPingMs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch page for %s: %w", s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code (%d) from %s", resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML for %s: %w", s.Name(), err)
	}

	var raw []string
	doc.Find("table tr").Each(func(j int, sel *goquery.Selection) {
		cells := sel.Find("td")
		if cells.Length() == 0 {
			return
		}
		first := strings.TrimSpace(cells.Eq(0).Text())
		if strings.Contains(first, ":") {
			raw = append(raw, first)
			return
		}
		if cells.Length() < 2 {
			return
		}
		port := strings.TrimSpace(cells.Eq(1).Text())
		if first == "" || port == "" {
			return
		}
		raw = append(raw, first+":"+port)
	})

	addrs := collect(raw, s.limit)
	l.Debug().Int("count", len(addrs)).Str("source", s.Name()).Str("type", t.String()).Msg("Scrape finished.")
	return addrs, nil
}
