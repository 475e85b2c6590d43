package scraper

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

// DirSource 读取目录下所有 *.txt 扫描结果，每行一个 host:port。
// 扫描结果不区分类型，同一批地址会交给每种类型去验证。
type DirSource struct {
	dir   string
	limit int
}

func NewDirSource(dir string, limit int) *DirSource {
	return &DirSource{dir: dir, limit: limit}
}

func (s *DirSource) Name() string {
	return "dir:" + s.dir
}

func (s *DirSource) Scrape(ctx context.Context, t model.ProxyType) ([]string, error) {
	files, err := ReadDirLines(s.dir)
	if err != nil {
		return nil, err
	}
	addrs := collect(files, s.limit)
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Int("count", len(addrs)).Str("source", s.Name()).Msg("Scrape finished.")
	return addrs, nil
}

// ReadDirLines returns every line of every *.txt file in dir, files in name
// order. A missing directory yields no lines.
func ReadDirLines(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	var lines []string
	for _, path := range matches {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			lines = append(lines, sc.Text())
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return nil, err
		}
	}
	return lines, nil
}
