package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxy_machine/internal/shared/logger"
	"proxy_machine/proxypool/model"
)

const (
	delimiter       = "|"
	numCheckedField = 3 // Address|ResponseTime|LastChecked
)

// FileExporter 将每个周期的存活列表和 Top-K 列表写成纯文本文件，
// 供外部工具直接读取，并在启动时用来恢复候选集。
type FileExporter struct {
	dir string
	mu  sync.Mutex
}

// NewFileExporter 创建一个新的 FileExporter 实例。
func NewFileExporter(dir string) *FileExporter {
	return &FileExporter{dir: dir}
}

// CheckedPath is the file holding the live list of one type.
func (fe *FileExporter) CheckedPath(t model.ProxyType) string {
	return filepath.Join(fe.dir, "checked_"+t.String()+".txt")
}

// TopPath is the file holding the top-K list of one type.
func (fe *FileExporter) TopPath(t model.ProxyType) string {
	return filepath.Join(fe.dir, "top_"+t.String()+".txt")
}

// WriteChecked 将存活代理按给定顺序写入文件。
func (fe *FileExporter) WriteChecked(t model.ProxyType, proxies []model.LiveProxy) error {
	var sb strings.Builder
	for _, p := range proxies {
		sb.WriteString(formatLiveProxy(p))
		sb.WriteString("\n")
	}
	return fe.write(fe.CheckedPath(t), sb.String())
}

// WriteTop 写入 Top-K 列表，每行 "address|streak"。
func (fe *FileExporter) WriteTop(t model.ProxyType, records []model.HealthRecord) error {
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(r.Proxy.Address)
		sb.WriteString(delimiter)
		sb.WriteString(strconv.Itoa(r.Streak))
		sb.WriteString("\n")
	}
	return fe.write(fe.TopPath(t), sb.String())
}

// write replaces path atomically so readers never see a partial file.
func (fe *FileExporter) write(path, content string) error {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	if err := os.MkdirAll(fe.dir, 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadChecked 读取上次导出的存活列表，返回其中的地址。
// 文件不存在时返回空列表；格式错误的行会被跳过。
func (fe *FileExporter) LoadChecked(t model.ProxyType) ([]string, error) {
	fe.mu.Lock()
	defer fe.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")
	path := fe.CheckedPath(t)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Debug().Str("path", path).Msg("Checked list not found, nothing to seed.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var addrs []string
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) != numCheckedField {
			l.Warn().Int("line", lineNum).Int("expected", numCheckedField).Int("got", len(fields)).Msg("Skipping malformed line in checked list.")
			continue
		}

		p, err := parseLiveProxy(t, fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy from line, skipping.")
			continue
		}
		addrs = append(addrs, p.Address)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(addrs)).Str("type", t.String()).Msg("Loaded checked list from file.")
	return addrs, nil
}

// formatLiveProxy 将 LiveProxy 格式化为一行文本。
func formatLiveProxy(p model.LiveProxy) string {
	return strings.Join([]string{
		p.Address,
		strconv.FormatFloat(p.ResponseTime, 'f', 3, 64),
		strconv.FormatInt(p.LastChecked.Unix(), 10),
	}, delimiter)
}

// parseLiveProxy 从字符串切片解析出一个 LiveProxy。
func parseLiveProxy(t model.ProxyType, fields []string) (model.LiveProxy, error) {
	addr, ok := model.NormalizeAddress(fields[0])
	if !ok {
		return model.LiveProxy{}, fmt.Errorf("invalid address %q", fields[0])
	}

	rt, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return model.LiveProxy{}, fmt.Errorf("invalid response_time: %w", err)
	}

	lastCheckedUnix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return model.LiveProxy{}, fmt.Errorf("invalid last_checked: %w", err)
	}

	return model.LiveProxy{
		Type:         t,
		Address:      addr,
		ResponseTime: rt,
		LastChecked:  time.Unix(lastCheckedUnix, 0),
	}, nil
}
