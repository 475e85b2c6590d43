package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"proxy_machine/proxypool/model"
)

func openMem(t *testing.T) *LevelDBStorage {
	t.Helper()
	s, err := OpenMemStorage()
	if err != nil {
		t.Fatalf("OpenMemStorage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openMem(t)
	now := time.Now()
	p := model.LiveProxy{Type: model.TypeHTTP, Address: "1.1.1.1:80", ResponseTime: 0.4, LastChecked: now}

	for i := 0; i < 3; i++ {
		if err := s.Upsert([]model.LiveProxy{p}); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	rows, err := s.List(model.TypeHTTP, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Expected exactly one row, but got %d", len(rows))
	}
	if rows[0].ResponseTime != 0.4 || rows[0].LastChecked.UnixNano() != now.UnixNano() {
		t.Errorf("Expected the stored row to match, but got %+v", rows[0])
	}

	p.ResponseTime = 0.1
	s.Upsert([]model.LiveProxy{p})
	rows, _ = s.List(model.TypeHTTP, Filter{})
	if len(rows) != 1 || rows[0].ResponseTime != 0.1 {
		t.Errorf("Expected the last write to win, but got %+v", rows)
	}
}

func TestTypesAreIsolated(t *testing.T) {
	s := openMem(t)
	now := time.Now()
	s.Upsert([]model.LiveProxy{
		{Type: model.TypeHTTP, Address: "1.1.1.1:80", ResponseTime: 0.2, LastChecked: now},
		{Type: model.TypeSOCKS5, Address: "1.1.1.1:80", ResponseTime: 0.3, LastChecked: now},
	})

	rows, _ := s.List(model.TypeSOCKS5, Filter{})
	if len(rows) != 1 || rows[0].Type != model.TypeSOCKS5 || rows[0].ResponseTime != 0.3 {
		t.Errorf("Expected only the socks5 row, but got %+v", rows)
	}
	rows, _ = s.List(model.TypeHTTPS, Filter{})
	if len(rows) != 0 {
		t.Errorf("Expected no https rows, but got %+v", rows)
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	s := openMem(t)
	now := time.Now()
	s.Upsert([]model.LiveProxy{
		{Type: model.TypeHTTP, Address: "a:1", ResponseTime: 2.5, LastChecked: now.Add(-time.Minute)},
		{Type: model.TypeHTTP, Address: "b:1", ResponseTime: 0.5, LastChecked: now.Add(-time.Minute)},
		{Type: model.TypeHTTP, Address: "c:1", ResponseTime: 1.0, LastChecked: now.Add(-40 * time.Minute)},
	})

	rows, _ := s.List(model.TypeHTTP, Filter{})
	if len(rows) != 3 || rows[0].Address != "b:1" || rows[1].Address != "c:1" || rows[2].Address != "a:1" {
		t.Errorf("Expected ascending latency order b,c,a, but got %+v", rows)
	}

	rows, _ = s.List(model.TypeHTTP, Filter{MaxAge: 30 * time.Minute})
	if len(rows) != 2 {
		t.Errorf("Expected 2 rows within 30 minutes, but got %d", len(rows))
	}

	rows, _ = s.List(model.TypeHTTP, Filter{MaxLatency: 1.0, HasMaxLatency: true})
	if len(rows) != 2 || rows[1].Address != "c:1" {
		t.Errorf("Expected rows with latency <= 1.0, but got %+v", rows)
	}

	rows, _ = s.List(model.TypeHTTP, Filter{MaxLatency: 0, HasMaxLatency: true})
	if len(rows) != 0 {
		t.Errorf("Expected a zero latency bound to match nothing, but got %+v", rows)
	}

	rows, _ = s.List(model.TypeHTTP, Filter{Since: now.Add(-2 * time.Minute)})
	if len(rows) != 2 {
		t.Errorf("Expected 2 rows since two minutes ago, but got %d", len(rows))
	}
}

func TestDeleteAndDeleteOlderThan(t *testing.T) {
	s := openMem(t)
	now := time.Now()
	s.Upsert([]model.LiveProxy{
		{Type: model.TypeHTTP, Address: "a:1", ResponseTime: 1, LastChecked: now},
		{Type: model.TypeHTTP, Address: "b:1", ResponseTime: 1, LastChecked: now.Add(-2 * time.Hour)},
		{Type: model.TypeHTTP, Address: "c:1", ResponseTime: 1, LastChecked: now},
	})

	if err := s.Delete(model.TypeHTTP, []string{"a:1", "missing:1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	n, err := s.DeleteOlderThan(model.TypeHTTP, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected one stale row deleted, but got %d", n)
	}
	rows, _ := s.List(model.TypeHTTP, Filter{})
	if len(rows) != 1 || rows[0].Address != "c:1" {
		t.Errorf("Expected only c:1 to remain, but got %+v", rows)
	}
}

func TestScannedPairs(t *testing.T) {
	s := openMem(t)
	pairs := []model.ScanPair{{Subnet: "10.0.0", Port: 1080}, {Subnet: "10.0.1", Port: 8080}}
	if err := s.MarkScanned(pairs); err != nil {
		t.Fatalf("MarkScanned: %v", err)
	}
	s.MarkScanned(pairs[:1])

	got, err := s.ScannedPairs()
	if err != nil {
		t.Fatalf("ScannedPairs: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 scanned pairs, but got %d", len(got))
	}
	for _, p := range pairs {
		if _, ok := got[p]; !ok {
			t.Errorf("Expected %v to be recorded", p)
		}
	}
	// Scanned pairs never show up as proxy rows.
	for _, pt := range model.AllTypes() {
		if rows, _ := s.List(pt, Filter{}); len(rows) != 0 {
			t.Errorf("Expected no %s rows, but got %+v", pt, rows)
		}
	}
}

func TestClosedStoreReturnsStoreError(t *testing.T) {
	s, err := OpenMemStorage()
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	err = s.Upsert([]model.LiveProxy{{Type: model.TypeHTTP, Address: "a:1"}})
	if !errors.Is(err, model.ErrStore) {
		t.Errorf("Expected ErrStore after close, but got %v", err)
	}
}

func TestOpenLevelDBPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	s, err := OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("OpenLevelDB: %v", err)
	}
	s.Upsert([]model.LiveProxy{{Type: model.TypeSOCKS4, Address: "a:1", ResponseTime: 1, LastChecked: time.Now()}})
	s.Close()

	s, err = OpenLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	rows, _ := s.List(model.TypeSOCKS4, Filter{})
	if len(rows) != 1 {
		t.Errorf("Expected the row to survive a reopen, but got %+v", rows)
	}
}

func TestFileExporterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fe := NewFileExporter(dir)
	now := time.Now()
	proxies := []model.LiveProxy{
		{Type: model.TypeHTTP, Address: "1.1.1.1:80", ResponseTime: 0.25, LastChecked: now},
		{Type: model.TypeHTTP, Address: "2.2.2.2:8080", ResponseTime: 0.5, LastChecked: now},
	}
	if err := fe.WriteChecked(model.TypeHTTP, proxies); err != nil {
		t.Fatalf("WriteChecked: %v", err)
	}
	if err := fe.WriteTop(model.TypeHTTP, []model.HealthRecord{{Proxy: proxies[1], Streak: 7}}); err != nil {
		t.Fatalf("WriteTop: %v", err)
	}

	// A hand-edited line must not break loading.
	f, _ := os.OpenFile(fe.CheckedPath(model.TypeHTTP), os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString("garbage line\n")
	f.Close()

	addrs, err := fe.LoadChecked(model.TypeHTTP)
	if err != nil {
		t.Fatalf("LoadChecked: %v", err)
	}
	if len(addrs) != 2 || addrs[0] != "1.1.1.1:80" || addrs[1] != "2.2.2.2:8080" {
		t.Errorf("Expected both addresses in order, but got %v", addrs)
	}

	top, err := os.ReadFile(fe.TopPath(model.TypeHTTP))
	if err != nil {
		t.Fatalf("read top file: %v", err)
	}
	if string(top) != "2.2.2.2:8080|7\n" {
		t.Errorf("Unexpected top file content %q", top)
	}

	missing, err := NewFileExporter(filepath.Join(dir, "nowhere")).LoadChecked(model.TypeSOCKS5)
	if err != nil || missing != nil {
		t.Errorf("Expected nothing for a missing file, but got %v, %v", missing, err)
	}
}
