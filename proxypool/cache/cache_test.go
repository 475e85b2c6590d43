package cache

import (
	"context"
	"testing"
	"time"

	"proxy_machine/proxypool/model"
	"proxy_machine/proxypool/storage"
)

func setupTestReader(t *testing.T) (*Reader, *storage.LevelDBStorage) {
	t.Helper()
	store, err := storage.OpenMemStorage()
	if err != nil {
		t.Fatalf("OpenMemStorage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewReader(store, model.AllTypes(), 24*time.Hour), store
}

func TestRefreshAndQuery(t *testing.T) {
	r, store := setupTestReader(t)
	now := time.Now()
	store.Upsert([]model.LiveProxy{
		{Type: model.TypeHTTP, Address: "a:1", ResponseTime: 4.0, LastChecked: now.Add(-time.Minute)},
		{Type: model.TypeHTTP, Address: "b:1", ResponseTime: 1.0, LastChecked: now.Add(-time.Minute)},
		{Type: model.TypeHTTP, Address: "c:1", ResponseTime: 2.0, LastChecked: now.Add(-45 * time.Minute)},
		{Type: model.TypeSOCKS5, Address: "d:1", ResponseTime: 1.0, LastChecked: now},
	})

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got := r.Query(model.TypeHTTP, storage.Filter{MaxAge: 30 * time.Minute})
	if len(got) != 2 || got[0].Address != "b:1" || got[1].Address != "a:1" {
		t.Errorf("Expected [b:1 a:1] within 30 minutes, but got %+v", got)
	}

	got = r.Query(model.TypeHTTP, storage.Filter{MaxLatency: 3, HasMaxLatency: true, MaxAge: time.Hour})
	if len(got) != 2 || got[0].Address != "b:1" || got[1].Address != "c:1" {
		t.Errorf("Expected [b:1 c:1] under 3s within an hour, but got %+v", got)
	}

	if got := r.Query(model.TypeHTTPS, storage.Filter{MaxAge: time.Hour}); got == nil || len(got) != 0 {
		t.Errorf("Expected an empty non-nil slice, but got %#v", got)
	}
	if got := r.Query(model.TypeHTTP, storage.Filter{HasMaxLatency: true, MaxAge: time.Hour}); len(got) != 0 {
		t.Errorf("Expected a zero latency bound to match nothing, but got %+v", got)
	}
	if r.Count(model.TypeSOCKS5) != 1 {
		t.Errorf("Expected one cached socks5 row, but got %d", r.Count(model.TypeSOCKS5))
	}
}

func TestRefreshIsIncremental(t *testing.T) {
	r, store := setupTestReader(t)
	now := time.Now()
	store.Upsert([]model.LiveProxy{{Type: model.TypeHTTP, Address: "a:1", ResponseTime: 2, LastChecked: now}})
	r.Refresh(context.Background())

	// A newer check for the same address replaces the cached row.
	store.Upsert([]model.LiveProxy{{Type: model.TypeHTTP, Address: "a:1", ResponseTime: 0.5, LastChecked: now.Add(time.Second)}})
	r.Refresh(context.Background())

	got := r.Query(model.TypeHTTP, storage.Filter{})
	if len(got) != 1 || got[0].ResponseTime != 0.5 {
		t.Errorf("Expected the updated row, but got %+v", got)
	}
	if r.LastRefresh().IsZero() {
		t.Error("Expected LastRefresh to be set")
	}
}

func TestRefreshPrunesExpiredRows(t *testing.T) {
	r, store := setupTestReader(t)
	base := time.Now()
	store.Upsert([]model.LiveProxy{{Type: model.TypeHTTP, Address: "a:1", ResponseTime: 1, LastChecked: base}})
	r.Refresh(context.Background())

	r.now = func() time.Time { return base.Add(25 * time.Hour) }
	r.Refresh(context.Background())
	if r.Count(model.TypeHTTP) != 0 {
		t.Errorf("Expected the row to be pruned after the retention window, but %d remain", r.Count(model.TypeHTTP))
	}
}
