package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"proxy_machine/internal/shared/globalstate"
	"proxy_machine/proxypool/model"
	"proxy_machine/proxypool/storage"
)

// lastCheckedLayout is the wire format of last_checked.
const lastCheckedLayout = "2006-01-02 15:04:05"

// Querier answers filtered reads. *cache.Reader implements it.
type Querier interface {
	Query(t model.ProxyType, f storage.Filter) []model.LiveProxy
	Count(t model.ProxyType) int
}

// PoolView exposes a tracker's published state. *manager.Manager implements it.
type PoolView interface {
	Type() model.ProxyType
	LiveCount() int
	CandidateCount() int
	TopK() []model.HealthRecord
	Snapshot() *model.Snapshot
}

// ProxyRow is one element of the /proxy/{type} JSON response.
type ProxyRow struct {
	Proxy        string  `json:"proxy"`
	ResponseTime float64 `json:"response_time"`
	LastChecked  string  `json:"last_checked"`
}

// TopRow is one element of the /api/top/{type} response.
type TopRow struct {
	Proxy        string  `json:"proxy"`
	Streak       int     `json:"streak"`
	AliveMinutes int     `json:"alive_minutes"`
	ResponseTime float64 `json:"response_time"`
}

// TypeStatus is the per-type part of /api/status.
type TypeStatus struct {
	Live       int       `json:"live"`
	Candidates int       `json:"candidates"`
	Cached     int       `json:"cached"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Published  time.Time `json:"published,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type Handler struct {
	cache          Querier
	pools          map[model.ProxyType]PoolView
	defaultMinutes int
	now            func() time.Time
}

func NewHandler(cache Querier, pools []PoolView, defaultMinutes int) *Handler {
	if defaultMinutes <= 0 {
		defaultMinutes = 30
	}
	byType := make(map[model.ProxyType]PoolView, len(pools))
	for _, p := range pools {
		byType[p.Type()] = p
	}
	return &Handler{
		cache:          cache,
		pools:          byType,
		defaultMinutes: defaultMinutes,
		now:            time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, messageResponse{Message: msg})
}

// parseType accepts only the four known names; anything else is a 400.
func (h *Handler) parseType(w http.ResponseWriter, r *http.Request) (model.ProxyType, bool) {
	name := r.PathValue("type")
	t, err := model.ParseProxyType(name)
	if err != nil || name != t.String() {
		writeMessage(w, http.StatusBadRequest, "Invalid proxy type")
		return 0, false
	}
	return t, true
}

// HandleProxies 处理 GET /proxy/{type}?time=&minutes=&format=
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	t, ok := h.parseType(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	var f storage.Filter
	if s := q.Get("time"); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			writeMessage(w, http.StatusBadRequest, "Invalid time parameter")
			return
		}
		f.MaxLatency, f.HasMaxLatency = v, true
	}

	minutes := h.defaultMinutes
	if s := q.Get("minutes"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeMessage(w, http.StatusBadRequest, "Invalid minutes parameter")
			return
		}
		minutes = v
	}
	f.MaxAge = time.Duration(minutes) * time.Minute

	format := q.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "text" {
		writeMessage(w, http.StatusBadRequest, "Invalid format parameter")
		return
	}

	proxies := h.cache.Query(t, f)

	if format == "text" {
		addrs := make([]string, len(proxies))
		for i, p := range proxies {
			addrs[i] = p.Address
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(strings.Join(addrs, "\n")))
		return
	}

	rows := make([]ProxyRow, len(proxies))
	for i, p := range proxies {
		rows[i] = ProxyRow{
			Proxy:        p.Address,
			ResponseTime: p.ResponseTime,
			LastChecked:  p.LastChecked.Format(lastCheckedLayout),
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleTop 处理 GET /api/top/{type}
func (h *Handler) HandleTop(w http.ResponseWriter, r *http.Request) {
	t, ok := h.parseType(w, r)
	if !ok {
		return
	}
	pool, ok := h.pools[t]
	if !ok {
		writeJSON(w, http.StatusOK, []TopRow{})
		return
	}

	now := h.now()
	records := pool.TopK()
	rows := make([]TopRow, len(records))
	for i, rec := range records {
		rows[i] = TopRow{
			Proxy:        rec.Proxy.Address,
			Streak:       rec.Streak,
			AliveMinutes: int(now.Sub(rec.FirstSeen).Minutes()),
			ResponseTime: rec.Proxy.ResponseTime,
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleStatus 处理 GET /api/status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	types := make(map[string]TypeStatus, len(h.pools))
	for t, pool := range h.pools {
		snap := pool.Snapshot()
		types[t.String()] = TypeStatus{
			Live:       pool.LiveCount(),
			Candidates: pool.CandidateCount(),
			Cached:     h.cache.Count(t),
			CycleID:    snap.CycleID,
			Published:  snap.Published,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": globalstate.GlobalStatus.Get(),
		"since":  globalstate.GlobalStatus.Since().Format(lastCheckedLayout),
		"types":  types,
	})
}

func sortedTypes(pools map[model.ProxyType]PoolView) []model.ProxyType {
	out := make([]model.ProxyType, 0, len(pools))
	for t := range pools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
