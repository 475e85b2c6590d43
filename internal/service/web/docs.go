package web

import (
	"html/template"
	"net/http"

	"proxy_machine/internal/shared/logger"
)

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Proxy Machine API</title></head>
<body>
<h1>Proxy Machine API</h1>
<h2>GET /proxy/{type}</h2>
<p>Returns validated proxies of one type, fastest first.</p>
<table border="1" cellpadding="4">
<tr><th>Parameter</th><th>Description</th></tr>
<tr><td>type</td><td>one of {{range $i, $t := .Types}}{{if $i}}, {{end}}<code>{{$t}}</code>{{end}}</td></tr>
<tr><td>time</td><td>optional, maximum response time in seconds</td></tr>
<tr><td>minutes</td><td>only proxies checked in the last N minutes (default {{.DefaultMinutes}})</td></tr>
<tr><td>format</td><td><code>json</code> (default) or <code>text</code>, one <code>host:port</code> per line</td></tr>
</table>
<p>Example: <code>/proxy/http?time=3&amp;minutes=5&amp;format=text</code></p>
<h2>GET /api/top/{type}</h2>
<p>The proxies with the longest uninterrupted availability.</p>
<h2>GET /api/status</h2>
<p>Live, candidate and cached counts per type.</p>
<h2>GET /ws</h2>
<p>WebSocket stream of <code>snapshot_update</code> messages, one per validation cycle.</p>
</body>
</html>
`))

type docsData struct {
	Types          []string
	DefaultMinutes int
}

// HandleDocs 渲染 API 说明页。
func (h *Handler) HandleDocs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	data := docsData{DefaultMinutes: h.defaultMinutes}
	for _, t := range sortedTypes(h.pools) {
		data.Types = append(data.Types, t.String())
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := docsTemplate.Execute(w, data); err != nil {
		l := logger.WithComponent("Web")
		l.Warn().Err(err).Msg("Failed to render docs page.")
	}
}
