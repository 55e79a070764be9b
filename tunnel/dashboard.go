package tunnel

import (
	"html/template"
	"io"
)

// HTMLRenderer is the stock dashboard renderer: a single page listing the
// captured exchanges with prune and replay controls.
type HTMLRenderer struct {
	tmpl *template.Template
}

// NewHTMLRenderer parses the built-in dashboard template.
func NewHTMLRenderer() *HTMLRenderer {
	return &HTMLRenderer{tmpl: template.Must(template.New("dashboard").Parse(dashboardTemplate))}
}

func (h *HTMLRenderer) RenderLogs(w io.Writer, data *DashboardData) error {
	return h.tmpl.Execute(w, data)
}

const dashboardTemplate = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Hostname}} — request inspector</title>
<style>
body { font-family: monospace; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
th, td { border: 1px solid #ccc; padding: 4px 8px; text-align: left; }
.flash { color: #060; }
.flash-error { color: #a00; }
</style>
</head>
<body>
<h1>{{.Hostname}}</h1>
{{if .Flash}}<p class="flash">{{.Flash}}</p>{{end}}
{{if .FlashError}}<p class="flash-error">{{.FlashError}}</p>{{end}}
<form method="post">
<input type="hidden" name="token" value="{{.Token}}">
<input type="hidden" name="action" value="prune">
<button type="submit">Prune all</button>
</form>
<table>
<tr><th>id</th><th>when</th><th>method</th><th>path</th><th>status</th><th></th></tr>
{{range .Logs}}
<tr>
<td>{{.ID}}</td>
<td>{{.CreatedAt.Format "2006-01-02 15:04:05"}}</td>
<td>{{.Method}}</td>
<td>{{.Path}}</td>
<td>{{.ResponseStatus}}</td>
<td>
<form method="post">
<input type="hidden" name="token" value="{{$.Token}}">
<input type="hidden" name="action" value="replay">
<input type="hidden" name="logId" value="{{.ID}}">
<button type="submit">Replay</button>
</form>
</td>
</tr>
{{end}}
</table>
</body>
</html>
`
