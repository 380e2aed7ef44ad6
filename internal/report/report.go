// Package report renders a run's state and event stream into a
// self-contained HTML summary next to the run's artifacts.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"

	"github.com/stephengodman/ios-agent-runner/internal/runstate"
)

// eventTail is how many trailing events the report shows.
const eventTail = 30

var reportTmpl = template.Must(template.New("report").Funcs(template.FuncMap{
	"base": filepath.Base,
}).Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Run {{.State.RunID}}</title>
<style>
body { font-family: -apple-system, Helvetica, Arial, sans-serif; margin: 2em; color: #222; }
h1 { font-size: 1.3em; }
h2 { font-size: 1.1em; margin-top: 1.5em; }
table { border-collapse: collapse; margin: 0.5em 0; }
td, th { border: 1px solid #ccc; padding: 4px 10px; text-align: left; vertical-align: top; }
th { background: #f2f2f2; }
.status-completed { color: #1a7f37; font-weight: bold; }
.status-failed { color: #cf222e; font-weight: bold; }
.status-paused { color: #9a6700; font-weight: bold; }
.status-running { color: #0969da; font-weight: bold; }
.result { font-family: monospace; font-size: 0.9em; white-space: pre-wrap; max-width: 40em; }
img.thumb { max-width: 160px; border: 1px solid #ccc; }
</style>
</head>
<body>
<h1>Run {{.State.RunID}}</h1>

<h2>Summary</h2>
<table>
<tr><th>Goal</th><td>{{.State.Goal}}</td></tr>
<tr><th>Status</th><td class="status-{{.State.Status}}">{{.State.Status}}</td></tr>
{{if .State.Summary}}<tr><th>Outcome</th><td>{{.State.Summary}}</td></tr>{{end}}
{{if .State.BundleID}}<tr><th>Bundle</th><td>{{.State.BundleID}}</td></tr>{{end}}
<tr><th>Safe mode</th><td>{{.State.SafeMode}}</td></tr>
<tr><th>Steps</th><td>{{.State.LastStep}} / {{.State.MaxSteps}}</td></tr>
<tr><th>Created</th><td>{{.State.CreatedAt}}</td></tr>
{{if .State.CompletedAt}}<tr><th>Completed</th><td>{{.State.CompletedAt}}</td></tr>{{end}}
</table>

<h2>Metrics</h2>
<table>
{{range $key, $val := .State.Metrics}}<tr><th>{{$key}}</th><td>{{$val}}</td></tr>
{{end}}</table>

<h2>Steps</h2>
<table>
<tr><th>#</th><th>Tool</th><th>Result</th><th>Screenshot</th></tr>
{{range .State.History}}<tr>
<td>{{.Step}}</td>
<td>{{.Tool}}</td>
<td class="result">{{.Result}}</td>
<td>{{if .ScreenshotPath}}<a href="{{.ScreenshotPath}}"><img class="thumb" src="{{.ScreenshotPath}}" alt="{{base .ScreenshotPath}}"></a>{{end}}
{{if .TreePath}}<a href="{{.TreePath}}">{{base .TreePath}}</a>{{end}}</td>
</tr>
{{end}}</table>

<h2>Recent events</h2>
<table>
<tr><th>Time</th><th>Type</th><th>Detail</th></tr>
{{range .Events}}<tr>
<td>{{.Timestamp}}</td>
<td>{{.Type}}</td>
<td class="result">{{if .Tool}}{{.Tool}} {{end}}{{if .Result}}{{.Result}}{{end}}{{if .Reason}}{{.Reason}}{{end}}{{if .Summary}}{{.Summary}}{{end}}{{if .Path}}{{base .Path}}{{end}}</td>
</tr>
{{end}}</table>
</body>
</html>
`))

type reportData struct {
	State  *runstate.State
	Events []runstate.Event
}

// Render writes report.html for a run and returns its path.
func Render(store *runstate.Store, runID string) (string, error) {
	st, err := store.LoadState(runID)
	if err != nil {
		return "", err
	}
	if st == nil {
		return "", fmt.Errorf("report: run %s not found", runID)
	}

	events, err := store.ReplayRun(runID)
	if err != nil {
		// A run with no event log still gets a report.
		events = nil
	}
	if len(events) > eventTail {
		events = events[len(events)-eventTail:]
	}

	paths := store.Paths(runID)
	f, err := os.Create(paths.Report)
	if err != nil {
		return "", fmt.Errorf("report: create file: %w", err)
	}
	defer f.Close()

	if err := reportTmpl.Execute(f, reportData{State: st, Events: events}); err != nil {
		return "", fmt.Errorf("report: render: %w", err)
	}
	return paths.Report, nil
}
