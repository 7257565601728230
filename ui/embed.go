// SPDX-License-Identifier: MIT
//
// Embed assets of the status page.
//

package ui

import (
	"embed"
	"html/template"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"detour/config"
	"detour/log"
	"detour/querylog"
	"detour/stats"
)

//go:embed static template/*.tmpl
var content embed.FS

var (
	templates     *template.Template
	templatesOnce sync.Once
)

// Status is the data of the status page.
type Status struct {
	Version        *config.VersionInfo
	Uptime         time.Duration
	Stats          stats.Snapshot
	CacheEntries   int
	BlocklistRules int
	Upstreams      []string
	QueryLog       bool // whether the query log is enabled
	Queries        []querylog.Entry
}

var funcs = template.FuncMap{
	"since": func(t time.Time) string {
		return time.Since(t).Truncate(time.Second).String()
	},
	"round": func(d time.Duration) string {
		return d.Truncate(time.Second).String()
	},
}

func ServeStatic() http.Handler {
	staticFS, err := fs.Sub(content, "static")
	if err != nil {
		panic(err)
	}
	return http.FileServer(http.FS(staticFS))
}

func GetTemplate(name string) *template.Template {
	templatesOnce.Do(func() {
		templates = template.Must(
			template.New("").Funcs(funcs).ParseFS(content, "template/*.tmpl"))
		tt := []string{}
		for _, t := range templates.Templates() {
			tt = append(tt, t.Name())
		}
		log.Debugf("parsed templates: %+v", tt)
	})

	return templates.Lookup(name)
}

// Render executes the named template into w.
func Render(w io.Writer, name string, data any) error {
	t := GetTemplate(name)
	if t == nil {
		return fs.ErrNotExist
	}
	return t.Execute(w, data)
}
