// Package frontend is the HTTP face of pipewatch: a JSON API over the
// tracker and log feed, a server-sent log stream, and the embedded dashboard.
package frontend

import (
	"bytes"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"
)

// SPAHandler serves the dashboard. Unknown paths get index.html so the
// client can route; /api/ paths never do.
type SPAHandler struct {
	files http.Handler
	fsys  fs.FS
}

// NewSPAHandler serves fsys, which must already be rooted at the build
// output (fs.Sub(frontend.DistFS(), "dist")).
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	return &SPAHandler{files: http.FileServer(http.FS(fsys)), fsys: fsys}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		http.NotFound(w, r)
		return
	}

	name := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	if name != "" && name != "index.html" {
		if info, err := fs.Stat(h.fsys, name); err == nil && !info.IsDir() {
			if strings.HasPrefix(name, "assets/") {
				w.Header().Set("Cache-Control", "public, max-age=3600")
			}
			h.files.ServeHTTP(w, r)
			return
		}
	}
	h.serveIndex(w, r)
}

func (h *SPAHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.fsys, "index.html")
	if err != nil {
		http.Error(w, "dashboard not built", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(data))
}
