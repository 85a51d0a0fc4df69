package dashboard

import (
	"embed"
	"mime"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
)

//go:embed public
var assetFS embed.FS

func (d *Dashboard) serveDashboardIndex(w http.ResponseWriter, r *http.Request) {
	serveEmbeddedFile(w, "index.html")
}

func (d *Dashboard) serveDashboardAsset(w http.ResponseWriter, r *http.Request) {
	serveEmbeddedFile(w, chi.URLParam(r, "*"))
}

// serveEmbeddedFile writes a file from the embedded assets, or a plain 404
// when the path does not exist.
func serveEmbeddedFile(w http.ResponseWriter, name string) {
	data, err := assetFS.ReadFile(path.Join("public", path.Clean("/"+name)))
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("404 Not Found"))
		return
	}

	ctype := mime.TypeByExtension(path.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	_, _ = w.Write(data)
}
