package api

import (
	"net/http"
	"path/filepath"
	"strings"
)

// staticContentTypes maps the extensions called out for doc-root static
// serving. http.ServeFile already sniffs most of these correctly, but
// setting them up front keeps behavior stable across platforms whose
// mime.types might not know "yaml".
var staticContentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".svg":  "image/svg+xml",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".csv":  "text/csv; charset=utf-8",
}

// handleStatic implements the fallback file serving from
// HTTPConfig.DocRoot. It is registered as the router's NotFound handler
// so every unmatched path is tried against the document root before
// returning 404.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DocRoot == "" {
		writeNotFound(w, "no such route, and no document root configured")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w)
		return
	}

	name := filepath.Clean(strings.TrimPrefix(r.URL.Path, "/"))
	if name == "." || name == "" {
		name = "index.html"
	}
	if strings.HasPrefix(name, "..") {
		writeNotFound(w, "not found")
		return
	}

	path := filepath.Join(s.cfg.DocRoot, name)
	if ext := filepath.Ext(path); ext != "" {
		if ct, ok := staticContentTypes[strings.ToLower(ext)]; ok {
			w.Header().Set("Content-Type", ct)
		}
	}

	http.ServeFile(w, r, path)
}
