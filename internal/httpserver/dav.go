package httpserver

import (
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/net/webdav"

	"lanserve/internal/fsutil"
)

func (s *Server) newDAV() *webdav.Handler {
	return &webdav.Handler{
		Prefix:     DAVPrefix,
		FileSystem: webdav.Dir(s.cfg.Root),
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.log.Printf("webdav %s %s: %v", r.Method, r.URL.Path, err)
			}
		},
	}
}

// serveDAV applies the access mode to WebDAV: read mode only allows the
// methods that cannot change the tree.
func (s *Server) serveDAV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, "PROPFIND":
		s.dav.ServeHTTP(w, r)
		return
	}
	if !s.cfg.Mode.Writable() {
		http.Error(w, "Forbidden: server is read-only", http.StatusForbidden)
		return
	}
	s.dav.ServeHTTP(w, r)

	rel := fsutil.CleanRelPath(strings.TrimPrefix(r.URL.Path, DAVPrefix))
	if abs, err := fsutil.JoinWithinRoot(s.cfg.Root, rel); err == nil {
		s.listings.Invalidate(filepath.Dir(abs))
	}
}
