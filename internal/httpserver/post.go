package httpserver

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"lanserve/internal/formstream"
	"lanserve/internal/fsutil"
)

const (
	msgUploaded = "Upload successful"
	msgDeleted  = "Delete successful"
)

// handlePost streams an upload/delete form into the addressed directory and
// answers with the refreshed listing.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Mode.Writable() {
		http.Error(w, "Forbidden: server is read-only", http.StatusForbidden)
		return
	}
	mt, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/form-data" || params["boundary"] == "" {
		http.Error(w, "Expected multipart/form-data with a boundary", http.StatusBadRequest)
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "Content-Length required", http.StatusBadRequest)
		return
	}
	rel, dir, err := s.resolve(r)
	if err != nil {
		http.Error(w, "Bad path", http.StatusBadRequest)
		return
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		http.Error(w, "Directory not found", http.StatusNotFound)
		return
	}

	res, err := s.parser.Parse(r.Body, params["boundary"], r.ContentLength, dir)
	if res != nil && len(res.Uploaded) > 0 {
		s.listings.Invalidate(dir)
	}
	if err != nil {
		s.log.Printf("POST %s: %v", r.URL.Path, err)
		if errors.Is(err, formstream.ErrInvalidFilename) {
			http.Error(w, "Error processing request: "+err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "Error processing request: "+err.Error(), http.StatusInternalServerError)
		return
	}
	for _, name := range res.Uploaded {
		s.log.Printf("uploaded %s", filepath.Join(dir, name))
	}

	for _, name := range res.Deleted {
		if !fsutil.IsPlainName(name) {
			s.log.Printf("delete: ignoring %q, not a plain file name", name)
			continue
		}
		p := filepath.Join(dir, name)
		st, err := os.Lstat(p)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Printf("delete %s: %v", p, err)
			s.listings.Invalidate(dir)
			http.Error(w, "Error deleting file "+name, http.StatusInternalServerError)
			return
		}
		s.log.Printf("deleted %s", p)
	}

	msg := msgDeleted
	if len(res.Uploaded) > 0 {
		msg = msgUploaded
	}
	s.listings.Invalidate(dir)
	s.serveDir(w, r, rel, dir, msg)
}
