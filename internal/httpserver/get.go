package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"lanserve/internal/mimetab"
	"lanserve/internal/render"
)

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rel, abs, err := s.resolve(r)
	if err != nil {
		http.Error(w, "Bad path", http.StatusBadRequest)
		return
	}
	st, err := os.Stat(abs)
	if err != nil {
		s.statError(w, err)
		return
	}
	if st.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			loc := &url.URL{Path: r.URL.Path + "/", RawQuery: r.URL.RawQuery}
			http.Redirect(w, r, loc.String(), http.StatusMovedPermanently)
			return
		}
		s.serveDir(w, r, rel, abs, "")
		return
	}
	if !st.Mode().IsRegular() {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("thumb") == "1" && s.types.IsImage(st.Name()) {
		s.serveThumb(w, r, abs, st)
		return
	}
	s.serveFile(w, r, abs, st)
}

// serveDir renders the listing page for abs. msg is the optional status
// line shown after a POST.
func (s *Server) serveDir(w http.ResponseWriter, r *http.Request, rel, abs, msg string) {
	l, err := s.listings.List(abs)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		s.log.Printf("list %s: %v", abs, err)
		http.Error(w, "Error listing directory", http.StatusInternalServerError)
		return
	}
	p := "/"
	if rel != "" {
		p = "/" + rel + "/"
	}
	var buf bytes.Buffer
	err = s.render.Render(&buf, render.Page{
		Path:       p,
		Entries:    l.Entries,
		Total:      l.Total,
		Writable:   s.cfg.Mode.Writable(),
		Message:    msg,
		Thumbnails: s.types.IsImage,
	})
	if err != nil {
		s.log.Printf("render %s: %v", p, err)
		http.Error(w, "Error rendering page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(buf.Bytes())
}

// serveFile answers with the whole file or a single byte range of it.
// Allowlisted text files without a satisfiable range go through the lossy
// UTF-8 view instead.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, abs string, st os.FileInfo) {
	f, err := os.Open(abs)
	if err != nil {
		s.statError(w, err)
		return
	}
	defer f.Close()

	name := st.Name()
	size := st.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Last-Modified", st.ModTime().UTC().Format(http.TimeFormat))

	start, end, kind := parseRange(r.Header.Get("Range"), size)
	switch kind {
	case rangeUnsatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		h.Set("Content-Length", "0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	case rangeOK:
		n := end - start + 1
		h.Set("Content-Type", s.types.TypeOf(name))
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		h.Set("Content-Length", strconv.FormatInt(n, 10))
		w.WriteHeader(http.StatusPartialContent)
		if r.Method == http.MethodHead {
			return
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			s.log.Printf("seek %s: %v", name, err)
			return
		}
		s.copyBody(r, w, io.LimitReader(f, n), name)
		return
	}

	if s.types.IsText(name) {
		s.serveText(w, r, f, name)
		return
	}
	h.Set("Content-Type", s.types.TypeOf(name))
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	s.copyBody(r, w, f, name)
}

// serveText streams f inline as UTF-8, replacing invalid sequences with
// U+FFFD. The decoded length is unknown up front, so no Content-Length.
func (s *Server) serveText(w http.ResponseWriter, r *http.Request, f io.Reader, name string) {
	w.Header().Set("Content-Type", mimetab.TextPlain)
	w.Header().Set("Content-Disposition", "inline")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	s.copyBody(r, w, transform.NewReader(f, unicode.UTF8.NewDecoder()), name)
}
