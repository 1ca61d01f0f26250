package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/webdav"

	"lanserve/internal/auth"
	"lanserve/internal/config"
	"lanserve/internal/formstream"
	"lanserve/internal/fsutil"
	"lanserve/internal/listing"
	"lanserve/internal/mimetab"
	"lanserve/internal/render"
)

// DAVPrefix is where the WebDAV view of the tree is mounted when enabled.
const DAVPrefix = "/_dav"

type Options struct {
	Config config.Config

	// Optional collaborators; nil selects the defaults.
	Renderer *render.Renderer
	Types    *mimetab.Table
	Listings listing.Source
	Parser   *formstream.Parser
	Logger   *log.Logger
}

type Server struct {
	cfg      config.Config
	auth     *auth.Basic
	render   *render.Renderer
	types    *mimetab.Table
	listings listing.Source
	parser   *formstream.Parser
	thumbs   *thumbCache
	dav      *webdav.Handler
	log      *log.Logger
}

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		auth:     auth.New(cfg),
		render:   opts.Renderer,
		types:    opts.Types,
		listings: opts.Listings,
		parser:   opts.Parser,
		thumbs:   newThumbCache(256),
		log:      opts.Logger,
	}
	if s.log == nil {
		s.log = log.Default()
	}
	if s.render == nil {
		s.render = render.New()
	}
	if s.types == nil {
		s.types = mimetab.New(cfg.MimeTypes)
	}
	if s.listings == nil {
		s.listings = listing.Reader{}
	}
	if s.parser == nil {
		s.parser = &formstream.Parser{Logger: s.log}
	}
	if cfg.WebDAV {
		s.dav = s.newDAV()
	}
	return s, nil
}

// Handler returns the full request pipeline: access log, auth gate, then
// method dispatch.
func (s *Server) Handler() http.Handler {
	return s.accessLog(s.auth.Require(http.HandlerFunc(s.route)))
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if s.dav != nil && (r.URL.Path == DAVPrefix || strings.HasPrefix(r.URL.Path, DAVPrefix+"/")) {
		s.serveDAV(w, r)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.handleGet(w, r)
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// resolve maps the request path onto the served tree.
func (s *Server) resolve(r *http.Request) (rel, abs string, err error) {
	rel = fsutil.CleanRelPath(r.URL.Path)
	abs, err = fsutil.JoinWithinRoot(s.cfg.Root, rel)
	return rel, abs, err
}

func (s *Server) statError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		http.Error(w, "File not found", http.StatusNotFound)
	case errors.Is(err, os.ErrPermission):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		s.log.Printf("stat: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// copyBody streams src to the client. A client that goes away mid-transfer
// is not an error worth reporting.
func (s *Server) copyBody(r *http.Request, w io.Writer, src io.Reader, name string) {
	if _, err := io.Copy(w, src); err != nil && !isDisconnect(r, err) {
		s.log.Printf("send %s: %v", name, err)
	}
}

func isDisconnect(r *http.Request, err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(r.Context().Err(), context.Canceled)
}

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int64
}

func (sw *statusWriter) WriteHeader(code int) {
	if sw.status == 0 {
		sw.status = code
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	n, err := sw.ResponseWriter.Write(p)
	sw.n += int64(n)
	return n, err
}

// ReadFrom keeps net/http's sendfile path for io.Copy from files.
func (sw *statusWriter) ReadFrom(src io.Reader) (int64, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	var (
		n   int64
		err error
	)
	if rf, ok := sw.ResponseWriter.(io.ReaderFrom); ok {
		n, err = rf.ReadFrom(src)
	} else {
		n, err = io.Copy(sw.ResponseWriter, src)
	}
	sw.n += n
	return n, err
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		s.log.Printf("%s %s %s %q %s %d %d %s",
			id, clientIP(r), r.Method, r.URL.RequestURI(), r.Proto, status, sw.n, time.Since(start).Round(time.Microsecond))
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
