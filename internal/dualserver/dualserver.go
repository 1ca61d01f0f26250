// Package dualserver runs the HTTPS file server and its optional plain HTTP
// redirect listener as one unit with a single shutdown path.
package dualserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/net/http2"
)

type State int32

const (
	Created State = iota
	CertificateReady
	Listening
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case CertificateReady:
		return "certificate-ready"
	case Listening:
		return "listening"
	case ShuttingDown:
		return "shutting-down"
	case Stopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

var ErrState = errors.New("dualserver: invalid state transition")

// CertSource hands out the certificate and key files for the HTTPS listener.
// *certs.Provisioner implements it.
type CertSource interface {
	Ensure() (certPath, keyPath string, err error)
}

type Options struct {
	Handler http.Handler
	Certs   CertSource

	BindIP    string
	HTTPSPort int
	// HTTPPort is only used when Redirect is set.
	HTTPPort int
	Redirect bool

	Logger *log.Logger
}

type Server struct {
	opts     Options
	certFile string
	keyFile  string
	log      *log.Logger

	state atomic.Int32

	mu       sync.Mutex
	https    *http.Server
	redirect *http.Server
	httpsLn  net.Listener
	httpLn   net.Listener

	wg   sync.WaitGroup
	errc chan error
	done chan struct{}
}

// New provisions the certificate. Failure here means HTTPS cannot start.
func New(opts Options) (*Server, error) {
	if opts.Handler == nil {
		return nil, errors.New("dualserver: nil handler")
	}
	if opts.Certs == nil {
		return nil, errors.New("dualserver: nil certificate source")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		opts: opts,
		log:  logger,
		errc: make(chan error, 2),
		done: make(chan struct{}),
	}
	certFile, keyFile, err := opts.Certs.Ensure()
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	s.certFile, s.keyFile = certFile, keyFile
	s.state.Store(int32(CertificateReady))
	return s, nil
}

func (s *Server) State() State { return State(s.state.Load()) }

// Done is closed once both listeners are stopped.
func (s *Server) Done() <-chan struct{} { return s.done }

// Start binds both sockets before returning, so bind errors surface here,
// then serves each listener on its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != CertificateReady {
		return fmt.Errorf("%w: start from %s", ErrState, s.State())
	}

	pair, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	httpsSrv := &http.Server{
		Handler: s.opts.Handler,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{pair},
		},
		ErrorLog: log.New(&lineFilter{dst: s.log.Writer(), drop: []byte("TLS handshake error")}, "[HTTPS] ", s.log.Flags()),
	}
	if err := http2.ConfigureServer(httpsSrv, &http2.Server{}); err != nil {
		return fmt.Errorf("http2: %w", err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.opts.BindIP, strconv.Itoa(s.opts.HTTPSPort)))
	if err != nil {
		return fmt.Errorf("listen https: %w", err)
	}
	httpsPort := ln.Addr().(*net.TCPAddr).Port

	var redirectSrv *http.Server
	var hln net.Listener
	if s.opts.Redirect {
		hln, err = net.Listen("tcp", net.JoinHostPort(s.opts.BindIP, strconv.Itoa(s.opts.HTTPPort)))
		if err != nil {
			ln.Close()
			return fmt.Errorf("listen http: %w", err)
		}
		redirectSrv = &http.Server{
			Handler: RedirectHandler(httpsPort),
			// Plaintext garbage, TLS hellos included, is dropped without a trace.
			ErrorLog: log.New(io.Discard, "", 0),
		}
	}

	s.https, s.httpsLn = httpsSrv, tls.NewListener(ln, httpsSrv.TLSConfig)
	s.redirect, s.httpLn = redirectSrv, hln
	s.state.Store(int32(Listening))

	s.log.Printf("[HTTPS] Serving on %s", ln.Addr())
	s.serve("HTTPS", s.https, s.httpsLn)
	if s.redirect != nil {
		s.log.Printf("[HTTP] Serving on %s -> redirecting to HTTPS port %d", hln.Addr(), httpsPort)
		s.serve("HTTP", s.redirect, s.httpLn)
	}
	return nil
}

func (s *Server) serve(name string, srv *http.Server, ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errc <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// HTTPSAddr is the bound HTTPS address; nil before Start.
func (s *Server) HTTPSAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpsLn == nil {
		return nil
	}
	return s.httpsLn.Addr()
}

// HTTPAddr is the bound redirect address; nil without a redirect listener.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Run starts the server and blocks until ctx is cancelled or a listener
// fails, then shuts down and waits for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	var serveErr error
	select {
	case <-ctx.Done():
		s.log.Printf("shutdown requested")
	case serveErr = <-s.errc:
		s.log.Printf("listener failed: %v", serveErr)
	}
	if err := s.Shutdown(context.Background()); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops both listeners from accepting and waits, bounded by ctx,
// for active requests to finish. Calling it again is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	// Start holds mu from its state check until Listening, so it cannot
	// slip in between this check and close(done).
	s.mu.Lock()
	if s.state.CompareAndSwap(int32(CertificateReady), int32(Stopped)) {
		s.mu.Unlock()
		close(s.done)
		return nil
	}
	s.mu.Unlock()
	if !s.state.CompareAndSwap(int32(Listening), int32(ShuttingDown)) {
		select {
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	servers := []*http.Server{s.https, s.redirect}
	s.mu.Unlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				errMu.Lock()
				if first == nil {
					first = err
				}
				errMu.Unlock()
			}
		}(srv)
	}
	wg.Wait()
	s.wg.Wait()

	s.state.Store(int32(Stopped))
	close(s.done)
	s.log.Printf("server stopped")
	return first
}

// RedirectHandler sends every request to the same host and path on the
// HTTPS port.
func RedirectHandler(httpsPort int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		} else {
			host = strings.Trim(host, "[]")
		}
		if host == "" {
			host = "localhost"
		}
		authority := net.JoinHostPort(host, strconv.Itoa(httpsPort))
		if httpsPort == 443 {
			authority = host
			if strings.Contains(host, ":") {
				authority = "[" + host + "]"
			}
		}
		http.Redirect(w, r, "https://"+authority+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}

// lineFilter drops log lines containing drop and passes the rest to dst.
// The standard logger emits one line per Write.
type lineFilter struct {
	dst  io.Writer
	drop []byte
}

func (f *lineFilter) Write(p []byte) (int, error) {
	if bytes.Contains(p, f.drop) {
		return len(p), nil
	}
	return f.dst.Write(p)
}
