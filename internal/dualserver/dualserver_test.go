package dualserver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"lanserve/internal/certs"
)

func testCerts(t *testing.T) *certs.Provisioner {
	t.Helper()
	p, err := certs.New(filepath.Join(t.TempDir(), "certs"), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatal(err)
	}
	p.Bits = 2048
	return p
}

func newServer(t *testing.T, h http.Handler, redirect bool) *Server {
	t.Helper()
	s, err := New(Options{
		Handler:  h,
		Certs:    testCerts(t),
		BindIP:   "127.0.0.1",
		Redirect: redirect,
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func tlsClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
			ForceAttemptHTTP2: true,
		},
		Timeout: 10 * time.Second,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
}

func port(a net.Addr) int { return a.(*net.TCPAddr).Port }

func TestLifecycleStates(t *testing.T) {
	s := newServer(t, okHandler(), false)
	if s.State() != CertificateReady {
		t.Fatalf("state = %s", s.State())
	}
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	if s.State() != Listening {
		t.Fatalf("state = %s", s.State())
	}
	if err := s.Start(); !errors.Is(err, ErrState) {
		t.Fatalf("second Start: %v", err)
	}
	addr := s.HTTPSAddr().String()
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != Stopped {
		t.Fatalf("state = %s", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("Done not closed after shutdown")
	}
	if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		c.Close()
		t.Fatalf("listener still accepting after shutdown")
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestServesHTTPSWithHTTP2(t *testing.T) {
	s := newServer(t, okHandler(), false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	resp, err := tlsClient().Get("https://" + s.HTTPSAddr().String() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q", body)
	}
	if resp.ProtoMajor != 2 {
		t.Fatalf("proto = %s", resp.Proto)
	}
	if s.HTTPAddr() != nil {
		t.Fatalf("redirect listener started without Redirect")
	}
}

func TestRedirectListener(t *testing.T) {
	s := newServer(t, okHandler(), true)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	httpsPort := port(s.HTTPSAddr())
	httpAddr := s.HTTPAddr().String()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		Timeout:       5 * time.Second,
	}
	want := "https://127.0.0.1:" + strconv.Itoa(httpsPort) + "/docs/a%20b.txt?x=1"
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req, _ := http.NewRequest(method, "http://"+httpAddr+"/docs/a%20b.txt?x=1", nil)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMovedPermanently {
			t.Fatalf("%s: status = %d", method, resp.StatusCode)
		}
		if loc := resp.Header.Get("Location"); loc != want {
			t.Fatalf("%s: Location = %q, want %q", method, loc, want)
		}
	}

	// A TLS client hello on the plaintext port must not take the listener down.
	c, err := net.Dial("tcp", httpAddr)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = c.Write([]byte("\x16\x03\x01\x02\x00\x01\x00\x01\xfc\x03\x03\r\n\r\n"))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _ = io.ReadAll(c)
	c.Close()

	resp, err := client.Get("http://" + httpAddr + "/")
	if err != nil {
		t.Fatalf("redirect listener died after garbage: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRedirectHandlerHosts(t *testing.T) {
	cases := []struct {
		host string
		port int
		want string
	}{
		{"files.lan:8081", 8080, "https://files.lan:8080/p"},
		{"files.lan", 8443, "https://files.lan:8443/p"},
		{"[::1]:81", 8443, "https://[::1]:8443/p"},
		{"[::1]", 443, "https://[::1]/p"},
		{"example.com:80", 443, "https://example.com/p"},
	}
	for _, c := range cases {
		req, _ := http.NewRequest(http.MethodGet, "http://placeholder/p", nil)
		req.Host = c.host
		rr := &recorder{header: http.Header{}}
		RedirectHandler(c.port).ServeHTTP(rr, req)
		if rr.code != http.StatusMovedPermanently || rr.header.Get("Location") != c.want {
			t.Errorf("%s: %d %q, want %q", c.host, rr.code, rr.header.Get("Location"), c.want)
		}
	}
}

type recorder struct {
	header http.Header
	code   int
}

func (r *recorder) Header() http.Header         { return r.header }
func (r *recorder) Write(p []byte) (int, error) { return len(p), nil }
func (r *recorder) WriteHeader(code int)        { r.code = code }

func TestRunStopsOnCancel(t *testing.T) {
	s := newServer(t, okHandler(), true)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != Listening {
		if time.Now().After(deadline) {
			t.Fatalf("server never reached Listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if s.State() != Stopped {
		t.Fatalf("state = %s", s.State())
	}
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, "finished")
	})
	s := newServer(t, h, false)
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	type result struct {
		body string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := tlsClient().Get("https://" + s.HTTPSAddr().String() + "/slow")
		if err != nil {
			got <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		got <- result{body: string(b), err: err}
	}()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- s.Shutdown(context.Background()) }()

	select {
	case <-stopped:
		t.Fatalf("Shutdown returned while a request was in flight")
	case <-time.After(200 * time.Millisecond):
	}
	if s.State() != ShuttingDown {
		t.Fatalf("state = %s", s.State())
	}
	close(release)

	r := <-got
	if r.err != nil || r.body != "finished" {
		t.Fatalf("in-flight request: %q %v", r.body, r.err)
	}
	if err := <-stopped; err != nil {
		t.Fatal(err)
	}
}

func TestShutdownRacingStart(t *testing.T) {
	prov := testCerts(t)
	for i := 0; i < 20; i++ {
		s, err := New(Options{
			Handler: okHandler(),
			Certs:   prov,
			BindIP:  "127.0.0.1",
			Logger:  log.New(io.Discard, "", 0),
		})
		if err != nil {
			t.Fatal(err)
		}
		started := make(chan error, 1)
		go func() { started <- s.Start() }()
		if err := s.Shutdown(context.Background()); err != nil {
			t.Fatal(err)
		}
		startErr := <-started
		if startErr == nil {
			// Start won; Shutdown must have stopped what it started.
			if err := s.Shutdown(context.Background()); err != nil {
				t.Fatal(err)
			}
			addr := s.HTTPSAddr().String()
			if c, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
				c.Close()
				t.Fatalf("iteration %d: listener %s outlived shutdown", i, addr)
			}
		} else if !errors.Is(startErr, ErrState) {
			t.Fatalf("iteration %d: Start: %v", i, startErr)
		}
		if s.State() != Stopped {
			t.Fatalf("iteration %d: state = %s", i, s.State())
		}
	}
}

type failingCerts struct{}

func (failingCerts) Ensure() (string, string, error) { return "", "", errors.New("no entropy") }

func TestNewFailsWithoutCertificate(t *testing.T) {
	_, err := New(Options{Handler: okHandler(), Certs: failingCerts{}, Logger: log.New(io.Discard, "", 0)})
	if err == nil {
		t.Fatalf("expected certificate error")
	}
}

func TestStartFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	s, err := New(Options{
		Handler:   okHandler(),
		Certs:     testCerts(t),
		BindIP:    "127.0.0.1",
		HTTPSPort: port(busy.Addr()),
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(); err == nil {
		t.Fatalf("expected bind error")
	}
	if s.State() != CertificateReady {
		t.Fatalf("state = %s", s.State())
	}
}

func TestLineFilter(t *testing.T) {
	var buf bytes.Buffer
	l := log.New(&lineFilter{dst: &buf, drop: []byte("TLS handshake error")}, "", 0)
	l.Printf("http: TLS handshake error from 10.0.0.2:5555: EOF")
	l.Printf("http: Accept error: too many open files")
	if got := buf.String(); got != "http: Accept error: too many open files\n" {
		t.Fatalf("filtered log = %q", got)
	}
}
