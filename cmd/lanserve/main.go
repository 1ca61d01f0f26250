package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/crypto/bcrypt"

	"lanserve/internal/bindsel"
	"lanserve/internal/certs"
	"lanserve/internal/config"
	"lanserve/internal/dualserver"
	"lanserve/internal/fsutil"
	"lanserve/internal/httpserver"
	"lanserve/internal/listing"
)

const killGrace = 3 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) > 1 && os.Args[1] == "passwd" {
		passwdCmd(os.Args[2:])
		return
	}

	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	logSettings(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ip, port, httpPort, err := selectAddr(ctx, cfg)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	log.Printf("binding server to %s", net.JoinHostPort(ip, strconv.Itoa(port)))

	prov, err := certs.New(cfg.CertDir, log.Default())
	if err != nil {
		log.Fatalf("certs: %v", err)
	}
	prov.Hosts = []string{ip}

	var listings listing.Source = listing.Reader{}
	if cfg.CacheListings {
		cache, err := listing.NewCache(log.Default())
		if err != nil {
			log.Fatalf("listing cache: %v", err)
		}
		defer cache.Close()
		listings = cache
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Listings: listings,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	ds, err := dualserver.New(dualserver.Options{
		Handler:   withHeaders(srv.Handler()),
		Certs:     prov,
		BindIP:    ip,
		HTTPSPort: port,
		HTTPPort:  httpPort,
		Redirect:  cfg.Redirect,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("tls: %v", err)
	}

	url := "https://" + net.JoinHostPort(displayHost(ip), strconv.Itoa(port)) + "/"
	log.Printf("lanserve ready at %s (root=%s mode=%s)", url, cfg.Root, cfg.Mode)
	if cfg.WebDAV {
		log.Printf("webdav endpoint: %s", url[:len(url)-1]+httpserver.DAVPrefix+"/")
	}
	if cfg.QRCode {
		qrterminal.GenerateHalfBlock(url, qrterminal.M, os.Stdout)
	}

	if err := ds.Run(ctx); err != nil {
		log.Fatalf("serve: %v", err)
	}
}

// loadConfig reads the optional -config file and applies every flag that was
// set explicitly on top of it.
func loadConfig(fs *flag.FlagSet, args []string) (config.Config, error) {
	var (
		cfgPath  = fs.String("config", "", "path to config json (optional)")
		root     = fs.String("root", "", "directory to serve (default: home of the invoking user)")
		bind     = fs.String("bind", "0.0.0.0", "IP address to bind")
		port     = fs.Int("port", 80, "HTTPS port")
		httpPort = fs.Int("http-port", 0, "HTTP redirect port (default: port+1)")
		redirect = fs.Bool("redirect", false, "also listen on plain HTTP and redirect to HTTPS")
		mode     = fs.String("mode", "read", "access mode: read or write")
		user     = fs.String("user", "admin", "username for Basic auth")
		pass     = fs.String("pass", "", "password for Basic auth")
		certDir  = fs.String("cert-dir", "", "certificate directory (default: per-user app dir)")
		kill     = fs.Bool("kill", false, "terminate processes already listening on the port")
		cache    = fs.Bool("cache", false, "cache directory listings (fsnotify invalidated)")
		dav      = fs.Bool("webdav", false, "mount the tree over WebDAV at "+httpserver.DAVPrefix+"/")
		qr       = fs.Bool("qr", false, "print the server URL as a QR code")
	)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			return cfg, err
		}
		cfg = c
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Root = *root
		case "bind":
			cfg.Bind = *bind
		case "port":
			cfg.Port = *port
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "redirect":
			cfg.Redirect = *redirect
		case "mode":
			cfg.Mode = config.Mode(*mode)
		case "user":
			cfg.Username = *user
		case "pass":
			cfg.Password = *pass
			cfg.PasswordBcrypt = ""
		case "cert-dir":
			cfg.CertDir = *certDir
		case "kill":
			cfg.KillExisting = *kill
		case "cache":
			cfg.CacheListings = *cache
		case "webdav":
			cfg.WebDAV = *dav
		case "qr":
			cfg.QRCode = *qr
		}
	})
	if cfg.Root == "" {
		home, err := fsutil.UserHome()
		if err != nil {
			return cfg, err
		}
		cfg.Root = home
	}
	if err := cfg.Normalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func logSettings(cfg config.Config) {
	log.Printf("%-15s %s", "Serving path:", cfg.Root)
	log.Printf("%-15s %d", "Port:", cfg.Port)
	log.Printf("%-15s %s", "Bind IP:", cfg.Bind)
	log.Printf("%-15s %s", "Mode:", cfg.Mode)
	log.Printf("%-15s %s", "Username:", cfg.Username)
	log.Printf("%-15s %s", "Password:", "********")
}

// selectAddr resolves the HTTPS ip:port and, with redirect on, the HTTP port.
func selectAddr(ctx context.Context, cfg config.Config) (ip string, port, httpPort int, err error) {
	sel := bindsel.New(log.Default())

	port, err = pickPort(ctx, sel, cfg.Port, cfg.KillExisting)
	if err != nil {
		return "", 0, 0, err
	}
	if runtime.GOOS == "darwin" {
		// launchd jobs start before interfaces settle; keep what was asked for.
		ip = cfg.Bind
		log.Printf("bind: macOS, skipping bind IP auto-detection")
	} else {
		ip = sel.IP(port, cfg.Bind)
	}

	if !cfg.Redirect {
		return ip, port, 0, nil
	}
	httpPort = cfg.HTTPPort
	if port != cfg.Port && httpPort == cfg.Port+1 {
		httpPort = port + 1
	}
	sel.ScanBase = port + 1
	httpPort, err = pickPort(ctx, sel, httpPort, cfg.KillExisting)
	if err != nil {
		return "", 0, 0, fmt.Errorf("http redirect port: %w", err)
	}
	if httpPort == port {
		return "", 0, 0, fmt.Errorf("http redirect port %d collides with https port", httpPort)
	}
	return ip, port, httpPort, nil
}

func pickPort(ctx context.Context, sel *bindsel.Selector, want int, kill bool) (int, error) {
	port, err := sel.Port(want)
	if err == nil || !kill || !errors.Is(err, bindsel.ErrPortInUse) {
		return port, err
	}
	pids, kerr := bindsel.KillListeners(ctx, want, killGrace, log.Default())
	if kerr != nil {
		return 0, fmt.Errorf("%w (kill: %v)", err, kerr)
	}
	if len(pids) > 0 {
		log.Printf("bind: killed processes on port %d: %v", want, pids)
	}
	return sel.Port(want)
}

func displayHost(ip string) string {
	if ip != "" && ip != bindsel.Wildcard {
		return ip
	}
	if routed, err := bindsel.RoutedIP(); err == nil {
		return routed.String()
	}
	return "localhost"
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: lanserve passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		log.Fatalf("bcrypt: %v", err)
	}
	fmt.Println(string(h))
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
