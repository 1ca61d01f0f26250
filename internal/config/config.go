package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode is the single access mode applied to the whole served tree.
type Mode string

const (
	ModeRead  Mode = "read"
	ModeWrite Mode = "write"
)

var ErrInvalidMode = errors.New("mode must be read or write")

func (m Mode) Valid() bool { return m == ModeRead || m == ModeWrite }

// Writable reports whether uploads and deletes are allowed.
func (m Mode) Writable() bool { return m == ModeWrite }

// Config is intentionally small and JSON-friendly. It is read-only once the
// server starts and is shared by every connection.
type Config struct {
	// Root is the directory served by lanserve.
	Root string `json:"root"`

	// Bind is the requested bind IP. "0.0.0.0" (the default) lets the bind
	// selector pick an interface.
	Bind string `json:"bind,omitempty"`

	// Port is the HTTPS port. Privileged ports are remapped to >= 8080 when the
	// process cannot bind them.
	Port int `json:"port,omitempty"`

	// HTTPPort is the plain HTTP redirect port. Default: Port+1.
	HTTPPort int `json:"httpPort,omitempty"`

	// Redirect starts the HTTP listener that 301s everything to HTTPS.
	Redirect bool `json:"redirect,omitempty"`

	Mode Mode `json:"mode,omitempty"`

	// Username/Password is the single shared credential pair.
	// PasswordBcrypt takes precedence over Password when both are set.
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	PasswordBcrypt string `json:"passwordBcrypt,omitempty"`

	// CertDir overrides the platform certificate directory.
	CertDir string `json:"certDir,omitempty"`

	// KillExisting terminates processes already listening on the chosen port.
	KillExisting bool `json:"killExisting,omitempty"`

	// CacheListings keeps directory listings in memory, invalidated by fsnotify.
	CacheListings bool `json:"cacheListings,omitempty"`

	// WebDAV mounts the tree under /_dav/ (write methods only in write mode).
	WebDAV bool `json:"webdav,omitempty"`

	// QRCode prints the HTTPS URL as a terminal QR code at startup.
	QRCode bool `json:"qr,omitempty"`

	// MimeTypes adds or overrides extension -> content type entries, e.g. {".ks": "text/plain"}.
	MimeTypes map[string]string `json:"mimeTypes,omitempty"`
}

func Default() Config {
	return Config{
		Bind:     "0.0.0.0",
		Port:     80,
		Mode:     ModeRead,
		Username: "admin",
	}
}

// Load reads a JSON config file on top of Default().
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Normalize fills derived defaults and makes Root absolute.
func (c *Config) Normalize() error {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.Mode == "" {
		c.Mode = ModeRead
	}
	if strings.TrimSpace(c.Bind) == "" {
		c.Bind = "0.0.0.0"
	}
	if c.HTTPPort == 0 && c.Port > 0 {
		c.HTTPPort = c.Port + 1
	}
	if c.Root != "" {
		abs, err := filepath.Abs(c.Root)
		if err != nil {
			return fmt.Errorf("abs root: %w", err)
		}
		c.Root = abs
	}
	return nil
}

func (c Config) Validate() error {
	if c.Root == "" {
		return errors.New("config: root is required")
	}
	st, err := os.Stat(c.Root)
	if err != nil {
		return fmt.Errorf("config: root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("config: root %s is not a directory", c.Root)
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("config: %w (got %q)", ErrInvalidMode, c.Mode)
	}
	if c.Port < 0 || c.Port > 65535 || c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return errors.New("config: port out of range")
	}
	if c.Username == "" {
		return errors.New("config: username is required")
	}
	if c.Password == "" && c.PasswordBcrypt == "" {
		return errors.New("config: password or passwordBcrypt is required")
	}
	return nil
}
