// Package certs provisions the self-signed certificate the HTTPS listener
// serves. A pair is generated once and then reused; nothing rotates it.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"lanserve/internal/fsutil"
)

const (
	CertFile = "server.crt"
	KeyFile  = "server.key"

	DefaultBits       = 4096
	DefaultValidity   = 365 * 24 * time.Hour
	DefaultCommonName = "localhost"

	appDir = "lanserve"
)

// Provisioner makes sure a certificate and key exist in Dir.
type Provisioner struct {
	Dir        string
	Bits       int
	Validity   time.Duration
	CommonName string
	// Hosts are extra SAN entries; IP literals become IP SANs.
	Hosts  []string
	Logger *log.Logger
}

// New returns a provisioner for dir with the default key size, lifetime and
// common name. An empty dir means DefaultDir.
func New(dir string, logger *log.Logger) (*Provisioner, error) {
	if dir == "" {
		d, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Provisioner{
		Dir:        dir,
		Bits:       DefaultBits,
		Validity:   DefaultValidity,
		CommonName: DefaultCommonName,
		Logger:     logger,
	}, nil
}

// Ensure returns the certificate and key paths, generating both when either
// is missing. Existing files are returned untouched.
func (p *Provisioner) Ensure() (certPath, keyPath string, err error) {
	certPath = filepath.Join(p.Dir, CertFile)
	keyPath = filepath.Join(p.Dir, KeyFile)
	if exists(certPath) && exists(keyPath) {
		return certPath, keyPath, nil
	}
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create cert dir: %w", err)
	}
	p.logger().Printf("[TLS] generating self-signed certificate in %s", p.Dir)
	certPEM, keyPEM, err := p.generate()
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return "", "", fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return "", "", fmt.Errorf("write certificate: %w", err)
	}
	p.logger().Printf("[TLS] certificate generated")
	return certPath, keyPath, nil
}

func (p *Provisioner) generate() (certPEM, keyPEM []byte, err error) {
	bits := p.Bits
	if bits <= 0 {
		bits = DefaultBits
	}
	if bits < 2048 {
		return nil, nil, fmt.Errorf("rsa key size %d below 2048", bits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("serial number: %w", err)
	}

	validity := p.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	cn := p.CommonName
	if cn == "" {
		cn = DefaultCommonName
	}
	notBefore := time.Now().Add(-time.Minute)
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range p.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			if !ip.IsUnspecified() {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			}
		} else if h != "" && h != "localhost" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return certPEM, keyPEM, nil
}

func (p *Provisioner) logger() *log.Logger {
	if p.Logger == nil {
		return log.Default()
	}
	return p.Logger
}

// DefaultDir is the per-user certificate directory for this platform. Under
// sudo it resolves to the invoking user's home rather than root's.
func DefaultDir() (string, error) {
	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		if appData == "" {
			return "", errors.New("APPDATA is not set")
		}
		return filepath.Join(appData, appDir, "certs"), nil
	}
	home, err := fsutil.UserHome()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appDir, "certs"), nil
	}
	return filepath.Join(home, "."+appDir, "certs"), nil
}

func exists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}
