package fsutil

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	ErrPathEscape = errors.New("path escape")
	ErrBadName    = errors.New("invalid file name")
)

// CleanRelPath turns a request path like "", "/", "/a/b/", "a//b" into a
// slash-based relative path without a leading slash ("" means root).
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// JoinWithinRoot resolves rel under rootAbs and rejects anything that would
// land outside of it.
func JoinWithinRoot(rootAbs string, rel string) (string, error) {
	rel = CleanRelPath(rel)
	if rel == "" {
		return filepath.Clean(rootAbs), nil
	}
	if strings.Contains(rel, "\x00") {
		return "", ErrBadName
	}
	abs := filepath.Clean(filepath.Join(rootAbs, filepath.FromSlash(rel)))
	if !Within(rootAbs, abs) {
		return "", ErrPathEscape
	}
	return abs, nil
}

// Within reports whether p is dir itself or below it.
func Within(dir, p string) bool {
	dir = filepath.Clean(dir)
	p = filepath.Clean(p)
	return p == dir || strings.HasPrefix(p, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

// NormalizeName applies Unicode canonical composition (NFC) so that names
// typed on macOS (NFD) match names created elsewhere.
func NormalizeName(name string) string {
	return norm.NFC.String(name)
}

// SafeBaseName reduces a client supplied file name to a single NFC path
// element. Directory components are dropped; names that cannot address a
// regular entry (".", "..", empty, NUL) are rejected.
func SafeBaseName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	name = NormalizeName(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, 0) {
		return "", ErrBadName
	}
	return name, nil
}

// IsPlainName reports whether name is already a single path element, i.e.
// SafeBaseName would not have to strip anything from it.
func IsPlainName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}

// UserHome is the home directory of the user who started the process. Under
// sudo that is SUDO_USER, not root.
func UserHome() (string, error) {
	if name := os.Getenv("SUDO_USER"); name != "" && os.Geteuid() == 0 {
		if u, err := user.Lookup(name); err == nil && u.HomeDir != "" {
			return u.HomeDir, nil
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return home, nil
}
