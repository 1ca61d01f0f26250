package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"lanserve/internal/config"
)

// Realm is sent in every 401 challenge.
const Realm = "File Server"

// Basic checks a single shared username/password pair.
type Basic struct {
	user   string
	pass   string
	bcrypt []byte
}

func New(cfg config.Config) *Basic {
	b := &Basic{user: cfg.Username, pass: cfg.Password}
	if cfg.PasswordBcrypt != "" {
		b.bcrypt = []byte(cfg.PasswordBcrypt)
	}
	return b
}

// Check validates an Authorization header value.
func (b *Basic) Check(header string) (string, bool) {
	u, p, ok := parseBasicAuth(header)
	if !ok {
		return "", false
	}
	userOK := subtle.ConstantTimeCompare([]byte(u), []byte(b.user)) == 1
	var passOK bool
	if b.bcrypt != nil {
		passOK = bcrypt.CompareHashAndPassword(b.bcrypt, []byte(p)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(p), []byte(b.pass)) == 1
	}
	if !userOK || !passOK {
		return "", false
	}
	return u, true
}

// Require rejects every request without valid credentials.
func (b *Basic) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := b.Check(r.Header.Get("Authorization")); !ok {
			Challenge(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Challenge writes the 401 response that makes browsers prompt for login.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`"`)
	http.Error(w, "Authentication required", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
