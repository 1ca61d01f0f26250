package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"lanserve/internal/config"
)

func basic(u, p string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(u+":"+p))
}

func TestCheckPlain(t *testing.T) {
	b := New(config.Config{Username: "admin", Password: "pa:ss"})
	cases := []struct {
		header string
		ok     bool
	}{
		{basic("admin", "pa:ss"), true},
		{basic("admin", "pa:s"), false},
		{basic("Admin", "pa:ss"), false},
		{"Bearer abc", false},
		{"Basic !!!", false},
		{"Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")), false},
		{"", false},
	}
	for _, tc := range cases {
		if _, ok := b.Check(tc.header); ok != tc.ok {
			t.Errorf("Check(%q) = %v, want %v", tc.header, ok, tc.ok)
		}
	}
}

func TestCheckBcrypt(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	b := New(config.Config{Username: "admin", Password: "ignored", PasswordBcrypt: string(h)})
	if _, ok := b.Check(basic("admin", "hunter2")); !ok {
		t.Fatalf("bcrypt password rejected")
	}
	if _, ok := b.Check(basic("admin", "ignored")); ok {
		t.Fatalf("plain password must not be used when bcrypt is set")
	}
}

func TestRequire(t *testing.T) {
	b := New(config.Config{Username: "admin", Password: "pw"})
	var called bool
	h := b.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got != `Basic realm="File Server"` {
		t.Fatalf("challenge header = %q", got)
	}
	if called {
		t.Fatalf("handler ran without credentials")
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", basic("admin", "pw"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !called {
		t.Fatalf("handler not called with valid credentials")
	}
}
