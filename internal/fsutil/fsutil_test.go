package fsutil

import (
	"errors"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCleanRelPath(t *testing.T) {
	cases := map[string]string{
		"":           "",
		"/":          "",
		".":          "",
		"/a/b/":      "a/b",
		"a//b":       "a/b",
		"../../etc":  "etc",
		"/a/../../b": "b",
		`a\b`:        "a/b",
	}
	for in, want := range cases {
		if got := CleanRelPath(in); got != want {
			t.Errorf("CleanRelPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinWithinRoot(t *testing.T) {
	root := t.TempDir()
	got, err := JoinWithinRoot(root, "/sub/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(root, "sub", "file.txt"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	got, err = JoinWithinRoot(root, "/../../outside")
	if err != nil {
		t.Fatal(err)
	}
	if !Within(root, got) {
		t.Fatalf("%q escaped %q", got, root)
	}
	if _, err := JoinWithinRoot(root, "a\x00b"); !errors.Is(err, ErrBadName) {
		t.Fatalf("expected ErrBadName, got %v", err)
	}
}

func TestWithin(t *testing.T) {
	if !Within("/srv/share", "/srv/share") || !Within("/srv/share", "/srv/share/a") {
		t.Fatalf("expected inside")
	}
	if Within("/srv/share", "/srv/shared") || Within("/srv/share", "/srv") {
		t.Fatalf("expected outside")
	}
}

func TestSafeBaseName(t *testing.T) {
	cases := []struct {
		in, want string
		err      bool
	}{
		{"x.dat", "x.dat", false},
		{"../../etc/passwd", "passwd", false},
		{`C:\Users\me\photo.jpg`, "photo.jpg", false},
		{"cafe\u0301.txt", "caf\u00e9.txt", false},
		{"..", "", true},
		{"dir/", "", true},
		{"  ", "", true},
		{"a\x00b", "", true},
	}
	for _, tc := range cases {
		got, err := SafeBaseName(tc.in)
		if tc.err {
			if !errors.Is(err, ErrBadName) {
				t.Errorf("SafeBaseName(%q): expected ErrBadName, got %q %v", tc.in, got, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("SafeBaseName(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestIsPlainName(t *testing.T) {
	for _, n := range []string{"a.txt", "résumé.pdf", ".hidden"} {
		if !IsPlainName(n) {
			t.Errorf("%q should be plain", n)
		}
	}
	for _, n := range []string{"", ".", "..", "a/b", `a\b`, "../x"} {
		if IsPlainName(n) {
			t.Errorf("%q should not be plain", n)
		}
	}
}

func TestUserHome(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("home comes from USERPROFILE")
	}
	home := t.TempDir()
	t.Setenv("SUDO_USER", "")
	t.Setenv("HOME", home)
	got, err := UserHome()
	if err != nil {
		t.Fatal(err)
	}
	if got != home {
		t.Fatalf("UserHome = %s, want %s", got, home)
	}
}
