package listing

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func write(t *testing.T, p string, n int) {
	t.Helper()
	if err := os.WriteFile(p, make([]byte, n), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadTotalsAndPercent(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b.bin"), 300)
	write(t, filepath.Join(dir, "a.txt"), 100)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(dir, "sub", "deep.bin"), 5000)

	l, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if l.Total != 400 {
		t.Fatalf("total = %d, want 400 (non-recursive)", l.Total)
	}
	var names []string
	for _, e := range l.Entries {
		names = append(names, e.Name)
	}
	if !reflect.DeepEqual(names, []string{"a.txt", "b.bin", "sub"}) {
		t.Fatalf("names = %v", names)
	}
	if l.Entries[0].Percent != 25 || l.Entries[1].Percent != 75 {
		t.Fatalf("percent = %v / %v", l.Entries[0].Percent, l.Entries[1].Percent)
	}
	if !l.Entries[2].IsDir || l.Entries[2].Size != 0 || l.Entries[2].Percent != 0 {
		t.Fatalf("dir entry = %+v", l.Entries[2])
	}
}

func TestReadIdempotent(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "x"), 12)
	a, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("listings differ:\n%+v\n%+v", a, b)
	}
}

func TestReadMissing(t *testing.T) {
	if _, err := Read(filepath.Join(t.TempDir(), "nope")); !os.IsNotExist(err) {
		t.Fatalf("expected not-exist, got %v", err)
	}
}

func TestCacheInvalidate(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "one"), 1)

	c, err := NewCache(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	l, err := c.List(dir)
	if err != nil || len(l.Entries) != 1 {
		t.Fatalf("first list: %v %+v", err, l)
	}
	if c.Len() != 1 {
		t.Fatalf("expected cached entry")
	}
	write(t, filepath.Join(dir, "two"), 2)
	c.Invalidate(dir)
	l, err = c.List(dir)
	if err != nil || len(l.Entries) != 2 {
		t.Fatalf("after invalidate: %v %+v", err, l)
	}
}

func TestCacheWatcherDropsStaleListing(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.List(dir); err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(dir, "new.txt"), 3)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		l, err := c.List(dir)
		if err != nil {
			t.Fatal(err)
		}
		if len(l.Entries) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("cache never observed new.txt")
}

func TestCacheSkipsListingInvalidatedDuringRead(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.read = func(d string) (Listing, error) {
		c.read = Read
		l, err := Read(d)
		write(t, filepath.Join(d, "upload.bin"), 4)
		c.Invalidate(d)
		return l, err
	}
	if l, err := c.List(dir); err != nil || len(l.Entries) != 0 {
		t.Fatalf("first list: %v %+v", err, l)
	}
	if c.Len() != 0 {
		t.Fatalf("listing read before an invalidation was cached")
	}
	if l, err := c.List(dir); err != nil || len(l.Entries) != 1 {
		t.Fatalf("second list: %v %+v", err, l)
	}
}

func TestCacheSkipsListingChangedDuringRead(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.read = func(d string) (Listing, error) {
		c.read = Read
		l, err := Read(d)
		c.mu.Lock()
		before := c.gen[d]
		c.mu.Unlock()
		write(t, filepath.Join(d, "new.bin"), 4)
		deadline := time.Now().Add(5 * time.Second)
		for {
			c.mu.Lock()
			moved := c.gen[d] != before
			c.mu.Unlock()
			if moved {
				break
			}
			if time.Now().After(deadline) {
				t.Errorf("no watcher event for new.bin")
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		return l, err
	}
	if _, err := c.List(dir); err != nil {
		t.Fatal(err)
	}
	if l, err := c.List(dir); err != nil || len(l.Entries) != 1 {
		t.Fatalf("stale listing served: %v %+v", err, l)
	}
}

func TestReaderSource(t *testing.T) {
	var s Source = Reader{}
	dir := t.TempDir()
	write(t, filepath.Join(dir, "f"), 1)
	l, err := s.List(dir)
	if err != nil || len(l.Entries) != 1 {
		t.Fatalf("%v %+v", err, l)
	}
	s.Invalidate(dir)
}
