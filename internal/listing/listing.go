// Package listing enumerates the immediate children of a served directory.
package listing

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
	// Percent is this file's share of Total; 0 for directories.
	Percent float64
}

type Listing struct {
	Dir     string
	Entries []Entry
	// Total is the sum of regular file sizes among the direct children.
	Total int64
}

// Source produces listings. Both Reader and *Cache implement it.
type Source interface {
	List(dir string) (Listing, error)
	Invalidate(dir string)
}

// Reader reads the directory on every call.
type Reader struct{}

func (Reader) List(dir string) (Listing, error) { return Read(dir) }
func (Reader) Invalidate(string)                 {}

// Read lists dir, non-recursively, sorted by name. Entries whose stat fails
// (deleted meanwhile, dangling symlink) are left out.
func Read(dir string) (Listing, error) {
	names, err := readNames(dir)
	if err != nil {
		return Listing{}, err
	}
	sort.Strings(names)

	l := Listing{Dir: dir, Entries: make([]Entry, 0, len(names))}
	for _, name := range names {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		e := Entry{Name: name, IsDir: st.IsDir(), ModTime: st.ModTime()}
		if st.Mode().IsRegular() {
			e.Size = st.Size()
			l.Total += e.Size
		}
		l.Entries = append(l.Entries, e)
	}
	if l.Total > 0 {
		for i := range l.Entries {
			if !l.Entries[i].IsDir && l.Entries[i].Size > 0 {
				l.Entries[i].Percent = float64(l.Entries[i].Size) / float64(l.Total) * 100
			}
		}
	}
	return l, nil
}

func readNames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return f.Readdirnames(-1)
}
