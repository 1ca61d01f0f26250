package listing

import (
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Cache keeps listings of directories that have been served, and drops them
// when fsnotify reports a change inside. Callers that modify a directory
// themselves should also call Invalidate so they never depend on event latency.
type Cache struct {
	mu      sync.Mutex
	entries map[string]Listing
	watched map[string]struct{}
	// gen counts invalidations per directory; epoch counts full resets.
	// A listing is stored only if neither moved while it was being read.
	gen   map[string]uint64
	epoch uint64
	read  func(string) (Listing, error)

	watcher *fsnotify.Watcher
	logger  *log.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewCache(logger *log.Logger) (*Cache, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Cache{
		entries: map[string]Listing{},
		watched: map[string]struct{}{},
		gen:     map[string]uint64{},
		read:    Read,
		watcher: w,
		logger:  logger,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

func (c *Cache) List(dir string) (Listing, error) {
	dir = filepath.Clean(dir)
	c.mu.Lock()
	if l, ok := c.entries[dir]; ok {
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	c.watch(dir)
	c.mu.Lock()
	gen, epoch := c.gen[dir], c.epoch
	c.mu.Unlock()
	l, err := c.read(dir)
	if err != nil {
		return l, err
	}
	c.mu.Lock()
	if _, ok := c.watched[dir]; ok && c.gen[dir] == gen && c.epoch == epoch {
		c.entries[dir] = l
	}
	c.mu.Unlock()
	return l, nil
}

func (c *Cache) Invalidate(dir string) {
	c.mu.Lock()
	c.drop(filepath.Clean(dir))
	c.mu.Unlock()
}

// Len returns the number of cached directories.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Close() error {
	select {
	case <-c.stopCh:
		return nil
	default:
		close(c.stopCh)
	}
	err := c.watcher.Close()
	<-c.doneCh
	return err
}

func (c *Cache) watch(dir string) {
	c.mu.Lock()
	_, ok := c.watched[dir]
	c.mu.Unlock()
	if ok {
		return
	}
	if err := c.watcher.Add(dir); err != nil {
		// Unwatched directories are simply not cached.
		c.logger.Printf("listing: watch %s: %v", dir, err)
		return
	}
	c.mu.Lock()
	c.watched[dir] = struct{}{}
	c.mu.Unlock()
}

func (c *Cache) loop() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			c.handle(ev)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Printf("listing: watcher: %v", err)
			// Events may have been dropped; start over.
			c.mu.Lock()
			c.entries = map[string]Listing{}
			c.epoch++
			c.mu.Unlock()
		}
	}
}

func (c *Cache) handle(ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(filepath.Dir(name))
	c.drop(name)
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// The kernel drops the watch with the directory; forget it so a
		// recreated directory gets watched again.
		delete(c.watched, name)
	}
}

// drop removes dir's listing and bumps its generation if dir is watched.
// Only watched directories are ever stored. c.mu must be held.
func (c *Cache) drop(dir string) {
	delete(c.entries, dir)
	if _, ok := c.watched[dir]; ok {
		c.gen[dir]++
	}
}
