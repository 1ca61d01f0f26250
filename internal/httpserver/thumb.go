package httpserver

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	// decoders
	_ "image/gif"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	thumbEdge    = 256
	thumbQuality = 82
)

var errEmptyImage = errors.New("image has no pixels")

// serveThumb answers ?thumb=1 on an image with a small JPEG preview. Images
// that cannot be decoded get 404 so the page just shows no preview.
func (s *Server) serveThumb(w http.ResponseWriter, r *http.Request, abs string, st os.FileInfo) {
	b, err := s.thumbs.load(thumbKey{path: abs, mod: st.ModTime(), size: st.Size()})
	if err != nil {
		http.Error(w, "File not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(b)
}

type thumbKey struct {
	path string
	mod  time.Time
	size int64
}

// thumbCache keeps rendered previews in memory. A changed file gets a new
// key, so stale entries simply age out when the cache is reset.
type thumbCache struct {
	mu   sync.Mutex
	max  int
	edge int
	m    map[thumbKey][]byte
}

func newThumbCache(max int) *thumbCache {
	return &thumbCache{max: max, edge: thumbEdge, m: make(map[thumbKey][]byte)}
}

// load returns the cached preview for k, rendering and storing it on a miss.
// Concurrent misses for the same file may each render it once.
func (c *thumbCache) load(k thumbKey) ([]byte, error) {
	c.mu.Lock()
	b, ok := c.m[k]
	c.mu.Unlock()
	if ok {
		return b, nil
	}

	src, err := decodeFile(k.path)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, fit(src, c.edge), &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, err
	}
	b = out.Bytes()

	c.mu.Lock()
	if len(c.m) >= c.max {
		c.m = make(map[thumbKey][]byte)
	}
	c.m[k] = b
	c.mu.Unlock()
	return b, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	if img.Bounds().Empty() {
		return nil, errEmptyImage
	}
	return img, nil
}

// fit scales src so its longer side is at most edge, keeping the aspect
// ratio. Smaller images are only copied.
func fit(src image.Image, edge int) image.Image {
	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	long := max(w, h)
	if long > edge {
		w = max(1, w*edge/long)
		h = max(1, h*edge/long)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Over, nil)
	return dst
}
