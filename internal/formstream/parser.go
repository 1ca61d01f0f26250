// Package formstream parses multipart/form-data upload and delete requests
// straight off the connection. File parts are written to disk as they arrive,
// so memory use depends on the read buffer size and not on the body size.
package formstream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"lanserve/internal/fsutil"
)

const (
	// Field names understood by the parser.
	FieldFile   = "file"
	FieldDelete = "delete_files"

	DefaultBufferSize     = 8 << 10
	DefaultMaxHeaderBytes = 16 << 10
	DefaultMaxFieldBytes  = 64 << 10
)

var (
	ErrNoBoundary      = errors.New("no boundary found in request")
	ErrTruncated       = errors.New("multipart body ended before part terminator")
	ErrHeaderTooLarge  = errors.New("multipart part header too large")
	ErrFieldTooLarge   = errors.New("multipart field value too large")
	ErrInvalidFilename = errors.New("invalid upload file name")
)

// Result lists what a request body asked for.
type Result struct {
	// Uploaded are the normalized names written into the destination dir.
	Uploaded []string
	// Deleted are the normalized delete_files values, in body order. They are
	// not acted on by the parser.
	Deleted []string
	// Skipped are field names that were drained and ignored.
	Skipped []string
	// Consumed is the number of body bytes read; never more than contentLength.
	Consumed int64
}

// Parser holds the limits used while scanning a body. The zero value uses
// the package defaults.
type Parser struct {
	BufferSize     int
	MaxHeaderBytes int
	MaxFieldBytes  int
	Logger         *log.Logger
}

// Parse runs a zero-value Parser.
func Parse(r io.Reader, boundary string, contentLength int64, dir string) (*Result, error) {
	var p Parser
	return p.Parse(r, boundary, contentLength, dir)
}

// Parse consumes at most contentLength bytes of r. File parts named "file"
// are streamed into dir; "delete_files" values are collected. Unknown fields
// are drained and ignored.
func (p *Parser) Parse(r io.Reader, boundary string, contentLength int64, dir string) (*Result, error) {
	if boundary == "" {
		return nil, ErrNoBoundary
	}
	sc := &scanner{
		src:       r,
		remaining: contentLength,
		chunk:     orDefault(p.BufferSize, DefaultBufferSize),
	}
	res := &Result{}
	defer func() { res.Consumed = sc.consumed }()

	dash := []byte("--" + boundary)
	term := []byte("\r\n--" + boundary)

	if err := sc.skipPreamble(dash); err != nil {
		return res, err
	}

	maxHeader := orDefault(p.MaxHeaderBytes, DefaultMaxHeaderBytes)
	maxField := orDefault(p.MaxFieldBytes, DefaultMaxFieldBytes)

	for {
		if err := sc.need(2); err != nil {
			return res, err
		}
		if len(sc.buf) == 0 || bytes.HasPrefix(sc.buf, []byte("--")) {
			return res, nil
		}

		hdr, ok, err := sc.headerBlock(maxHeader)
		if err != nil {
			return res, err
		}
		if !ok {
			// Declared length exhausted without another part.
			return res, nil
		}
		name, filename := disposition(hdr)

		switch {
		case name == FieldFile && filename != "":
			stored, err := p.storeFile(sc, term, dir, filename)
			if err != nil {
				return res, err
			}
			res.Uploaded = append(res.Uploaded, stored)

		case name == FieldDelete:
			fb := &fieldBuffer{max: maxField}
			found, err := sc.copyUntil(fb, term)
			if err != nil {
				return res, err
			}
			if !found {
				return res, ErrTruncated
			}
			v := strings.TrimSpace(strings.ToValidUTF8(fb.String(), "\uFFFD"))
			res.Deleted = append(res.Deleted, fsutil.NormalizeName(v))

		default:
			found, err := sc.copyUntil(io.Discard, term)
			if err != nil {
				return res, err
			}
			if !found {
				return res, ErrTruncated
			}
			res.Skipped = append(res.Skipped, name)
			p.logf("multipart: ignoring field %q", name)
		}
	}
}

func (p *Parser) storeFile(sc *scanner, term []byte, dir, filename string) (string, error) {
	name, err := fsutil.SafeBaseName(filename)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	// Bytes land in a temp file renamed over name once the terminator is
	// seen. Rename replaces a symlink instead of writing through it, and a
	// failed upload leaves any existing file untouched.
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	tmp := f.Name()
	found, err := sc.copyUntil(f, term)
	if err == nil && !found {
		err = ErrTruncated
	}
	if err == nil {
		err = f.Chmod(0o644)
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, filepath.Join(dir, name))
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	return name, nil
}

func (p *Parser) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
	}
}

// disposition extracts name and filename from a part header block.
func disposition(hdr []byte) (name, filename string) {
	for _, line := range strings.Split(string(hdr), "\r\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "Content-Disposition") {
			continue
		}
		_, params, err := mime.ParseMediaType(strings.TrimSpace(v))
		if err != nil {
			return "", ""
		}
		return params["name"], params["filename"]
	}
	return "", ""
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// scanner is a bounded read buffer over the request body.
type scanner struct {
	src       io.Reader
	remaining int64
	consumed  int64
	chunk     int
	buf       []byte
}

// fill reads one more chunk. It reports false once the declared length is
// used up.
func (s *scanner) fill() (bool, error) {
	if s.remaining <= 0 {
		return false, nil
	}
	want := s.chunk
	if int64(want) > s.remaining {
		want = int(s.remaining)
	}
	if cap(s.buf)-len(s.buf) < want {
		nb := make([]byte, len(s.buf), len(s.buf)+want)
		copy(nb, s.buf)
		s.buf = nb
	}
	for {
		n, err := s.src.Read(s.buf[len(s.buf) : len(s.buf)+want])
		s.buf = s.buf[:len(s.buf)+n]
		s.remaining -= int64(n)
		s.consumed += int64(n)
		if n > 0 {
			return true, nil
		}
		if errors.Is(err, io.EOF) {
			return false, ErrTruncated
		}
		if err != nil {
			return false, err
		}
	}
}

// discard drops the first n buffered bytes, keeping the backing array.
func (s *scanner) discard(n int) {
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
}

// need buffers at least n bytes unless the body ends first.
func (s *scanner) need(n int) error {
	for len(s.buf) < n {
		ok, err := s.fill()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

func (s *scanner) skipPreamble(dash []byte) error {
	for {
		if i := bytes.Index(s.buf, dash); i >= 0 {
			s.discard(i + len(dash))
			return nil
		}
		if keep := len(dash) - 1; len(s.buf) > keep {
			s.discard(len(s.buf) - keep)
		}
		ok, err := s.fill()
		if errors.Is(err, ErrTruncated) || (err == nil && !ok) {
			return ErrNoBoundary
		}
		if err != nil {
			return err
		}
	}
}

// headerBlock returns the bytes before the next blank line and consumes them
// together with the blank line.
func (s *scanner) headerBlock(max int) ([]byte, bool, error) {
	sep := []byte("\r\n\r\n")
	for {
		if i := bytes.Index(s.buf, sep); i >= 0 {
			hdr := bytes.TrimPrefix(s.buf[:i], []byte("\r\n"))
			hdr = append([]byte(nil), hdr...)
			s.discard(i + len(sep))
			return hdr, true, nil
		}
		if len(s.buf) > max {
			return nil, false, ErrHeaderTooLarge
		}
		ok, err := s.fill()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
	}
}

// copyUntil writes part data to w until term. The final len(term)-1 bytes
// of a chunk that has no match are held back, since they may be the start of
// a terminator split across reads. On a match the terminator is consumed,
// leaving the buffer right after the boundary.
func (s *scanner) copyUntil(w io.Writer, term []byte) (bool, error) {
	keep := len(term) - 1
	for {
		if i := bytes.Index(s.buf, term); i >= 0 {
			if _, err := w.Write(s.buf[:i]); err != nil {
				return false, err
			}
			s.discard(i + len(term))
			return true, nil
		}
		if n := len(s.buf) - keep; n > 0 {
			if _, err := w.Write(s.buf[:n]); err != nil {
				return false, err
			}
			s.discard(n)
		}
		ok, err := s.fill()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
}

// fieldBuffer collects a small text field and refuses to grow past max.
type fieldBuffer struct {
	bytes.Buffer
	max int
}

func (f *fieldBuffer) Write(p []byte) (int, error) {
	if f.Len()+len(p) > f.max {
		return 0, ErrFieldTooLarge
	}
	return f.Buffer.Write(p)
}
