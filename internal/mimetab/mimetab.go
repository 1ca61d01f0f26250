// Package mimetab resolves response content types from file names. A Table
// is built once at startup and only read afterwards.
package mimetab

import (
	"mime"
	"path/filepath"
	"strings"
)

const (
	TextPlain   = "text/plain; charset=utf-8"
	OctetStream = "application/octet-stream"
)

var builtin = map[string]string{
	// text
	".log": "text/plain", ".txt": "text/plain", ".tap": "text/plain", ".md": "text/plain",
	".conf": "text/plain", ".ini": "text/plain", ".env": "text/plain",
	// code & markup
	".html": "text/html", ".xml": "application/xml", ".json": "application/json",
	".js": "application/javascript", ".css": "text/css", ".py": "text/x-python", ".sh": "text/plain",
	// images
	".png": "image/png", ".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".gif": "image/gif",
	".svg": "image/svg+xml", ".webp": "image/webp", ".ico": "image/x-icon",
	// video / audio
	".mp4": "video/mp4", ".webm": "video/webm", ".mkv": "video/x-matroska", ".mov": "video/quicktime",
	".mp3": "audio/mpeg", ".m4a": "audio/mp4", ".wav": "audio/wav", ".ogg": "audio/ogg", ".flac": "audio/flac",
	// docs
	".pdf": "application/pdf", ".doc": "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	// archives
	".zip": "application/zip", ".tar": "application/x-tar", ".gz": "application/gzip",
	".bz2": "application/x-bzip2", ".7z": "application/x-7z-compressed",
}

// Extensions and bare names always shown inline as UTF-8 text.
var (
	textExts = map[string]bool{
		".cfg": true, ".conf": true, ".yaml": true, ".yml": true, ".ks": true,
		".ini": true, ".txt": true, ".env": true, ".properties": true, ".md": true,
		".log": true, ".sh": true, ".py": true, ".service": true, ".plist": true,
	}
	textNames = map[string]bool{"README": true, "LICENSE": true, "Makefile": true}
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true}
)

type Table struct {
	types map[string]string
}

// New builds a table from the built-in entries plus extra, which may
// override them. Keys are extensions with or without the leading dot.
func New(extra map[string]string) *Table {
	t := &Table{types: make(map[string]string, len(builtin)+len(extra))}
	for k, v := range builtin {
		t.types[k] = v
	}
	for k, v := range extra {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || strings.TrimSpace(v) == "" {
			continue
		}
		if !strings.HasPrefix(k, ".") {
			k = "." + k
		}
		t.types[k] = strings.TrimSpace(v)
	}
	return t
}

// IsText reports whether name is on the inline text allowlist.
func (t *Table) IsText(name string) bool {
	base := filepath.Base(name)
	if !strings.Contains(base, ".") {
		return textNames[base]
	}
	return textExts[strings.ToLower(filepath.Ext(base))]
}

// IsImage reports whether a thumbnail can be made for name.
func (t *Table) IsImage(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// TypeOf returns the Content-Type to send for name.
func (t *Table) TypeOf(name string) string {
	if t.IsText(name) {
		return TextPlain
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return OctetStream
	}
	if ct, ok := t.types[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return OctetStream
}
