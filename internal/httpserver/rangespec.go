package httpserver

import (
	"strconv"
	"strings"
)

type rangeKind int

const (
	// rangeNone means serve the whole file: no header, a unit other than
	// bytes, or a multi-range request.
	rangeNone rangeKind = iota
	rangeOK
	rangeUnsatisfiable
)

// parseRange interprets a single byte-range header against a file of size
// bytes. The returned bounds are inclusive and already clamped to the file.
func parseRange(header string, size int64) (start, end int64, kind rangeKind) {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0, 0, rangeNone
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return 0, 0, rangeNone
	}
	first, last, ok := strings.Cut(strings.TrimSpace(spec), "-")
	if !ok {
		return 0, 0, rangeUnsatisfiable
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, ok := parseOffset(last)
		if !ok || n == 0 || size == 0 {
			return 0, 0, rangeUnsatisfiable
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, rangeOK
	}

	start, ok = parseOffset(first)
	if !ok || start >= size {
		return 0, 0, rangeUnsatisfiable
	}
	end = size - 1
	if last != "" {
		e, ok := parseOffset(last)
		if !ok || e < start {
			return 0, 0, rangeUnsatisfiable
		}
		if e < end {
			end = e
		}
	}
	return start, end, rangeOK
}

// parseOffset accepts only plain decimal digits.
func parseOffset(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
