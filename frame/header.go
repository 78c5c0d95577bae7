package frame

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
)

// Header looks up name in a list of "Name: value" lines, case-insensitively.
func Header(lines []string, name string) (string, bool) {
	for _, line := range lines {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), name) {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// HeaderLines flattens h into wire header lines with a stable order.
func HeaderLines(h http.Header) []string {
	if len(h) == 0 {
		return nil
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			out = append(out, k+": "+v)
		}
	}
	return out
}

// ParseHeaders is the inverse of HeaderLines. Lines without a colon are skipped.
func ParseHeaders(lines []string) http.Header {
	h := make(http.Header, len(lines))
	for _, line := range lines {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		h.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return h
}

// Timestamp reads the server delivery timestamp header.
func Timestamp(lines []string) (uint64, bool) {
	raw, ok := Header(lines, HeaderTimestamp)
	if !ok {
		return 0, false
	}
	ts, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}
