package citation

import (
	"strconv"
	"strings"
)

const markerPrefix = "[REF:"

// maxMarkerLen bounds how long a marker can be on the wire. Anything longer
// is treated as literal text so a malformed stream cannot grow the resolver
// buffer without bound.
const maxMarkerLen = 64

// maxRangeSpan bounds how many IDs a legacy range marker may expand to.
const maxRangeSpan = 256

// Marker renders the canonical wire form for a reference ID: [REF:<id>].
func Marker(id int) string {
	return markerPrefix + strconv.Itoa(id) + "]"
}

// markerSpan is one complete marker found during a scan: [Start,End) byte
// offsets into the scanned string plus the referenced IDs in marker order,
// with legacy ranges expanded inclusively.
type markerSpan struct {
	Start, End int
	IDs        []int
}

// Text returns the literal marker text the span covers.
func (sp markerSpan) Text(s string) string { return s[sp.Start:sp.End] }

// scanMarkerAt tries to read one complete marker beginning exactly at s[i].
// Accepted forms: [REF:<int>], [REF:<int>,<int>,...] and [REF:<int>-<int>].
// Returns false when s[i:] does not hold a complete, well-formed marker.
func scanMarkerAt(s string, i int) (markerSpan, bool) {
	if !strings.HasPrefix(s[i:], markerPrefix) {
		return markerSpan{}, false
	}
	body := i + len(markerPrefix)
	close := strings.IndexByte(s[body:], ']')
	if close < 0 {
		return markerSpan{}, false
	}
	end := body + close + 1
	if end-i > maxMarkerLen {
		return markerSpan{}, false
	}
	ids, ok := parseIDs(s[body : end-1])
	if !ok {
		return markerSpan{}, false
	}
	return markerSpan{Start: i, End: end, IDs: ids}, true
}

// nextMarker finds the first complete marker at or after offset i. Scanning is
// left to right, so a well-formed single-ID marker is always taken before any
// legacy match that would overlap it.
func nextMarker(s string, i int) (markerSpan, bool) {
	for i < len(s) {
		j := strings.IndexByte(s[i:], '[')
		if j < 0 {
			return markerSpan{}, false
		}
		i += j
		if sp, ok := scanMarkerAt(s, i); ok {
			return sp, true
		}
		i++
	}
	return markerSpan{}, false
}

// parseIDs parses a marker body: comma-separated segments, each either a
// single integer or an inclusive a-b range. Returns false on any malformed
// segment so the whole marker stays literal.
func parseIDs(body string) ([]int, bool) {
	if body == "" {
		return nil, false
	}
	var ids []int
	for _, seg := range strings.Split(body, ",") {
		lo, hi, found := strings.Cut(seg, "-")
		a, err := strconv.Atoi(lo)
		if err != nil || a < 0 {
			return nil, false
		}
		if !found {
			ids = append(ids, a)
			continue
		}
		b, err := strconv.Atoi(hi)
		if err != nil || b < a || b-a > maxRangeSpan {
			return nil, false
		}
		for id := a; id <= b; id++ {
			ids = append(ids, id)
		}
	}
	return ids, true
}

// incompleteTail returns the start offset of a trailing substring that could
// still grow into a marker once more input arrives ("[", "[REF", "[REF:12"),
// or -1 when the string ends in nothing suspicious. Only the last '[' can
// start an unterminated marker because marker bodies never contain '['.
func incompleteTail(s string) int {
	i := strings.LastIndexByte(s, '[')
	if i < 0 {
		return -1
	}
	tail := s[i:]
	if len(tail) > maxMarkerLen {
		return -1
	}
	if len(tail) <= len(markerPrefix) {
		if strings.HasPrefix(markerPrefix, tail) {
			return i
		}
		return -1
	}
	if !strings.HasPrefix(tail, markerPrefix) {
		return -1
	}
	for _, c := range tail[len(markerPrefix):] {
		if c == ']' {
			// Terminated, so it is either complete or invalid; in both
			// cases it will not grow into anything new.
			return -1
		}
		if (c < '0' || c > '9') && c != ',' && c != '-' {
			return -1
		}
	}
	return i
}
