package citation

import (
	"strings"

	"go.uber.org/zap"
)

// DefaultFlushThreshold is the soft buffer size above which marker-free text
// is flushed even though a marker could still begin in a later chunk.
const DefaultFlushThreshold = 80

// Resolver incrementally rewrites citation markers inside a chunk-delivered
// text stream into resolved links. It owns a single buffer of not-yet-emitted
// text and guarantees that no emitted fragment ever contains a syntactically
// incomplete marker: a suffix that could still grow into a marker stays
// buffered until the closing bracket arrives or the stream ends.
//
// One Resolver serves exactly one streamed response and must not be shared
// across requests. The index it reads is immutable, so the Resolver performs
// no locking of its own.
type Resolver struct {
	index     *MasterIndex
	links     *LinkBuilder
	logger    *zap.Logger
	pending   string
	threshold int
	unknown   int
}

func NewResolver(index *MasterIndex, links *LinkBuilder, threshold int, logger *zap.Logger) *Resolver {
	if threshold <= 0 {
		threshold = DefaultFlushThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{index: index, links: links, logger: logger, threshold: threshold}
}

// Feed appends one input fragment and returns whatever text is now safe to
// emit. Complete markers in the returned text have been replaced by resolved
// links; markers whose IDs are unknown stay literal.
func (r *Resolver) Feed(fragment string) string {
	b := r.pending + fragment

	var out strings.Builder
	last := 0
	for i := 0; i < len(b); {
		sp, ok := nextMarker(b, i)
		if !ok {
			break
		}
		out.WriteString(b[last:sp.Start])
		out.WriteString(r.resolveSpan(b, sp))
		last = sp.End
		i = sp.End
	}
	tail := b[last:]

	// Everything up to the rightmost resolved position is safe. The tail is
	// held back until it either completes a marker, outgrows the soft
	// threshold, or the stream ends.
	if len(tail) <= r.threshold {
		r.pending = tail
		return out.String()
	}
	if i := incompleteTail(tail); i >= 0 {
		out.WriteString(tail[:i])
		r.pending = tail[i:]
	} else {
		out.WriteString(tail)
		r.pending = ""
	}
	return out.String()
}

// Close marks end-of-stream: any remaining well-formed markers are resolved,
// everything buffered is flushed, and the buffer is discarded.
func (r *Resolver) Close() string {
	b := r.pending
	r.pending = ""

	var out strings.Builder
	last := 0
	for i := 0; i < len(b); {
		sp, ok := nextMarker(b, i)
		if !ok {
			break
		}
		out.WriteString(b[last:sp.Start])
		out.WriteString(r.resolveSpan(b, sp))
		last = sp.End
		i = sp.End
	}
	out.WriteString(b[last:])
	return out.String()
}

// UnknownCount reports how many markers were left literal because an ID had
// no index entry.
func (r *Resolver) UnknownCount() int { return r.unknown }

// resolveSpan turns one complete marker into link text. Links are grouped by
// (document, page) so a range covering several IDs on the same page yields a
// single link. A marker referencing any ID absent from the index is logged
// and returned as its literal text.
func (r *Resolver) resolveSpan(b string, sp markerSpan) string {
	type docPage struct {
		doc  string
		page int
	}
	seen := make(map[docPage]struct{}, len(sp.IDs))
	links := make([]string, 0, len(sp.IDs))
	for _, id := range sp.IDs {
		e, ok := r.index.Resolve(id)
		if !ok {
			r.unknown++
			r.logger.Warn("citation: unknown reference id, leaving marker literal",
				zap.Int("id", id), zap.String("marker", sp.Text(b)))
			return sp.Text(b)
		}
		key := docPage{doc: e.DocumentName, page: e.Page}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		links = append(links, r.links.Build(e))
	}
	return strings.Join(links, " ")
}
