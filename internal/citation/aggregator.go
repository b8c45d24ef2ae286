package citation

import (
	"sort"
	"strings"

	"go.uber.org/zap"
)

// SourceInput is one completed source handed to the aggregator: its content
// and, optionally, the reference table the adapter produced alongside it.
type SourceInput struct {
	SourceID string
	Content  string
	Table    *ReferenceTable
}

// SourceContent is one source's content after marker rewriting, in the order
// the sources were originally submitted.
type SourceContent struct {
	SourceID string
	Content  string
}

// AggregateOutput pairs the master index with the rewritten per-source
// contents. Every marker appearing in the contents has an index entry.
type AggregateOutput struct {
	Index    *MasterIndex
	Contents []SourceContent
}

// Aggregate merges per-source reference tables into one master index and
// rewrites each source's content so its markers carry globally-unique IDs.
//
// Sources are processed in the order given, which is the original submission
// order; one counter starting at 1 is shared across the whole request, so
// global IDs are unique even when two sources reused the same local ID.
// A source without a table passes through unmodified. A marker referencing a
// local ID missing from its table is logged and left as-is; the merge never
// aborts because of one bad entry.
func Aggregate(inputs []SourceInput, logger *zap.Logger) AggregateOutput {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := AggregateOutput{
		Index:    newMasterIndex(),
		Contents: make([]SourceContent, 0, len(inputs)),
	}
	next := 1
	for _, in := range inputs {
		var content string
		switch {
		case in.Table.IsZero():
			content = in.Content
		case len(in.Table.Flat) > 0:
			content = mergeFlat(in, out.Index, &next, logger)
		default:
			content = mergeNested(in, out.Index, &next)
		}
		out.Contents = append(out.Contents, SourceContent{SourceID: in.SourceID, Content: content})
	}
	return out
}

// mergeFlat assigns global IDs to a flat table in ascending local-ID order,
// then rewrites the source's markers in a single pass so an already-rewritten
// ID can never be picked up again by a later substitution.
func mergeFlat(in SourceInput, ix *MasterIndex, next *int, logger *zap.Logger) string {
	locals := make([]int, 0, len(in.Table.Flat))
	for id := range in.Table.Flat {
		locals = append(locals, id)
	}
	sort.Ints(locals)

	mapping := make(map[int]int, len(locals))
	for _, local := range locals {
		e := in.Table.Flat[local]
		if e.SourceID == "" {
			e.SourceID = in.SourceID
		}
		ix.add(*next, e)
		mapping[local] = *next
		*next++
	}

	var sb strings.Builder
	last := 0
	for i := 0; i < len(in.Content); {
		sp, ok := nextMarker(in.Content, i)
		if !ok {
			break
		}
		repl, ok := remapMarker(sp, mapping)
		if !ok {
			logger.Warn("citation: marker references unknown local id, keeping literal",
				zap.String("source", in.SourceID),
				zap.String("marker", sp.Text(in.Content)))
			i = sp.End
			continue
		}
		sb.WriteString(in.Content[last:sp.Start])
		sb.WriteString(repl)
		last = sp.End
		i = sp.End
	}
	sb.WriteString(in.Content[last:])
	return sb.String()
}

// remapMarker rewrites one marker's IDs through the local→global mapping,
// emitting one canonical single-ID marker per referenced entry. A marker with
// any unmapped ID is skipped whole so its text survives untouched.
func remapMarker(sp markerSpan, mapping map[int]int) (string, bool) {
	var sb strings.Builder
	for _, id := range sp.IDs {
		global, ok := mapping[id]
		if !ok {
			return "", false
		}
		sb.WriteString(Marker(global))
	}
	return sb.String(), true
}

// mergeNested handles tables grouped by document then page: the content has
// no markers yet, so each page fragment gets one injected after it. Documents
// are walked by name and pages by number so ID assignment is deterministic.
func mergeNested(in SourceInput, ix *MasterIndex, next *int) string {
	docs := make([]DocumentRefs, len(in.Table.Nested))
	copy(docs, in.Table.Nested)
	sort.Slice(docs, func(i, j int) bool { return docs[i].DocumentName < docs[j].DocumentName })

	content := in.Content
	for _, doc := range docs {
		pages := make([]PageRef, len(doc.Pages))
		copy(pages, doc.Pages)
		sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })

		for _, p := range pages {
			ix.add(*next, ReferenceEntry{
				DocumentName:  doc.DocumentName,
				FileLocator:   doc.FileLocator,
				Page:          p.Page,
				HighlightText: p.Highlight,
				SourceID:      in.SourceID,
			})
			content = injectMarker(content, p.Fragment, *next)
			*next++
		}
	}
	return content
}

// injectMarker places a marker directly after the fragment's first occurrence
// in the content. A fragment not present yet is appended as its own paragraph
// so the reference is still reachable from the merged context.
func injectMarker(content, fragment string, id int) string {
	if fragment != "" {
		if i := strings.Index(content, fragment); i >= 0 {
			at := i + len(fragment)
			return content[:at] + " " + Marker(id) + content[at:]
		}
	}
	para := strings.TrimSpace(fragment + " " + Marker(id))
	if content == "" {
		return para
	}
	return content + "\n\n" + para
}
