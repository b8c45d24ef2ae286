package citation

// ReferenceEntry describes one citable location inside a source document.
type ReferenceEntry struct {
	DocumentName  string `json:"document_name"            bson:"document_name"`
	FileLocator   string `json:"file_locator"             bson:"file_locator"`
	Page          int    `json:"page"                     bson:"page"`
	HighlightText string `json:"highlight_text,omitempty" bson:"highlight_text,omitempty"`
	SourceID      string `json:"source_id"                bson:"source_id"`
}

// ReferenceTable is a per-source citation table. Local IDs are unique only
// within the source that produced them. Exactly one of Flat or Nested is set.
//
// Flat tables pair with content that already embeds matching markers.
// Nested tables group entries by document then page; their content carries no
// markers yet and gets them injected during aggregation.
type ReferenceTable struct {
	Flat   map[int]ReferenceEntry `json:"flat,omitempty"`
	Nested []DocumentRefs         `json:"nested,omitempty"`
}

// IsZero reports whether the table carries no entries at all.
func (t *ReferenceTable) IsZero() bool {
	return t == nil || (len(t.Flat) == 0 && len(t.Nested) == 0)
}

// EntryCount returns the total number of reference entries in the table.
func (t *ReferenceTable) EntryCount() int {
	if t == nil {
		return 0
	}
	n := len(t.Flat)
	for _, d := range t.Nested {
		n += len(d.Pages)
	}
	return n
}

// DocumentRefs holds the page-level references of one document in a nested
// table.
type DocumentRefs struct {
	DocumentName string    `json:"document_name"`
	FileLocator  string    `json:"file_locator"`
	Pages        []PageRef `json:"pages"`
}

// PageRef is one page-level reference. Fragment is the content excerpt the
// aggregator anchors the injected marker to; Highlight is the text carried
// into the resolved link.
type PageRef struct {
	Page      int    `json:"page"`
	Fragment  string `json:"fragment"`
	Highlight string `json:"highlight,omitempty"`
}
