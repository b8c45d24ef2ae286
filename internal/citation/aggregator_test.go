package citation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAggregateCollisionFreeMerge(t *testing.T) {
	// Both sources reuse local IDs 1 and 2; the merge must still yield four
	// distinct global entries numbered from 1 in submission order.
	inputs := []SourceInput{
		{
			SourceID: "filings",
			Content:  "NII detail [REF:1] and deposits [REF:2].",
			Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
				1: {DocumentName: "10-K", FileLocator: "10k.pdf", Page: 5},
				2: {DocumentName: "10-K", FileLocator: "10k.pdf", Page: 9},
			}},
		},
		{
			SourceID: "news",
			Content:  "Coverage [REF:2] then [REF:1].",
			Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
				1: {DocumentName: "Article A", FileLocator: "a.html", Page: 1},
				2: {DocumentName: "Article B", FileLocator: "b.html", Page: 1},
			}},
		},
	}

	out := Aggregate(inputs, zap.NewNop())

	require.Equal(t, 4, out.Index.Len())
	assert.Equal(t, []int{1, 2, 3, 4}, out.Index.IDs())

	// First source keeps IDs 1-2, second source's locals 1,2 become 3,4.
	assert.Equal(t, "NII detail [REF:1] and deposits [REF:2].", out.Contents[0].Content)
	assert.Equal(t, "Coverage [REF:4] then [REF:3].", out.Contents[1].Content)

	e3, ok := out.Index.Resolve(3)
	require.True(t, ok)
	assert.Equal(t, "Article A", e3.DocumentName)
	assert.Equal(t, "news", e3.SourceID)
}

func TestAggregateNoDanglingIDs(t *testing.T) {
	inputs := []SourceInput{
		{
			SourceID: "transcripts",
			Content:  "Guidance [REF:7] raised.",
			Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
				7: {DocumentName: "Call", FileLocator: "call.pdf", Page: 2},
			}},
		},
		{
			SourceID: "filings",
			Table: &ReferenceTable{Nested: []DocumentRefs{{
				DocumentName: "10-Q",
				FileLocator:  "10q.pdf",
				Pages: []PageRef{
					{Page: 4, Fragment: "Net revenue was $42.5B."},
					{Page: 11, Fragment: "Provision for credit losses rose."},
				},
			}}},
		},
	}

	out := Aggregate(inputs, zap.NewNop())

	for _, sc := range out.Contents {
		for i := 0; i < len(sc.Content); {
			sp, ok := nextMarker(sc.Content, i)
			if !ok {
				break
			}
			for _, id := range sp.IDs {
				_, found := out.Index.Resolve(id)
				assert.True(t, found, "marker id %d in %s has no index entry", id, sc.SourceID)
			}
			i = sp.End
		}
	}
}

func TestAggregateNestedInjection(t *testing.T) {
	inputs := []SourceInput{{
		SourceID: "filings",
		Table: &ReferenceTable{Nested: []DocumentRefs{
			{
				DocumentName: "B 10-Q",
				FileLocator:  "b.pdf",
				Pages:        []PageRef{{Page: 9, Fragment: "expenses fell"}, {Page: 2, Fragment: "revenue grew"}},
			},
			{
				DocumentName: "A 10-K",
				FileLocator:  "a.pdf",
				Pages:        []PageRef{{Page: 1, Fragment: "total assets"}},
			},
		}},
	}}

	out := Aggregate(inputs, zap.NewNop())
	content := out.Contents[0].Content

	// Documents sorted by name, pages by number: A p1 -> 1, B p2 -> 2, B p9 -> 3.
	assert.Equal(t, 3, out.Index.Len())
	assert.Contains(t, content, "total assets [REF:1]")
	assert.Contains(t, content, "revenue grew [REF:2]")
	assert.Contains(t, content, "expenses fell [REF:3]")

	e1, _ := out.Index.Resolve(1)
	assert.Equal(t, "A 10-K", e1.DocumentName)
	assert.Equal(t, 1, e1.Page)
}

func TestAggregateNestedInjectsIntoExistingContent(t *testing.T) {
	inputs := []SourceInput{{
		SourceID: "filings",
		Content:  "Summary: revenue grew strongly this quarter.",
		Table: &ReferenceTable{Nested: []DocumentRefs{{
			DocumentName: "10-K",
			FileLocator:  "10k.pdf",
			Pages:        []PageRef{{Page: 3, Fragment: "revenue grew"}},
		}}},
	}}

	out := Aggregate(inputs, zap.NewNop())
	assert.Equal(t, "Summary: revenue grew [REF:1] strongly this quarter.", out.Contents[0].Content)
}

func TestAggregateMissingLocalIDSkipsOneSubstitution(t *testing.T) {
	inputs := []SourceInput{{
		SourceID: "news",
		Content:  "Good [REF:1] and dangling [REF:9].",
		Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
			1: {DocumentName: "Article", FileLocator: "n.html", Page: 1},
		}},
	}}

	out := Aggregate(inputs, zap.NewNop())

	assert.Equal(t, "Good [REF:1] and dangling [REF:9].", out.Contents[0].Content)
	assert.Equal(t, 1, out.Index.Len())
}

func TestAggregateSourceWithoutTablePassesThrough(t *testing.T) {
	inputs := []SourceInput{{SourceID: "metrics", Content: "plain snapshot, no refs"}}

	out := Aggregate(inputs, zap.NewNop())

	require.Len(t, out.Contents, 1)
	assert.Equal(t, "plain snapshot, no refs", out.Contents[0].Content)
	assert.Equal(t, 0, out.Index.Len())
}

func TestAggregateRewriteIsSinglePass(t *testing.T) {
	// Local 1 becomes global 2 while local 2 becomes global 3; a sequential
	// search-and-replace would corrupt [REF:2] after rewriting [REF:1].
	inputs := []SourceInput{
		{
			SourceID: "a",
			Content:  "x [REF:1] y",
			Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
				1: {DocumentName: "D0", FileLocator: "d0.pdf", Page: 1},
			}},
		},
		{
			SourceID: "b",
			Content:  "p [REF:1] q [REF:2] r",
			Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
				1: {DocumentName: "D1", FileLocator: "d1.pdf", Page: 1},
				2: {DocumentName: "D2", FileLocator: "d2.pdf", Page: 1},
			}},
		},
	}

	out := Aggregate(inputs, zap.NewNop())
	assert.Equal(t, "p [REF:2] q [REF:3] r", out.Contents[1].Content)
}

func TestAggregateLegacyMarkerRewrite(t *testing.T) {
	inputs := []SourceInput{{
		SourceID: "transcripts",
		Content:  "span [REF:1-2] here",
		Table: &ReferenceTable{Flat: map[int]ReferenceEntry{
			1: {DocumentName: "Call", FileLocator: "c.pdf", Page: 1},
			2: {DocumentName: "Call", FileLocator: "c.pdf", Page: 2},
		}},
	}}

	out := Aggregate(inputs, zap.NewNop())

	// Legacy input forms are accepted but only single-ID markers are emitted.
	assert.Equal(t, "span [REF:1][REF:2] here", out.Contents[0].Content)
	assert.False(t, strings.Contains(out.Contents[0].Content, "-"))
}
