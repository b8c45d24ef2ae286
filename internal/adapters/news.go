package adapters

import (
	"context"
	"fmt"

	"github.com/finsight-ai/finsight-agent/internal/citation"
)

// NewsAdapter returns recent coverage. Placeholder backend with a flat
// reference table and embedded markers, like TranscriptsAdapter.
type NewsAdapter struct{}

func NewNewsAdapter() *NewsAdapter { return &NewsAdapter{} }

func (a *NewsAdapter) ID() string { return "news" }

func (a *NewsAdapter) Query(ctx context.Context, in QueryInput) (SourceResult, error) {
	if in.Credential == "" {
		return SourceResult{}, ErrUnauthorized
	}
	if err := ctx.Err(); err != nil {
		return SourceResult{}, err
	}

	content := fmt.Sprintf(
		"Recent coverage relevant to %q: sector analysts flagged widening "+
			"net interest margins across large banks [REF:1].",
		in.Statement)

	table := &citation.ReferenceTable{Flat: map[int]citation.ReferenceEntry{
		1: {DocumentName: "Sector Note: Bank NIMs", FileLocator: "news/sector-note-nims.html", Page: 1, HighlightText: "widening net interest margins"},
	}}
	if in.Stage != nil {
		in.Stage.AddDetail("citations", len(table.Flat))
	}

	return SourceResult{
		SourceID:   a.ID(),
		Kind:       KindContent,
		Status:     "ok",
		StatusLine: "news: 1 article, 1 cited passage",
		Content:    content,
		Table:      table,
	}, nil
}
