package adapters

import (
	"context"
	"fmt"

	"github.com/finsight-ai/finsight-agent/internal/citation"
)

// TranscriptsAdapter returns earnings-call excerpts. It is a placeholder
// backend with canned content that exercises the flat-table path: the
// excerpts already embed source-local markers that the aggregator renumbers.
type TranscriptsAdapter struct{}

func NewTranscriptsAdapter() *TranscriptsAdapter { return &TranscriptsAdapter{} }

func (a *TranscriptsAdapter) ID() string { return "transcripts" }

func (a *TranscriptsAdapter) Query(ctx context.Context, in QueryInput) (SourceResult, error) {
	if in.Credential == "" {
		return SourceResult{}, ErrUnauthorized
	}
	if err := ctx.Err(); err != nil {
		return SourceResult{}, err
	}

	content := fmt.Sprintf(
		"On the latest earnings call, management addressed %q directly: "+
			"guidance for the full year was reiterated [REF:1], and the CFO noted "+
			"that deposit betas are stabilizing ahead of plan [REF:2].",
		in.Statement)

	table := &citation.ReferenceTable{Flat: map[int]citation.ReferenceEntry{
		1: {DocumentName: "Q2 2026 Earnings Call", FileLocator: "transcripts/q2-2026-call.pdf", Page: 4, HighlightText: "full year guidance reiterated"},
		2: {DocumentName: "Q2 2026 Earnings Call", FileLocator: "transcripts/q2-2026-call.pdf", Page: 11, HighlightText: "deposit betas are stabilizing"},
	}}
	if in.Stage != nil {
		in.Stage.AddDetail("citations", len(table.Flat))
	}

	return SourceResult{
		SourceID:   a.ID(),
		Kind:       KindContent,
		Status:     "ok",
		StatusLine: "transcripts: 1 call, 2 cited passages",
		Content:    content,
		Table:      table,
	}, nil
}
