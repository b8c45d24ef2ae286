package adapters

import (
	"context"
	"fmt"
)

// MarketDataAdapter returns a metrics snapshot with no reference table; its
// content passes through aggregation unmodified.
type MarketDataAdapter struct{}

func NewMarketDataAdapter() *MarketDataAdapter { return &MarketDataAdapter{} }

func (a *MarketDataAdapter) ID() string { return "marketdata" }

func (a *MarketDataAdapter) Query(ctx context.Context, in QueryInput) (SourceResult, error) {
	if in.Credential == "" {
		return SourceResult{}, ErrUnauthorized
	}
	if err := ctx.Err(); err != nil {
		return SourceResult{}, err
	}

	content := fmt.Sprintf(
		"Market snapshot for %q: KBW Bank Index +1.2%% week over week; "+
			"2s10s spread -38bps; sector forward P/E 11.4x.",
		in.Statement)

	return SourceResult{
		SourceID:   a.ID(),
		Kind:       KindContent,
		Status:     "ok",
		StatusLine: "marketdata: snapshot assembled",
		Content:    content,
	}, nil
}
