package adapters

import (
	"context"
	"errors"
	"fmt"

	"github.com/finsight-ai/finsight-agent/internal/citation"
	"github.com/finsight-ai/finsight-agent/internal/telemetry"
)

// Scope selects what a source query returns: a document listing or content.
type Scope string

const (
	ScopeListing Scope = "listing"
	ScopeContent Scope = "content"
)

// Sentinel errors adapters use to classify failures. Unauthorized is never
// retried; rate limiting is transient and retried with backoff.
var (
	ErrUnauthorized = errors.New("adapter: unauthorized")
	ErrRateLimited  = errors.New("adapter: rate limited")
)

// IsTransient reports whether a query failure is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded)
}

// QueryInput carries one source query. Stage is the worker's own telemetry
// record; adapters may append detail to it but must not touch any other
// shared state.
type QueryInput struct {
	Statement  string
	Scope      Scope
	Credential string
	Stage      *telemetry.StageRecord
}

// ResultKind tags which arm of SourceResult is populated.
type ResultKind string

const (
	KindListing ResultKind = "listing"
	KindContent ResultKind = "content"
)

// DocumentDescriptor identifies one retrievable document of a source.
type DocumentDescriptor struct {
	Name    string `json:"name"`
	Locator string `json:"locator"`
	Pages   int    `json:"pages,omitempty"`
}

// SourceResult is the uniform shape every worker produces, success or not.
// Listing results carry ordered document descriptors; content results carry
// text (possibly with inline markers) plus an optional reference table.
type SourceResult struct {
	SourceID   string
	Kind       ResultKind
	Status     string // "ok" or "error"
	StatusLine string
	Listing    []DocumentDescriptor
	Content    string
	Table      *citation.ReferenceTable
}

// OK reports whether the source query succeeded.
func (r SourceResult) OK() bool { return r.Status == "ok" }

// ErrorResult converts a worker failure into the same schema as a success so
// the aggregator always receives a uniform shape.
func ErrorResult(sourceID string, err error) SourceResult {
	return SourceResult{
		SourceID:   sourceID,
		Kind:       KindContent,
		Status:     "error",
		StatusLine: fmt.Sprintf("%s unavailable: %v", sourceID, err),
		Content:    fmt.Sprintf("(no content from %s: %v)", sourceID, err),
	}
}

// SourceAdapter is one independent retrieval backend. Implementations must be
// safe for concurrent calls and share no mutable state between invocations.
type SourceAdapter interface {
	ID() string
	Query(ctx context.Context, in QueryInput) (SourceResult, error)
}
