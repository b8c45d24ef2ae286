package adapters

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/finsight-ai/finsight-agent/internal/citation"
)

// ObjectStore is the slice of the file store the filings adapter needs.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, string, error)
}

const (
	filingsMaxDocs     = 3
	filingsFragmentLen = 320
)

// FilingsAdapter retrieves regulatory filings from the document catalog in
// MongoDB, with page content stored as objects in MinIO. Content queries
// return a nested reference table; the aggregator assigns marker IDs later.
type FilingsAdapter struct {
	col     *mongo.Collection
	objects ObjectStore
	logger  *zap.Logger
}

func NewFilingsAdapter(db *mongo.Database, objects ObjectStore, logger *zap.Logger) *FilingsAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FilingsAdapter{col: db.Collection("filings"), objects: objects, logger: logger}
}

func (a *FilingsAdapter) ID() string { return "filings" }

type filingPage struct {
	Page      int    `bson:"page"`
	ObjectKey string `bson:"object_key"`
	Highlight string `bson:"highlight,omitempty"`
}

type filingDoc struct {
	Name     string       `bson:"name"`
	File     string       `bson:"file"`
	Keywords []string     `bson:"keywords,omitempty"`
	Pages    []filingPage `bson:"pages"`
}

func (a *FilingsAdapter) Query(ctx context.Context, in QueryInput) (SourceResult, error) {
	if in.Credential == "" {
		return SourceResult{}, ErrUnauthorized
	}

	docs, err := a.find(ctx, in.Statement)
	if err != nil {
		return SourceResult{}, fmt.Errorf("filings: catalog query: %w", err)
	}
	if in.Stage != nil {
		in.Stage.AddDetail("documents", len(docs))
	}

	if in.Scope == ScopeListing {
		listing := make([]DocumentDescriptor, 0, len(docs))
		for _, d := range docs {
			listing = append(listing, DocumentDescriptor{Name: d.Name, Locator: d.File, Pages: len(d.Pages)})
		}
		return SourceResult{
			SourceID:   a.ID(),
			Kind:       KindListing,
			Status:     "ok",
			StatusLine: fmt.Sprintf("filings: %d documents listed", len(listing)),
			Listing:    listing,
		}, nil
	}

	var nested []citation.DocumentRefs
	citations := 0
	for _, d := range docs {
		refs := citation.DocumentRefs{DocumentName: d.Name, FileLocator: d.File}
		for _, p := range d.Pages {
			fragment, err := a.pageFragment(ctx, p.ObjectKey)
			if err != nil {
				a.logger.Warn("filings: page object unavailable, skipping",
					zap.String("document", d.Name), zap.Int("page", p.Page), zap.Error(err))
				continue
			}
			refs.Pages = append(refs.Pages, citation.PageRef{
				Page:      p.Page,
				Fragment:  fragment,
				Highlight: p.Highlight,
			})
			citations++
		}
		if len(refs.Pages) > 0 {
			nested = append(nested, refs)
		}
	}
	if in.Stage != nil {
		in.Stage.AddDetail("citations", citations)
	}

	return SourceResult{
		SourceID:   a.ID(),
		Kind:       KindContent,
		Status:     "ok",
		StatusLine: fmt.Sprintf("filings: %d documents, %d cited pages", len(nested), citations),
		Table:      &citation.ReferenceTable{Nested: nested},
	}, nil
}

// find returns catalog documents relevant to the statement, newest filings
// first. Relevance here is keyword containment; real ranking lives upstream.
func (a *FilingsAdapter) find(ctx context.Context, statement string) ([]filingDoc, error) {
	opts := options.Find().SetSort(bson.D{{Key: "filed_at", Value: -1}}).SetLimit(50)
	cur, err := a.col.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var all []filingDoc
	if err := cur.All(ctx, &all); err != nil {
		return nil, err
	}

	lower := strings.ToLower(statement)
	var matched []filingDoc
	for _, d := range all {
		if matchesKeywords(lower, d.Keywords) {
			matched = append(matched, d)
		}
		if len(matched) == filingsMaxDocs {
			break
		}
	}
	if len(matched) == 0 && len(all) > 0 {
		// Nothing keyword-matched; fall back to the most recent filing so the
		// research context is never empty just because tagging was sparse.
		matched = all[:1]
	}
	return matched, nil
}

func matchesKeywords(statement string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(statement, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func (a *FilingsAdapter) pageFragment(ctx context.Context, key string) (string, error) {
	data, _, err := a.objects.Download(ctx, key)
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(string(data))
	if len(text) > filingsFragmentLen {
		text = text[:filingsFragmentLen]
	}
	return text, nil
}
