package citation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// LinkBuilder renders resolved citation links. The base path points at the
// document download endpoint; page number and highlight text travel as
// separate query parameters so the viewer can jump and highlight.
type LinkBuilder struct {
	basePath string
}

func NewLinkBuilder(basePath string) *LinkBuilder {
	return &LinkBuilder{basePath: strings.TrimRight(basePath, "/")}
}

// Build returns a markdown link for one reference entry:
// [<document> (p. <page>)](<base>/<file>?page=N&highlight=...).
func (b *LinkBuilder) Build(e ReferenceEntry) string {
	params := url.Values{}
	params.Set("page", strconv.Itoa(e.Page))
	if e.HighlightText != "" {
		params.Set("highlight", e.HighlightText)
	}
	return fmt.Sprintf("[%s (p. %d)](%s/%s?%s)",
		e.DocumentName, e.Page, b.basePath, url.PathEscape(e.FileLocator), params.Encode())
}
