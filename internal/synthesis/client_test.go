package synthesis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynthesizeDecodesTaggedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/synthesize", r.URL.Path)
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"text","text":"Revenue grew "}`)
		fmt.Fprintln(w, `{"type":"text","text":"4% [REF:1]."}`)
		fmt.Fprintln(w, `{"type":"usage","model":"synth-1","input_tokens":120,"output_tokens":42}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	items, err := c.Synthesize(context.Background(), Request{Statement: "q", APIKey: "k"})
	require.NoError(t, err)

	var texts []string
	usageCount := 0
	for it := range items {
		switch it.Kind {
		case ItemText:
			texts = append(texts, it.Text)
		case ItemUsage:
			usageCount++
			assert.Equal(t, "synth-1", it.Usage.Model)
			assert.Equal(t, 120, it.Usage.InputTokens)
		case ItemError:
			t.Fatalf("unexpected error item: %v", it.Err)
		}
	}
	assert.Equal(t, []string{"Revenue grew ", "4% [REF:1]."}, texts)
	assert.Equal(t, 1, usageCount, "exactly one terminal usage item")
}

func TestSynthesizeMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"text","text":"partial answer"}`)
		fmt.Fprintln(w, `{"type":"error","error":"model backend timed out"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	items, err := c.Synthesize(context.Background(), Request{})
	require.NoError(t, err)

	var sawText, sawErr bool
	for it := range items {
		switch it.Kind {
		case ItemText:
			sawText = true
		case ItemError:
			sawErr = true
			assert.ErrorContains(t, it.Err, "timed out")
		}
	}
	assert.True(t, sawText)
	assert.True(t, sawErr)
}

func TestSynthesizeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	_, err := c.Synthesize(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRouteAndSelectSources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/route":
			fmt.Fprintln(w, `{"mode":"research"}`)
		case "/api/select-sources":
			fmt.Fprintln(w, `{"sources":["filings","news"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, nil)
	dec, err := c.Route(context.Background(), "k", "how did JPM do", false)
	require.NoError(t, err)
	assert.Equal(t, "research", dec.Mode)

	srcs, err := c.SelectSources(context.Background(), "k", "how did JPM do", []string{"filings", "news", "marketdata"})
	require.NoError(t, err)
	assert.Equal(t, []string{"filings", "news"}, srcs)
}
