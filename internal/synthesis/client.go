package synthesis

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/finsight-ai/finsight-agent/internal/telemetry"
)

// ItemKind tags one element of a synthesis stream.
type ItemKind int

const (
	ItemText ItemKind = iota
	ItemUsage
	ItemError
)

// StreamItem is one tagged element of the synthesis stream: a text fragment,
// the single terminal usage summary, or an error. The tag replaces the
// upstream habit of mixing strings and metadata records in one channel.
type StreamItem struct {
	Kind  ItemKind
	Text  string
	Usage telemetry.Usage
	Err   error
}

// Request is the input to a synthesis call.
type Request struct {
	Statement string `json:"statement"`
	Context   string `json:"context"`
	APIKey    string `json:"api_key"`
}

// RouteDecision is the routing verdict for a statement. For research mode,
// Scope is the retrieval scope the fan-out must use; without it the run
// cannot proceed.
type RouteDecision struct {
	Mode      string `json:"mode"`            // "direct" or "research"
	Scope     string `json:"scope,omitempty"` // "listing" or "content"
	Rationale string `json:"rationale,omitempty"`
}

// Client calls the hosted generation service over HTTP: routing, statement
// clarification, source selection, and the streaming synthesis call itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// checkResp reads the response body and returns an error if the status is not 2xx.
// On error it includes the upstream body for debugging.
func checkResp(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("synthesis %s: %w: %s", path, ErrUnauthorized, string(body))
	}
	return fmt.Errorf("synthesis %s returned %d: %s", path, resp.StatusCode, string(body))
}

// ErrUnauthorized marks a rejected credential; callers treat it as fatal.
var ErrUnauthorized = errors.New("synthesis: unauthorized")

// Route calls POST /api/route to decide whether the statement needs retrieval.
func (c *Client) Route(ctx context.Context, apiKey, statement string, continuation bool) (RouteDecision, error) {
	var out RouteDecision
	err := c.postJSON(ctx, "/api/route", map[string]any{
		"api_key": apiKey, "statement": statement, "continuation": continuation,
	}, &out)
	return out, err
}

// Clarify calls POST /api/clarify and returns the refined statement.
func (c *Client) Clarify(ctx context.Context, apiKey, statement string) (string, error) {
	var out struct {
		Statement string `json:"statement"`
	}
	if err := c.postJSON(ctx, "/api/clarify", map[string]any{
		"api_key": apiKey, "statement": statement,
	}, &out); err != nil {
		return "", err
	}
	return out.Statement, nil
}

// SelectSources calls POST /api/select-sources to pick from the available
// source identifiers. The returned order is preserved downstream.
func (c *Client) SelectSources(ctx context.Context, apiKey, statement string, available []string) ([]string, error) {
	var out struct {
		Sources []string `json:"sources"`
	}
	if err := c.postJSON(ctx, "/api/select-sources", map[string]any{
		"api_key": apiKey, "statement": statement, "available": available,
	}, &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("synthesis %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("synthesis %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkResp(resp, path); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("synthesis %s: decode: %w", path, err)
	}
	return nil
}

// streamLine is the wire shape of one newline-delimited stream element.
type streamLine struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Synthesize calls POST /api/synthesize and decodes the newline-delimited
// response into a tagged item stream. The upstream terminates a healthy
// stream with exactly one usage summary; a transport or mid-stream failure
// surfaces as a final ItemError. The channel closes when the stream ends.
func (c *Client) Synthesize(ctx context.Context, req Request) (<-chan StreamItem, error) {
	payload, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/synthesize", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("synthesis /api/synthesize: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("synthesis /api/synthesize: %w", err)
	}
	if err := checkResp(resp, "/api/synthesize"); err != nil {
		resp.Body.Close()
		return nil, err
	}

	items := make(chan StreamItem)
	go func() {
		defer close(items)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var sl streamLine
			if err := json.Unmarshal(line, &sl); err != nil {
				c.logger.Warn("synthesis: undecodable stream line, treating as text",
					zap.ByteString("line", line))
				items <- StreamItem{Kind: ItemText, Text: string(line)}
				continue
			}
			switch sl.Type {
			case "usage":
				items <- StreamItem{Kind: ItemUsage, Usage: telemetry.Usage{
					Provider:     sl.Provider,
					Model:        sl.Model,
					InputTokens:  sl.InputTokens,
					OutputTokens: sl.OutputTokens,
				}}
			case "error":
				items <- StreamItem{Kind: ItemError, Err: errors.New(sl.Error)}
			default:
				items <- StreamItem{Kind: ItemText, Text: sl.Text}
			}
		}
		if err := scanner.Err(); err != nil {
			items <- StreamItem{Kind: ItemError, Err: fmt.Errorf("synthesis stream: %w", err)}
		}
	}()
	return items, nil
}
