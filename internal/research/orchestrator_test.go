package research

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/finsight-ai/finsight-agent/internal/adapters"
	"github.com/finsight-ai/finsight-agent/internal/citation"
	"github.com/finsight-ai/finsight-agent/internal/fanout"
	"github.com/finsight-ai/finsight-agent/internal/models"
	"github.com/finsight-ai/finsight-agent/internal/streaming"
	"github.com/finsight-ai/finsight-agent/internal/synthesis"
	"github.com/finsight-ai/finsight-agent/internal/telemetry"
)

// ---- stub collaborators -------------------------------------------------

type nestedAdapter struct{}

func (nestedAdapter) ID() string { return "filings" }
func (nestedAdapter) Query(ctx context.Context, in adapters.QueryInput) (adapters.SourceResult, error) {
	return adapters.SourceResult{
		SourceID:   "filings",
		Kind:       adapters.KindContent,
		Status:     "ok",
		StatusLine: "filings: 1 document, 2 cited pages",
		Table: &citation.ReferenceTable{Nested: []citation.DocumentRefs{{
			DocumentName: "JPM 10-K 2025",
			FileLocator:  "jpm-10k-2025.pdf",
			Pages: []citation.PageRef{
				{Page: 12, Fragment: "Net interest income rose 4%."},
				{Page: 47, Fragment: "Provision for credit losses was stable."},
			},
		}}},
	}, nil
}

type flatAdapter struct{}

func (flatAdapter) ID() string { return "transcripts" }
func (flatAdapter) Query(ctx context.Context, in adapters.QueryInput) (adapters.SourceResult, error) {
	return adapters.SourceResult{
		SourceID:   "transcripts",
		Kind:       adapters.KindContent,
		Status:     "ok",
		StatusLine: "transcripts: 1 cited passage",
		Content:    "Management reiterated guidance [REF:1].",
		Table: &citation.ReferenceTable{Flat: map[int]citation.ReferenceEntry{
			1: {DocumentName: "Q2 Call", FileLocator: "q2-call.pdf", Page: 4},
		}},
	}, nil
}

type failingAdapter struct{}

func (failingAdapter) ID() string { return "news" }
func (failingAdapter) Query(ctx context.Context, in adapters.QueryInput) (adapters.SourceResult, error) {
	return adapters.SourceResult{}, errors.New("dial tcp: connection refused")
}

type stubSynth struct {
	routeMode string
	chunks    []string
	streamErr error
}

func (s *stubSynth) Route(ctx context.Context, apiKey, statement string, continuation bool) (synthesis.RouteDecision, error) {
	return synthesis.RouteDecision{Mode: s.routeMode, Scope: "content"}, nil
}
func (s *stubSynth) Clarify(ctx context.Context, apiKey, statement string) (string, error) {
	return statement, nil
}
func (s *stubSynth) SelectSources(ctx context.Context, apiKey, statement string, available []string) ([]string, error) {
	return available, nil
}
func (s *stubSynth) Synthesize(ctx context.Context, req synthesis.Request) (<-chan synthesis.StreamItem, error) {
	ch := make(chan synthesis.StreamItem)
	go func() {
		defer close(ch)
		for _, c := range s.chunks {
			ch <- synthesis.StreamItem{Kind: synthesis.ItemText, Text: c}
		}
		if s.streamErr != nil {
			ch <- synthesis.StreamItem{Kind: synthesis.ItemError, Err: s.streamErr}
			return
		}
		ch <- synthesis.StreamItem{Kind: synthesis.ItemUsage, Usage: telemetry.Usage{Model: "synth-1", OutputTokens: 64}}
	}()
	return ch, nil
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*models.Run
}

func newMemRuns() *memRuns { return &memRuns{runs: make(map[string]*models.Run)} }

func (m *memRuns) Insert(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = run
	return nil
}
func (m *memRuns) ListByUser(ctx context.Context, userID string) ([]models.Run, error) {
	return nil, nil
}
func (m *memRuns) GetByRunID(ctx context.Context, runID string) (*models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[runID]; ok {
		return r, nil
	}
	return nil, errors.New("not found")
}
func (m *memRuns) Delete(ctx context.Context, runID string) error { return nil }

type memFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemFiles() *memFiles { return &memFiles{objects: make(map[string][]byte)} }

func (m *memFiles) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}
func (m *memFiles) DownloadStream(ctx context.Context, key string) (io.ReadCloser, string, error) {
	return nil, "", errors.New("not found")
}
func (m *memFiles) Remove(ctx context.Context, key string) error { return nil }

type memStatus struct {
	mu     sync.Mutex
	status map[string]string
}

func newMemStatus() *memStatus { return &memStatus{status: make(map[string]string)} }

func (m *memStatus) Set(ctx context.Context, runID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[runID] = status
	return nil
}
func (m *memStatus) Get(ctx context.Context, runID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[runID], nil
}

type memSink struct {
	mu      sync.Mutex
	batches map[string][]*telemetry.StageRecord
}

func newMemSink() *memSink { return &memSink{batches: make(map[string][]*telemetry.StageRecord)} }

func (m *memSink) SaveBatch(ctx context.Context, runID string, records []*telemetry.StageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[runID] = records
	return nil
}

// ---- tests --------------------------------------------------------------

func newTestOrchestrator(t *testing.T, synth Synthesizer) (*Orchestrator, *streaming.Manager, *memRuns, *memSink) {
	t.Helper()
	reg, err := adapters.NewRegistry(nestedAdapter{}, flatAdapter{}, failingAdapter{})
	require.NoError(t, err)

	events := streaming.NewManager(256)
	runs := newMemRuns()
	sink := newMemSink()
	orch := NewOrchestrator(OrchestratorParams{
		Registry: reg,
		Pool:     fanout.New(fanout.Config{Workers: 3, Attempts: 1}, nil),
		Synth:    synth,
		Events:   events,
		Runs:     runs,
		Files:    newMemFiles(),
		Status:   newMemStatus(),
		Sink:     sink,
		Links:    citation.NewLinkBuilder("/api/research/documents"),
		Logger:   zap.NewNop(),
	})
	return orch, events, runs, sink
}

// Three sources: filings has a nested table (one document, two pages) and no
// embedded markers; transcripts carries content with an embedded [REF:1] and
// a flat one-entry table; news fails with a network error. Global IDs 1-3 go
// to filings' two entries then transcripts' one, in submission order.
func TestExecuteEndToEnd(t *testing.T) {
	synth := &stubSynth{
		routeMode: "research",
		chunks: []string{
			"Filings show growth [REF:1] and stable credit [RE", "F:2]. ",
			"The call echoed this [REF:3]. Stray claim [REF:9].",
		},
	}
	orch, events, runs, sink := newTestOrchestrator(t, synth)

	req := models.ResearchRequest{
		Statement: "How did JPM perform?",
		Sources:   []string{"filings", "transcripts", "news"},
		APIKey:    "key",
	}
	orch.Execute(context.Background(), "run-e2e", "user-1", req)

	run, err := runs.GetByRunID(context.Background(), "run-e2e")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	assert.Equal(t, "research", run.Route)

	// Collision-free merge across sources: exactly three global entries.
	require.Len(t, run.References, 3)
	assert.Equal(t, "JPM 10-K 2025", run.References[0].DocumentName)
	assert.Equal(t, 12, run.References[0].Page)
	assert.Equal(t, 47, run.References[1].Page)
	assert.Equal(t, "Q2 Call", run.References[2].DocumentName)

	// Echoed markers resolve; the unknown ID stays literal.
	assert.Contains(t, run.Answer, "[JPM 10-K 2025 (p. 12)]")
	assert.Contains(t, run.Answer, "[JPM 10-K 2025 (p. 47)]")
	assert.Contains(t, run.Answer, "[Q2 Call (p. 4)]")
	assert.Contains(t, run.Answer, "[REF:9]")
	assert.NotContains(t, run.Answer, "[REF:1]")

	// Live feed: two successes and one error, all three present.
	var ok, failed int
	var sawDone bool
	for _, evt := range events.ReplaySince("run-e2e", 0) {
		switch evt.Type {
		case streaming.EventStatus:
			if strings.HasPrefix(evt.Message, "[ok]") {
				ok++
			} else {
				failed++
			}
		case streaming.EventDone:
			sawDone = true
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, 1, failed)
	assert.True(t, sawDone)

	// Telemetry captured every stage, including the failed worker's.
	stages := map[string]telemetry.Status{}
	for _, r := range sink.batches["run-e2e"] {
		stages[r.Name] = r.Status
	}
	assert.Equal(t, telemetry.StatusCompleted, stages["routing"])
	assert.Equal(t, telemetry.StatusCompleted, stages["fanout"])
	assert.Equal(t, telemetry.StatusError, stages["source:news"])
	assert.Equal(t, telemetry.StatusCompleted, stages["synthesis"])
}

func TestExecuteDirectShortCircuit(t *testing.T) {
	synth := &stubSynth{routeMode: "direct", chunks: []string{"Plain answer, no retrieval."}}
	orch, events, runs, _ := newTestOrchestrator(t, synth)

	orch.Execute(context.Background(), "run-direct", "user-1", models.ResearchRequest{
		Statement: "What is a 10-K?", APIKey: "key",
	})

	run, err := runs.GetByRunID(context.Background(), "run-direct")
	require.NoError(t, err)
	assert.Equal(t, "direct", run.Route)
	assert.Empty(t, run.References)
	assert.Equal(t, "Plain answer, no retrieval.", run.Answer)

	for _, evt := range events.ReplaySince("run-direct", 0) {
		assert.NotEqual(t, streaming.EventStatus, evt.Type, "direct runs must not fan out")
	}
}

func TestExecuteMidStreamSynthesisFailure(t *testing.T) {
	synth := &stubSynth{
		routeMode: "research",
		chunks:    []string{"Partial insight [REF:3]. More to come"},
		streamErr: errors.New("model backend closed connection"),
	}
	orch, events, runs, sink := newTestOrchestrator(t, synth)

	orch.Execute(context.Background(), "run-fail", "user-1", models.ResearchRequest{
		Statement: "How did JPM perform?",
		Sources:   []string{"filings", "transcripts"},
		APIKey:    "key",
	})

	run, err := runs.GetByRunID(context.Background(), "run-fail")
	require.NoError(t, err)
	assert.Equal(t, models.RunError, run.Status)

	// Buffered output was flushed and the failure is visible, not silent.
	assert.Contains(t, run.Answer, "[Q2 Call (p. 4)]")
	assert.Contains(t, run.Answer, "answer incomplete")

	var sawError, sawDone bool
	for _, evt := range events.ReplaySince("run-fail", 0) {
		switch evt.Type {
		case streaming.EventError:
			sawError = true
		case streaming.EventDone:
			sawDone = true
		}
	}
	assert.True(t, sawError)
	assert.True(t, sawDone, "response must still terminate normally")

	stages := map[string]telemetry.Status{}
	for _, r := range sink.batches["run-fail"] {
		stages[r.Name] = r.Status
	}
	assert.Equal(t, telemetry.StatusError, stages["synthesis"])
}

func TestExecuteMissingCredentialIsFatal(t *testing.T) {
	orch, events, runs, _ := newTestOrchestrator(t, &stubSynth{routeMode: "research"})

	orch.Execute(context.Background(), "run-nokey", "user-1", models.ResearchRequest{
		Statement: "anything",
	})

	run, err := runs.GetByRunID(context.Background(), "run-nokey")
	require.NoError(t, err)
	assert.Equal(t, models.RunError, run.Status)
	assert.Contains(t, run.Error, "credential")

	evts := events.ReplaySince("run-nokey", 0)
	require.NotEmpty(t, evts)
	assert.Equal(t, streaming.EventError, evts[0].Type)
}

func TestExecuteNoScopeIsFatal(t *testing.T) {
	synth := &stubSynth{routeMode: "research"}
	orch, _, runs, _ := newTestOrchestrator(t, synth)

	// Route succeeds but with no scope; the run must abort before fan-out.
	noScope := &noScopeSynth{stubSynth: synth}
	orch.p.Synth = noScope

	orch.Execute(context.Background(), "run-noscope", "user-1", models.ResearchRequest{
		Statement: "anything", Sources: []string{"filings"}, APIKey: "key",
	})

	run, err := runs.GetByRunID(context.Background(), "run-noscope")
	require.NoError(t, err)
	assert.Equal(t, models.RunError, run.Status)
	assert.Contains(t, run.Error, "scope")
}

type noScopeSynth struct{ *stubSynth }

func (s *noScopeSynth) Route(ctx context.Context, apiKey, statement string, continuation bool) (synthesis.RouteDecision, error) {
	return synthesis.RouteDecision{Mode: "research"}, nil
}
