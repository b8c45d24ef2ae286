package research

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-ai/finsight-agent/internal/adapters"
	"github.com/finsight-ai/finsight-agent/internal/citation"
	"github.com/finsight-ai/finsight-agent/internal/fanout"
	"github.com/finsight-ai/finsight-agent/internal/metrics"
	"github.com/finsight-ai/finsight-agent/internal/models"
	"github.com/finsight-ai/finsight-agent/internal/streaming"
	"github.com/finsight-ai/finsight-agent/internal/synthesis"
	"github.com/finsight-ai/finsight-agent/internal/telemetry"
)

// Synthesizer is the slice of the generation service the orchestrator needs.
type Synthesizer interface {
	Route(ctx context.Context, apiKey, statement string, continuation bool) (synthesis.RouteDecision, error)
	Clarify(ctx context.Context, apiKey, statement string) (string, error)
	SelectSources(ctx context.Context, apiKey, statement string, available []string) ([]string, error)
	Synthesize(ctx context.Context, req synthesis.Request) (<-chan synthesis.StreamItem, error)
}

// RunStore defines the interface for run persistence.
type RunStore interface {
	Insert(ctx context.Context, run *models.Run) error
	ListByUser(ctx context.Context, userID string) ([]models.Run, error)
	GetByRunID(ctx context.Context, runID string) (*models.Run, error)
	Delete(ctx context.Context, runID string) error
}

// FileStore defines the interface for document and artifact storage.
type FileStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	DownloadStream(ctx context.Context, key string) (io.ReadCloser, string, error)
	Remove(ctx context.Context, key string) error
}

// StatusStore keeps the live status of in-flight runs.
type StatusStore interface {
	Set(ctx context.Context, runID, status string) error
	Get(ctx context.Context, runID string) (string, error)
}

// TelemetrySink persists stage records after a run. Failures are log-only.
type TelemetrySink interface {
	SaveBatch(ctx context.Context, runID string, records []*telemetry.StageRecord) error
}

// OrchestratorParams wires one Orchestrator.
type OrchestratorParams struct {
	Registry       *adapters.Registry
	Pool           *fanout.Pool
	Synth          Synthesizer
	Events         *streaming.Manager
	Runs           RunStore
	Files          FileStore
	Status         StatusStore
	Sink           TelemetrySink
	Links          *citation.LinkBuilder
	FlushThreshold int
	Logger         *zap.Logger
}

// Orchestrator sequences one research run: routing, optional clarification
// and source selection, parallel fan-out, reference aggregation, and the
// streamed synthesis with inline citation resolution.
type Orchestrator struct {
	p OrchestratorParams
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Orchestrator{p: p}
}

// Execute runs the whole pipeline for one request. It never panics outward
// and never leaves the run without a terminal event: whatever fails, the
// live feed ends with a done event and the run record lands with a status.
func (o *Orchestrator) Execute(ctx context.Context, runID, userID string, req models.ResearchRequest) {
	log := o.p.Logger.With(zap.String("run_id", runID))
	rec := telemetry.NewRecorder(runID, log)
	run := &models.Run{
		RunID:     runID,
		UserID:    userID,
		Statement: req.Statement,
		Status:    models.RunRunning,
		CreatedAt: time.Now(),
	}
	o.setStatus(ctx, runID, models.RunRunning)
	defer o.saveTelemetry(runID, rec, log)

	if req.APIKey == "" {
		o.fatal(ctx, run, rec, "missing credential", log)
		return
	}

	// Routing decides whether this statement needs retrieval at all.
	routing := rec.Stage("routing")
	routing.Start()
	dec, err := o.p.Synth.Route(ctx, req.APIKey, req.Statement, req.Continuation)
	if err != nil {
		routing.Fail(err.Error())
		o.fatal(ctx, run, rec, fmt.Sprintf("routing failed: %v", err), log)
		return
	}
	routing.AddDetail("mode", dec.Mode)
	routing.Complete()

	statement := req.Statement
	var index *citation.MasterIndex
	var contextText string

	if dec.Mode == "direct" {
		run.Route = "direct"
	} else {
		run.Route = "research"
		scope := adapters.Scope(dec.Scope)
		if scope != adapters.ScopeListing && scope != adapters.ScopeContent {
			o.fatal(ctx, run, rec, "no research scope determined before fan-out", log)
			return
		}

		statement = o.clarify(ctx, rec, req, log)

		sources, err := o.selectSources(ctx, rec, req, statement)
		if err != nil {
			o.fatal(ctx, run, rec, err.Error(), log)
			return
		}
		run.Sources = sources

		results := o.fanOut(ctx, rec, runID, statement, req.APIKey, scope, sources)
		agg := o.aggregate(rec, sources, results)
		index = agg.Index
		run.References = index.Entries()
		contextText = buildContext(agg.Contents)
	}

	answer, synthErr := o.streamAnswer(ctx, rec, runID, statement, contextText, req.APIKey, index)
	run.Answer = answer
	run.CompletedAt = time.Now()
	if synthErr != nil {
		run.Status = models.RunError
		run.Error = synthErr.Error()
	} else {
		run.Status = models.RunCompleted
	}

	o.persist(ctx, run, log)
	o.setStatus(ctx, runID, run.Status)
	metrics.Runs.WithLabelValues(run.Route, run.Status).Inc()
	o.p.Events.Publish(runID, streaming.Event{Type: streaming.EventDone, Message: run.Status})
}

// clarify refines the statement before retrieval. Clarification is best
// effort: on failure the original statement is used and the stage is marked
// errored without aborting the run.
func (o *Orchestrator) clarify(ctx context.Context, rec *telemetry.Recorder, req models.ResearchRequest, log *zap.Logger) string {
	stage := rec.Stage("clarify")
	stage.Start()
	refined, err := o.p.Synth.Clarify(ctx, req.APIKey, req.Statement)
	if err != nil {
		log.Warn("clarify failed, using original statement", zap.Error(err))
		stage.Fail(err.Error())
		return req.Statement
	}
	if refined == "" {
		refined = req.Statement
	}
	stage.AddDetail("refined", refined != req.Statement)
	stage.Complete()
	return refined
}

// selectSources settles the ordered source list: the request's explicit
// selection wins, otherwise routing picks from the registry. An empty final
// list is fatal; there is nothing to fan out over.
func (o *Orchestrator) selectSources(ctx context.Context, rec *telemetry.Recorder, req models.ResearchRequest, statement string) ([]string, error) {
	if len(req.Sources) > 0 {
		return req.Sources, nil
	}
	stage := rec.Stage("select_sources")
	stage.Start()
	sources, err := o.p.Synth.SelectSources(ctx, req.APIKey, statement, o.p.Registry.IDs())
	if err != nil {
		stage.Fail(err.Error())
		return nil, fmt.Errorf("source selection failed: %v", err)
	}
	if len(sources) == 0 {
		stage.Fail("no sources selected")
		return nil, fmt.Errorf("no sources selected for research")
	}
	stage.AddDetail("sources", sources)
	stage.Complete()
	return sources, nil
}

// fanOut queries all selected sources in parallel. The returned map is keyed
// by source ID so downstream consumption order stays deterministic; the live
// feed, published here in arrival order, is display-only.
func (o *Orchestrator) fanOut(ctx context.Context, rec *telemetry.Recorder, runID, statement, apiKey string, scope adapters.Scope, sources []string) map[string]adapters.SourceResult {
	stage := rec.Stage("fanout")
	stage.Start()

	results := make(map[string]adapters.SourceResult, len(sources))
	tasks := make([]fanout.Task, 0, len(sources))
	for _, id := range sources {
		adapter, ok := o.p.Registry.Get(id)
		if !ok {
			err := fmt.Errorf("unknown source %q", id)
			o.p.Logger.Warn("fanout: source not registered", zap.String("source", id))
			results[id] = adapters.ErrorResult(id, err)
			o.publishStatus(runID, results[id])
			continue
		}
		workerStage := rec.Stage("source:" + id)
		tasks = append(tasks, fanout.Task{
			SourceID: id,
			Adapter:  adapter,
			Input: adapters.QueryInput{
				Statement:  statement,
				Scope:      scope,
				Credential: apiKey,
				Stage:      workerStage,
			},
			Stage: workerStage,
		})
	}

	ok, failed := 0, 0
	for r := range o.p.Pool.Run(ctx, tasks) {
		results[r.SourceID] = r.Result
		if r.Failed {
			failed++
		} else {
			ok++
		}
		o.publishStatus(runID, r.Result)
	}

	stage.AddDetail("sources_ok", ok)
	stage.AddDetail("sources_failed", failed)
	stage.Complete()
	return results
}

func (o *Orchestrator) publishStatus(runID string, res adapters.SourceResult) {
	o.p.Events.Publish(runID, streaming.Event{
		Type:     streaming.EventStatus,
		SourceID: res.SourceID,
		Message:  fmt.Sprintf("[%s] %s", res.Status, res.StatusLine),
	})
}

// aggregate merges reference tables into the master index, walking sources
// in their original submission order so global ID assignment is the same on
// every run regardless of worker completion order.
func (o *Orchestrator) aggregate(rec *telemetry.Recorder, sources []string, results map[string]adapters.SourceResult) citation.AggregateOutput {
	stage := rec.Stage("aggregate")
	stage.Start()

	inputs := make([]citation.SourceInput, 0, len(sources))
	for _, id := range sources {
		r := results[id]
		inputs = append(inputs, citation.SourceInput{
			SourceID: id,
			Content:  renderResult(r),
			Table:    r.Table,
		})
	}
	out := citation.Aggregate(inputs, o.p.Logger)

	stage.AddDetail("global_references", out.Index.Len())
	stage.Complete()
	return out
}

// renderResult flattens a result's content arm to text. Listing results have
// no inline markers; their descriptors become plain bullet lines.
func renderResult(r adapters.SourceResult) string {
	if r.Kind != adapters.KindListing {
		return r.Content
	}
	var sb strings.Builder
	for _, d := range r.Listing {
		fmt.Fprintf(&sb, "- %s (%s, %d pages)\n", d.Name, d.Locator, d.Pages)
	}
	return sb.String()
}

func buildContext(contents []citation.SourceContent) string {
	var sb strings.Builder
	for _, sc := range contents {
		if strings.TrimSpace(sc.Content) == "" {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n%s\n\n", sc.SourceID, sc.Content)
	}
	return sb.String()
}

// streamAnswer runs the synthesis call and pipes its text fragments through
// the citation resolver, publishing each resolved fragment as it becomes
// safe to emit. A mid-stream failure still flushes everything the resolver
// holds, appends one visible notice, and lets the response terminate
// normally; the error is reported through the stage record and run status,
// never as a silent truncation.
func (o *Orchestrator) streamAnswer(ctx context.Context, rec *telemetry.Recorder, runID, statement, contextText, apiKey string, index *citation.MasterIndex) (string, error) {
	stage := rec.Stage("synthesis")
	stage.Start()

	items, err := o.p.Synth.Synthesize(ctx, synthesis.Request{
		Statement: statement,
		Context:   contextText,
		APIKey:    apiKey,
	})
	if err != nil {
		stage.Fail(err.Error())
		o.p.Events.Publish(runID, streaming.Event{Type: streaming.EventError, Message: err.Error()})
		return "", err
	}

	resolver := citation.NewResolver(index, o.p.Links, o.p.FlushThreshold, o.p.Logger)
	var answer strings.Builder
	var streamErr error

	emit := func(text string) {
		if text == "" {
			return
		}
		answer.WriteString(text)
		metrics.AnswerChunks.Inc()
		o.p.Events.Publish(runID, streaming.Event{Type: streaming.EventAnswer, Message: text})
	}

	for it := range items {
		switch it.Kind {
		case synthesis.ItemText:
			emit(resolver.Feed(it.Text))
		case synthesis.ItemUsage:
			stage.AddUsage(it.Usage)
		case synthesis.ItemError:
			streamErr = it.Err
		}
		if streamErr != nil {
			break
		}
	}
	go func() { // release the producer if we stopped early
		for range items {
		}
	}()

	emit(resolver.Close())
	stage.AddDetail("unresolved_markers", resolver.UnknownCount())
	metrics.UnknownReferences.Add(float64(resolver.UnknownCount()))

	if streamErr != nil {
		notice := "\n\n(answer incomplete: synthesis failed mid-stream)"
		emit(notice)
		o.p.Events.Publish(runID, streaming.Event{Type: streaming.EventError, Message: streamErr.Error()})
		stage.Fail(streamErr.Error())
		return answer.String(), streamErr
	}
	stage.Complete()
	return answer.String(), nil
}

// fatal aborts the whole run with one user-visible error line.
func (o *Orchestrator) fatal(ctx context.Context, run *models.Run, rec *telemetry.Recorder, msg string, log *zap.Logger) {
	log.Error("run aborted", zap.String("reason", msg))
	run.Status = models.RunError
	run.Error = msg
	run.CompletedAt = time.Now()

	o.p.Events.Publish(run.RunID, streaming.Event{Type: streaming.EventError, Message: msg})
	o.p.Events.Publish(run.RunID, streaming.Event{Type: streaming.EventDone, Message: models.RunError})

	o.persist(ctx, run, log)
	o.setStatus(ctx, run.RunID, models.RunError)
	route := run.Route
	if route == "" {
		route = "unrouted"
	}
	metrics.Runs.WithLabelValues(route, models.RunError).Inc()
}

// persist stores the run record and, when there is an answer, its markdown
// artifact. Storage trouble is logged; the streamed response already reached
// the client.
func (o *Orchestrator) persist(ctx context.Context, run *models.Run, log *zap.Logger) {
	if run.Answer != "" {
		key := run.RunID + "/answer.md"
		if err := o.p.Files.Upload(ctx, key, []byte(run.Answer), "text/markdown"); err != nil {
			log.Error("answer artifact upload failed", zap.Error(err))
		} else {
			run.AnswerObjectKey = key
		}
	}
	if err := o.p.Runs.Insert(ctx, run); err != nil {
		log.Error("run persistence failed", zap.Error(err))
	}
}

func (o *Orchestrator) setStatus(ctx context.Context, runID, status string) {
	if err := o.p.Status.Set(ctx, runID, status); err != nil {
		o.p.Logger.Warn("status update failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) saveTelemetry(runID string, rec *telemetry.Recorder, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.p.Sink.SaveBatch(ctx, runID, rec.Records()); err != nil {
		log.Error("telemetry save failed", zap.Error(err))
	}
}
