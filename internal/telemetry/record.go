package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the lifecycle state of one pipeline stage.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Usage is one model-usage entry attached to a stage.
type Usage struct {
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// StageRecord is the telemetry for one named pipeline stage. It is created on
// stage start and finalized exactly once on stage end; detail additions are
// append-only. Each record is owned by a single goroutine (the orchestrator
// or one fan-out worker), so it carries no lock of its own.
type StageRecord struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
	Usage     []Usage        `json:"usage,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Start marks the stage in progress and stamps its start time.
func (r *StageRecord) Start() {
	r.Status = StatusInProgress
	r.StartedAt = time.Now()
}

// Complete finalizes the stage as successful.
func (r *StageRecord) Complete() {
	r.finish(StatusCompleted)
}

// Fail finalizes the stage as errored and records the error text.
func (r *StageRecord) Fail(msg string) {
	r.AddDetail("error", msg)
	r.finish(StatusError)
}

func (r *StageRecord) finish(s Status) {
	r.Status = s
	r.EndedAt = time.Now()
	if !r.StartedAt.IsZero() {
		r.Duration = r.EndedAt.Sub(r.StartedAt)
	}
}

// AddDetail appends one key/value to the stage's detail map.
func (r *StageRecord) AddDetail(key string, value any) {
	if r.Detail == nil {
		r.Detail = make(map[string]any)
	}
	r.Detail[key] = value
}

// AddUsage appends one usage entry.
func (r *StageRecord) AddUsage(u Usage) {
	r.Usage = append(r.Usage, u)
}

// Recorder is the explicit per-run telemetry context threaded through the
// pipeline. Each request gets its own Recorder, so concurrent runs never see
// each other's records. Stage creation is locked; once handed out, a record
// belongs to exactly one goroutine.
type Recorder struct {
	runID  string
	logger *zap.Logger

	mu      sync.Mutex
	order   []string
	records map[string]*StageRecord
}

func NewRecorder(runID string, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		runID:   runID,
		logger:  logger,
		records: make(map[string]*StageRecord),
	}
}

// RunID returns the run this recorder belongs to.
func (rc *Recorder) RunID() string { return rc.runID }

// Stage returns the record for name, creating it on first use.
func (rc *Recorder) Stage(name string) *StageRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if r, ok := rc.records[name]; ok {
		return r
	}
	r := &StageRecord{Name: name, Status: StatusNotStarted}
	rc.records[name] = r
	rc.order = append(rc.order, name)
	return r
}

// Records returns all stage records in creation order.
func (rc *Recorder) Records() []*StageRecord {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*StageRecord, 0, len(rc.order))
	for _, name := range rc.order {
		out = append(out, rc.records[name])
	}
	return out
}
