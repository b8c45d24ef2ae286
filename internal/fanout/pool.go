package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/finsight-ai/finsight-agent/internal/adapters"
	"github.com/finsight-ai/finsight-agent/internal/metrics"
	"github.com/finsight-ai/finsight-agent/internal/telemetry"
)

// Config sizes the pool and its per-call retry policy.
type Config struct {
	Workers      int           // max concurrent workers
	Stagger      time.Duration // delay between submissions
	QueryTimeout time.Duration // per-attempt deadline
	Attempts     int           // total attempts per query
	Backoff      time.Duration // base backoff, doubled per retry
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 500 * time.Millisecond
	}
	return c
}

// Task is one source query to fan out. Stage is the worker's own telemetry
// record; no worker writes to any other task's record.
type Task struct {
	SourceID string
	Adapter  adapters.SourceAdapter
	Input    adapters.QueryInput
	Stage    *telemetry.StageRecord
}

// Result is one completed worker, delivered in completion order. The carried
// SourceResult is always well-formed: failures are converted into the same
// schema with an error status.
type Result struct {
	SourceID string
	Result   adapters.SourceResult
	Failed   bool
}

// Pool runs source queries in parallel with a bounded number of workers,
// staggered submissions, and per-worker failure isolation: one adapter's
// error or panic never cancels its siblings.
type Pool struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{cfg: cfg.withDefaults(), logger: logger}
}

// Run submits all tasks and returns a channel delivering results as workers
// finish. The channel is closed after the last worker completes. Callers
// needing deterministic order must key the drained results by SourceID; the
// channel's order is arrival order and suits live status display only.
func (p *Pool) Run(ctx context.Context, tasks []Task) <-chan Result {
	results := make(chan Result, len(tasks))
	sem := make(chan struct{}, p.cfg.Workers)

	go func() {
		var wg sync.WaitGroup
		for i, t := range tasks {
			if i > 0 && p.cfg.Stagger > 0 {
				time.Sleep(p.cfg.Stagger)
			}
			wg.Add(1)
			go func(t Task) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				results <- p.runOne(ctx, t)
			}(t)
		}
		wg.Wait()
		close(results)
	}()
	return results
}

// runOne executes a single worker: telemetry, retries, and conversion of any
// failure (including a panic inside the adapter) into a uniform result.
func (p *Pool) runOne(ctx context.Context, t Task) (out Result) {
	started := time.Now()
	if t.Stage != nil {
		t.Stage.Start()
	}
	defer func() {
		metrics.SourceQueryDuration.WithLabelValues(t.SourceID).Observe(time.Since(started).Seconds())
		if r := recover(); r != nil {
			err := fmt.Errorf("adapter panic: %v", r)
			p.logger.Error("fanout: worker panicked",
				zap.String("source", t.SourceID), zap.Any("panic", r))
			out = p.failed(t, err)
		}
	}()

	res, err := p.query(ctx, t)
	if err != nil {
		p.logger.Warn("fanout: source query failed",
			zap.String("source", t.SourceID), zap.Error(err))
		return p.failed(t, err)
	}

	res.SourceID = t.SourceID
	if t.Stage != nil {
		t.Stage.AddDetail("status_line", res.StatusLine)
		t.Stage.Complete()
	}
	metrics.SourceQueries.WithLabelValues(t.SourceID, "ok").Inc()
	return Result{SourceID: t.SourceID, Result: res}
}

func (p *Pool) failed(t Task, err error) Result {
	if t.Stage != nil {
		t.Stage.Fail(err.Error())
	}
	metrics.SourceQueries.WithLabelValues(t.SourceID, "error").Inc()
	return Result{SourceID: t.SourceID, Result: adapters.ErrorResult(t.SourceID, err), Failed: true}
}

// query runs one adapter call under the per-attempt timeout, retrying
// transient failures with doubling backoff. Authentication failures are never
// retried.
func (p *Pool) query(ctx context.Context, t Task) (adapters.SourceResult, error) {
	var lastErr error
	backoff := p.cfg.Backoff
	for attempt := 1; attempt <= p.cfg.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return adapters.SourceResult{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.QueryTimeout)
		res, err := t.Adapter.Query(attemptCtx, t.Input)
		cancel()
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, adapters.ErrUnauthorized) || !adapters.IsTransient(err) {
			return adapters.SourceResult{}, err
		}
		p.logger.Debug("fanout: transient failure, retrying",
			zap.String("source", t.SourceID), zap.Int("attempt", attempt), zap.Error(err))
	}
	return adapters.SourceResult{}, lastErr
}
