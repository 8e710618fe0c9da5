// internal/triage/engine.go
package triage

import (
	"context"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// ItemDelay is the minimum pause between two classifications, to stay under the
// provider's request rate.
const ItemDelay = 2 * time.Second

// Source supplies the current batch of incoming messages, in arrival order.
type Source interface {
	Fetch(ctx context.Context) ([]IncomingMessage, error)
}

// EngineHooks are optional callbacks for observability (metrics, tracing).
// Nil fields are skipped.
type EngineHooks struct {
	OnLLMCall     func(op string, inputTokens, outputTokens int, duration float64, isError bool)
	OnRetry       func(op string)
	OnFallback    func(op, kind string)
	OnClassified  func(priority Priority, degraded bool)
	OnAlert       func(severity AlertSeverity)
	OnRunComplete func(e *RunEvent)
}

// RunEvent carries summary data for a completed triage run.
type RunEvent struct {
	Fetched    int
	Classified int
	Skipped    int
	Degraded   int
	Duration   float64
	FetchError bool
}

// ProgressFunc is invoked once with processed 0 and a nil item when the batch is published,
// then after each item of the run is classified and published.
type ProgressFunc func(ctx context.Context, processed, total int, item *Item)

// RunResult is the outcome of a triage run.
type RunResult struct {
	RunID       string
	Items       []*Item
	Classified  int
	Skipped     int
	StartedAt   time.Time
	CompletedAt time.Time
	Duration    float64
	Err         error
}

// Engine runs the triage pipeline: fetch a batch, publish it as pending, then classify
// every item one at a time in source order with a fixed pause between items.
type Engine struct {
	source    Source
	store     Store
	assistant *Assistant
	logger    log.Logger
	hooks     EngineHooks
	sleep     SleepFunc
	now       func() time.Time
	itemDelay time.Duration

	mu       sync.Mutex
	lastDone time.Time // end of the previous classification
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithEngineSleep replaces the wait used between items.
func WithEngineSleep(fn SleepFunc) EngineOption {
	return func(e *Engine) { e.sleep = fn }
}

// WithEngineClock replaces time.Now.
func WithEngineClock(fn func() time.Time) EngineOption {
	return func(e *Engine) { e.now = fn }
}

// WithItemDelay overrides the pause between two classifications.
func WithItemDelay(d time.Duration) EngineOption {
	return func(e *Engine) { e.itemDelay = d }
}

// NewEngine creates a new triage engine with the given dependencies.
func NewEngine(source Source, store Store, assistant *Assistant, logger log.Logger, hooks EngineHooks, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	e := &Engine{
		source:    source,
		store:     store,
		assistant: assistant,
		logger:    logger,
		hooks:     hooks,
		sleep:     Sleep,
		now:       time.Now,
		itemDelay: ItemDelay,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run executes one triage pass. Individual failures never abort the run; a failed
// classification degrades to the fallback analysis and the run moves on.
func (e *Engine) Run(ctx context.Context, runID string, progress ProgressFunc) *RunResult {
	start := e.now()
	rr := &RunResult{RunID: runID, StartedAt: start}
	ev := &RunEvent{}

	L := e.logger.With("run_id", runID)

	defer func() {
		rr.CompletedAt = e.now()
		rr.Duration = rr.CompletedAt.Sub(start).Seconds()
		ev.Duration = rr.Duration
		if e.hooks.OnRunComplete != nil {
			e.hooks.OnRunComplete(ev)
		}
	}()

	batch, err := e.source.Fetch(ctx)
	if err != nil {
		L.Error(ctx, err, "fetch failed")
		rr.Err = err
		ev.FetchError = true
		return rr
	}
	ev.Fetched = len(batch)

	// publish the whole batch as pending before any classification
	var todo []*Item
	for _, msg := range batch {
		if err := msg.Validate(); err != nil {
			L.Warn(ctx, "skipping invalid message", "error", err.Error())
			continue
		}

		existing, ok, err := e.store.Get(ctx, msg.ID)
		if err != nil {
			L.Error(ctx, err, "store lookup failed", "message_id", msg.ID)
			continue
		}
		if ok && existing.Status.Closed() {
			rr.Items = append(rr.Items, existing)
			rr.Skipped++
			continue
		}

		it := NewItem(msg)
		if err := e.store.Put(ctx, it); err != nil {
			L.Error(ctx, err, "failed to publish pending item", "message_id", msg.ID)
			continue
		}
		rr.Items = append(rr.Items, it)
		todo = append(todo, it)
	}
	ev.Skipped = rr.Skipped

	L.Info(ctx, "batch published", "fetched", len(batch), "to_classify", len(todo), "skipped", rr.Skipped)
	if progress != nil {
		progress(ctx, 0, len(todo), nil)
	}

	for i, it := range todo {
		cur, err := e.ClassifyNext(ctx, it)
		if err != nil {
			L.Warn(ctx, "triage run interrupted", "classified", i, "total", len(todo))
			rr.Err = err
			break
		}
		*it = *cur

		rr.Classified++
		if cur.Analysis.Degraded {
			ev.Degraded++
		}
		ev.Classified++
		if progress != nil {
			progress(ctx, i+1, len(todo), cur.Clone())
		}
	}

	L.Info(ctx, "triage run complete",
		"classified", rr.Classified,
		"skipped", rr.Skipped,
		"degraded", ev.Degraded,
	)
	return rr
}

// ClassifyNext waits until at least the item delay has passed since the previous
// classification ended, then classifies it. Runs and live ingests share this pacing.
func (e *Engine) ClassifyNext(ctx context.Context, it *Item) (*Item, error) {
	if err := e.pace(ctx); err != nil {
		return nil, err
	}
	return e.Classify(ctx, it), nil
}

func (e *Engine) pace(ctx context.Context) error {
	e.mu.Lock()
	last := e.lastDone
	e.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	wait := e.itemDelay - e.now().Sub(last)
	if wait <= 0 {
		return nil
	}
	return e.sleep(ctx, wait)
}

// Classify analyzes a single item, attaches the analysis to the latest stored version of
// the item and publishes it. User actions taken while the call was in flight survive.
func (e *Engine) Classify(ctx context.Context, it *Item) *Item {
	an := e.assistant.Classify(ctx, &it.IncomingMessage)
	e.mu.Lock()
	e.lastDone = e.now()
	e.mu.Unlock()

	cur, ok, err := e.store.Get(ctx, it.ID)
	if err != nil || !ok {
		cur = it.Clone()
	}
	cur.Analysis = &an
	cur.TriagedAt = e.now()
	if err := e.store.Put(ctx, cur); err != nil {
		e.logger.Error(ctx, err, "failed to publish analysis", "message_id", it.ID)
	}

	if e.hooks.OnClassified != nil {
		e.hooks.OnClassified(an.Priority, an.Degraded)
	}
	return cur
}
