package triage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// jobQueueSize bounds the backlog of classification jobs waiting for the worker.
const jobQueueSize = 256

var (
	// ErrRunInProgress is returned when a triage run or alert scan is already queued or running.
	ErrRunInProgress = errors.New("already in progress")

	// ErrNotFound is returned for unknown item or chat ids.
	ErrNotFound = errors.New("not found")

	// ErrItemClosed is returned when acting on an item that is already done or archived.
	ErrItemClosed = errors.New("item is closed")

	// ErrEmptyReply is returned when neither a reply text nor a suggested reply exists.
	ErrEmptyReply = errors.New("reply text is empty")

	// ErrQueueFull is returned when the worker backlog is saturated.
	ErrQueueFull = errors.New("job queue is full")
)

// ChatSource supplies the conversation threads used by the chat helpers and alert scans.
type ChatSource interface {
	Chats(ctx context.Context) ([]Chat, error)
}

// Notifier forwards noteworthy triage outcomes to an external channel.
type Notifier interface {
	NotifyItem(ctx context.Context, item *Item) error
	NotifyAlert(ctx context.Context, alert *Alert) error
}

// RunInfo identifies an accepted triage run.
type RunInfo struct {
	RunID string `json:"run_id"`
}

// RunProgress describes the latest triage run.
type RunProgress struct {
	RunID       string    `json:"run_id,omitempty"`
	Running     bool      `json:"running"`
	Processed   int       `json:"processed"`
	Total       int       `json:"total"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// AlertScan is the latest emergency scan over all chats.
type AlertScan struct {
	Running   bool      `json:"running"`
	ScannedAt time.Time `json:"scanned_at,omitzero"`
	Alerts    []Alert   `json:"alerts"`
}

type job func(ctx context.Context)

// Service is the business boundary for triage operations. Every AI call it triggers runs
// on a single worker, one after another.
type Service struct {
	store     Store
	engine    *Engine
	assistant *Assistant
	chats     ChatSource
	logger    log.Logger
	metrics   *Metrics
	notifier  Notifier
	now       func() time.Time

	jobs chan job

	// ingestMu makes the duplicate check and the insert of Ingest one step
	ingestMu sync.Mutex

	mu       sync.Mutex
	progress RunProgress
	scan     AlertScan
}

// NewService creates a new triage service. metrics and notifier may be nil.
func NewService(store Store, engine *Engine, assistant *Assistant, chats ChatSource, logger log.Logger, metrics *Metrics, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if store == nil || engine == nil || assistant == nil {
		panic(xerrors.New("store, engine and assistant are required"))
	}
	if chats == nil {
		panic(xerrors.New("chat source is required"))
	}
	return &Service{
		store:     store,
		engine:    engine,
		assistant: assistant,
		chats:     chats,
		logger:    logger,
		metrics:   metrics,
		notifier:  notifier,
		now:       time.Now,
		jobs:      make(chan job, jobQueueSize),
	}
}

// Serve runs queued jobs one at a time until ctx is done.
func (s *Service) Serve(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			j(ctx)
		}
	}
}

func (s *Service) enqueue(j job) error {
	select {
	case s.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// StartRun queues a triage run. Only one run may be queued or running at a time.
func (s *Service) StartRun(_ context.Context) (*RunInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.progress.Running {
		s.countSubmit("run", "rejected")
		return nil, ErrRunInProgress
	}

	id := ulid.Make().String()
	if err := s.enqueue(func(ctx context.Context) { s.runTriage(ctx, id) }); err != nil {
		s.countSubmit("run", "queue_full")
		return nil, err
	}

	s.progress = RunProgress{RunID: id, Running: true, StartedAt: s.now()}
	s.countSubmit("run", "accepted")
	return &RunInfo{RunID: id}, nil
}

// Progress returns the state of the latest triage run.
func (s *Service) Progress() RunProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Running reports whether a triage run is queued or in flight.
func (s *Service) Running() bool {
	return s.Progress().Running
}

func (s *Service) runTriage(ctx context.Context, id string) {
	L := s.logger.With("run_id", id)
	L.Info(ctx, "triage run started")

	rr := s.engine.Run(ctx, id, func(ctx context.Context, processed, total int, it *Item) {
		s.mu.Lock()
		s.progress.Processed = processed
		s.progress.Total = total
		s.mu.Unlock()
		s.notifyItem(ctx, it)
	})

	s.mu.Lock()
	s.progress.Running = false
	s.progress.CompletedAt = rr.CompletedAt
	if rr.Err != nil {
		s.progress.Error = rr.Err.Error()
	}
	s.mu.Unlock()

	L.Info(ctx, "triage run finished",
		"classified", rr.Classified,
		"skipped", rr.Skipped,
		"duration", rr.Duration,
	)
}

// Ingest stores a live message as a pending item and queues its classification.
// It returns false when the message id is already known.
func (s *Service) Ingest(ctx context.Context, msg IncomingMessage) (bool, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	if msg.Platform == "" {
		msg.Platform = "whatsapp"
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	if err := msg.Validate(); err != nil {
		s.countSubmit("ingest", "invalid")
		return false, err
	}

	if _, ok, err := s.store.Get(ctx, msg.ID); err != nil {
		return false, err
	} else if ok {
		s.countSubmit("ingest", "duplicate")
		return false, nil
	}

	it := NewItem(msg)
	if err := s.store.Put(ctx, it); err != nil {
		return false, err
	}

	if err := s.enqueue(func(ctx context.Context) {
		cur, err := s.engine.ClassifyNext(ctx, it)
		if err != nil {
			s.logger.Warn(ctx, "classification interrupted", "message_id", it.ID, "error", err.Error())
			return
		}
		s.notifyItem(ctx, cur)
	}); err != nil {
		// the item stays pending and is picked up by the next run
		s.logger.Warn(ctx, "classification not queued", "message_id", msg.ID, "error", err.Error())
		s.countSubmit("ingest", "queue_full")
		return true, nil
	}

	s.countSubmit("ingest", "accepted")
	return true, nil
}

// Items returns every item in insertion order.
func (s *Service) Items(ctx context.Context) ([]*Item, error) {
	return s.store.List(ctx)
}

// Visible returns the pending items shown under filter.
func (s *Service) Visible(ctx context.Context, filter Filter) ([]*Item, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return Visible(items, filter, s.now()), nil
}

// History returns every item regardless of status, newest first.
func (s *Service) History(ctx context.Context) ([]*Item, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return History(items), nil
}

// Stats returns the dashboard counters.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(items, s.now()), nil
}

// Get retrieves an item by message id.
func (s *Service) Get(ctx context.Context, id string) (*Item, bool, error) {
	return s.store.Get(ctx, id)
}

// Archive moves an item to ARCHIVED. Archiving an archived item is a no-op.
func (s *Service) Archive(ctx context.Context, id string) (*Item, error) {
	it, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	switch it.Status {
	case StatusArchived:
		return it, nil
	case StatusDone:
		return nil, ErrItemClosed
	}

	it.Status = StatusArchived
	it.ClosedAt = s.now()
	if err := s.store.Put(ctx, it); err != nil {
		return nil, err
	}
	s.countAction("archive")
	return it, nil
}

// Reply records the answer to an item and marks it DONE. An empty text falls back to the
// suggested reply of the analysis.
func (s *Service) Reply(ctx context.Context, id, text string) (*Item, error) {
	it, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status.Closed() {
		return nil, ErrItemClosed
	}

	text = strings.TrimSpace(text)
	if text == "" && it.Analysis != nil {
		text = it.Analysis.SuggestedReply
	}
	if text == "" {
		return nil, ErrEmptyReply
	}

	it.ReplyText = text
	it.Status = StatusDone
	it.ClosedAt = s.now()
	if err := s.store.Put(ctx, it); err != nil {
		return nil, err
	}
	s.countAction("reply")
	return it, nil
}

// Chats returns the conversation threads.
func (s *Service) Chats(ctx context.Context) ([]Chat, error) {
	return s.chats.Chats(ctx)
}

func (s *Service) chat(ctx context.Context, id string) (*Chat, error) {
	chats, err := s.chats.Chats(ctx)
	if err != nil {
		return nil, err
	}
	for i := range chats {
		if chats[i].ID == id {
			return &chats[i], nil
		}
	}
	return nil, ErrNotFound
}

// Summarize returns a prose summary of a chat.
func (s *Service) Summarize(ctx context.Context, chatID string) (string, error) {
	c, err := s.chat(ctx, chatID)
	if err != nil {
		return "", err
	}
	return s.assistant.Summarize(ctx, c.Messages), nil
}

// SmartReplies returns short suggested answers for a chat.
func (s *Service) SmartReplies(ctx context.Context, chatID string) ([]string, error) {
	c, err := s.chat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return s.assistant.SmartReplies(ctx, c), nil
}

// StartAlertScan queues an emergency scan over all chats.
func (s *Service) StartAlertScan(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scan.Running {
		s.countSubmit("alert_scan", "rejected")
		return ErrRunInProgress
	}
	if err := s.enqueue(s.runAlertScan); err != nil {
		s.countSubmit("alert_scan", "queue_full")
		return err
	}
	s.scan.Running = true
	s.countSubmit("alert_scan", "accepted")
	return nil
}

// Alerts returns the latest alert scan.
func (s *Service) Alerts() AlertScan {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.scan
	out.Alerts = append([]Alert(nil), s.scan.Alerts...)
	return out
}

func (s *Service) runAlertScan(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.scan.Running = false
		s.mu.Unlock()
	}()

	chats, err := s.chats.Chats(ctx)
	if err != nil {
		s.logger.Error(ctx, err, "alert scan: failed to load chats")
		return
	}

	alerts := s.assistant.ScanAlerts(ctx, chats)

	s.mu.Lock()
	s.scan.Alerts = alerts
	s.scan.ScannedAt = s.now()
	s.mu.Unlock()

	s.logger.Info(ctx, "alert scan complete", "chats", len(chats), "alerts", len(alerts))

	if s.notifier == nil {
		return
	}
	for i := range alerts {
		if err := s.notifier.NotifyAlert(ctx, &alerts[i]); err != nil {
			s.logger.Error(ctx, err, "failed to send alert notification", "chat_id", alerts[i].ChatID)
		}
	}
}

func (s *Service) notifyItem(ctx context.Context, it *Item) {
	if s.notifier == nil || it == nil || it.Analysis == nil || it.Analysis.Degraded {
		return
	}
	if it.Analysis.Priority != PriorityCritical || it.Status != StatusPending {
		return
	}
	if err := s.notifier.NotifyItem(ctx, it); err != nil {
		s.logger.Error(ctx, err, "failed to send critical item notification", "message_id", it.ID)
	}
}

func (s *Service) countSubmit(kind, result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(kind, result).Inc()
	}
}

func (s *Service) countAction(action string) {
	if s.metrics != nil {
		s.metrics.ActionsTotal.WithLabelValues(action).Inc()
	}
}

// String renders the progress for logs.
func (p RunProgress) String() string {
	return fmt.Sprintf("run %s running=%v %d/%d", p.RunID, p.Running, p.Processed, p.Total)
}
