package inboxapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/whatspilot/internal/bridge"
	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// TriageService defines the business operations inboxapi needs.
type TriageService interface {
	StartRun(ctx context.Context) (*triage.RunInfo, error)
	Progress() triage.RunProgress
	Visible(ctx context.Context, filter triage.Filter) ([]*triage.Item, error)
	History(ctx context.Context) ([]*triage.Item, error)
	Stats(ctx context.Context) (triage.Stats, error)
	Get(ctx context.Context, id string) (*triage.Item, bool, error)
	Archive(ctx context.Context, id string) (*triage.Item, error)
	Reply(ctx context.Context, id, text string) (*triage.Item, error)
	Chats(ctx context.Context) ([]triage.Chat, error)
	Summarize(ctx context.Context, chatID string) (string, error)
	SmartReplies(ctx context.Context, chatID string) ([]string, error)
	StartAlertScan(ctx context.Context) error
	Alerts() triage.AlertScan
}

// BridgeState exposes the scraper bridge connection.
type BridgeState interface {
	Snapshot() bridge.Snapshot
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger  log.Logger
	svc     TriageService
	bridge  BridgeState
	limiter *ipLimiter
}

// Option customises the API.
type Option func(*API)

// WithBridge exposes the bridge state on /api/v1/bridge.
func WithBridge(b BridgeState) Option {
	return func(a *API) { a.bridge = b }
}

// WithHelperRateLimit sets how many AI helper requests a client IP may make per minute.
func WithHelperRateLimit(perMinute int) Option {
	return func(a *API) { a.limiter = newIPLimiter(perMinute) }
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	a := &API{
		logger:  logger,
		svc:     svc,
		limiter: newIPLimiter(DefaultHelperRateLimit),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/triage/runs", a.handleStartRun)
		r.Get("/triage/runs/current", a.handleRunProgress)

		r.Get("/inbox", a.handleInbox)
		r.Get("/inbox/history", a.handleHistory)
		r.Get("/inbox/stats", a.handleStats)
		r.Get("/inbox/{id}", a.handleGetItem)
		r.Post("/inbox/{id}/archive", a.handleArchive)
		r.Post("/inbox/{id}/reply", a.handleReply)

		r.Get("/chats", a.handleChats)
		r.Group(func(r chi.Router) {
			r.Use(a.limiter.Middleware)
			r.Get("/chats/{id}/summary", a.handleSummary)
			r.Get("/chats/{id}/replies", a.handleSmartReplies)
		})

		r.Post("/alerts/scan", a.handleStartAlertScan)
		r.Get("/alerts", a.handleAlerts)

		r.Get("/bridge", a.handleBridge)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
