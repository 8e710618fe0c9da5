package inboxapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/whatspilot/internal/triage"
)

// maxReplyBytes caps the reply request body.
const maxReplyBytes = 64 << 10

func (a *API) handleStartRun(w http.ResponseWriter, r *http.Request) {
	info, err := a.svc.StartRun(r.Context())
	switch {
	case errors.Is(err, triage.ErrRunInProgress):
		writeError(w, http.StatusConflict, "triage run already in progress")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to start triage run")
		writeError(w, http.StatusServiceUnavailable, "unable to start triage run")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("whatspilot.run.id", info.RunID))
	writeJSON(w, http.StatusAccepted, info)
}

func (a *API) handleRunProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Progress())
}

func (a *API) handleInbox(w http.ResponseWriter, r *http.Request) {
	filter, err := triage.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid filter")
		return
	}

	items, err := a.svc.Visible(r.Context(), filter)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list inbox", "filter", string(filter))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filter": filter,
		"items":  nonNil(items),
	})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	items, err := a.svc.History(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list history")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items)})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.svc.Stats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to compute stats")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("whatspilot.item.id", id))

	it, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get item", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("whatspilot.item.id", id))

	it, err := a.svc.Archive(r.Context(), id)
	if err != nil {
		a.itemError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) handleReply(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("whatspilot.item.id", id))

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReplyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	it, err := a.svc.Reply(r.Context(), id, body.Text)
	if err != nil {
		a.itemError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) itemError(w http.ResponseWriter, r *http.Request, err error, id string) {
	switch {
	case errors.Is(err, triage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, triage.ErrItemClosed):
		writeError(w, http.StatusConflict, "item is already closed")
	case errors.Is(err, triage.ErrEmptyReply):
		writeError(w, http.StatusBadRequest, "reply text is required")
	default:
		a.logger.Error(r.Context(), err, "item action failed", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
