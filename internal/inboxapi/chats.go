package inboxapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/whatspilot/internal/triage"
)

func (a *API) handleChats(w http.ResponseWriter, r *http.Request) {
	chats, err := a.svc.Chats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list chats")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": nonNil(chats)})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("whatspilot.chat.id", id))

	summary, err := a.svc.Summarize(r.Context(), id)
	if err != nil {
		a.chatError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": id, "summary": summary})
}

func (a *API) handleSmartReplies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("whatspilot.chat.id", id))

	replies, err := a.svc.SmartReplies(r.Context(), id)
	if err != nil {
		a.chatError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_id": id, "replies": nonNil(replies)})
}

func (a *API) chatError(w http.ResponseWriter, r *http.Request, err error, id string) {
	if errors.Is(err, triage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	a.logger.Error(r.Context(), err, "chat helper failed", "chat_id", id)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *API) handleStartAlertScan(w http.ResponseWriter, r *http.Request) {
	err := a.svc.StartAlertScan(r.Context())
	switch {
	case errors.Is(err, triage.ErrRunInProgress):
		writeError(w, http.StatusConflict, "alert scan already in progress")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to start alert scan")
		writeError(w, http.StatusServiceUnavailable, "unable to start alert scan")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (a *API) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	scan := a.svc.Alerts()
	scan.Alerts = nonNil(scan.Alerts)
	writeJSON(w, http.StatusOK, scan)
}

func (a *API) handleBridge(w http.ResponseWriter, _ *http.Request) {
	if a.bridge == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	snap := a.bridge.Snapshot()
	snap.Logs = nonNil(snap.Logs)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "bridge": snap})
}
