package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sort"

	"github.com/onnwee/relay-tender/store"
)

// HandleRunningStreams lists the streams currently being relayed.
func (h *Handlers) HandleRunningStreams(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListRunningStreams(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if list == nil {
		list = []store.RunningStream{}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].ID < list[j].ID
	})
	writeJSON(w, http.StatusOK, list)
}

// HandleUpcomingStreams lists announced streams by start time. Entries whose
// start time has passed are removed from the store on the way out.
func (h *Handlers) HandleUpcomingStreams(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListUpcomingStreams(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	now := h.now()
	out := make([]store.UpcomingStream, 0, len(list))
	for _, u := range list {
		if u.Expired(now) {
			if err := h.store.RemoveUpcomingStream(r.Context(), u.ID); err != nil {
				slog.Warn("remove expired upcoming stream", slog.String("id", u.ID), slog.Any("err", err), slog.String("component", "http"))
			}
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	writeJSON(w, http.StatusOK, out)
}

// HandleRelaySessions lists archived relay sessions, newest first.
func (h *Handlers) HandleRelaySessions(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "relay archive not configured", http.StatusNotFound)
		return
	}
	list, err := h.archive.ListRelaySessions(r.Context(), parseIntQuery(r, "limit", 50))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// HandleRelayAuthenticate is the RTMP server's publish hook: the form field
// "key" must match the relay key.
func (h *Handlers) HandleRelayAuthenticate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	key := r.PostForm.Get("key")
	if h.relayKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.relayKey)) != 1 {
		slog.Warn("relay publish rejected", slog.String("remote_addr", r.RemoteAddr), slog.String("component", "relay_auth"))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleAdminReset clears every running and upcoming stream, chat queue and claim.
func (h *Handlers) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAll(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	slog.Info("store reset via admin endpoint", slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// HandleAdminRemoveRunning drops a running stream record and its chat queue.
func (h *Handlers) HandleAdminRemoveRunning(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rs, err := h.store.GetRunningStream(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if rs == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err := h.store.RemoveRunningStream(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
