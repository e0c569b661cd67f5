package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/event"
	"github.com/sells-group/domain-intel/internal/metrics"
	"github.com/sells-group/domain-intel/internal/session"
)

// streamEvents serves the session's ordered event stream over SSE.
// Reconnecting clients pass ?last_seq=N to replay events they missed
// from the writer's ring before receiving live ones.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if eris.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "load session", eris.ToString(err, false), id)
		return
	}

	var lastSeq uint64
	if raw := r.URL.Query().Get("last_seq"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid last_seq", raw, id)
			return
		}
		lastSeq = n
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", "", id)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.orch.Events(id).Subscribe(lastSeq)
	defer sub.Cancel()
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	s.logger.Info("api: event stream attached",
		zap.String("session_id", id),
		zap.Uint64("last_seq", lastSeq))

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-sub.C:
			if !open {
				// Writer closed: terminate the stream gracefully.
				_, _ = io.WriteString(w, "data: "+event.DoneSentinel+"\n\n")
				flusher.Flush()
				return
			}
			frame, err := event.FormatSSE(evt)
			if err != nil {
				s.logger.Error("api: encode event",
					zap.String("session_id", id), zap.Error(err))
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
			metrics.EventsEmitted.WithLabelValues(string(evt.Type)).Inc()
		case <-ticker.C:
			// Comment frames keep idle proxies from timing out without
			// consuming sequence numbers.
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
