package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/metrics"
	"github.com/sells-group/domain-intel/internal/orchestrator"
	"github.com/sells-group/domain-intel/internal/session"
)

type createSessionRequest struct {
	Owner  string `json:"owner"`
	Domain string `json:"domain"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", eris.ToString(err, false), "")
		return
	}
	req.Domain = strings.TrimSpace(req.Domain)
	if req.Domain == "" {
		writeError(w, http.StatusBadRequest, "domain is required", "", "")
		return
	}
	if req.Owner == "" {
		req.Owner = "default"
	}

	sess, err := s.store.GetOrCreate(r.Context(), req.Owner, req.Domain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create session", eris.ToString(err, false), "")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	filter := session.Filter{
		Owner:  r.URL.Query().Get("owner"),
		Status: session.Status(r.URL.Query().Get("status")),
	}
	sessions, err := s.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list sessions", eris.ToString(err, false), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		if eris.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "load session", eris.ToString(err, false), id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		if eris.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "delete session", eris.ToString(err, false), id)
		return
	}
	s.orch.CloseSession(id)
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "deleted"})
}

// runPhase validates preconditions synchronously so the caller gets an
// immediate 409 for ordering violations, then executes in the
// background. Progress and results arrive on the event stream.
func (s *Server) runPhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	phase, err := orchestrator.ParsePhase(chi.URLParam(r, "phase"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown phase", eris.ToString(err, false), id)
		return
	}

	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		if eris.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "load session", eris.ToString(err, false), id)
		return
	}
	if sess.PhaseApproved(string(phase)) {
		writeError(w, http.StatusConflict, "phase already approved", "approved results cannot be re-run", id)
		return
	}
	if prereq, ok := orchestrator.Prerequisite(phase); ok && !sess.PhaseApproved(string(prereq)) {
		writeError(w, http.StatusConflict, "prerequisite not approved",
			string(prereq)+" results must be approved before "+string(phase), id)
		return
	}

	go s.executePhase(id, phase)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": id,
		"phase":     string(phase),
		"status":    "started",
	})
}

// executePhase runs detached from the request; the orchestrator applies
// its own per-phase timeout.
func (s *Server) executePhase(sessionID string, phase orchestrator.Phase) {
	if _, err := s.orch.ExecutePhase(context.Background(), sessionID, phase); err != nil {
		metrics.PhaseRuns.WithLabelValues(string(phase), "failure").Inc()
		s.logger.Error("api: phase execution failed",
			zap.String("session_id", sessionID),
			zap.String("phase", string(phase)),
			zap.Error(err))
		return
	}
	metrics.PhaseRuns.WithLabelValues(string(phase), "success").Inc()
}

type reviewRequest struct {
	Phase  string `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// resolveReviewPhase picks the phase under review: the explicit request
// field when present, else the session's current phase.
func (s *Server) resolveReviewPhase(r *http.Request, sess *session.Session) (orchestrator.Phase, string, error) {
	var req reviewRequest
	if r.Body != nil {
		// An empty body means "current phase"; only malformed JSON is an error.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return "", "", eris.Wrap(err, "api: decode review request")
		}
	}
	name := req.Phase
	if name == "" {
		name = sess.CurrentPhase
	}
	phase, err := orchestrator.ParsePhase(name)
	if err != nil {
		return "", "", err
	}
	return phase, req.Reason, nil
}

func (s *Server) approvePhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		if eris.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "load session", eris.ToString(err, false), id)
		return
	}
	phase, _, err := s.resolveReviewPhase(r, sess)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid review request", eris.ToString(err, false), id)
		return
	}

	sess, err = s.orch.Approve(r.Context(), id, phase)
	if err != nil {
		writeError(w, http.StatusConflict, "approve failed", eris.ToString(err, false), id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// rejectPhase discards pending results. Rejection is a normal review
// outcome, not a failure, so the response is 200 with the reset session.
func (s *Server) rejectPhase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.Get(r.Context(), id)
	if err != nil {
		if eris.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found", "", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "load session", eris.ToString(err, false), id)
		return
	}
	phase, reason, err := s.resolveReviewPhase(r, sess)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid review request", eris.ToString(err, false), id)
		return
	}

	sess, err = s.orch.Reject(r.Context(), id, phase, reason)
	if err != nil {
		writeError(w, http.StatusConflict, "reject failed", eris.ToString(err, false), id)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
