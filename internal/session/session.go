// Package session models research sessions: one session per
// owner/domain pair, carrying phase progress and accumulated results
// so work can stop at a review gate and resume later.
package session

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusPaused           Status = "paused"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
)

// ReviewDecision is the quality-gate verdict on a phase's output: a
// 0-1 score, whether it cleared the phase's threshold, and a reason an
// operator can read before approving or rejecting.
type ReviewDecision struct {
	Approved bool    `json:"approved"`
	Score    float64 `json:"score"`
	Reason   string  `json:"reason"`
}

// PhaseRecord is the persisted outcome of one pipeline phase.
type PhaseRecord struct {
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Approved    bool            `json:"approved"`
	Review      *ReviewDecision `json:"review,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Session is a resumable research run for one domain.
type Session struct {
	ID            string                  `json:"id"`
	Owner         string                  `json:"owner"`
	Domain        string                  `json:"domain"`
	CurrentPhase  string                  `json:"currentPhase,omitempty"`
	Status        Status                  `json:"status"`
	Results       map[string]*PhaseRecord `json:"results"`
	CorrelationID string                  `json:"correlationId,omitempty"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// New creates an idle session for an owner/domain pair.
func New(owner, domain string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        uuid.New().String(),
		Owner:     owner,
		Domain:    domain,
		Status:    StatusIdle,
		Results:   make(map[string]*PhaseRecord),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Record returns the phase record for a phase name, creating it if absent.
func (s *Session) Record(phase string) *PhaseRecord {
	if s.Results == nil {
		s.Results = make(map[string]*PhaseRecord)
	}
	r, ok := s.Results[phase]
	if !ok {
		r = &PhaseRecord{}
		s.Results[phase] = r
	}
	return r
}

// PhaseApproved reports whether a phase completed and passed review.
func (s *Session) PhaseApproved(phase string) bool {
	r, ok := s.Results[phase]
	return ok && r.Approved
}

// PhaseCompleted reports whether a phase has a completed record,
// approved or not.
func (s *Session) PhaseCompleted(phase string) bool {
	r, ok := s.Results[phase]
	return ok && r.CompletedAt != nil && r.Error == ""
}

// Touch bumps the modification timestamp.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UTC()
}
