// Package orchestrator drives the research pipeline: it runs phases in
// order, persists progress after every transition, and holds work at
// human review gates between phases.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/event"
	"github.com/sells-group/domain-intel/internal/session"
	"github.com/sells-group/domain-intel/internal/stream"
)

const defaultPhaseTimeout = 300 * time.Second

// Executor runs one pipeline phase for a session and returns its
// output as JSON. Implementations live in internal/phases.
type Executor interface {
	Phase() Phase
	Run(ctx context.Context, sess *session.Session) (json.RawMessage, error)
}

// ReviewPolicy decides which phases stop for human review.
type ReviewPolicy interface {
	RequiresReview(p Phase) bool
}

// ReviewAll gates every phase. The default policy.
type ReviewAll struct{}

func (ReviewAll) RequiresReview(Phase) bool { return true }

// AutoApprove gates nothing; phases chain without pause. Used for
// unattended batch runs.
type AutoApprove struct{}

func (AutoApprove) RequiresReview(Phase) bool { return false }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPhaseTimeout overrides the per-phase execution deadline.
func WithPhaseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.phaseTimeout = d
		}
	}
}

// WithReviewPolicy overrides the default gate-everything policy.
func WithReviewPolicy(p ReviewPolicy) Option {
	return func(o *Orchestrator) { o.review = p }
}

// WithReviewGate overrides the default quality gate.
func WithReviewGate(g ReviewGate) Option {
	return func(o *Orchestrator) {
		if g != nil {
			o.gate = g
		}
	}
}

// Orchestrator coordinates executors, session persistence, and event
// streaming for all active sessions.
type Orchestrator struct {
	store        session.Store
	factory      *event.Factory
	executors    map[Phase]Executor
	review       ReviewPolicy
	gate         ReviewGate
	phaseTimeout time.Duration
	logger       *zap.Logger

	mu      sync.Mutex
	writers map[string]*stream.Writer // keyed by session id
	running map[string]bool           // sessions with a phase in flight
}

// New creates an orchestrator over the given session store.
func New(store session.Store, factory *event.Factory, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store:        store,
		factory:      factory,
		executors:    make(map[Phase]Executor),
		review:       ReviewAll{},
		gate:         NewThresholdGate(),
		phaseTimeout: defaultPhaseTimeout,
		logger:       logger,
		writers:      make(map[string]*stream.Writer),
		running:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register installs an executor for its phase.
func (o *Orchestrator) Register(ex Executor) {
	o.executors[ex.Phase()] = ex
}

// Events returns the event writer for a session, creating it on first
// use. The API layer subscribes here to serve the session's stream.
func (o *Orchestrator) Events(sessionID string) *stream.Writer {
	o.mu.Lock()
	defer o.mu.Unlock()
	w, ok := o.writers[sessionID]
	if !ok {
		w = stream.NewWriter(context.Background(), sessionID, o.factory.CorrelationFor(sessionID))
		o.writers[sessionID] = w
	}
	return w
}

// CloseSession tears down the session's event stream and correlation
// state. Subsequent streams for the session start fresh.
func (o *Orchestrator) CloseSession(sessionID string) {
	o.mu.Lock()
	w, ok := o.writers[sessionID]
	delete(o.writers, sessionID)
	o.mu.Unlock()
	if ok {
		w.Send(o.factory.ConnectionClose(event.Options{SessionID: sessionID}, "session closed"))
		w.Close()
	}
	o.factory.CleanupCorrelation(sessionID)
}

// ExecutePhase runs one phase for a session. It refuses to run a
// phase whose prerequisite has not been approved, refuses to re-run an
// approved phase, scores the output through the review gate, and holds
// the session at awaiting_approval when the gate fails or the review
// policy gates the phase.
func (o *Orchestrator) ExecutePhase(ctx context.Context, sessionID string, phase Phase) (*session.Session, error) {
	ex, ok := o.executors[phase]
	if !ok {
		return nil, eris.Errorf("orchestrator: no executor for phase %q", phase)
	}

	if err := o.acquire(sessionID); err != nil {
		return nil, err
	}
	defer o.release(sessionID)

	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load session %s", sessionID)
	}

	if sess.PhaseApproved(string(phase)) {
		return nil, eris.Errorf("orchestrator: phase %s already approved for session %s", phase, sessionID)
	}
	if prereq, ok := Prerequisite(phase); ok && !sess.PhaseApproved(string(prereq)) {
		return nil, eris.Errorf("orchestrator: phase %s requires approved %s results", phase, prereq)
	}

	writer := o.Events(sessionID)
	opts := event.Options{SessionID: sessionID}

	sess.Status = session.StatusRunning
	sess.CurrentPhase = string(phase)
	rec := sess.Record(string(phase))
	*rec = session.PhaseRecord{Status: "running", StartedAt: time.Now().UTC()}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "orchestrator: save session")
	}
	writer.Send(o.factory.PhaseStart(opts, string(phase)))

	data, runErr := o.runGuarded(ctx, ex, sess)

	now := time.Now().UTC()
	rec = sess.Record(string(phase))
	rec.CompletedAt = &now

	if runErr != nil {
		rec.Status = "failed"
		rec.Error = runErr.Error()
		sess.Status = session.StatusFailed
		if err := o.store.Save(ctx, sess); err != nil {
			o.logger.Error("orchestrator: save failed session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
		writer.Send(o.factory.PhaseError(opts, string(phase), runErr.Error()))
		return sess, eris.Wrapf(runErr, "orchestrator: phase %s", phase)
	}

	rec.Status = "completed"
	rec.Data = data
	decision := o.gate.Review(phase, rec)
	rec.Review = &decision

	switch {
	case !decision.Approved:
		// Quality gate failed: hold for a human regardless of policy.
		sess.Status = session.StatusAwaitingApproval
	case o.review.RequiresReview(phase):
		sess.Status = session.StatusAwaitingApproval
	default:
		rec.Approved = true
		if IsFinal(phase) {
			sess.Status = session.StatusCompleted
		} else {
			sess.Status = session.StatusIdle
		}
	}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "orchestrator: save session")
	}
	writer.Send(o.factory.PhaseComplete(opts, string(phase), data))
	if !decision.Approved {
		writer.Send(o.factory.Notification(opts, event.NotifyWarning, decision.Reason))
	}

	o.logger.Info("orchestrator: phase complete",
		zap.String("session_id", sessionID),
		zap.String("phase", string(phase)),
		zap.String("status", string(sess.Status)),
		zap.Float64("review_score", decision.Score))
	return sess, nil
}

// runGuarded executes with the phase deadline and converts panics in
// executors into errors so one bad phase cannot take the process down.
func (o *Orchestrator) runGuarded(ctx context.Context, ex Executor, sess *session.Session) (data json.RawMessage, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.phaseTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: executor panic",
				zap.String("session_id", sess.ID),
				zap.String("phase", string(ex.Phase())),
				zap.Any("panic", r))
			err = eris.Errorf("orchestrator: phase %s panicked: %v", ex.Phase(), r)
		}
	}()

	return ex.Run(ctx, sess)
}

// Approve records a review approval for a completed phase. Approving
// the final phase completes the session.
func (o *Orchestrator) Approve(ctx context.Context, sessionID string, phase Phase) (*session.Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load session %s", sessionID)
	}
	if !sess.PhaseCompleted(string(phase)) {
		return nil, eris.Errorf("orchestrator: phase %s has no completed results to approve", phase)
	}

	sess.Record(string(phase)).Approved = true
	if IsFinal(phase) {
		sess.Status = session.StatusCompleted
	} else {
		sess.Status = session.StatusIdle
	}
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "orchestrator: save session")
	}

	o.Events(sessionID).Send(o.factory.Notification(
		event.Options{SessionID: sessionID},
		event.NotifyInfo,
		string(phase)+" results approved",
	))
	return sess, nil
}

// Reject discards a completed phase's results so the phase can run
// again, typically after the operator adjusts inputs.
func (o *Orchestrator) Reject(ctx context.Context, sessionID string, phase Phase, reason string) (*session.Session, error) {
	sess, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load session %s", sessionID)
	}
	rec, ok := sess.Results[string(phase)]
	if !ok {
		return nil, eris.Errorf("orchestrator: phase %s has no results to reject", phase)
	}
	if rec.Approved {
		return nil, eris.Errorf("orchestrator: phase %s already approved, cannot reject", phase)
	}

	delete(sess.Results, string(phase))
	sess.Status = session.StatusIdle
	if err := o.store.Save(ctx, sess); err != nil {
		return nil, eris.Wrap(err, "orchestrator: save session")
	}

	msg := string(phase) + " results rejected"
	if reason != "" {
		msg += ": " + reason
	}
	o.Events(sessionID).Send(o.factory.Notification(
		event.Options{SessionID: sessionID},
		event.NotifyWarning,
		msg,
	))
	return sess, nil
}

// RunAll executes phases in order until the pipeline completes, a
// phase fails, or a review gate pauses the session.
func (o *Orchestrator) RunAll(ctx context.Context, sessionID string) (*session.Session, error) {
	var sess *session.Session
	for _, phase := range phaseOrder {
		var err error
		sess, err = o.store.Get(ctx, sessionID)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: load session %s", sessionID)
		}
		if sess.PhaseApproved(string(phase)) {
			continue
		}

		sess, err = o.ExecutePhase(ctx, sessionID, phase)
		if err != nil {
			return sess, err
		}
		if sess.Status == session.StatusAwaitingApproval {
			return sess, nil
		}
	}
	return sess, nil
}

// acquire marks a session busy; concurrent phase runs on one session
// would corrupt its phase records.
func (o *Orchestrator) acquire(sessionID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running[sessionID] {
		return eris.Errorf("orchestrator: session %s already has a phase running", sessionID)
	}
	o.running[sessionID] = true
	return nil
}

func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	delete(o.running, sessionID)
	o.mu.Unlock()
}
