package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/event"
	"github.com/sells-group/domain-intel/internal/session"
)

// stubExecutor scripts one phase's behavior.
type stubExecutor struct {
	phase  Phase
	data   json.RawMessage
	err    error
	panics bool
	sleep  time.Duration
	runs   int
}

func (s *stubExecutor) Phase() Phase { return s.phase }

func (s *stubExecutor) Run(ctx context.Context, _ *session.Session) (json.RawMessage, error) {
	s.runs++
	if s.panics {
		panic("executor blew up")
	}
	if s.sleep > 0 {
		select {
		case <-time.After(s.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return json.RawMessage(`{}`), nil
	}
	return s.data, nil
}

func newTestOrchestrator(t *testing.T, opts ...Option) (*Orchestrator, *session.Session, map[Phase]*stubExecutor) {
	t.Helper()
	store := session.NewMemoryStore()
	o := New(store, event.NewFactory(zap.NewNop()), zap.NewNop(), opts...)

	stubs := make(map[Phase]*stubExecutor)
	for _, p := range Phases() {
		stub := &stubExecutor{phase: p, data: json.RawMessage(`{"phase":"` + string(p) + `"}`)}
		stubs[p] = stub
		o.Register(stub)
	}

	sess, err := store.GetOrCreate(context.Background(), "alice", "acme.com")
	require.NoError(t, err)
	t.Cleanup(func() { o.CloseSession(sess.ID) })
	return o, sess, stubs
}

func TestExecutePhaseGatesForReview(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)

	got, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
	assert.Equal(t, 1, stubs[PhaseDiscovery].runs)
	assert.True(t, got.PhaseCompleted(string(PhaseDiscovery)))
	assert.False(t, got.PhaseApproved(string(PhaseDiscovery)))
}

func TestExecutePhaseMissingPrerequisite(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)

	_, err := o.ExecutePhase(context.Background(), sess.ID, PhaseScraping)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires approved discovery")
	assert.Equal(t, 0, stubs[PhaseScraping].runs)
}

func TestExecutePhaseRefusesApprovedRerun(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	_, err = o.Approve(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	_, err = o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already approved")
	assert.Equal(t, 1, stubs[PhaseDiscovery].runs)
}

func TestApproveUnlocksNextPhase(t *testing.T) {
	o, sess, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	// Scraping is blocked until discovery passes review.
	_, err = o.ExecutePhase(ctx, sess.ID, PhaseScraping)
	require.Error(t, err)

	got, err := o.Approve(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, got.Status)

	got, err = o.ExecutePhase(ctx, sess.ID, PhaseScraping)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
}

func TestRejectAllowsRerun(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	got, err := o.Reject(ctx, sess.ID, PhaseDiscovery, "wrong subdomain crawled")
	require.NoError(t, err)
	assert.Equal(t, session.StatusIdle, got.Status)
	assert.NotContains(t, got.Results, string(PhaseDiscovery))

	_, err = o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	assert.Equal(t, 2, stubs[PhaseDiscovery].runs)
}

func TestRejectApprovedPhaseFails(t *testing.T) {
	o, sess, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	_, err = o.Approve(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	_, err = o.Reject(ctx, sess.ID, PhaseDiscovery, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already approved")
}

func TestExecutePhaseFailureMarksSession(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)
	stubs[PhaseDiscovery].err = eris.New("crawl blocked")

	got, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.Error(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Contains(t, got.Results[string(PhaseDiscovery)].Error, "crawl blocked")
}

func TestExecutePhasePanicRecovery(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)
	stubs[PhaseDiscovery].panics = true

	got, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Equal(t, session.StatusFailed, got.Status)
}

func TestExecutePhaseTimeout(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t, WithPhaseTimeout(20*time.Millisecond))
	stubs[PhaseDiscovery].sleep = time.Second

	got, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.Error(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
}

func TestExecutePhaseEmitsEvents(t *testing.T) {
	o, sess, _ := newTestOrchestrator(t)

	sub := o.Events(sess.ID).Subscribe(0)
	defer sub.Cancel()

	_, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	start := <-sub.C
	assert.Equal(t, event.TypePhaseStart, start.Type)
	assert.Equal(t, uint64(1), start.SequenceNumber)

	complete := <-sub.C
	assert.Equal(t, event.TypePhaseComplete, complete.Type)
	assert.Equal(t, uint64(2), complete.SequenceNumber)
	assert.Equal(t, start.CorrelationID, complete.CorrelationID)
}

func TestExecutePhaseRefusesConcurrentRun(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)
	stubs[PhaseDiscovery].sleep = 200 * time.Millisecond

	errs := make(chan error, 1)
	go func() {
		_, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)

	_, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a phase running")

	require.NoError(t, <-errs)
}

func TestExecutePhaseRecordsGateDecision(t *testing.T) {
	o, sess, _ := newTestOrchestrator(t)

	got, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	rec := got.Results[string(PhaseDiscovery)]
	require.NotNil(t, rec.Review)
	assert.True(t, rec.Review.Approved)
	assert.Equal(t, 1.0, rec.Review.Score)
	assert.NotEmpty(t, rec.Review.Reason)
}

func TestGateFailureHoldsSessionDespiteAutoApprove(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t, WithReviewPolicy(AutoApprove{}))
	stubs[PhaseDiscovery].data = json.RawMessage(`{"urls":[],"excluded":[]}`)
	ctx := context.Background()

	got, err := o.ExecutePhase(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
	assert.False(t, got.PhaseApproved(string(PhaseDiscovery)))

	rec := got.Results[string(PhaseDiscovery)]
	require.NotNil(t, rec.Review)
	assert.False(t, rec.Review.Approved)
	assert.Zero(t, rec.Review.Score)
	assert.Contains(t, rec.Review.Reason, "below")

	// A failed gate blocks the next phase until a human approves.
	_, err = o.ExecutePhase(ctx, sess.ID, PhaseScraping)
	require.Error(t, err)

	_, err = o.Approve(ctx, sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	_, err = o.ExecutePhase(ctx, sess.ID, PhaseScraping)
	require.NoError(t, err)
}

func TestGateFailureEmitsWarning(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)
	stubs[PhaseDiscovery].data = json.RawMessage(`{}`)

	sub := o.Events(sess.ID).Subscribe(0)
	defer sub.Cancel()

	_, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.NoError(t, err)

	types := []event.Type{(<-sub.C).Type, (<-sub.C).Type, (<-sub.C).Type}
	assert.Equal(t, []event.Type{event.TypePhaseStart, event.TypePhaseComplete, event.TypeNotification}, types)
}

func TestWithReviewGateOverride(t *testing.T) {
	rejectAll := GateFunc(func(phase Phase, _ *session.PhaseRecord) session.ReviewDecision {
		return session.ReviewDecision{Approved: false, Score: 0.1, Reason: string(phase) + " rejected by custom gate"}
	})
	o, sess, _ := newTestOrchestrator(t, WithReviewPolicy(AutoApprove{}), WithReviewGate(rejectAll))

	got, err := o.ExecutePhase(context.Background(), sess.ID, PhaseDiscovery)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
	assert.Equal(t, "discovery rejected by custom gate", got.Results[string(PhaseDiscovery)].Review.Reason)
}

func TestRunAllWithAutoApprove(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t, WithReviewPolicy(AutoApprove{}))

	got, err := o.RunAll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	for _, p := range Phases() {
		assert.Equal(t, 1, stubs[p].runs, "phase %s should run exactly once", p)
		assert.True(t, got.PhaseApproved(string(p)))
	}
}

func TestRunAllStopsAtGate(t *testing.T) {
	o, sess, stubs := newTestOrchestrator(t)

	got, err := o.RunAll(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusAwaitingApproval, got.Status)
	assert.Equal(t, 1, stubs[PhaseDiscovery].runs)
	assert.Equal(t, 0, stubs[PhaseScraping].runs)
}

func TestPhaseHelpers(t *testing.T) {
	p, err := ParsePhase("extraction")
	require.NoError(t, err)
	assert.Equal(t, PhaseExtraction, p)

	_, err = ParsePhase("teleportation")
	require.Error(t, err)

	_, ok := Prerequisite(PhaseDiscovery)
	assert.False(t, ok)

	prereq, ok := Prerequisite(PhaseGeneration)
	require.True(t, ok)
	assert.Equal(t, PhaseEnrichment, prereq)

	assert.True(t, IsFinal(PhaseGeneration))
	assert.False(t, IsFinal(PhaseDiscovery))
}
