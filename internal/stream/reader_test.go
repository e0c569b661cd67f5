package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/domain-intel/internal/event"
)

// frameFor builds an SSE frame for a bare event with the given sequence.
func frameFor(t *testing.T, corr string, seq uint64) string {
	t.Helper()
	evt := event.Event{
		ID:             fmt.Sprintf("id-%d", seq),
		Type:           event.TypeHeartbeat,
		CorrelationID:  corr,
		SequenceNumber: seq,
		Source:         event.SourceServer,
		Payload:        event.HeartbeatPayload{},
	}
	raw, err := json.Marshal(evt)
	require.NoError(t, err)
	return "data: " + string(raw) + "\n\n"
}

func TestReader_GapCorrection(t *testing.T) {
	// Server emits 1,2,4,5,3 then [DONE]; consumer must observe 1..5.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, seq := range []uint64{1, 2, 4, 5, 3} {
			fmt.Fprint(w, frameFor(t, "corr-1", seq))
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var mu sync.Mutex
	var order []uint64
	r := NewReader(srv.URL, func(evt *event.Event) {
		mu.Lock()
		order = append(order, evt.SequenceNumber)
		mu.Unlock()
	})

	require.NoError(t, r.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, order)
	assert.Equal(t, StateStopped, r.State())
}

func TestReader_MalformedFramesIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, frameFor(t, "corr-1", 1))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var count int
	r := NewReader(srv.URL, func(*event.Event) { count++ })
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, 1, count)
}

func TestReader_ReconnectWithResumeToken(t *testing.T) {
	var mu sync.Mutex
	var resumeParams []string
	conn := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		conn++
		attempt := conn
		resumeParams = append(resumeParams, r.URL.Query().Get("last_seq"))
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		if attempt == 1 {
			// First connection delivers 1,2 then drops abruptly.
			fmt.Fprint(w, frameFor(t, "corr-1", 1))
			fmt.Fprint(w, frameFor(t, "corr-1", 2))
			return
		}
		fmt.Fprint(w, frameFor(t, "corr-1", 3))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var order []uint64
	r := NewReader(srv.URL,
		func(evt *event.Event) { order = append(order, evt.SequenceNumber) },
		WithBackoff(BackoffPolicy{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 100 * time.Millisecond, MaxAttempts: 3}),
	)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []uint64{1, 2, 3}, order)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, resumeParams, 2)
	assert.Equal(t, "", resumeParams[0])
	assert.Equal(t, "2", resumeParams[1])
}

func TestReader_FreshStreamResetsGapBuffer(t *testing.T) {
	conn := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn++
		if conn == 1 {
			fmt.Fprint(w, frameFor(t, "corr-old", 1))
			fmt.Fprint(w, frameFor(t, "corr-old", 2))
			return
		}
		// Replay unsupported: server starts a brand new correlation at 1.
		fmt.Fprint(w, frameFor(t, "corr-new", 1))
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var seen []string
	r := NewReader(srv.URL,
		func(evt *event.Event) { seen = append(seen, fmt.Sprintf("%s/%d", evt.CorrelationID, evt.SequenceNumber)) },
		WithBackoff(BackoffPolicy{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: 50 * time.Millisecond, MaxAttempts: 3}),
	)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []string{"corr-old/1", "corr-old/2", "corr-new/1"}, seen)
}

func TestReader_MaxAttemptsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewReader(srv.URL, func(*event.Event) {},
		WithBackoff(BackoffPolicy{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2}),
	)

	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts exhausted")
	assert.Equal(t, StateStopped, r.State())
}

func TestReader_DisconnectIdempotent(t *testing.T) {
	r := NewReader("http://127.0.0.1:0/events", func(*event.Event) {})
	r.Disconnect()
	r.Disconnect()
	assert.Equal(t, StateStopped, r.State())
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := DefaultBackoff()
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 30*time.Second, p.Delay(10))
}
