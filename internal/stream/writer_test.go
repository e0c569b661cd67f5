package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/domain-intel/internal/event"
)

func newTestFactory() *event.Factory {
	return event.NewFactory(nil)
}

func TestWriter_OrderedDelivery(t *testing.T) {
	f := newTestFactory()
	w := NewWriter(context.Background(), "sess-1", "corr-1")
	defer w.Close()

	sub := w.Subscribe(0)
	defer sub.Cancel()

	const n = 20
	for i := 0; i < n; i++ {
		w.Send(f.Progress(event.Options{CorrelationID: "corr-1"}, "scraping", i, n, ""))
	}

	for i := 0; i < n; i++ {
		select {
		case evt := <-sub.C:
			assert.Equal(t, uint64(i+1), evt.SequenceNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
}

func TestWriter_BackpressureBlocksNotDrops(t *testing.T) {
	f := newTestFactory()
	w := NewWriter(context.Background(), "sess-1", "corr-1", WithQueueSize(4))
	defer w.Close()

	sub := w.Subscribe(0)
	defer sub.Cancel()

	const total = 64
	var sent atomic.Int64
	go func() {
		for i := 0; i < total; i++ {
			w.Send(f.Heartbeat(event.Options{CorrelationID: "corr-1"}))
			sent.Add(1)
		}
	}()

	// With nobody draining, the producer must stall well short of total.
	time.Sleep(200 * time.Millisecond)
	stalled := sent.Load()
	assert.Less(t, stalled, int64(total), "Send should block when queue is full")

	// Drain the subscription; every event must arrive, in order.
	for i := 0; i < total; i++ {
		select {
		case evt := <-sub.C:
			assert.Equal(t, uint64(i+1), evt.SequenceNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out draining event %d", i+1)
		}
	}
	require.Eventually(t, func() bool { return sent.Load() == total }, 2*time.Second, 10*time.Millisecond)
}

func TestWriter_CloseIdempotentAndSendAfterClose(t *testing.T) {
	f := newTestFactory()
	w := NewWriter(context.Background(), "sess-1", "corr-1")

	w.Close()
	w.Close()

	// Must not panic or block.
	done := make(chan struct{})
	go func() {
		w.Send(f.Heartbeat(event.Options{CorrelationID: "corr-1"}))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send after Close blocked")
	}
}

func TestWriter_CancellationClosesStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriter(ctx, "sess-1", "corr-1")

	sub := w.Subscribe(0)
	cancel()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "subscriber channel should close on cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed after cancellation")
	}
}

func TestWriter_CloseDuringReplay(t *testing.T) {
	// A tiny queue makes the replay goroutine block mid-stream, keeping
	// it in flight while Close tears the subscriber down.
	for range 50 {
		f := newTestFactory()
		w := NewWriter(context.Background(), "sess-1", "corr-1", WithQueueSize(1))
		for i := 0; i < 8; i++ {
			w.Send(f.Heartbeat(event.Options{CorrelationID: "corr-1"}))
		}
		require.Eventually(t, func() bool {
			w.mu.Lock()
			defer w.mu.Unlock()
			return len(w.ring) == 8
		}, 2*time.Second, time.Millisecond)

		sub := w.Subscribe(0)
		go w.Close()

		var next uint64 = 1
		for evt := range sub.C {
			assert.Equal(t, next, evt.SequenceNumber, "replayed prefix must stay in order")
			next++
		}
		sub.Cancel()
	}
}

func TestWriter_ReplayFromLastSeq(t *testing.T) {
	f := newTestFactory()
	w := NewWriter(context.Background(), "sess-1", "corr-1")
	defer w.Close()

	// Populate the ring with 5 events, no subscriber attached yet.
	for i := 0; i < 5; i++ {
		w.Send(f.Heartbeat(event.Options{CorrelationID: "corr-1"}))
	}
	// Give the drain goroutine time to move events into the ring.
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.ring) == 5
	}, 2*time.Second, 10*time.Millisecond)

	// Resume from 3: only 4 and 5 replayed.
	sub := w.Subscribe(3)
	defer sub.Cancel()

	var got []uint64
	for len(got) < 2 {
		select {
		case evt := <-sub.C:
			got = append(got, evt.SequenceNumber)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", got)
		}
	}
	assert.Equal(t, []uint64{4, 5}, got)
}
