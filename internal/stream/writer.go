// Package stream implements the server-side event writer and the
// client-side reader for the realtime SSE channel.
package stream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/event"
)

const (
	defaultQueueSize = 256
	defaultRingSize  = 1024
)

// WriterOption tunes a Writer.
type WriterOption func(*Writer)

// WithQueueSize sets the bounded outbound queue capacity.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithRingSize sets how many recent events are kept for replay on resume.
func WithRingSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.ringSize = n
		}
	}
}

// Subscription is one attached consumer of a Writer. Events arrive on C
// in sequence order; C is closed when the stream ends.
type Subscription struct {
	C      <-chan *event.Event
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

type subscriber struct {
	ch     chan *event.Event
	closed chan struct{}
	// replayed is closed once the replay goroutine has stopped sending;
	// sub.ch may only be closed after that.
	replayed chan struct{}
	once     sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.closed) })
}

// Writer serializes events onto a single ordered outbound channel per
// session. Send is safe to call concurrently; a single drain goroutine
// preserves enqueue order. When the queue is full Send blocks the
// caller, exerting backpressure on phase execution instead of dropping
// events.
type Writer struct {
	sessionID     string
	correlationID string
	queueSize     int
	ringSize      int

	queue  chan *event.Event
	ctx    context.Context
	logger *zap.Logger

	mu      sync.Mutex
	subs    []*subscriber
	ring    []*event.Event
	closed  bool
	done    chan struct{}
	closeMu sync.Once
}

// NewWriter creates a Writer bound to a cancellation context. When ctx
// is done (client disconnect, session teardown) the writer stops
// accepting events and closes.
func NewWriter(ctx context.Context, sessionID, correlationID string, opts ...WriterOption) *Writer {
	w := &Writer{
		sessionID:     sessionID,
		correlationID: correlationID,
		queueSize:     defaultQueueSize,
		ringSize:      defaultRingSize,
		ctx:           ctx,
		logger:        zap.L(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.queue = make(chan *event.Event, w.queueSize)
	go w.drain()
	go func() {
		select {
		case <-ctx.Done():
			w.Close()
		case <-w.done:
		}
	}()
	return w
}

// SessionID returns the owning session id.
func (w *Writer) SessionID() string { return w.sessionID }

// CorrelationID returns the stream's correlation id.
func (w *Writer) CorrelationID() string { return w.correlationID }

// Send enqueues an event for transmission. It blocks when the queue is
// full until space frees up or the writer closes. After Close it is a
// logged no-op, never a crash.
func (w *Writer) Send(evt *event.Event) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		w.logger.Warn("stream: send on closed writer",
			zap.String("session_id", w.sessionID),
			zap.String("event_type", string(evt.Type)),
		)
		return
	}

	select {
	case w.queue <- evt:
	case <-w.done:
		w.logger.Warn("stream: event discarded during shutdown",
			zap.String("session_id", w.sessionID),
			zap.String("event_type", string(evt.Type)),
		)
	}
}

// Subscribe attaches a consumer. Events in the replay ring with
// sequence numbers greater than lastSeq are delivered first, then live
// events in order. The returned subscription must be cancelled when the
// consumer goes away.
func (w *Writer) Subscribe(lastSeq uint64) *Subscription {
	sub := &subscriber{
		ch:       make(chan *event.Event, w.queueSize),
		closed:   make(chan struct{}),
		replayed: make(chan struct{}),
	}

	w.mu.Lock()
	var replay []*event.Event
	for _, evt := range w.ring {
		if evt.SequenceNumber > lastSeq {
			replay = append(replay, evt)
		}
	}
	closed := w.closed
	if !closed {
		w.subs = append(w.subs, sub)
	}
	w.mu.Unlock()

	go func() {
		defer close(sub.replayed)
		for _, evt := range replay {
			select {
			case sub.ch <- evt:
			case <-sub.closed:
				return
			}
		}
		if closed {
			// Never attached, so closeSubscribers will not see this sub;
			// the replay goroutine owns the channel.
			close(sub.ch)
		}
	}()

	return &Subscription{
		C:      sub.ch,
		cancel: func() { sub.close(); w.detach(sub) },
	}
}

func (w *Writer) detach(sub *subscriber) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, s := range w.subs {
		if s == sub {
			w.subs = append(w.subs[:i], w.subs[i+1:]...)
			return
		}
	}
}

// Close stops intake, flushes the queue to attached subscribers, and
// closes their channels. It is idempotent.
func (w *Writer) Close() {
	w.closeMu.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
	})
}

// Done is closed once the writer has fully shut down.
func (w *Writer) Done() <-chan struct{} { return w.done }

func (w *Writer) drain() {
	for {
		select {
		case evt := <-w.queue:
			w.deliver(evt)
		case <-w.done:
			// Flush whatever is still buffered, then close subscribers.
			for {
				select {
				case evt := <-w.queue:
					w.deliver(evt)
				default:
					w.closeSubscribers()
					return
				}
			}
		}
	}
}

func (w *Writer) deliver(evt *event.Event) {
	w.mu.Lock()
	w.ring = append(w.ring, evt)
	if len(w.ring) > w.ringSize {
		w.ring = w.ring[len(w.ring)-w.ringSize:]
	}
	subs := make([]*subscriber, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	for _, sub := range subs {
		// Blocking delivery: a slow subscriber backs up the queue, which
		// in turn blocks Send. Event loss is never acceptable here.
		select {
		case sub.ch <- evt:
		case <-sub.closed:
		case <-w.done:
			select {
			case sub.ch <- evt:
			case <-sub.closed:
			default:
			}
		}
	}
}

func (w *Writer) closeSubscribers() {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.mu.Unlock()
	for _, sub := range subs {
		sub.close()
		// Wait out any in-flight replay so nothing sends on a closed
		// channel. Closing sub.closed above unblocks it promptly.
		<-sub.replayed
		close(sub.ch)
	}
}
