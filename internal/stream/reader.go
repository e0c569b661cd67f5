package stream

import (
	"bufio"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/domain-intel/internal/event"
)

// ReaderState is the reader's connection state.
type ReaderState string

const (
	StateDisconnected ReaderState = "disconnected"
	StateConnecting   ReaderState = "connecting"
	StateConnected    ReaderState = "connected"
	StateReconnecting ReaderState = "reconnecting"
	StateStopped      ReaderState = "stopped"
)

// BackoffPolicy controls reconnection pacing.
type BackoffPolicy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

// DefaultBackoff returns the standard reconnect policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		MaxAttempts:  10,
	}
}

// Delay computes the backoff before the given reconnect attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Handler receives dispatched events in strict sequence order.
type Handler func(*event.Event)

// ReaderOption tunes a Reader.
type ReaderOption func(*Reader)

// WithBackoff overrides the reconnect policy.
func WithBackoff(p BackoffPolicy) ReaderOption {
	return func(r *Reader) { r.policy = p }
}

// WithHTTPClient overrides the HTTP client used for the SSE request.
func WithHTTPClient(c *http.Client) ReaderOption {
	return func(r *Reader) { r.client = c }
}

// Reader consumes an SSE endpoint, restoring strict sequence order and
// surviving transient disconnects. Out-of-order frames are held in a
// gap buffer keyed by sequence number and dispatched once contiguous.
type Reader struct {
	endpoint string
	client   *http.Client
	policy   BackoffPolicy
	handler  Handler
	logger   *zap.Logger

	mu       sync.Mutex
	state    ReaderState
	lastSeq  uint64
	corrID   string
	buffer   map[uint64]*event.Event
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewReader creates a Reader for the given SSE endpoint. handler is
// invoked for every event, in order, from the reader's goroutine.
func NewReader(endpoint string, handler Handler, opts ...ReaderOption) *Reader {
	r := &Reader{
		endpoint: endpoint,
		client:   &http.Client{},
		policy:   DefaultBackoff(),
		handler:  handler,
		logger:   zap.L(),
		state:    StateDisconnected,
		buffer:   make(map[uint64]*event.Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// State returns the current connection state.
func (r *Reader) State() ReaderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastSeen returns the highest contiguous sequence number dispatched.
func (r *Reader) LastSeen() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

func (r *Reader) setState(s ReaderState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Run connects and consumes the stream until it terminates gracefully,
// the context is cancelled, or the backoff policy is exhausted.
// Exhausting max attempts is a terminal failure returned to the caller.
func (r *Reader) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer r.Disconnect()

	attempts := 0
	for {
		if attempts == 0 {
			r.setState(StateConnecting)
		} else {
			r.setState(StateReconnecting)
		}

		done, err := r.consume(ctx)
		if done {
			r.setState(StateStopped)
			return nil
		}
		if ctx.Err() != nil {
			r.setState(StateStopped)
			return nil
		}

		attempts++
		if attempts > r.policy.MaxAttempts {
			r.setState(StateStopped)
			return eris.Wrapf(err, "stream: reconnect attempts exhausted (%d)", r.policy.MaxAttempts)
		}

		delay := r.policy.Delay(attempts - 1)
		r.logger.Debug("stream: scheduling reconnect",
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.setState(StateStopped)
			return nil
		case <-timer.C:
		}
	}
}

// Disconnect stops the reader and any pending reconnect timer. It is
// idempotent.
func (r *Reader) Disconnect() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.state = StateStopped
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// consume runs one connection until EOF, error, or the [DONE] sentinel.
// It returns done=true on graceful termination.
func (r *Reader) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.resumeURL(), nil)
	if err != nil {
		return false, eris.Wrap(err, "stream: create request")
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, eris.Wrap(err, "stream: connect")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, eris.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	r.setState(StateConnected)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if event.IsDone(line) {
			return true, nil
		}
		evt := event.ParseSSE(line)
		if evt == nil {
			// Malformed frame: ignore with log, never a pipeline failure.
			r.logger.Debug("stream: discarding malformed frame")
			continue
		}
		r.dispatch(evt)
	}
	if err := scanner.Err(); err != nil {
		return false, eris.Wrap(err, "stream: read")
	}
	return false, eris.New("stream: connection closed")
}

func (r *Reader) resumeURL() string {
	r.mu.Lock()
	last := r.lastSeq
	r.mu.Unlock()
	if last == 0 {
		return r.endpoint
	}
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return r.endpoint
	}
	q := u.Query()
	q.Set("last_seq", strconv.FormatUint(last, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// dispatch restores sequence order: contiguous events go straight to
// the handler, future events wait in the gap buffer, stale duplicates
// are dropped.
func (r *Reader) dispatch(evt *event.Event) {
	r.mu.Lock()

	// A new correlation id means the server started a fresh stream
	// (replay unsupported); reset ordering state.
	if r.corrID != "" && evt.CorrelationID != r.corrID {
		r.lastSeq = 0
		r.buffer = make(map[uint64]*event.Event)
	}
	r.corrID = evt.CorrelationID

	switch {
	case evt.SequenceNumber <= r.lastSeq:
		r.mu.Unlock()
		return
	case evt.SequenceNumber > r.lastSeq+1:
		// Detected gap, not an error: hold until contiguous.
		r.buffer[evt.SequenceNumber] = evt
		r.mu.Unlock()
		return
	}

	r.lastSeq = evt.SequenceNumber
	ready := []*event.Event{evt}
	for {
		next, ok := r.buffer[r.lastSeq+1]
		if !ok {
			break
		}
		delete(r.buffer, r.lastSeq+1)
		r.lastSeq++
		ready = append(ready, next)
	}
	r.mu.Unlock()

	for _, e := range ready {
		r.handler(e)
	}
}
