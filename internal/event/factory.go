package event

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options selects the grouping and tagging of a new event. When
// CorrelationID is empty it is derived from SessionID through the
// factory's session map. SequenceNumber zero means "allocate the next".
type Options struct {
	Source         Source
	CorrelationID  string
	SessionID      string
	SequenceNumber uint64
	Metadata       *Metadata
}

// Factory is the only place correlation ids and sequence numbers are
// minted. It is safe for concurrent use across sessions; construct one
// per process and inject it wherever events are created.
type Factory struct {
	mu        sync.Mutex
	bySession map[string]string // session id -> correlation id
	counters  map[string]*uint64
	logger    *zap.Logger
}

// NewFactory creates a Factory. A nil logger disables breadcrumbs.
func NewFactory(logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{
		bySession: make(map[string]string),
		counters:  make(map[string]*uint64),
		logger:    logger,
	}
}

// CorrelationFor returns the correlation id for a session, creating the
// mapping on first use.
func (f *Factory) CorrelationFor(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.correlationForLocked(sessionID)
}

func (f *Factory) correlationForLocked(sessionID string) string {
	if corr, ok := f.bySession[sessionID]; ok {
		return corr
	}
	corr := uuid.New().String()
	f.bySession[sessionID] = corr
	return corr
}

// nextSequence allocates the next 1-based sequence number for a
// correlation id. Numbers are never reused and never decrease.
func (f *Factory) nextSequence(correlationID string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	counter, ok := f.counters[correlationID]
	if !ok {
		counter = new(uint64)
		f.counters[correlationID] = counter
	}
	*counter++
	return *counter
}

// CleanupCorrelation drops the session mapping and its sequence counter.
// Call when a session terminates so long-lived processes stay bounded.
func (f *Factory) CleanupCorrelation(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	corr, ok := f.bySession[sessionID]
	if !ok {
		return
	}
	delete(f.bySession, sessionID)
	delete(f.counters, corr)
}

// Create builds an event, filling correlation id, sequence number, id,
// and timestamp. All specialized constructors funnel through here.
func (f *Factory) Create(typ Type, payload Payload, o Options) *Event {
	corr := o.CorrelationID
	if corr == "" && o.SessionID != "" {
		corr = f.CorrelationFor(o.SessionID)
	}
	seq := o.SequenceNumber
	if seq == 0 {
		seq = f.nextSequence(corr)
	}
	source := o.Source
	if source == "" {
		source = SourceSystem
	}
	meta := o.Metadata
	if o.SessionID != "" {
		if meta == nil {
			meta = &Metadata{}
		}
		meta.SessionID = o.SessionID
	}

	evt := &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		Timestamp:      time.Now().UTC(),
		CorrelationID:  corr,
		SequenceNumber: seq,
		Source:         source,
		Payload:        payload,
		Metadata:       meta,
	}

	// Diagnostic breadcrumb only; must never block creation.
	f.logger.Debug("event created",
		zap.String("id", evt.ID),
		zap.String("type", string(evt.Type)),
		zap.String("source", string(evt.Source)),
		zap.String("correlation_id", evt.CorrelationID),
		zap.Uint64("sequence", evt.SequenceNumber),
	)
	return evt
}

// Progress builds a progress event with a computed percent.
func (f *Factory) Progress(o Options, phase string, current, total int, message string) *Event {
	percent := 0.0
	if total > 0 {
		percent = float64(current) / float64(total) * 100
	}
	return f.Create(TypeProgress, ProgressPayload{
		Phase:   phase,
		Current: current,
		Total:   total,
		Percent: percent,
		Message: message,
	}, o)
}

// Error builds an error event. Error events are always high priority.
func (f *Factory) Error(o Options, message, code string) *Event {
	if o.Metadata == nil {
		o.Metadata = &Metadata{}
	}
	o.Metadata.Priority = PriorityHigh
	return f.Create(TypeError, ErrorPayload{Message: message, Code: code}, o)
}

// Notification builds a notification event. Error-level notifications
// are marked persistent so the UI keeps them after reconnect.
func (f *Factory) Notification(o Options, level NotificationLevel, message string) *Event {
	if level == NotifyError {
		if o.Metadata == nil {
			o.Metadata = &Metadata{}
		}
		o.Metadata.Persistent = true
	}
	return f.Create(TypeNotification, NotificationPayload{Level: level, Message: message}, o)
}

// PhaseStart marks the beginning of a pipeline phase.
func (f *Factory) PhaseStart(o Options, phase string) *Event {
	return f.Create(TypePhaseStart, PhasePayload{typ: TypePhaseStart, Phase: phase, Status: "running"}, o)
}

// PhaseComplete marks a finished phase with its result blob.
func (f *Factory) PhaseComplete(o Options, phase string, data json.RawMessage) *Event {
	return f.Create(TypePhaseComplete, PhasePayload{typ: TypePhaseComplete, Phase: phase, Status: "complete", Data: data}, o)
}

// PhaseError marks a failed phase.
func (f *Factory) PhaseError(o Options, phase, errMsg string) *Event {
	if o.Metadata == nil {
		o.Metadata = &Metadata{}
	}
	o.Metadata.Priority = PriorityHigh
	return f.Create(TypePhaseError, PhasePayload{typ: TypePhaseError, Phase: phase, Status: "failed", Error: errMsg}, o)
}

// Data builds a named opaque result event.
func (f *Factory) Data(o Options, name string, data json.RawMessage) *Event {
	return f.Create(TypeData, DataPayload{Name: name, Data: data}, o)
}

// ScrapeResult is the body of scraping data events.
type ScrapeResult struct {
	URL      string `json:"url"`
	Strategy string `json:"strategy"`
	Duration int64  `json:"durationMs"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Scraping builds a data event describing one scrape attempt.
func (f *Factory) Scraping(o Options, result ScrapeResult) *Event {
	o.Source = SourceScraper
	raw, err := json.Marshal(result)
	if err != nil {
		// ScrapeResult marshaling cannot fail in practice; degrade to empty.
		raw = []byte("{}")
	}
	return f.Create(TypeData, DataPayload{Name: "scrape_result", Data: raw}, o)
}

// Heartbeat builds a keepalive event.
func (f *Factory) Heartbeat(o Options) *Event {
	return f.Create(TypeHeartbeat, HeartbeatPayload{}, o)
}

// ConnectionClose signals a graceful stream shutdown.
func (f *Factory) ConnectionClose(o Options, reason string) *Event {
	return f.Create(TypeConnectionClose, ConnectionPayload{typ: TypeConnectionClose, Reason: reason}, o)
}
