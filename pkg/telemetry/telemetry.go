// Package telemetry is the gateway's append-only event log. Every policy
// denial, breaker transition, token lifecycle event, and credential rotation
// lands here with a correlation id. Writes are asynchronous and lossy under
// backpressure: the queue is bounded and drops the oldest event, counting
// each drop.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/metrics"
)

// Event kinds.
const (
	KindTokenMinted           = "token_minted"
	KindTokenValidated        = "token_validated"
	KindTokenValidationFailed = "token_validation_failed"
	KindTokenRevoked          = "token_revoked"
	KindPolicyDenial          = "policy_denial"
	KindBreakerTransition     = "breaker_transition"
	KindCredentialStored      = "credential_stored"
	KindCredentialActivated   = "credential_activated"
	KindAgentCreated          = "agent_created"
	KindAgentDisabled         = "agent_disabled"
	KindFilterFailure         = "filter_failure"
	KindArchiveExported       = "archive_exported"
)

// Event severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is a single telemetry record.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	AgentID       string         `json:"agent_id,omitempty"`
	TokenID       string         `json:"token_id,omitempty"`
	Kind          string         `json:"kind"`
	Severity      string         `json:"severity"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Filter selects events for administrative queries.
type Filter struct {
	CorrelationID string
	AgentID       string
	Limit         int
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Query(ctx context.Context, f Filter) ([]*Event, error)
}

// Sink accepts events from the hot path without blocking it.
type Sink struct {
	store  Store
	logger *slog.Logger
	ch     chan *Event

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewSink builds a sink with a bounded queue.
func NewSink(store Store, queueSize int, logger *slog.Logger) *Sink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		store:  store,
		logger: logger.With("component", "telemetry"),
		ch:     make(chan *Event, queueSize),
	}
}

// Emit queues an event, filling in id and timestamp when absent. When the
// queue is full the oldest queued event is dropped so the newest survives.
func (s *Sink) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	select {
	case s.ch <- &e:
		return
	default:
	}

	// Queue full: discard the oldest and retry once. A racing producer can
	// still win the freed slot, in which case this event is the one lost.
	select {
	case <-s.ch:
		metrics.RecordTelemetryDrop()
	default:
	}
	select {
	case s.ch <- &e:
	default:
		metrics.RecordTelemetryDrop()
	}
}

// Start launches the background writer. Safe to call once.
func (s *Sink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

// Stop drains queued events and waits for the writer to exit.
func (s *Sink) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Sink) loop() {
	defer close(s.done)
	for {
		select {
		case e := <-s.ch:
			s.write(e)
		case <-s.stopCh:
			for {
				select {
				case e := <-s.ch:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(e *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("telemetry writer panic", "panic", r, "kind", e.Kind)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, e); err != nil {
		s.logger.Error("telemetry append failed", "error", err, "kind", e.Kind)
	}
}

// Query reads events back for the administrative surface.
func (s *Sink) Query(ctx context.Context, f Filter) ([]*Event, error) {
	return s.store.Query(ctx, f)
}
