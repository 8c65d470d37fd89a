package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Default dispatcher timings.
const (
	DefaultDispatchTimeout    = 30 * time.Minute
	DefaultTombstoneRetention = 10 * time.Minute
)

// DispatchObserver is notified of dispatcher activity. Metrics implement it.
type DispatchObserver interface {
	RecordDispatch(kind, command string)
	RecordDispatchFailure(kind string)
	RecordTimeout(kind string)
	RecordLateResponse()
	ObserveDispatchLatency(kind string, d time.Duration)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// DefaultTimeout applies to requests without their own timeout.
	DefaultTimeout time.Duration

	// TombstoneRetention is how long resolved correlation ids are remembered
	// so late responses can be recognised.
	TombstoneRetention time.Duration
}

type pendingEntry struct {
	correlationID string
	entityID      string
	kind          ProvisionerKind
	dispatchedAt  time.Time
	timer         *time.Timer
	done          chan struct{}
	result        ExecutionResult
	resolved      bool
}

// Dispatcher hands requests to a worker pool and correlates the responses.
// Each correlation id resolves exactly once, by delivery or by timeout.
type Dispatcher struct {
	pool     RemoteWorkerPool
	cfg      DispatcherConfig
	logger   zerolog.Logger
	observer DispatchObserver

	mu      sync.Mutex
	entries map[string]*pendingEntry
	handler ResultHandler
	now     func() time.Time
}

// NewDispatcher creates a dispatcher and registers it as the pool's result
// callback. The observer may be nil.
func NewDispatcher(pool RemoteWorkerPool, cfg DispatcherConfig, logger zerolog.Logger, observer DispatchObserver) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultDispatchTimeout
	}
	if cfg.TombstoneRetention <= 0 {
		cfg.TombstoneRetention = DefaultTombstoneRetention
	}
	d := &Dispatcher{
		pool:     pool,
		cfg:      cfg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		observer: observer,
		entries:  make(map[string]*pendingEntry),
		now:      time.Now,
	}
	pool.OnWorkerResult(func(correlationID string, result ExecutionResult) {
		d.Deliver(correlationID, result)
	})
	return d
}

// OnResult registers the handler invoked once per resolved correlation id.
func (d *Dispatcher) OnResult(handler ResultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = handler
}

// Dispatch registers the correlation id, arms its timeout, and enqueues the
// request. If the pool rejects the request nothing stays registered.
func (d *Dispatcher) Dispatch(ctx context.Context, req ExecutionRequest, correlationID string) error {
	if correlationID == "" {
		return NewInvalidConfigurationError("correlation id is required", nil)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	entry := &pendingEntry{
		correlationID: correlationID,
		entityID:      req.EntityID,
		kind:          req.Kind,
		dispatchedAt:  d.now(),
		done:          make(chan struct{}),
	}

	d.mu.Lock()
	if _, exists := d.entries[correlationID]; exists {
		d.mu.Unlock()
		return NewConflictError(fmt.Sprintf("correlation id %s is already registered", correlationID), nil).
			WithCode(ErrCodeConflict).
			WithResource(req.EntityID)
	}
	d.entries[correlationID] = entry
	d.mu.Unlock()

	if err := d.pool.Enqueue(ctx, req.Clone(), correlationID); err != nil {
		d.mu.Lock()
		delete(d.entries, correlationID)
		d.mu.Unlock()
		if d.observer != nil {
			d.observer.RecordDispatchFailure(string(req.Kind))
		}
		return NewDispatchFailureError("failed to enqueue request", err).
			WithResource(req.EntityID).
			WithOperation(string(req.Command))
	}

	// Armed after enqueue so a refused request never times out.
	d.mu.Lock()
	if !entry.resolved {
		entry.timer = time.AfterFunc(timeout, func() { d.expire(correlationID, timeout) })
	}
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.RecordDispatch(string(req.Kind), string(req.Command))
	}
	d.logger.Info().
		Str("correlation_id", correlationID).
		Str("entity_id", req.EntityID).
		Str("command", string(req.Command)).
		Dur("timeout", timeout).
		Msg("Dispatched request")
	return nil
}

// Deliver is the worker pool callback. The first delivery for a pending
// correlation id wins; unknown, duplicate and late deliveries are discarded
// and false is returned.
func (d *Dispatcher) Deliver(correlationID string, result ExecutionResult) bool {
	result.CorrelationID = correlationID
	if result.CompletedAt.IsZero() {
		result.CompletedAt = d.now()
	}
	return d.resolve(correlationID, result, false)
}

func (d *Dispatcher) expire(correlationID string, timeout time.Duration) {
	result := ExecutionResult{
		CorrelationID: correlationID,
		Status:        ResultFailure,
		ErrorMessage:  fmt.Sprintf("no response received within %s", timeout),
		TimedOut:      true,
		CompletedAt:   d.now(),
	}
	d.resolve(correlationID, result, true)
}

func (d *Dispatcher) resolve(correlationID string, result ExecutionResult, timedOut bool) bool {
	d.mu.Lock()
	entry, ok := d.entries[correlationID]
	if !ok {
		d.mu.Unlock()
		if !timedOut {
			d.logger.Warn().
				Str("correlation_id", correlationID).
				Msg("Discarding response for unknown correlation id")
		}
		return false
	}
	if entry.resolved {
		d.mu.Unlock()
		if !timedOut {
			if d.observer != nil {
				d.observer.RecordLateResponse()
			}
			d.logger.Warn().
				Str("correlation_id", correlationID).
				Str("entity_id", entry.entityID).
				Str("status", string(result.Status)).
				Msg("Discarding late or duplicate response")
		}
		return false
	}
	entry.resolved = true
	entry.result = result
	if entry.timer != nil {
		entry.timer.Stop()
	}
	handler := d.handler
	// Tombstone: keep the resolved entry so late responses are recognised.
	time.AfterFunc(d.cfg.TombstoneRetention, func() { d.forget(correlationID, entry) })
	d.mu.Unlock()

	if d.observer != nil {
		if timedOut {
			d.observer.RecordTimeout(string(entry.kind))
		}
		d.observer.ObserveDispatchLatency(string(entry.kind), result.CompletedAt.Sub(entry.dispatchedAt))
	}
	logEvent := d.logger.Info()
	if timedOut {
		logEvent = d.logger.Warn()
	}
	logEvent.
		Str("correlation_id", correlationID).
		Str("entity_id", entry.entityID).
		Str("status", string(result.Status)).
		Bool("timed_out", result.TimedOut).
		Msg("Resolved request")

	if handler != nil {
		handler(correlationID, result)
	}
	// Closed last so Await returns only after the handler has run.
	close(entry.done)
	return true
}

func (d *Dispatcher) forget(correlationID string, entry *pendingEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries[correlationID] == entry {
		delete(d.entries, correlationID)
	}
}

// Await blocks until the correlation id resolves or ctx ends. It works for
// entries resolved within the tombstone retention.
func (d *Dispatcher) Await(ctx context.Context, correlationID string) (ExecutionResult, error) {
	d.mu.Lock()
	entry, ok := d.entries[correlationID]
	d.mu.Unlock()
	if !ok {
		return ExecutionResult{}, NewPermanentError(fmt.Sprintf("unknown correlation id: %s", correlationID), nil).
			WithCode(ErrCodeNotFound)
	}
	select {
	case <-entry.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return entry.result, nil
	case <-ctx.Done():
		return ExecutionResult{}, ctx.Err()
	}
}

// Pending returns the number of unresolved correlation ids.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		if !e.resolved {
			n++
		}
	}
	return n
}
