package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/worker/protocol"
)

// drainTimeout bounds the wait for a worker to exit after its result.
const drainTimeout = 10 * time.Second

// Pool is a RemoteWorkerPool backed by short-lived worker processes.
type Pool struct {
	cfg       Config
	transport Transport
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	activity  engine.ActivityLogger

	slots   chan struct{}
	pending atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	handler engine.ResultHandler
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithMetrics records pool depth and worker failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithActivityLogger receives worker EVENT lines.
func WithActivityLogger(a engine.ActivityLogger) Option {
	return func(p *Pool) { p.activity = a }
}

// NewPool creates a pool that starts workers through transport.
func NewPool(cfg Config, transport Transport, logger zerolog.Logger, opts ...Option) *Pool {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With().Str("component", "worker-pool").Logger(),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnWorkerResult implements engine.RemoteWorkerPool.
func (p *Pool) OnWorkerResult(handler engine.ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Enqueue implements engine.RemoteWorkerPool. The request runs in the
// background once a worker slot is free; ctx only covers the hand-off.
func (p *Pool) Enqueue(ctx context.Context, req engine.ExecutionRequest, correlationID string) error {
	cmd := protocol.NewCommand(correlationID, req, p.cfg.DefaultTimeout)
	if err := cmd.Validate(); err != nil {
		return engine.NewDispatchFailureError("invalid worker command", err)
	}
	if err := ctx.Err(); err != nil {
		return engine.NewDispatchFailureError("dispatch cancelled", err)
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return engine.NewDispatchFailureError("worker pool is closed", nil)
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	p.metrics.SetQueueDepth(float64(p.pending.Add(1)))
	go func() {
		defer p.wg.Done()
		defer func() { p.metrics.SetQueueDepth(float64(p.pending.Add(-1))) }()

		select {
		case p.slots <- struct{}{}:
		case <-p.ctx.Done():
			p.logger.Warn().Str("correlation_id", correlationID).Msg("pool closed before request started")
			return
		}
		defer func() { <-p.slots }()

		result := p.execute(cmd)
		if p.ctx.Err() != nil {
			p.logger.Warn().Str("correlation_id", correlationID).Msg("pool closed while request was running")
			return
		}
		p.deliver(correlationID, result)
	}()
	return nil
}

// Close stops accepting requests, kills running workers and waits for
// their goroutines.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
	return p.transport.Close()
}

func (p *Pool) deliver(correlationID string, result engine.ExecutionResult) {
	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler == nil {
		p.logger.Warn().Str("correlation_id", correlationID).Msg("no result handler registered, dropping result")
		return
	}
	handler(correlationID, result)
}

// execute runs cmd on a fresh worker. Every failure becomes a FAILURE
// result so the dispatcher always hears back.
func (p *Pool) execute(cmd *protocol.CommandMessage) engine.ExecutionResult {
	logger := p.logger.With().
		Str("correlation_id", cmd.ID).
		Str("entity_id", cmd.Request.EntityID).
		Str("kind", string(cmd.Request.Kind)).
		Logger()

	deadline := p.cfg.StartupTimeout + time.Duration(cmd.Timeout)*time.Second + p.cfg.KillGrace
	ctx, cancel := context.WithTimeout(p.ctx, deadline)
	defer cancel()

	proc, err := p.transport.Start(ctx)
	if err != nil {
		return p.failure(logger, cmd, "start", fmt.Sprintf("failed to start worker: %v", err))
	}
	stopKill := context.AfterFunc(ctx, func() { _ = proc.Kill() })
	defer func() {
		stopKill()
		p.finish(logger, proc)
	}()

	dec := protocol.NewDecoder(proc.Stdout())
	enc := protocol.NewEncoder(proc.Stdin())

	ready, err := p.awaitReady(ctx, proc, dec)
	if err != nil {
		return p.failure(logger, cmd, "ready", err.Error())
	}
	if !ready.Supports(cmd.Request.Kind) {
		return p.failure(logger, cmd, "unsupported", fmt.Sprintf("worker %s does not support %s", ready.WorkerID, cmd.Request.Kind))
	}

	if err := enc.EncodeCommand(cmd); err != nil {
		return p.failure(logger, cmd, "send", fmt.Sprintf("failed to send command: %v", err))
	}
	logger.Debug().Int("timeout", cmd.Timeout).Msg("command sent")

	for {
		msg, err := dec.Decode()
		if errors.Is(err, protocol.ErrMalformedMessage) {
			logger.Warn().Err(err).Msg("ignoring malformed worker output")
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return p.failure(logger, cmd, "killed", fmt.Sprintf("worker killed after %s without a result", deadline))
			}
			return p.failure(logger, cmd, "read", fmt.Sprintf("lost connection to worker: %v", err))
		}

		switch msg.Type {
		case protocol.MessageTypeEvent:
			var event protocol.EventMessage
			if err := protocol.ParseData(msg.Data, &event); err != nil {
				logger.Warn().Err(err).Msg("ignoring malformed event")
				continue
			}
			if p.activity != nil {
				p.activity.AppendLog(p.ctx, cmd.Request.EntityID, cmd.ID, event.Message)
			}

		case protocol.MessageTypeDone:
			var done protocol.DoneMessage
			if err := protocol.ParseData(msg.Data, &done); err != nil {
				return p.failure(logger, cmd, "protocol", fmt.Sprintf("failed to parse DONE: %v", err))
			}
			if done.CommandID != cmd.ID {
				return p.failure(logger, cmd, "protocol", fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, done.CommandID))
			}
			result := done.Result
			result.CorrelationID = cmd.ID
			if result.WorkerID == "" {
				result.WorkerID = ready.WorkerID
			}
			if result.CompletedAt.IsZero() {
				result.CompletedAt = time.Now().UTC()
			}
			logger.Info().Str("status", string(result.Status)).Float64("duration", done.Duration).Msg("worker finished")
			return result

		case protocol.MessageTypeError:
			var e protocol.ErrorMessage
			if err := protocol.ParseData(msg.Data, &e); err != nil {
				return p.failure(logger, cmd, "protocol", fmt.Sprintf("failed to parse ERROR: %v", err))
			}
			if e.CommandID != "" && e.CommandID != cmd.ID {
				return p.failure(logger, cmd, "protocol", fmt.Sprintf("command ID mismatch: expected %s, got %s", cmd.ID, e.CommandID))
			}
			e.CommandID = cmd.ID
			result := protocol.ResultFromError(&e)
			if result.WorkerID == "" {
				result.WorkerID = ready.WorkerID
			}
			p.metrics.RecordError("worker", e.Code)
			logger.Warn().Str("code", e.Code).Msg("worker reported failure")
			return result

		case protocol.MessageTypeExit:
			var exit protocol.ExitMessage
			_ = protocol.ParseData(msg.Data, &exit)
			return p.failure(logger, cmd, "exit", fmt.Sprintf("worker exited before finishing: %s", exit.Reason))

		default:
			logger.Warn().Str("type", string(msg.Type)).Msg("ignoring unexpected message")
		}
	}
}

// awaitReady reads the READY line, killing the worker if it takes longer
// than the startup timeout.
func (p *Pool) awaitReady(ctx context.Context, proc Process, dec *protocol.Decoder) (*protocol.ReadyMessage, error) {
	readyCtx, cancel := context.WithTimeout(ctx, p.cfg.StartupTimeout)
	defer cancel()
	stop := context.AfterFunc(readyCtx, func() { _ = proc.Kill() })

	msg, err := dec.Decode()
	if !stop() {
		return nil, fmt.Errorf("worker did not become ready within %s", p.cfg.StartupTimeout)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive READY: %w", err)
	}
	if msg.Type != protocol.MessageTypeReady {
		return nil, fmt.Errorf("expected READY, got %s", msg.Type)
	}
	var ready protocol.ReadyMessage
	if err := protocol.ParseData(msg.Data, &ready); err != nil {
		return nil, fmt.Errorf("failed to parse READY: %w", err)
	}
	return &ready, nil
}

// finish closes stdin so the worker writes EXIT and stops, then drains
// its output and reaps it.
func (p *Pool) finish(logger zerolog.Logger, proc Process) {
	_ = proc.Stdin().Close()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = proc.Kill() })
	defer stop()

	_, _ = io.Copy(io.Discard, proc.Stdout())
	if err := proc.Wait(); err != nil {
		logger.Debug().Err(err).Msg("worker exited with error")
	}
}

func (p *Pool) failure(logger zerolog.Logger, cmd *protocol.CommandMessage, stage, message string) engine.ExecutionResult {
	logger.Error().Str("stage", stage).Msg(message)
	p.metrics.RecordError("worker", "WORKER_"+strings.ToUpper(stage))
	return engine.ExecutionResult{
		CorrelationID: cmd.ID,
		Status:        engine.ResultFailure,
		ErrorMessage:  message,
		CompletedAt:   time.Now().UTC(),
	}
}
