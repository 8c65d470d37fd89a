package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// Pool is the engine side of the queues. It implements
// engine.RemoteWorkerPool.
type Pool struct {
	client   goredis.UniversalClient
	cfg      Config
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	activity engine.ActivityLogger

	mu      sync.RWMutex
	handler engine.ResultHandler
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithMetrics records the request queue depth.
func WithMetrics(m *telemetry.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithActivityLogger receives worker progress lines.
func WithActivityLogger(a engine.ActivityLogger) PoolOption {
	return func(p *Pool) { p.activity = a }
}

// NewPool creates a pool on client. Call Run to receive results.
func NewPool(client goredis.UniversalClient, cfg Config, logger zerolog.Logger, opts ...PoolOption) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "redis-pool").Logger(),
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

// Enqueue pushes the request onto the request queue.
func (p *Pool) Enqueue(ctx context.Context, req engine.ExecutionRequest, correlationID string) error {
	payload, err := json.Marshal(requestEnvelope{
		CorrelationID: correlationID,
		Request:       req,
		EnqueuedAt:    time.Now().UTC(),
	})
	if err != nil {
		return engine.NewDispatchFailureError("failed to encode request", err)
	}

	depth, err := p.client.LPush(ctx, p.cfg.RequestQueue, payload).Result()
	if err != nil {
		return engine.NewDispatchFailureError("failed to enqueue request", err)
	}
	p.metrics.SetQueueDepth(float64(depth))

	p.logger.Debug().
		Str("correlation_id", correlationID).
		Str("queue", p.cfg.RequestQueue).
		Int64("depth", depth).
		Msg("request enqueued")
	return nil
}

// Depth returns the number of requests waiting for a worker.
func (p *Pool) Depth(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.cfg.RequestQueue).Result()
}

// Run receives results and events until ctx ends.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if p.activity != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.subscribeEvents(ctx)
		}()
	}
	defer wg.Wait()

	p.logger.Info().Str("queue", p.cfg.ResultQueue).Msg("listening for results")
	for {
		if ctx.Err() != nil {
			return nil
		}
		vals, err := p.client.BRPop(ctx, p.cfg.BlockTimeout, p.cfg.ResultQueue).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error().Err(err).Msg("failed to read result queue")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}
		// BRPOP returns the key followed by the value.
		p.handleResult(vals[1])
	}
}

func (p *Pool) handleResult(payload string) {
	var env resultEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		p.logger.Error().Err(err).Msg("dropping malformed result")
		return
	}
	if env.CorrelationID == "" {
		p.logger.Error().Msg("dropping result without correlation id")
		return
	}
	env.Result.CorrelationID = env.CorrelationID

	p.mu.RLock()
	handler := p.handler
	p.mu.RUnlock()
	if handler == nil {
		p.logger.Warn().Str("correlation_id", env.CorrelationID).Msg("no result handler registered, dropping result")
		return
	}
	handler(env.CorrelationID, env.Result)
}

func (p *Pool) subscribeEvents(ctx context.Context) {
	sub := p.client.Subscribe(ctx, p.cfg.EventChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("failed to subscribe to worker events")
		}
		return
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev eventEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Warn().Err(err).Msg("ignoring malformed event")
				continue
			}
			p.activity.AppendLog(ctx, ev.EntityID, ev.CorrelationID, ev.Message)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
