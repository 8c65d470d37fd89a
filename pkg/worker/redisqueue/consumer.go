package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/worker/protocol"
	"github.com/openfroyo/provisioner/pkg/worker/runner"
)

// Executor runs one request. *runner.Runner implements it.
type Executor interface {
	Run(ctx context.Context, correlationID string, req engine.ExecutionRequest, emit runner.EventFunc) (engine.ExecutionResult, error)
}

// Consumer is the worker side of the queues.
type Consumer struct {
	client goredis.UniversalClient
	cfg    Config
	exec   Executor
	logger zerolog.Logger
}

// NewConsumer creates a consumer that runs requests with exec.
func NewConsumer(client goredis.UniversalClient, cfg Config, exec Executor, logger zerolog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		client: client,
		cfg:    cfg,
		exec:   exec,
		logger: logger.With().Str("component", "redis-consumer").Logger(),
	}
}

// Run pops requests until ctx ends. Requests already running finish
// first.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().
		Str("queue", c.cfg.RequestQueue).
		Int("concurrency", c.cfg.Concurrency).
		Msg("consuming requests")

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.loop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (c *Consumer) loop(ctx context.Context) {
	for ctx.Err() == nil {
		vals, err := c.client.BRPop(ctx, c.cfg.BlockTimeout, c.cfg.RequestQueue).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error().Err(err).Msg("failed to read request queue")
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}
		c.handle(vals[1])
	}
}

// handle runs one request. It is not bound to the consumer's context so a
// shutdown lets the tool finish and report.
func (c *Consumer) handle(payload string) {
	var env requestEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		c.logger.Error().Err(err).Msg("dropping malformed request")
		return
	}
	if env.CorrelationID == "" {
		c.logger.Error().Msg("dropping request without correlation id")
		return
	}

	logger := c.logger.With().Str("correlation_id", env.CorrelationID).Logger()
	cmd := protocol.NewCommand(env.CorrelationID, env.Request, c.cfg.DefaultTimeout)

	var result engine.ExecutionResult
	if err := cmd.Validate(); err != nil {
		logger.Warn().Err(err).Msg("rejecting invalid request")
		result = protocol.ResultFromError(&protocol.ErrorMessage{
			CommandID: env.CorrelationID,
			Code:      protocol.CodeInvalidCommand,
			Message:   err.Error(),
		})
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cmd.Timeout)*time.Second)
		result, _ = c.exec.Run(ctx, env.CorrelationID, env.Request, func(level, message string) {
			c.publish(env, level, message)
		})
		cancel()
	}

	payloadOut, err := json.Marshal(resultEnvelope{CorrelationID: env.CorrelationID, Result: result})
	if err != nil {
		logger.Error().Err(err).Msg("failed to encode result")
		return
	}
	push := retrypolicy.NewBuilder[any]().
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(5).
		WithJitterFactor(0.1).
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			logger.Warn().Err(e.LastError()).Int("attempt", e.Attempts()).Msg("retrying result push")
		}).
		ReturnLastFailure().
		Build()
	err = failsafe.With[any](push).Run(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
		defer cancel()
		return c.client.LPush(ctx, c.cfg.ResultQueue, payloadOut).Err()
	})
	if err != nil {
		logger.Error().Err(err).Msg("result lost")
		return
	}
	logger.Info().Str("status", string(result.Status)).Msg("result pushed")
}

func (c *Consumer) publish(env requestEnvelope, level, message string) {
	payload, err := json.Marshal(eventEnvelope{
		CorrelationID: env.CorrelationID,
		EntityID:      env.Request.EntityID,
		Level:         level,
		Message:       message,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := c.client.Publish(ctx, c.cfg.EventChannel, payload).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("failed to publish event")
	}
}
