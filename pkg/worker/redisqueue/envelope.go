package redisqueue

import (
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

type requestEnvelope struct {
	CorrelationID string                  `json:"correlation_id"`
	Request       engine.ExecutionRequest `json:"request"`
	EnqueuedAt    time.Time               `json:"enqueued_at"`
}

type resultEnvelope struct {
	CorrelationID string                 `json:"correlation_id"`
	Result        engine.ExecutionResult `json:"result"`
}

type eventEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	EntityID      string `json:"entity_id"`
	Level         string `json:"level"`
	Message       string `json:"message"`
}
