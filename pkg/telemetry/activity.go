package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ActivityLine is one user-visible log line for an execution.
type ActivityLine struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Message       string    `json:"message"`
}

// ActivityLog writes execution log lines through zerolog and keeps the most
// recent lines per entity for the API to serve.
type ActivityLog struct {
	logger zerolog.Logger
	limit  int

	mu    sync.Mutex
	lines map[string][]ActivityLine
}

// NewActivityLog creates an activity log keeping at most limit lines per
// entity. A limit <= 0 keeps nothing in memory.
func NewActivityLog(logger zerolog.Logger, limit int) *ActivityLog {
	return &ActivityLog{
		logger: logger.With().Str("component", "activity").Logger(),
		limit:  limit,
		lines:  make(map[string][]ActivityLine),
	}
}

// AppendLog records a line for an entity.
func (a *ActivityLog) AppendLog(ctx context.Context, entityID, correlationID, message string) {
	a.logger.Info().
		Str("entity_id", entityID).
		Str("correlation_id", correlationID).
		Msg(message)

	if a.limit <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	lines := append(a.lines[entityID], ActivityLine{
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Message:       message,
	})
	if len(lines) > a.limit {
		lines = lines[len(lines)-a.limit:]
	}
	a.lines[entityID] = lines
}

// Lines returns a copy of the retained lines for an entity, oldest first.
func (a *ActivityLog) Lines(entityID string) []ActivityLine {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ActivityLine, len(a.lines[entityID]))
	copy(out, a.lines[entityID])
	return out
}
