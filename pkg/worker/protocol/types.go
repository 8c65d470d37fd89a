// Package protocol defines the newline-delimited JSON protocol spoken
// between the engine and a provisioner worker over stdio.
//
// A worker announces itself with READY, then receives one CMD per
// execution request. While the tool runs it streams EVENT lines and
// finishes each command with DONE or ERROR. EXIT is the last line a worker
// writes before it terminates.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the worker is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand carries an execution request
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeEvent carries a progress line from the tool
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone carries a successful result
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError carries a failed result
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the worker is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Error codes reported in ERROR messages.
const (
	CodeToolFailed      = "TOOL_FAILED"
	CodeInvalidCommand  = "INVALID_COMMAND"
	CodeSecretFailure   = "SECRET_FAILURE"
	CodeTimeout         = "TIMEOUT"
	CodeArtifactFailure = "ARTIFACT_FAILURE"
)

// Message is the envelope of every protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the worker is ready to receive commands.
type ReadyMessage struct {
	Version  string            `json:"version"`
	Platform string            `json:"platform"`
	Arch     string            `json:"arch"`
	PID      int               `json:"pid"`
	WorkerID string            `json:"worker_id,omitempty"`
	Tools    map[string]bool   `json:"tools"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Supports reports whether the worker can run requests of kind.
func (r *ReadyMessage) Supports(kind engine.ProvisionerKind) bool {
	return r.Tools[string(kind)]
}

// CommandMessage asks the worker to run one execution request. ID is the
// dispatch correlation id.
type CommandMessage struct {
	ID       string                  `json:"id"`
	Timeout  int                     `json:"timeout"` // seconds
	Request  engine.ExecutionRequest `json:"request"`
	Metadata map[string]string       `json:"metadata,omitempty"`
}

// EventMessage is a progress line emitted while a command runs.
type EventMessage struct {
	CommandID string            `json:"command_id"`
	Level     string            `json:"level"` // info, warn, debug
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DoneMessage reports a successful command.
type DoneMessage struct {
	CommandID string                 `json:"command_id"`
	Result    engine.ExecutionResult `json:"result"`
	Duration  float64                `json:"duration"` // seconds
}

// ErrorMessage reports a failed command. Result carries whatever the tool
// produced before failing, such as the stack status.
type ErrorMessage struct {
	CommandID string                  `json:"command_id,omitempty"`
	Code      string                  `json:"code"`
	Message   string                  `json:"message"`
	Retryable bool                    `json:"retryable"`
	Result    *engine.ExecutionResult `json:"result,omitempty"`
}

// ExitMessage is sent before the worker terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	CommandsTotal int    `json:"commands_total"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeEvent,
		MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cmd.Request.ProvisionerID == "" {
		return fmt.Errorf("request provisioner id is required")
	}
	if err := cmd.Request.Kind.Validate(); err != nil {
		return err
	}
	if err := cmd.Request.Command.Validate(); err != nil {
		return err
	}
	if cmd.Request.SchemaVersion > engine.RequestSchemaVersion {
		return fmt.Errorf("unsupported request schema version: %d", cmd.Request.SchemaVersion)
	}
	return nil
}

// Validate checks if the event message is valid.
func (evt *EventMessage) Validate() error {
	if evt.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	switch evt.Level {
	case "info", "warn", "debug":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", evt.Level)
	}
}

// NewCommand wraps req for dispatch. A zero request timeout falls back to
// defaultTimeout.
func NewCommand(correlationID string, req engine.ExecutionRequest, defaultTimeout time.Duration) *CommandMessage {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	secs := int(timeout / time.Second)
	if secs <= 0 {
		secs = 1
	}
	return &CommandMessage{ID: correlationID, Timeout: secs, Request: req}
}

// ResultFromError converts an ERROR message into a failed result.
func ResultFromError(e *ErrorMessage) engine.ExecutionResult {
	var result engine.ExecutionResult
	if e.Result != nil {
		result = *e.Result
	}
	result.CorrelationID = e.CommandID
	result.Status = engine.ResultFailure
	if result.ErrorMessage == "" {
		result.ErrorMessage = e.Message
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	return result
}
