package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/telemetry"
)

// MachineConfig wires a Machine. Configs, Strategies, Builder, Dispatcher and
// History are required; the rest are optional.
type MachineConfig struct {
	Configs     ConfigSource
	Strategies  Strategies
	Builder     *RequestBuilder
	Dispatcher  *Dispatcher
	History     *History
	Files       FileFetcher
	Policy      DispatchPolicy
	Compensator *BlueGreenCompensator
	Activity    ActivityLogger
	Telemetry   *telemetry.Telemetry
	Logger      zerolog.Logger

	// OnOutcome receives every terminal outcome.
	OnOutcome func(TerminalOutcome)

	// Retention is how long settled executions stay queryable.
	Retention time.Duration

	// NewCorrelationID defaults to random UUIDs.
	NewCorrelationID func() string
}

type execution struct {
	correlationID string
	request       ExecutionRequest
	strategy      Strategy
	autoRollback  bool
	previous      *ExecutionSnapshot
	state         ProvisionerState
	parent        *execution
	rollback      *RollbackInfo
	resolved      bool
	startedAt     time.Time

	done    chan struct{}
	outcome *TerminalOutcome
}

// Machine is the provisioner state machine. It owns the execution table and
// admits one outstanding execution per entity.
type Machine struct {
	cfg    MachineConfig
	logger zerolog.Logger

	mu         sync.Mutex
	executions map[string]*execution
	active     map[string]string
}

// NewMachine creates a machine and subscribes it to dispatcher results.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	switch {
	case cfg.Configs == nil:
		return nil, fmt.Errorf("config source is required")
	case cfg.Builder == nil:
		return nil, fmt.Errorf("request builder is required")
	case cfg.Dispatcher == nil:
		return nil, fmt.Errorf("dispatcher is required")
	case cfg.History == nil:
		return nil, fmt.Errorf("history is required")
	}
	if cfg.Strategies == nil {
		cfg.Strategies = DefaultStrategies(cfg.Builder)
	}
	if cfg.NewCorrelationID == nil {
		cfg.NewCorrelationID = uuid.NewString
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultTombstoneRetention
	}

	m := &Machine{
		cfg:        cfg,
		logger:     cfg.Logger.With().Str("component", "state-machine").Logger(),
		executions: make(map[string]*execution),
		active:     make(map[string]string),
	}
	cfg.Dispatcher.OnResult(func(correlationID string, result ExecutionResult) {
		if _, err := m.OnAsyncResult(context.Background(), correlationID, result); err != nil {
			m.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("Failed to process result")
		}
	})
	return m, nil
}

// Execute builds, gates and dispatches a request for a provisioner. Errors
// returned here leave no tracked state behind.
func (m *Machine) Execute(ctx context.Context, provisionerID string, command CommandKind, overrides CallerOverrides) (*PendingHandle, error) {
	ctx, span := m.tracer().StartSpan(ctx, "provisioner.execute",
		telemetry.AttrProvisionerID.String(provisionerID),
		telemetry.AttrCommand.String(string(command)))
	defer span.End()

	handle, err := m.execute(ctx, provisionerID, command, overrides)
	if err != nil {
		span.SetAttributes(
			telemetry.AttrErrorClass.String(errorClass(err)),
			telemetry.AttrErrorCode.String(ErrorCode(err)))
		telemetry.RecordError(span, err)
		if m.cfg.Telemetry != nil {
			m.cfg.Telemetry.Metrics.RecordError(errorClass(err), ErrorCode(err))
		}
		return nil, err
	}
	span.SetAttributes(
		telemetry.AttrEntityID.String(handle.EntityID),
		telemetry.AttrCorrelationID.String(handle.CorrelationID))
	telemetry.RecordSuccess(span)
	return handle, nil
}

func (m *Machine) execute(ctx context.Context, provisionerID string, command CommandKind, overrides CallerOverrides) (*PendingHandle, error) {
	overrides.Command = command

	cfg, err := m.cfg.Configs.Get(ctx, provisionerID)
	if err != nil {
		if _, ok := err.(*EngineError); ok {
			return nil, err
		}
		return nil, NewInvalidConfigurationError(fmt.Sprintf("provisioner %s not found", provisionerID), err).
			WithResource(provisionerID)
	}
	strategy, err := m.cfg.Strategies.For(cfg.Kind)
	if err != nil {
		return nil, withResource(err, provisionerID)
	}

	files, err := m.fetchFiles(ctx, cfg, overrides)
	if err != nil {
		return nil, err
	}

	req, err := strategy.BuildRequest(ctx, cfg, overrides, files)
	if err != nil {
		return nil, err
	}
	if msg := ValidateLaunch(req.Network); msg != "" {
		return nil, NewInvalidConfigurationError(msg, nil).WithResource(req.EntityID)
	}
	if m.cfg.Policy != nil {
		decision, err := m.cfg.Policy.Evaluate(ctx, req)
		if err != nil {
			return nil, NewInvalidConfigurationError("failed to evaluate dispatch policy", err).WithResource(req.EntityID)
		}
		if !decision.Allowed {
			m.publish(func(ep *telemetry.EventPublisher) error {
				return ep.PublishPolicyDenied(req.EntityID, decision.Reasons)
			})
			return nil, NewInvalidConfigurationError(
				fmt.Sprintf("dispatch denied by policy: %s", strings.Join(decision.Reasons, "; ")), nil).
				WithResource(req.EntityID).
				WithDetail("reasons", decision.Reasons)
		}
	}

	previous, err := m.cfg.History.FindLatestByKey(ctx, HistoryKey{EntityID: req.EntityID, LegacyEntityID: req.LegacyEntityID})
	if err != nil {
		return nil, err
	}

	exec := &execution{
		correlationID: m.cfg.NewCorrelationID(),
		request:       req,
		strategy:      strategy,
		autoRollback:  cfg.AutoRollback,
		previous:      previous,
		state:         StateIdle,
		startedAt:     time.Now().UTC(),
		done:          make(chan struct{}),
	}

	m.mu.Lock()
	if outstanding, busy := m.active[req.EntityID]; busy {
		m.mu.Unlock()
		return nil, NewConflictError(fmt.Sprintf("execution %s is still outstanding", outstanding), nil).
			WithCode(ErrCodeConflict).
			WithResource(req.EntityID)
	}
	exec.state = StateDispatched
	m.executions[exec.correlationID] = exec
	m.active[req.EntityID] = exec.correlationID
	m.mu.Unlock()

	dctx, dspan := m.tracer().StartDispatchSpan(ctx, req.EntityID, exec.correlationID, string(req.Kind), string(req.Command))
	err = m.cfg.Dispatcher.Dispatch(dctx, req, exec.correlationID)
	telemetry.RecordError(dspan, err)
	dspan.End()
	if err != nil {
		m.mu.Lock()
		delete(m.executions, exec.correlationID)
		if m.active[req.EntityID] == exec.correlationID {
			delete(m.active, req.EntityID)
		}
		m.mu.Unlock()
		return nil, err
	}

	m.observeTransition(exec, StateIdle, StateDispatched, fmt.Sprintf("%s dispatched", req.Command))
	m.activity(ctx, exec, fmt.Sprintf("Dispatched %s for %s", req.Command, req.EntityID))

	return &PendingHandle{
		CorrelationID:  exec.correlationID,
		EntityID:       req.EntityID,
		LegacyEntityID: req.LegacyEntityID,
		State:          StateDispatched,
		DispatchedAt:   exec.startedAt,
	}, nil
}

func (m *Machine) fetchFiles(ctx context.Context, cfg *ProvisionerConfig, overrides CallerOverrides) (FileBundle, error) {
	paths, err := m.cfg.Builder.RenderVarFilePaths(ctx, cfg, overrides)
	if err != nil || len(paths) == 0 {
		return FileBundle{}, err
	}
	if m.cfg.Files == nil {
		return FileBundle{}, nil
	}
	source := cfg.Source
	if overrides.Branch != "" {
		source.Branch = overrides.Branch
	}
	if overrides.Commit != "" {
		source.Commit = overrides.Commit
	}
	files, err := m.cfg.Files.Fetch(ctx, source, paths)
	if err != nil {
		return nil, NewInvalidConfigurationError("failed to fetch var files", err).WithResource(cfg.ID)
	}
	return files, nil
}

// OnAsyncResult applies a worker result. Each correlation id is processed at
// most once; results for unknown or settled executions return a nil outcome.
func (m *Machine) OnAsyncResult(ctx context.Context, correlationID string, result ExecutionResult) (*TerminalOutcome, error) {
	m.mu.Lock()
	exec, ok := m.executions[correlationID]
	if !ok || exec.resolved || !exec.state.IsActive() {
		m.mu.Unlock()
		m.logger.Debug().Str("correlation_id", correlationID).Msg("Ignoring result for unknown or settled execution")
		return nil, nil
	}
	from := exec.state
	result = exec.strategy.ParseResponse(exec.request, result)
	var to ProvisionerState
	switch {
	case from == StateRollingBack && result.Succeeded():
		to = StateRolledBack
	case from == StateRollingBack:
		to = StateRollbackFailed
	case result.Succeeded():
		to = StateSucceeded
	default:
		to = StateFailed
	}
	exec.state = to
	exec.resolved = true
	m.mu.Unlock()

	ctx, span := m.tracer().StartSpan(ctx, "provisioner.result",
		telemetry.AttrEntityID.String(exec.request.EntityID),
		telemetry.AttrCorrelationID.String(correlationID))
	defer span.End()

	m.observeTransition(exec, from, to, result.ErrorMessage)
	telemetry.AddTransitionEvent(span, string(from), string(to))

	var outcome *TerminalOutcome
	switch to {
	case StateSucceeded:
		outcome = m.onSuccess(ctx, exec, result)
	case StateFailed:
		outcome = m.onFailure(ctx, exec, result)
	default:
		outcome = m.onRollbackResult(ctx, exec, result)
	}

	if outcome.State == StateSucceeded || outcome.State == StateRolledBack {
		telemetry.RecordSuccess(span)
	} else {
		telemetry.RecordError(span, fmt.Errorf("%s", outcome.ErrorMessage))
	}
	return outcome, nil
}

func (m *Machine) onSuccess(ctx context.Context, exec *execution, result ExecutionResult) *TerminalOutcome {
	outcome := &TerminalOutcome{
		CorrelationID: exec.correlationID,
		EntityID:      exec.request.EntityID,
		State:         StateSucceeded,
	}
	if err := m.persist(ctx, exec.request, result); err != nil {
		outcome.Degraded = true
		outcome.ErrorMessage = err.Error()
		outcome.ErrorCode = ErrCodePersistenceFailure
		m.logger.Error().Err(err).
			Str("entity_id", exec.request.EntityID).
			Str("correlation_id", exec.correlationID).
			Msg("Execution succeeded but history could not be updated")
	}
	m.activity(ctx, exec, fmt.Sprintf("%s succeeded", exec.request.Command))
	m.settle(exec, outcome)
	return outcome
}

// persist records the effect of a successful request on the entity history.
func (m *Machine) persist(ctx context.Context, req ExecutionRequest, result ExecutionResult) error {
	switch req.Command {
	case CommandApply:
		return m.cfg.History.Save(ctx, NewSnapshot(req, result, time.Now()))
	case CommandDestroy:
		if req.IsTargeted() {
			return m.cfg.History.Save(ctx, NewSnapshot(req, result, time.Now()))
		}
		_, err := m.cfg.History.Delete(ctx, HistoryKey{EntityID: req.EntityID, LegacyEntityID: req.LegacyEntityID})
		return err
	default:
		return nil
	}
}

func (m *Machine) onFailure(ctx context.Context, exec *execution, result ExecutionResult) *TerminalOutcome {
	req := exec.request
	outcome := &TerminalOutcome{
		CorrelationID: exec.correlationID,
		EntityID:      req.EntityID,
		State:         StateFailed,
		ErrorMessage:  result.ErrorMessage,
		ErrorCode:     ErrCodeWorkerReportedFailure,
		TimedOut:      result.TimedOut,
	}
	if result.TimedOut {
		outcome.ErrorCode = ErrCodeTimeoutFailure
	}
	m.activity(ctx, exec, fmt.Sprintf("%s failed: %s", req.Command, result.ErrorMessage))

	if req.Kind == KindECSBlueGreen && req.BlueGreen != nil && req.Command != CommandPlan && m.cfg.Compensator != nil {
		if err := m.cfg.Compensator.Compensate(ctx, *req.BlueGreen); err != nil {
			m.logger.Error().Err(err).Str("entity_id", req.EntityID).Msg("Blue/green compensation failed")
			outcome.Rollback = &RollbackInfo{Action: RollbackNoOp, Reason: fmt.Sprintf("compensation failed: %v", err)}
		}
	}

	if !exec.autoRollback {
		m.settle(exec, outcome)
		return outcome
	}

	action := exec.strategy.DeriveRollback(RollbackIntent{Request: req, Result: result, Previous: exec.previous})
	m.recordRollback(exec, action)
	if !action.Dispatches() {
		if outcome.Rollback == nil {
			outcome.Rollback = &RollbackInfo{Action: RollbackNoOp, Reason: action.Reason}
		}
		m.logger.Info().
			Str("entity_id", req.EntityID).
			Str("reason", action.Reason).
			Msg("No rollback dispatched")
		m.settle(exec, outcome)
		return outcome
	}

	return m.startRollback(ctx, exec, action, outcome)
}

func (m *Machine) startRollback(ctx context.Context, exec *execution, action RollbackAction, outcome *TerminalOutcome) *TerminalOutcome {
	ctx, span := m.tracer().StartRollbackSpan(ctx, exec.request.EntityID, exec.correlationID, string(action.Kind))
	defer span.End()

	rb := &execution{
		correlationID: m.cfg.NewCorrelationID(),
		request:       action.Request.Clone(),
		strategy:      exec.strategy,
		previous:      exec.previous,
		state:         StateRollingBack,
		parent:        exec,
		startedAt:     time.Now().UTC(),
		done:          make(chan struct{}),
	}
	info := &RollbackInfo{Action: action.Kind, Reason: action.Reason, CorrelationID: rb.correlationID}
	rb.rollback = info

	m.mu.Lock()
	exec.state = StateRollingBack
	exec.rollback = info
	m.executions[rb.correlationID] = rb
	m.active[exec.request.EntityID] = rb.correlationID
	m.mu.Unlock()
	m.observeTransition(exec, StateFailed, StateRollingBack, action.Reason)

	err := m.restoreVarFiles(ctx, exec.previous, &rb.request)
	if err == nil {
		err = m.cfg.Dispatcher.Dispatch(ctx, rb.request, rb.correlationID)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		m.mu.Lock()
		delete(m.executions, rb.correlationID)
		rb.state = StateRollbackFailed
		exec.state = StateRollbackFailed
		m.active[exec.request.EntityID] = exec.correlationID
		m.mu.Unlock()
		m.observeTransition(exec, StateRollingBack, StateRollbackFailed, err.Error())

		outcome.State = StateRollbackFailed
		outcome.Rollback = &RollbackInfo{Action: action.Kind, Reason: err.Error()}
		m.settle(exec, outcome)
		return outcome
	}

	m.activity(ctx, exec, fmt.Sprintf("Rollback %s dispatched: %s", action.Kind, action.Reason))
	telemetry.RecordSuccess(span)

	// Reported now; the execution settles when the rollback resolves.
	outcome.State = StateRollingBack
	outcome.Rollback = info
	m.emit(*outcome)
	return outcome
}

// restoreVarFiles refetches var-file contents for a replay built from a
// path-only snapshot, at the source revision the snapshot was applied from.
func (m *Machine) restoreVarFiles(ctx context.Context, prev *ExecutionSnapshot, req *ExecutionRequest) error {
	if prev == nil || prev.HasVarFileContents() || len(req.VarFiles) == 0 {
		return nil
	}
	if m.cfg.Files == nil {
		return NewInvalidConfigurationError("no file fetcher configured to restore var files", nil).
			WithResource(req.EntityID)
	}
	paths := make([]string, len(req.VarFiles))
	for i, vf := range req.VarFiles {
		paths[i] = vf.Path
	}
	bundle, err := m.cfg.Files.Fetch(ctx, req.Source, paths)
	if err != nil {
		return NewInvalidConfigurationError("failed to fetch var files", err).WithResource(req.EntityID)
	}
	for i, p := range paths {
		content, ok := bundle[p]
		if !ok {
			return NewInvalidConfigurationError(fmt.Sprintf("var file %s not found", p), nil).
				WithResource(req.EntityID)
		}
		req.VarFiles[i].Content = content
	}
	return nil
}

func (m *Machine) onRollbackResult(ctx context.Context, rb *execution, result ExecutionResult) *TerminalOutcome {
	outcome := &TerminalOutcome{
		CorrelationID: rb.correlationID,
		EntityID:      rb.request.EntityID,
		Rollback:      rb.rollback,
	}
	if result.Succeeded() {
		outcome.State = StateRolledBack
		if err := m.persist(ctx, rb.request, result); err != nil {
			outcome.Degraded = true
			outcome.ErrorMessage = err.Error()
			outcome.ErrorCode = ErrCodePersistenceFailure
		}
	} else {
		outcome.State = StateRollbackFailed
		outcome.ErrorMessage = result.ErrorMessage
		outcome.TimedOut = result.TimedOut
		outcome.ErrorCode = ErrCodeWorkerReportedFailure
		if result.TimedOut {
			outcome.ErrorCode = ErrCodeTimeoutFailure
		}
	}
	m.activity(ctx, rb, fmt.Sprintf("Rollback finished: %s", outcome.State))

	if parent := rb.parent; parent != nil {
		m.mu.Lock()
		parent.state = outcome.State
		m.mu.Unlock()
		m.closeExecution(parent, outcome)
	}
	m.settle(rb, outcome)
	return outcome
}

// settle releases the entity, publishes the outcome and wakes waiters.
func (m *Machine) settle(exec *execution, outcome *TerminalOutcome) {
	m.mu.Lock()
	if m.active[exec.request.EntityID] == exec.correlationID {
		delete(m.active, exec.request.EntityID)
	}
	m.mu.Unlock()
	m.closeExecution(exec, outcome)
	m.emit(*outcome)
}

func (m *Machine) closeExecution(exec *execution, outcome *TerminalOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec.outcome != nil {
		return
	}
	exec.outcome = outcome
	close(exec.done)
	id := exec.correlationID
	time.AfterFunc(m.cfg.Retention, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.executions[id] == exec {
			delete(m.executions, id)
		}
	})
}

// Wait blocks until the execution and any rollback it started settle.
func (m *Machine) Wait(ctx context.Context, correlationID string) (*TerminalOutcome, error) {
	m.mu.Lock()
	exec, ok := m.executions[correlationID]
	m.mu.Unlock()
	if !ok {
		return nil, NewPermanentError(fmt.Sprintf("unknown correlation id: %s", correlationID), nil).WithCode(ErrCodeNotFound)
	}
	select {
	case <-exec.done:
		m.mu.Lock()
		defer m.mu.Unlock()
		return exec.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State returns the current state of an execution.
func (m *Machine) State(correlationID string) (ProvisionerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[correlationID]
	if !ok {
		return "", false
	}
	return exec.state, true
}

// GetLatestSnapshot returns the newest snapshot for an entity, or nil.
func (m *Machine) GetLatestSnapshot(ctx context.Context, entityID string) (*ExecutionSnapshot, error) {
	return m.cfg.History.FindLatest(ctx, entityID)
}

func (m *Machine) emit(outcome TerminalOutcome) {
	if m.cfg.OnOutcome != nil {
		m.cfg.OnOutcome(outcome)
	}
}

func (m *Machine) activity(ctx context.Context, exec *execution, message string) {
	if m.cfg.Activity != nil {
		m.cfg.Activity.AppendLog(ctx, exec.request.EntityID, exec.correlationID, message)
	}
}

func (m *Machine) observeTransition(exec *execution, from, to ProvisionerState, message string) {
	m.logger.Info().
		Str("entity_id", exec.request.EntityID).
		Str("correlation_id", exec.correlationID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("State transition")
	if m.cfg.Telemetry == nil {
		return
	}
	m.cfg.Telemetry.Metrics.RecordTransition(string(from), string(to))
	m.publish(func(ep *telemetry.EventPublisher) error {
		return ep.PublishTransition(exec.request.EntityID, exec.correlationID, string(from), string(to), message)
	})
}

func (m *Machine) recordRollback(exec *execution, action RollbackAction) {
	if m.cfg.Telemetry != nil {
		m.cfg.Telemetry.Metrics.RecordRollback(string(action.Kind))
	}
	m.publish(func(ep *telemetry.EventPublisher) error {
		return ep.PublishRollbackPlanned(exec.request.EntityID, exec.correlationID, string(action.Kind), action.Reason)
	})
}

func (m *Machine) publish(fn func(*telemetry.EventPublisher) error) {
	if m.cfg.Telemetry == nil || m.cfg.Telemetry.Events == nil {
		return
	}
	if err := fn(m.cfg.Telemetry.Events); err != nil {
		m.logger.Debug().Err(err).Msg("Failed to publish event")
	}
}

// tracer may return nil; its methods then start no-op spans.
func (m *Machine) tracer() *telemetry.Tracer {
	if m.cfg.Telemetry == nil {
		return nil
	}
	return m.cfg.Telemetry.Tracer
}

func errorClass(err error) string {
	if e, ok := err.(*EngineError); ok {
		return string(e.Class)
	}
	return "unknown"
}
