package engine

// Rollback reasons reported when there is nothing to dispatch.
const (
	ReasonNoPreviousExecution = "no previous execution found"
	ReasonAlreadyDestroyed    = "nothing to roll back - resource already destroyed"
	ReasonCompensatedInline   = "compensated inline"
	ReasonPlanOnly            = "nothing to roll back - plan does not modify infrastructure"
)

// RollbackIntent is what a strategy needs to choose a compensating action.
type RollbackIntent struct {
	// Request is the request that failed.
	Request ExecutionRequest

	// Result is the failure reported for it.
	Result ExecutionResult

	// Previous is the last snapshot persisted before the failed request.
	Previous *ExecutionSnapshot
}

// RollbackAction is a compensating action. Request is set for replay and
// destroy actions.
type RollbackAction struct {
	Kind    RollbackKind
	Request *ExecutionRequest
	Reason  string
}

// Dispatches reports whether the action needs a worker.
func (a RollbackAction) Dispatches() bool {
	return a.Kind != RollbackNoOp && a.Request != nil
}

// NoOp returns an action with nothing to dispatch.
func NoOp(reason string) RollbackAction {
	return RollbackAction{Kind: RollbackNoOp, Reason: reason}
}

// PlanRollback chooses the default compensating action from the last
// persisted snapshot. An applied snapshot is replayed as-is; a destroyed
// resource is left alone.
func PlanRollback(intent RollbackIntent) RollbackAction {
	if intent.Request.Command == CommandPlan {
		return NoOp(ReasonPlanOnly)
	}
	prev := intent.Previous
	if prev == nil {
		return NoOp(ReasonNoPreviousExecution)
	}
	if prev.Command == CommandDestroy {
		return NoOp(ReasonAlreadyDestroyed)
	}

	req := prev.ToRequest()
	req.Rollback = true
	req.LegacyEntityID = intent.Request.LegacyEntityID
	req.WorkflowExecutionID = intent.Request.WorkflowExecutionID
	req.Timeout = intent.Request.Timeout
	req.Network = intent.Request.Network
	// Entity ids must match so the replay lands on the same history.
	req.EntityID = intent.Request.EntityID
	return RollbackAction{
		Kind:    RollbackReplayPrevious,
		Request: &req,
		Reason:  "replaying last applied configuration",
	}
}
