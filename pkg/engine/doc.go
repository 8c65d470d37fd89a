// Package engine drives asynchronous infrastructure provisioning operations
// executed by remote workers and rolls them back when they fail.
//
// # Overview
//
// A provisioner (Terraform, Terragrunt, CloudFormation or an ECS blue/green
// cutover) is declared once as a ProvisionerConfig. Each invocation goes
// through the same steps:
//
//  1. Build - merge declared defaults, caller overrides and the last applied
//     snapshot into an immutable ExecutionRequest (RequestBuilder)
//  2. Gate - check launch preconditions and dispatch policy
//  3. Dispatch - enqueue the request and wait for a correlated result (Dispatcher)
//  4. Record - persist or delete the snapshot on success (History)
//  5. Compensate - replay the previous snapshot, destroy what was created,
//     or restore blue/green routing inline (Strategy.DeriveRollback)
//
// # Identity
//
// Snapshots are keyed by an entity id derived from the provisioner id,
// environment id, rendered branch and path, and workspace:
//
//	prov-env                     no branch or path
//	prov-env-<xxhash64>          branch and/or path
//	prov-env-<xxhash64>-ws       with a workspace
//
// Older records were keyed without the hash. Reads and deletes try the new
// key first and fall back to the legacy key.
//
// # State Machine
//
//	IDLE -> DISPATCHED -> SUCCEEDED
//	                   -> FAILED -> ROLLING_BACK -> ROLLED_BACK
//	                                             -> ROLLBACK_FAILED
//
// FAILED is final when auto-rollback is disabled or the strategy has nothing
// to dispatch.
//
// # Error Classification
//
// Errors are *EngineError values with a class used for retry decisions and a
// code for the failure kind:
//
//   - INVALID_CONFIGURATION: rejected before dispatch
//   - DISPATCH_FAILURE: the worker pool refused the request
//   - TIMEOUT_FAILURE: no response arrived in time
//   - WORKER_REPORTED_FAILURE: the tool failed, message kept verbatim
//   - PERSISTENCE_FAILURE: history could not be read or written
//
// Example:
//
//	if engine.IsInvalidConfiguration(err) {
//	    // fix the declaration, retrying will not help
//	}
package engine
