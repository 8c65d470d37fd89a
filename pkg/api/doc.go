// Package api serves the provisioner engine over HTTP.
//
// Routes:
//
//	POST   /v1/executions                    start a PLAN, APPLY or DESTROY
//	GET    /v1/executions/{correlationID}    current state of an execution
//	POST   /v1/results/{correlationID}       deliver a worker result
//	GET    /v1/snapshots/{entityID}          latest snapshot and activity
//	DELETE /v1/snapshots/{entityID}          drop an entity's history
//	GET    /healthz
//	GET    /metrics
package api
