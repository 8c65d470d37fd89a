// Package telemetry provides observability for the provisioner service.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event publisher.
// Every component accepts a nil or disabled receiver, so callers that run
// without telemetry need no guards.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Metrics
//
// Metrics implements the dispatcher and history observer interfaces of the
// engine package. The collectors live on a private registry exposed through
// Metrics.Handler, which the API server mounts at /metrics:
//
//	provisioner_dispatches_total{kind,command}
//	provisioner_dispatch_timeouts_total{kind}
//	provisioner_late_responses_total
//	provisioner_dispatch_duration_seconds{kind}
//	provisioner_state_transitions_total{from,to}
//	provisioner_rollbacks_total{action}
//	provisioner_snapshot_saves_total{success}
//	provisioner_snapshot_deletes_total{key_shape}
//	provisioner_worker_commands_total{tool,status}
//
// # Events
//
// The state machine publishes an execution.transition event for every state
// change. Subscribers run on the publishing goroutine unless EnableAsync is
// set, so a slow subscriber delays the machine.
//
// # Activity log
//
// ActivityLog writes user-visible execution lines through zerolog and keeps a
// bounded tail per entity for the API.
package telemetry
