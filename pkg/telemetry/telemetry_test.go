package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test", Path: "/metrics"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("TERRAFORM", "APPLY")
	m.RecordTransition("IDLE", "DISPATCHED")
	m.RecordSnapshotSave(true)
	m.RecordError("transient", "DISPATCH_FAILURE")
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create disabled metrics: %v", err)
	}
	disabled.RecordTimeout("TERRAFORM")
	disabled.SetQueueDepth(3)
}

func TestMetricsCounters(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDispatch("TERRAFORM", "APPLY")
	m.RecordDispatch("TERRAFORM", "APPLY")
	m.RecordTimeout("CLOUDFORMATION")
	m.RecordLateResponse()
	m.RecordTransition("DISPATCHED", "FAILED")
	m.RecordSnapshotDelete("legacy", 3)
	m.RecordError("permanent", "INVALID_CONFIGURATION")
	m.RecordError("transient", "")

	if got := testutil.ToFloat64(m.dispatches.WithLabelValues("TERRAFORM", "APPLY")); got != 2 {
		t.Errorf("dispatches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.timeouts.WithLabelValues("CLOUDFORMATION")); got != 1 {
		t.Errorf("timeouts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.lateResponses); got != 1 {
		t.Errorf("late responses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.snapshotDeletes.WithLabelValues("legacy")); got != 3 {
		t.Errorf("snapshot deletes = %v, want 3", got)
	}
	if got := testutil.CollectAndCount(m.errorsByCode); got != 1 {
		t.Errorf("error codes = %d, want 1", got)
	}
}

func TestEventPublisherSynchronousDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByEntityID("e1"))

	if err := ep.PublishTransition("e1", "c1", "DISPATCHED", "FAILED", "boom"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := ep.PublishTransition("e2", "c2", "IDLE", "DISPATCHED", "go"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Level != EventLevelError {
		t.Errorf("level = %s, want error", got[0].Level)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("expected id and timestamp to be set")
	}
}

func TestEventPublisherMinLevel(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4, MinLevel: EventLevelWarning})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []string
	ep.Subscribe(func(e Event) { got = append(got, e.Type) }, nil)

	_ = ep.PublishTransition("e1", "c1", "IDLE", "DISPATCHED", "go")
	_ = ep.PublishPolicyDenied("e1", []string{"public bucket"})

	if len(got) != 1 || got[0] != EventTypePolicyDenied {
		t.Errorf("events = %v, want only the policy denial", got)
	}

	cfg := DefaultConfig()
	cfg.Events.MinLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown event level")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	var ep *EventPublisher
	if err := ep.PublishTransition("e", "c", "IDLE", "DISPATCHED", ""); err != nil {
		t.Errorf("nil publisher returned error: %v", err)
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("nil publisher shutdown returned error: %v", err)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8, EnableAsync: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	count := make(chan struct{}, 8)
	ep.Subscribe(func(Event) { count <- struct{}{} }, nil)

	for i := 0; i < 3; i++ {
		if err := ep.PublishLateResponse("c"); err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if len(count) != 3 {
		t.Errorf("delivered %d events, want 3", len(count))
	}
}

func TestActivityLogKeepsTail(t *testing.T) {
	var buf bytes.Buffer
	a := NewActivityLog(zerolog.New(&buf), 2)

	ctx := context.Background()
	a.AppendLog(ctx, "e1", "c1", "first")
	a.AppendLog(ctx, "e1", "c1", "second")
	a.AppendLog(ctx, "e1", "c2", "third")

	lines := a.Lines("e1")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Message != "second" || lines[1].Message != "third" {
		t.Errorf("unexpected lines: %+v", lines)
	}
	if !strings.Contains(buf.String(), `"correlation_id":"c2"`) {
		t.Errorf("log output missing correlation id: %s", buf.String())
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for otlp without endpoint")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown log level")
	}
}

func TestRecordWorkerCommand(t *testing.T) {
	cfg := DefaultConfig()
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	ctx := tel.WithContext(context.Background())

	wantErr := errors.New("exit status 1")
	err = RecordWorkerCommand(ctx, "terraform", "c1", func(context.Context) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if got := testutil.ToFloat64(tel.Metrics.workerCommands.WithLabelValues("terraform", "failure")); got != 1 {
		t.Errorf("worker failures = %v, want 1", got)
	}
}
