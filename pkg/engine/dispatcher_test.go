package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingObserver struct {
	mu         sync.Mutex
	dispatches int
	failures   int
	timeouts   int
	late       int
}

func (o *countingObserver) RecordDispatch(string, string) { o.mu.Lock(); o.dispatches++; o.mu.Unlock() }
func (o *countingObserver) RecordDispatchFailure(string)  { o.mu.Lock(); o.failures++; o.mu.Unlock() }
func (o *countingObserver) RecordTimeout(string)          { o.mu.Lock(); o.timeouts++; o.mu.Unlock() }
func (o *countingObserver) RecordLateResponse()           { o.mu.Lock(); o.late++; o.mu.Unlock() }
func (o *countingObserver) ObserveDispatchLatency(string, time.Duration) {}

func testRequest() ExecutionRequest {
	return ExecutionRequest{
		SchemaVersion: RequestSchemaVersion,
		ProvisionerID: "prov-1",
		Kind:          KindTerraform,
		EntityID:      "prov-1-env-1",
		EnvironmentID: "env-1",
		Command:       CommandApply,
	}
}

func TestDispatchDeliverOnce(t *testing.T) {
	pool := &fakePool{}
	obs := &countingObserver{}
	d := NewDispatcher(pool, DispatcherConfig{}, zerolog.Nop(), obs)

	var mu sync.Mutex
	var handled []ExecutionResult
	d.OnResult(func(_ string, r ExecutionResult) {
		mu.Lock()
		handled = append(handled, r)
		mu.Unlock()
	})

	if err := d.Dispatch(context.Background(), testRequest(), "c1"); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if d.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", d.Pending())
	}

	pool.deliver("c1", ExecutionResult{Status: ResultSuccess})
	pool.deliver("c1", ExecutionResult{Status: ResultFailure, ErrorMessage: "duplicate"})

	if len(handled) != 1 || handled[0].Status != ResultSuccess || handled[0].CorrelationID != "c1" {
		t.Fatalf("handled = %+v, want one success", handled)
	}
	if obs.late != 1 {
		t.Errorf("late responses = %d, want 1", obs.late)
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d, want 0", d.Pending())
	}

	res, err := d.Await(context.Background(), "c1")
	if err != nil || res.Status != ResultSuccess {
		t.Errorf("Await() = %+v, %v", res, err)
	}
}

func TestDispatchTimeout(t *testing.T) {
	pool := &fakePool{}
	obs := &countingObserver{}
	d := NewDispatcher(pool, DispatcherConfig{DefaultTimeout: 20 * time.Millisecond}, zerolog.Nop(), obs)

	if err := d.Dispatch(context.Background(), testRequest(), "c1"); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := d.Await(ctx, "c1")
	if err != nil {
		t.Fatalf("Await() error: %v", err)
	}
	if !res.TimedOut || res.Status != ResultFailure {
		t.Errorf("result = %+v, want synthesised timeout", res)
	}
	if res.ErrorMessage != "no response received within 20ms" {
		t.Errorf("message = %q", res.ErrorMessage)
	}

	if d.Deliver("c1", ExecutionResult{Status: ResultSuccess}) {
		t.Error("late delivery after timeout was accepted")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.timeouts != 1 || obs.late != 1 {
		t.Errorf("timeouts = %d, late = %d", obs.timeouts, obs.late)
	}
}

func TestDispatchRequestTimeoutOverridesDefault(t *testing.T) {
	d := NewDispatcher(&fakePool{}, DispatcherConfig{DefaultTimeout: time.Hour}, zerolog.Nop(), nil)
	req := testRequest()
	req.Timeout = 10 * time.Millisecond

	if err := d.Dispatch(context.Background(), req, "c1"); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := d.Await(ctx, "c1")
	if err != nil || !res.TimedOut {
		t.Fatalf("expected timeout, got %+v, %v", res, err)
	}
}

func TestDispatchEnqueueFailure(t *testing.T) {
	pool := &fakePool{err: errors.New("queue unavailable")}
	obs := &countingObserver{}
	d := NewDispatcher(pool, DispatcherConfig{DefaultTimeout: 10 * time.Millisecond}, zerolog.Nop(), obs)

	err := d.Dispatch(context.Background(), testRequest(), "c1")
	if !IsDispatchFailure(err) || !IsTransient(err) {
		t.Fatalf("expected transient dispatch failure, got %v", err)
	}
	if d.Pending() != 0 {
		t.Errorf("pending = %d after refused enqueue", d.Pending())
	}
	if _, err := d.Await(context.Background(), "c1"); ErrorCode(err) != ErrCodeNotFound {
		t.Errorf("expected not found for refused request, got %v", err)
	}
	if obs.failures != 1 || obs.dispatches != 0 {
		t.Errorf("failures = %d, dispatches = %d", obs.failures, obs.dispatches)
	}
}

func TestDispatchDuplicateCorrelationID(t *testing.T) {
	d := NewDispatcher(&fakePool{}, DispatcherConfig{}, zerolog.Nop(), nil)
	if err := d.Dispatch(context.Background(), testRequest(), "c1"); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	if err := d.Dispatch(context.Background(), testRequest(), "c1"); !IsConflict(err) {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestDeliverUnknownCorrelationID(t *testing.T) {
	d := NewDispatcher(&fakePool{}, DispatcherConfig{}, zerolog.Nop(), nil)
	if d.Deliver("nope", ExecutionResult{Status: ResultSuccess}) {
		t.Error("unknown correlation id was accepted")
	}
}
