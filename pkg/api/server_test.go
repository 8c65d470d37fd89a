package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/telemetry"
)

type fakeEngine struct {
	handle  *engine.PendingHandle
	err     error
	outcome *engine.TerminalOutcome
	waitErr error
	states  map[string]engine.ProvisionerState

	provisionerID string
	command       engine.CommandKind
	overrides     engine.CallerOverrides
}

func (f *fakeEngine) Execute(_ context.Context, provisionerID string, command engine.CommandKind, overrides engine.CallerOverrides) (*engine.PendingHandle, error) {
	f.provisionerID = provisionerID
	f.command = command
	f.overrides = overrides
	return f.handle, f.err
}

func (f *fakeEngine) Wait(context.Context, string) (*engine.TerminalOutcome, error) {
	return f.outcome, f.waitErr
}

func (f *fakeEngine) State(correlationID string) (engine.ProvisionerState, bool) {
	s, ok := f.states[correlationID]
	return s, ok
}

type fakeResults struct {
	accept bool
	got    []engine.ExecutionResult
}

func (f *fakeResults) Deliver(_ string, result engine.ExecutionResult) bool {
	f.got = append(f.got, result)
	return f.accept
}

type fakeSnapshots struct {
	latest  *engine.ExecutionSnapshot
	history []*engine.ExecutionSnapshot
	err     error
	deleted bool
	key     engine.HistoryKey
	limit   int
}

func (f *fakeSnapshots) FindLatest(context.Context, string) (*engine.ExecutionSnapshot, error) {
	return f.latest, f.err
}

func (f *fakeSnapshots) List(_ context.Context, _ string, limit int) ([]*engine.ExecutionSnapshot, error) {
	f.limit = limit
	return f.history, f.err
}

func (f *fakeSnapshots) Delete(_ context.Context, key engine.HistoryKey) (bool, error) {
	f.key = key
	return f.deleted, f.err
}

type fakeActivity map[string][]telemetry.ActivityLine

func (f fakeActivity) Lines(entityID string) []telemetry.ActivityLine { return f[entityID] }

type fixture struct {
	engine    *fakeEngine
	results   *fakeResults
	snapshots *fakeSnapshots
	activity  fakeActivity
	server    *Server
}

func newFixture(t *testing.T, checks map[string]HealthCheck) *fixture {
	t.Helper()
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	require.NoError(t, err)

	f := &fixture{
		engine:    &fakeEngine{states: map[string]engine.ProvisionerState{}},
		results:   &fakeResults{},
		snapshots: &fakeSnapshots{},
		activity:  fakeActivity{},
	}
	f.server = NewServer(Deps{
		Engine:    f.engine,
		Results:   f.results,
		Snapshots: f.snapshots,
		Activity:  f.activity,
		Metrics:   metrics,
		Checks:    checks,
	}, zerolog.Nop())
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestExecuteAccepted(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.handle = &engine.PendingHandle{CorrelationID: "corr-1", EntityID: "ent-1", State: engine.StateDispatched}

	rec := f.do(t, http.MethodPost, "/v1/executions", map[string]any{
		"provisioner_id": "network",
		"command":        "apply",
		"timeout":        "90s",
		"overrides": map[string]any{
			"environment_id": "staging",
			"variables":      map[string]string{"region": "eu-west-1"},
		},
	})

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp ExecuteResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "corr-1", resp.Handle.CorrelationID)
	assert.Nil(t, resp.Outcome)

	assert.Equal(t, "network", f.engine.provisionerID)
	assert.Equal(t, engine.CommandApply, f.engine.command)
	assert.Equal(t, "staging", f.engine.overrides.EnvironmentID)
	assert.Equal(t, 90*time.Second, f.engine.overrides.Timeout)
	assert.Equal(t, "eu-west-1", f.engine.overrides.Variables["region"])
}

func TestExecuteWaitReturnsOutcome(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.handle = &engine.PendingHandle{CorrelationID: "corr-1", EntityID: "ent-1"}
	f.engine.outcome = &engine.TerminalOutcome{CorrelationID: "corr-1", EntityID: "ent-1", State: engine.StateSucceeded}

	rec := f.do(t, http.MethodPost, "/v1/executions", map[string]any{
		"provisioner_id": "network",
		"command":        "PLAN",
		"wait":           true,
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExecuteResponse
	decodeBody(t, rec, &resp)
	require.NotNil(t, resp.Outcome)
	assert.Equal(t, engine.StateSucceeded, resp.Outcome.State)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"not json", "{", "invalid JSON"},
		{"unknown field", `{"provisioner_id":"p","command":"PLAN","extra":1}`, "invalid JSON"},
		{"missing provisioner", map[string]any{"command": "PLAN"}, "validation error"},
		{"bad command", map[string]any{"provisioner_id": "p", "command": "REFRESH"}, "invalid command"},
		{"bad timeout", map[string]any{"provisioner_id": "p", "command": "PLAN", "timeout": "soon"}, "invalid timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(t, http.MethodPost, "/v1/executions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
			assert.Empty(t, f.engine.provisionerID, "engine must not be called")
		})
	}
}

func TestExecuteMapsEngineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid configuration", engine.NewInvalidConfigurationError("dispatch denied by policy: guard: no", nil), http.StatusUnprocessableEntity, engine.ErrCodeInvalidConfiguration},
		{"dispatch failure", engine.NewDispatchFailureError("failed to enqueue request", errors.New("dial tcp")), http.StatusServiceUnavailable, engine.ErrCodeDispatchFailure},
		{"conflict", engine.NewConflictError("entity busy", nil).WithCode(engine.ErrCodeConflict), http.StatusConflict, engine.ErrCodeConflict},
		{"not found", engine.NewPermanentError("unknown provisioner", nil).WithCode(engine.ErrCodeNotFound), http.StatusNotFound, engine.ErrCodeNotFound},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.engine.err = tt.err
			rec := f.do(t, http.MethodPost, "/v1/executions", map[string]any{"provisioner_id": "p", "command": "APPLY"})
			assert.Equal(t, tt.status, rec.Code)

			var body errorBody
			decodeBody(t, rec, &body)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestExecutionState(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.states["corr-1"] = engine.StateRollingBack

	rec := f.do(t, http.MethodGet, "/v1/executions/corr-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"correlation_id":"corr-1","state":"ROLLING_BACK"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/executions/corr-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeliverResult(t *testing.T) {
	f := newFixture(t, nil)
	f.results.accept = true

	rec := f.do(t, http.MethodPost, "/v1/results/corr-1", map[string]any{
		"status":  "SUCCESS",
		"outputs": map[string]string{"vpc_id": "vpc-1"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, f.results.got, 1)
	assert.Equal(t, "corr-1", f.results.got[0].CorrelationID)
	assert.Equal(t, "vpc-1", f.results.got[0].Outputs["vpc_id"])
}

func TestDeliverResultRejections(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/results/corr-1", map[string]any{"correlation_id": "other", "status": "SUCCESS"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/results/corr-1", map[string]any{"status": "MAYBE"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/results/corr-1", map[string]any{"status": "FAILURE", "error_message": "late"})
	assert.Equal(t, http.StatusNotFound, rec.Code, "late results are discarded")
	assert.Len(t, f.results.got, 1)
}

func TestGetSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.snapshots.latest = &engine.ExecutionSnapshot{EntityID: "ent-1", Command: engine.CommandApply}
	f.activity["ent-1"] = []telemetry.ActivityLine{{CorrelationID: "corr-1", Message: "Apply complete!"}}

	rec := f.do(t, http.MethodGet, "/v1/snapshots/ent-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SnapshotResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ent-1", resp.EntityID)
	require.NotNil(t, resp.Snapshot)
	assert.Equal(t, engine.CommandApply, resp.Snapshot.Command)
	require.Len(t, resp.Activity, 1)
	assert.Equal(t, "Apply complete!", resp.Activity[0].Message)
}

func TestGetSnapshotHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.snapshots.history = []*engine.ExecutionSnapshot{
		{EntityID: "ent-1", Command: engine.CommandDestroy},
		{EntityID: "ent-1", Command: engine.CommandApply},
	}

	rec := f.do(t, http.MethodGet, "/v1/snapshots/ent-1?history=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, f.snapshots.limit)

	var resp SnapshotResponse
	decodeBody(t, rec, &resp)
	assert.Len(t, resp.History, 2)
	assert.Equal(t, engine.CommandDestroy, resp.Snapshot.Command)

	rec = f.do(t, http.MethodGet, "/v1/snapshots/ent-1?history=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSnapshotNotFoundAndErrors(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/v1/snapshots/ent-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.snapshots.err = engine.NewPersistenceFailureError("failed to read snapshots", errors.New("database is locked"))
	rec = f.do(t, http.MethodGet, "/v1/snapshots/ent-9", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeleteSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	f.snapshots.deleted = true

	rec := f.do(t, http.MethodDelete, "/v1/snapshots/ent-1?legacy_entity_id=old-1&workflow_execution_id=wf-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"entity_id":"ent-1","deleted":true}`, rec.Body.String())
	assert.Equal(t, engine.HistoryKey{EntityID: "ent-1", LegacyEntityID: "old-1", WorkflowExecutionID: "wf-1"}, f.snapshots.key)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
	})
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","checks":{"store":"ok"}}`, rec.Body.String())

	f = newFixture(t, map[string]HealthCheck{
		"store": func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestMetricsEndpointCountsRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.do(t, http.MethodGet, "/v1/executions/corr-1", nil)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",route="/v1/executions/{correlationID}",status="404"} 1`)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.ListenAndServe(ctx, "127.0.0.1:0", time.Second) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
