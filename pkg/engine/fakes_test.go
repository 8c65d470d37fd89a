package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// memoryBackend is an in-memory PersistenceBackend.
type memoryBackend struct {
	mu     sync.Mutex
	nextID int64
	rows   []*SnapshotRecord
	err    error
}

func (b *memoryBackend) Append(_ context.Context, rec *SnapshotRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.nextID++
	rec.ID = b.nextID
	cp := *rec
	b.rows = append(b.rows, &cp)
	return nil
}

func (b *memoryBackend) Latest(ctx context.Context, entityID string) (*SnapshotRecord, error) {
	recs, err := b.List(ctx, entityID, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

func (b *memoryBackend) List(_ context.Context, entityID string, limit int) ([]*SnapshotRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	var out []*SnapshotRecord
	for _, r := range b.rows {
		if r.EntityID == entityID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *memoryBackend) DeleteAll(_ context.Context, entityID, workflowExecutionID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	var kept []*SnapshotRecord
	var n int64
	for _, r := range b.rows {
		if r.EntityID == entityID && (workflowExecutionID == "" || r.WorkflowExecutionID == workflowExecutionID) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	b.rows = kept
	return n, nil
}

func (b *memoryBackend) Close() error { return nil }

func (b *memoryBackend) count(entityID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, r := range b.rows {
		if r.EntityID == entityID {
			n++
		}
	}
	return n
}

// fakePool records enqueued requests and lets tests deliver results.
type fakePool struct {
	mu       sync.Mutex
	enqueued []enqueued
	handler  ResultHandler
	err      error
}

type enqueued struct {
	correlationID string
	request       ExecutionRequest
}

func (p *fakePool) Enqueue(_ context.Context, req ExecutionRequest, correlationID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.enqueued = append(p.enqueued, enqueued{correlationID: correlationID, request: req})
	return nil
}

func (p *fakePool) OnWorkerResult(handler ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

func (p *fakePool) deliver(correlationID string, result ExecutionResult) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h(correlationID, result)
}

func (p *fakePool) last() enqueued {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enqueued[len(p.enqueued)-1]
}

func (p *fakePool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.enqueued)
}

// fakeResolver returns references under a fixed provider.
type fakeResolver struct {
	calls []string
	fail  map[string]bool
}

func (r *fakeResolver) ResolveReference(_ context.Context, name, value string) (SecretRef, error) {
	r.calls = append(r.calls, name)
	if r.fail[name] {
		return SecretRef{}, errors.New("secret not found")
	}
	return SecretRef{Provider: "static", Path: value, Key: name}, nil
}

func (r *fakeResolver) EncryptionDetails(context.Context, SecretRef) (map[string]string, error) {
	return map[string]string{"provider": "static"}, nil
}

// fakeFiles serves var files from a map and records the revisions asked for.
type fakeFiles struct {
	mu      sync.Mutex
	files   map[string]string
	commits []string
}

func (f *fakeFiles) Fetch(_ context.Context, src SourceRef, paths []string) (FileBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, src.Commit)
	bundle := FileBundle{}
	for _, p := range paths {
		if content, ok := f.files[p]; ok {
			bundle[p] = content
		}
	}
	return bundle, nil
}

func (f *fakeFiles) set(path, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if content == "" {
		delete(f.files, path)
		return
	}
	f.files[path] = content
}

// mapConfigSource serves configurations from a map.
type mapConfigSource map[string]*ProvisionerConfig

func (s mapConfigSource) Get(_ context.Context, id string) (*ProvisionerConfig, error) {
	cfg, ok := s[id]
	if !ok {
		return nil, fmt.Errorf("no provisioner %q", id)
	}
	return cfg, nil
}

// recordingRouter and recordingScaler append every call to a shared log.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type recordingRouter struct {
	log *callLog
	err error
}

func (r *recordingRouter) UpdateRecord(_ context.Context, spec BlueGreenSpec, newWeight, oldWeight int) error {
	r.log.add("update_record %s=%d %s=%d", spec.NewService, newWeight, spec.OldService, oldWeight)
	return r.err
}

type recordingScaler struct {
	log *callLog
}

func (s *recordingScaler) Scale(_ context.Context, cluster, service string, desired int) error {
	s.log.add("scale %s/%s=%d", cluster, service, desired)
	return nil
}

func (s *recordingScaler) RestoreAutoscaling(_ context.Context, cluster, service string, spec AutoscalingSpec) error {
	s.log.add("autoscaling %s/%s=%d-%d", cluster, service, spec.MinCapacity, spec.MaxCapacity)
	return nil
}

// denyPolicy refuses every request.
type denyPolicy struct{ reason string }

func (p denyPolicy) Evaluate(context.Context, ExecutionRequest) (*PolicyDecision, error) {
	return &PolicyDecision{Allowed: false, Reasons: []string{p.reason}}, nil
}
