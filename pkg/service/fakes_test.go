package service_test

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/pkg/errors"
)

type logger struct{}

func (l logger) Infof(format string, args ...interface{}) {
	// no-op
}

func (l logger) Warnf(format string, args ...interface{}) {
	// no-op
}

func (l logger) Errorf(format string, args ...interface{}) {
	// no-op
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Submit(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append(q.ids, taskID)
}

func (q *recordingQueue) submitted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type memoryArtifacts struct {
	mu    sync.Mutex
	files map[string][]byte
	err   error
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{files: map[string][]byte{}}
}

func (a *memoryArtifacts) Save(sha256, name string, content []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	path := "/artifacts/" + sha256 + "_" + name
	a.files[path] = append([]byte(nil), content...)
	return path, nil
}

func (a *memoryArtifacts) Read(path string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	content, ok := a.files[path]
	if !ok {
		return nil, errors.Errorf("no artifact at %s", path)
	}
	return content, nil
}

// fakeBinary is a scripted analysis backend; nil funcs return empty values.
type fakeBinary struct {
	mu    sync.Mutex
	calls []string

	healthErr    error
	uploadErr    error
	analyzeErr   error
	metadata     map[string]any
	metadataErr  error
	functions    []models.Function
	functionsErr error
	strings      []string
	stringsErr   error
	callGraph    json.RawMessage
	callGraphErr error
	decompile    func(ids []string) ([]models.DecompiledUnit, error)

	uploadedName string
	level        string
	decompileIDs []string
}

func (b *fakeBinary) record(call string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
}

func (b *fakeBinary) called(call string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.calls {
		if c == call {
			return true
		}
	}
	return false
}

func (b *fakeBinary) CheckHealth(ctx context.Context) error {
	b.record("health")
	return b.healthErr
}

func (b *fakeBinary) Upload(ctx context.Context, name string, content []byte, contentType string) error {
	b.record("upload")
	b.mu.Lock()
	b.uploadedName = name
	b.mu.Unlock()
	return b.uploadErr
}

func (b *fakeBinary) TriggerAnalysis(ctx context.Context, level string) error {
	b.record("analyze")
	b.mu.Lock()
	b.level = level
	b.mu.Unlock()
	return b.analyzeErr
}

func (b *fakeBinary) Metadata(ctx context.Context) (map[string]any, error) {
	b.record("metadata")
	return b.metadata, b.metadataErr
}

func (b *fakeBinary) Functions(ctx context.Context) ([]models.Function, error) {
	b.record("functions")
	return b.functions, b.functionsErr
}

func (b *fakeBinary) Strings(ctx context.Context) ([]string, error) {
	b.record("strings")
	return b.strings, b.stringsErr
}

func (b *fakeBinary) CallGraph(ctx context.Context) (json.RawMessage, error) {
	b.record("callgraph")
	return b.callGraph, b.callGraphErr
}

func (b *fakeBinary) DecompileBatch(ctx context.Context, identifiers []string) ([]models.DecompiledUnit, error) {
	b.record("decompile")
	b.mu.Lock()
	b.decompileIDs = append([]string(nil), identifiers...)
	b.mu.Unlock()
	if b.decompile == nil {
		return nil, nil
	}
	return b.decompile(identifiers)
}

type inferenceFunc func(ctx context.Context, code string) (map[string]any, error)

func (f inferenceFunc) AnalyzeUnit(ctx context.Context, code string) (map[string]any, error) {
	return f(ctx, code)
}

type fakeReporter struct {
	mu       sync.Mutex
	calls    int
	findings []models.UnitAnalysis
	metadata map[string]any
	report   map[string]any
	err      error
}

func (r *fakeReporter) GenerateReport(ctx context.Context, findings []models.UnitAnalysis, metadata map[string]any, callGraph json.RawMessage) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.findings = findings
	r.metadata = metadata
	return r.report, r.err
}
