package grader

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/koodine/grader-backend/internal/apperr"
	"github.com/koodine/grader-backend/internal/archive"
	"github.com/koodine/grader-backend/internal/storage"
)

var errEngineNotFound = errors.New("no such container")

// fakeEngine scripts the container engine. Artifacts are keyed by in-container
// path and served as single-entry tar streams, like the real engine.
type fakeEngine struct {
	mu        sync.Mutex
	created   []ContainerSpec
	started   []string
	stopped   []string
	removed   []string
	artifacts map[string]string
	output    string
	// hang keeps the attach stream open until Stop is called.
	hang   chan struct{}
	onStop error

	createErr error
	startErr  error
	waitErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{artifacts: map[string]string{}}
}

func (e *fakeEngine) Create(_ context.Context, spec ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return "", e.createErr
	}
	e.created = append(e.created, spec)
	return "container-" + spec.Image, nil
}

func (e *fakeEngine) Start(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return e.startErr
	}
	e.started = append(e.started, id)
	return nil
}

func (e *fakeEngine) Stop(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onStop != nil {
		return e.onStop
	}
	e.stopped = append(e.stopped, id)
	if e.hang != nil {
		close(e.hang)
		e.hang = nil
	}
	return nil
}

func (e *fakeEngine) Remove(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, prev := range e.removed {
		if prev == id {
			return errEngineNotFound
		}
	}
	e.removed = append(e.removed, id)
	return nil
}

func (e *fakeEngine) Wait(_ context.Context, _ string) error {
	return e.waitErr
}

func (e *fakeEngine) Attach(_ context.Context, _ string) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hang != nil {
		return &hangingStream{unblock: e.hang}, nil
	}
	return io.NopCloser(strings.NewReader(e.output)), nil
}

func (e *fakeEngine) PutArchive(_ context.Context, _, _ string, _ []byte) error {
	return nil
}

func (e *fakeEngine) GetArchive(_ context.Context, _, artifactPath string) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	content, ok := e.artifacts[artifactPath]
	if !ok {
		return nil, errEngineNotFound
	}
	packed, err := archive.PackStrings(map[string]string{path.Base(artifactPath): content})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(packed))), nil
}

func (e *fakeEngine) IsNotFound(err error) bool {
	return errors.Is(err, errEngineNotFound)
}

// hangingStream blocks reads until the engine's Stop closes unblock.
type hangingStream struct {
	unblock <-chan struct{}
}

func (s *hangingStream) Read(_ []byte) (int, error) {
	<-s.unblock
	return 0, io.EOF
}

func (s *hangingStream) Close() error { return nil }

type appendCall struct {
	ref     storage.ResultRef
	variant primitive.ObjectID
	sub     storage.Submission
}

type fakeSubmissionStore struct {
	mu       sync.Mutex
	variants map[primitive.ObjectID]*storage.Variant
	appended []appendCall
	findErr  error
}

func (s *fakeSubmissionStore) FindVariant(_ context.Context, id primitive.ObjectID) (*storage.Variant, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	variant, ok := s.variants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return variant, nil
}

func (s *fakeSubmissionStore) AppendSubmission(_ context.Context, ref storage.ResultRef, variant primitive.ObjectID, sub *storage.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, appendCall{ref: ref, variant: variant, sub: *sub})
	return nil
}

func (s *fakeSubmissionStore) lastAppend(t *testing.T) appendCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.appended) == 0 {
		t.Fatalf("expected a persisted submission")
	}
	return s.appended[len(s.appended)-1]
}

func testSetup(engine *fakeEngine, timeout time.Duration) (*Orchestrator, *fakeSubmissionStore, Request) {
	variantID := primitive.NewObjectID()
	store := &fakeSubmissionStore{
		variants: map[primitive.ObjectID]*storage.Variant{
			variantID: {ID: variantID, Name: "Exercise 1", Path: "ex1"},
		},
	}

	lifecycle := NewLifecycle(engine, Config{
		Image:           "grader",
		ErrorDir:        "/home/student/grader/",
		InternalTimeout: 5,
	}, zerolog.Nop())
	orch := NewOrchestrator(lifecycle, store, timeout, zerolog.Nop())

	req := Request{
		ExerciseID: "eph-1",
		StudentID:  "student1",
		ExamCode:   "EXAM01",
		Ref: storage.ResultRef{
			Student:     primitive.NewObjectID(),
			Exam:        primitive.NewObjectID(),
			ExerciseSet: primitive.NewObjectID(),
		},
		VariantID: variantID,
		Files:     map[string]string{"main.c": "int main(void) {}"},
	}
	return orch, store, req
}

func errKind(t *testing.T, err error) apperr.Kind {
	t.Helper()
	var e *apperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("expected taxonomy error, got %v", err)
	}
	return e.Kind
}

func TestGradeSuccess(t *testing.T) {
	engine := newFakeEngine()
	engine.output = "running tests...\nall passed\n"
	engine.artifacts["/home/student/grader/ex1/test/result.json"] = `{"points": 7, "max_points": 10, "output": "all passed"}`

	orch, store, req := testSetup(engine, time.Second)

	var emitted strings.Builder
	var emitMu sync.Mutex
	req.Emit = func(data string) {
		emitMu.Lock()
		emitted.WriteString(data)
		emitMu.Unlock()
	}

	outcome := orch.Grade(context.Background(), req)
	if outcome.Err != nil {
		t.Fatalf("unexpected error: %v", outcome.Err)
	}
	if outcome.ExerciseID != "eph-1" {
		t.Fatalf("expected exercise id in outcome, got %q", outcome.ExerciseID)
	}
	if outcome.Points != 7 || outcome.MaxPoints != 10 || outcome.Output != "all passed" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	saved := store.lastAppend(t)
	if saved.sub.Points != 7 {
		t.Fatalf("expected persisted points 7, got %d", saved.sub.Points)
	}
	if saved.variant != req.VariantID {
		t.Fatalf("submission appended to wrong variant")
	}

	emitMu.Lock()
	defer emitMu.Unlock()
	if emitted.String() != engine.output {
		t.Fatalf("expected streamed output %q, got %q", engine.output, emitted.String())
	}

	// provisioning container plus grader container, both cleaned up
	if len(engine.created) != 2 {
		t.Fatalf("expected 2 containers, got %d", len(engine.created))
	}
	if len(engine.removed) != 2 {
		t.Fatalf("expected both containers removed, got %d", len(engine.removed))
	}
}

func TestGradeTimeout(t *testing.T) {
	engine := newFakeEngine()
	engine.hang = make(chan struct{})

	orch, store, req := testSetup(engine, 30*time.Millisecond)

	outcome := orch.Grade(context.Background(), req)
	if kind := errKind(t, outcome.Err); kind != apperr.KindTimeout {
		t.Fatalf("expected timeout, got kind %d: %v", kind, outcome.Err)
	}
	if outcome.ExerciseID != "eph-1" {
		t.Fatalf("failure outcome must carry the exercise id")
	}
	if len(engine.stopped) != 1 {
		t.Fatalf("expected the container to be stopped, got %d stops", len(engine.stopped))
	}

	saved := store.lastAppend(t)
	if saved.sub.Points != 0 {
		t.Fatalf("expected zero-point submission, got %d", saved.sub.Points)
	}
	if saved.sub.Output != "Grader took too long." {
		t.Fatalf("expected timeout reason persisted, got %q", saved.sub.Output)
	}
}

func TestGradeStopFailurePropagates(t *testing.T) {
	engine := newFakeEngine()
	engine.hang = make(chan struct{})
	engine.onStop = errors.New("engine unavailable")

	orch, _, req := testSetup(engine, 30*time.Millisecond)

	outcome := orch.Grade(context.Background(), req)
	if kind := errKind(t, outcome.Err); kind != apperr.KindInternal {
		t.Fatalf("expected the stop failure, not the timeout, got kind %d", kind)
	}
}

func TestGradeErrorDescriptor(t *testing.T) {
	cases := []struct {
		errorType string
		want      apperr.Kind
	}{
		{"RETTYPE", apperr.KindGrader},
		{"TIMEOUT", apperr.KindTimeout},
		{"SOMETHING_ELSE", apperr.KindInternal},
	}

	for _, tc := range cases {
		engine := newFakeEngine()
		engine.artifacts["/home/student/grader/error.json"] = `{"error_type": "` + tc.errorType + `", "error_msg": "grader says no"}`

		orch, store, req := testSetup(engine, time.Second)

		outcome := orch.Grade(context.Background(), req)
		if kind := errKind(t, outcome.Err); kind != tc.want {
			t.Fatalf("error_type %s: expected kind %d, got %d", tc.errorType, tc.want, kind)
		}

		saved := store.lastAppend(t)
		if saved.sub.Points != 0 {
			t.Fatalf("error_type %s: expected zero points, got %d", tc.errorType, saved.sub.Points)
		}
		if saved.sub.Output != "grader says no" {
			t.Fatalf("error_type %s: expected grader message persisted, got %q", tc.errorType, saved.sub.Output)
		}
	}
}

func TestGradeMissingResultArtifact(t *testing.T) {
	// no error.json and no result.json: the run "succeeded" but left nothing
	engine := newFakeEngine()

	orch, _, req := testSetup(engine, time.Second)

	outcome := orch.Grade(context.Background(), req)
	if kind := errKind(t, outcome.Err); kind != apperr.KindInternal {
		t.Fatalf("expected internal error, got kind %d", kind)
	}
}

func TestGradeProvisioningFailurePersists(t *testing.T) {
	engine := newFakeEngine()
	engine.createErr = errors.New("no such image")

	orch, store, req := testSetup(engine, time.Second)

	outcome := orch.Grade(context.Background(), req)
	if kind := errKind(t, outcome.Err); kind != apperr.KindInternal {
		t.Fatalf("expected internal error, got kind %d", kind)
	}

	saved := store.lastAppend(t)
	if saved.sub.Points != 0 {
		t.Fatalf("expected zero-point submission, got %d", saved.sub.Points)
	}
}

func TestGradeStorageFailurePersistsNothingElse(t *testing.T) {
	engine := newFakeEngine()

	orch, store, req := testSetup(engine, time.Second)
	store.findErr = errors.New("connection reset")

	outcome := orch.Grade(context.Background(), req)
	if kind := errKind(t, outcome.Err); kind != apperr.KindInternal {
		t.Fatalf("expected internal error, got kind %d", kind)
	}
	if len(engine.created) != 0 {
		t.Fatalf("no container may be created when the variant lookup fails")
	}
}

func TestRemoveIdempotent(t *testing.T) {
	engine := newFakeEngine()
	lifecycle := NewLifecycle(engine, Config{}, zerolog.Nop())

	ctx := context.Background()
	id, err := engine.Create(ctx, ContainerSpec{Image: "busybox"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := lifecycle.Remove(ctx, id); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	// second remove hits the engine's not-found path and is swallowed
	if err := lifecycle.Remove(ctx, id); err != nil {
		t.Fatalf("second remove must be idempotent, got %v", err)
	}
}

func TestMountTemplating(t *testing.T) {
	engine := newFakeEngine()
	lifecycle := NewLifecycle(engine, Config{
		Image: "grader",
		Volumes: []Mount{
			{Target: "/home/student", Source: "EXAMCODE-STUDENTID-home", Type: "volume"},
			{Target: "/var/grader", Source: "graders", Type: "volume", ReadOnly: true},
		},
	}, zerolog.Nop())

	if _, err := lifecycle.CreateGrader(context.Background(), "abc@example.com", "EXAM01", "ex1"); err != nil {
		t.Fatalf("create grader: %v", err)
	}

	spec := engine.created[0]
	if spec.Mounts[0].Source != "EXAM01-abc-example.com-home" {
		t.Fatalf("unexpected templated source %q", spec.Mounts[0].Source)
	}
	if spec.Mounts[1].Source != "graders" {
		t.Fatalf("placeholder-free source must pass through, got %q", spec.Mounts[1].Source)
	}
	if !spec.Tty || !spec.AttachStdio {
		t.Fatalf("grader container must run with tty and attached stdio")
	}
	if spec.WorkingDir != "/home/student/grader/ex1/test" {
		t.Fatalf("unexpected working dir %q", spec.WorkingDir)
	}
}
