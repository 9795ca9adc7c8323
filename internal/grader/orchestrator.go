package grader

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/koodine/grader-backend/internal/apperr"
	"github.com/koodine/grader-backend/internal/storage"
)

// SubmissionStore is the storage subset the orchestrator needs.
type SubmissionStore interface {
	FindVariant(ctx context.Context, id primitive.ObjectID) (*storage.Variant, error)
	AppendSubmission(ctx context.Context, ref storage.ResultRef, variant primitive.ObjectID, sub *storage.Submission) error
}

// Request is one grading run.
type Request struct {
	// ExerciseID is the client's ephemeral exercise id; it is echoed in every
	// outcome so the client can always correlate the response.
	ExerciseID string
	StudentID  string
	ExamCode   string
	Ref        storage.ResultRef
	VariantID  primitive.ObjectID
	Files      map[string]string
	// Emit receives each chunk of live container output.
	Emit func(data string)
}

// Outcome is the transient result of one grading run. Err is nil on success
// and a taxonomy error otherwise; failures carry zero points.
type Outcome struct {
	ExerciseID string
	Points     int
	MaxPoints  int
	Output     string
	Err        error
}

// Orchestrator sequences the grading pipeline: provision the workspace, run
// the grader container while streaming its output, race completion against
// the external timeout, classify the artifacts and persist the submission.
type Orchestrator struct {
	lifecycle *Lifecycle
	store     SubmissionStore
	timeout   time.Duration
	log       zerolog.Logger
}

// NewOrchestrator creates a new Orchestrator. timeout is the external
// wall-clock budget for one run.
func NewOrchestrator(lifecycle *Lifecycle, store SubmissionStore, timeout time.Duration, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		lifecycle: lifecycle,
		store:     store,
		timeout:   timeout,
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
}

// Grade runs the full pipeline for one submission. Every failure after the
// workspace lookup is persisted as a zero-point submission before being
// reported; every exit path carries the exercise id.
func (o *Orchestrator) Grade(ctx context.Context, req Request) Outcome {
	fail := func(err error) Outcome {
		return Outcome{ExerciseID: req.ExerciseID, Err: err}
	}

	variant, err := o.store.FindVariant(ctx, req.VariantID)
	if err != nil {
		wrapped := apperr.Internal("Could not resolve exercise.", err)
		o.persistFailure(ctx, req, wrapped)
		return fail(wrapped)
	}
	o.log.Debug().Str("variant_path", variant.Path).Msg("Resolved grader path")

	if err := o.lifecycle.ProvisionWorkspace(ctx, req.StudentID, req.ExamCode); err != nil {
		o.log.Error().Err(err).Msg("Workspace provisioning failed")
		o.persistFailure(ctx, req, err)
		return fail(err)
	}

	result, err := o.runGrader(ctx, req, variant.Path)
	if err != nil {
		o.log.Error().Err(err).Str("exercise", req.ExerciseID).Msg("Grading run failed")
		o.persistFailure(ctx, req, err)
		return fail(err)
	}

	if err := o.persistSuccess(ctx, req, result); err != nil {
		// The run succeeded but the outcome could not be saved; tell the
		// student rather than silently dropping the submission.
		return fail(apperr.Internal("Something went wrong. Results could not be saved.", err))
	}

	return Outcome{
		ExerciseID: req.ExerciseID,
		Points:     result.Points,
		MaxPoints:  result.MaxPoints,
		Output:     result.Output,
	}
}

// runGrader drives one container from creation to artifact classification.
// The container is removed on every path; removal of an already-removed
// container is swallowed by the lifecycle.
func (o *Orchestrator) runGrader(ctx context.Context, req Request, variantPath string) (*Result, error) {
	id, err := o.lifecycle.CreateGrader(ctx, req.StudentID, req.ExamCode, variantPath)
	if err != nil {
		return nil, err
	}

	result, err := o.runAttached(ctx, req, id, variantPath)
	if err != nil {
		if removeErr := o.lifecycle.Remove(ctx, id); removeErr != nil {
			o.log.Error().Err(removeErr).Str("container", shortID(id)).Msg("Container cleanup failed")
		}
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) runAttached(ctx context.Context, req Request, id, variantPath string) (*Result, error) {
	if err := o.lifecycle.PlaceFiles(ctx, id, variantPath, req.Files); err != nil {
		return nil, err
	}

	// Attach before start so no output is lost.
	stream, err := o.lifecycle.Attach(ctx, id)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	// The stream ends when the container stops; closing done is the natural
	// completion signal.
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 && req.Emit != nil {
				req.Emit(string(buf[:n]))
			}
			if err != nil {
				return
			}
		}
	}()

	if err := o.lifecycle.Start(ctx, id); err != nil {
		return nil, err
	}

	// Race natural completion against the external timeout. The select
	// resolves exactly once: a late stream end after the timer fired has no
	// further effect.
	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case <-done:
		o.log.Info().Str("exercise", req.ExerciseID).Msg("Grader finished")
	case <-timer.C:
		if err := o.lifecycle.Stop(ctx, id); err != nil {
			return nil, err
		}
		return nil, apperr.Timeout("Grader took too long.")
	}

	result, err := o.lifecycle.FetchResult(ctx, id, variantPath)
	if err != nil {
		return nil, err
	}
	if err := o.lifecycle.Remove(ctx, id); err != nil {
		return nil, err
	}
	return result, nil
}

func (o *Orchestrator) persistSuccess(ctx context.Context, req Request, result *Result) error {
	return o.store.AppendSubmission(ctx, req.Ref, req.VariantID, &storage.Submission{
		Points: result.Points,
		Files:  serializeFiles(req.Files),
		Output: result.Output,
	})
}

// persistFailure records a zero-point submission carrying the failure reason.
// A persistence error here is logged only; the original failure is what the
// client must see.
func (o *Orchestrator) persistFailure(ctx context.Context, req Request, cause error) {
	reason := cause.Error()
	var taxErr *apperr.Error
	if errors.As(cause, &taxErr) {
		reason = taxErr.Reason()
	}

	err := o.store.AppendSubmission(ctx, req.Ref, req.VariantID, &storage.Submission{
		Points: 0,
		Files:  serializeFiles(req.Files),
		Output: reason,
	})
	if err != nil {
		o.log.Error().Err(err).Str("exercise", req.ExerciseID).Msg("Could not persist failed submission")
	}
}

func serializeFiles(files map[string]string) string {
	raw, err := json.Marshal(files)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
