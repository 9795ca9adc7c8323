package storage

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ErrNotFound is returned by every lookup that matches no document.
var ErrNotFound = errors.New("storage: not found")

// ExamStore reads students, exams and inline template files.
type ExamStore interface {
	FindStudent(ctx context.Context, studentID string) (*Student, error)
	FindExamByCode(ctx context.Context, examCode string) (*Exam, error)
	FindFile(ctx context.Context, id primitive.ObjectID) (*File, error)
}

// ExerciseStore reads exercise configuration and owns the result and
// submission documents.
type ExerciseStore interface {
	FindExerciseConfig(ctx context.Context, id primitive.ObjectID) (*ExerciseConfig, error)
	FindExercise(ctx context.Context, id primitive.ObjectID) (*Exercise, error)
	FindVariant(ctx context.Context, id primitive.ObjectID) (*Variant, error)
	FindSubmission(ctx context.Context, id primitive.ObjectID) (*Submission, error)
	FindResult(ctx context.Context, ref ResultRef) (*ExerciseResult, error)
	CreateResult(ctx context.Context, result *ExerciseResult) error

	// AppendSubmission creates the submission document and appends its id to
	// the variant's submission list inside the result document, creating the
	// list on first use. The nested array is rewritten wholesale so the save
	// cannot miss the mutation.
	AppendSubmission(ctx context.Context, ref ResultRef, variant primitive.ObjectID, sub *Submission) error
}
