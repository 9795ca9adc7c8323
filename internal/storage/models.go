// Package storage defines the document-store contract the grading core
// depends on, together with its MongoDB implementation. Students, exams and
// template files live in the exam database; exercise configuration, variants,
// results and submissions live in the exercise database.
package storage

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Student is a registered exam participant.
type Student struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	StudentID string             `bson:"studentId"`
}

// Exam is one exam instance, joined to its exercise configuration.
type Exam struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	ExamCode         string             `bson:"examCode"`
	Active           bool               `bson:"active"`
	ExerciseConfigID primitive.ObjectID `bson:"exerciseConfig"`
}

// ExerciseConfig lists the exercises relevant to an exam.
type ExerciseConfig struct {
	ID        primitive.ObjectID   `bson:"_id,omitempty"`
	Exercises []primitive.ObjectID `bson:"exercises"`
}

// Exercise declares the max points and the variant pool of one exercise.
type Exercise struct {
	ID       primitive.ObjectID   `bson:"_id,omitempty"`
	Points   int                  `bson:"points"`
	Variants []primitive.ObjectID `bson:"variants"`
}

// Variant is read-only reference data for one concrete version of an
// exercise: template files either inline (Files) or on disk (Paths, relative
// to the grader root joined with Path).
type Variant struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty"`
	Name        string               `bson:"name"`
	Description string               `bson:"description"`
	Path        string               `bson:"path"`
	Files       []primitive.ObjectID `bson:"files"`
	Paths       []string             `bson:"paths"`
}

// File is an inline template file document.
type File struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Filename string             `bson:"filename"`
	Data     []byte             `bson:"data"`
}

// ExercisePick records which variant was chosen for an exercise when the
// student's result document was created.
type ExercisePick struct {
	Exercise primitive.ObjectID `bson:"exercise"`
	Variant  primitive.ObjectID `bson:"variant"`
}

// VariantSubmissions groups the submission ids made against one variant.
type VariantSubmissions struct {
	Variant     primitive.ObjectID   `bson:"variant"`
	Submissions []primitive.ObjectID `bson:"submissions"`
}

// ExerciseResult maps (student, exam, exercise set) to the chosen variants
// and the submission history. Created lazily on first connect, mutated by
// every graded submission, never deleted here.
type ExerciseResult struct {
	ID          primitive.ObjectID   `bson:"_id,omitempty"`
	Student     primitive.ObjectID   `bson:"student"`
	Exam        primitive.ObjectID   `bson:"exam"`
	ExerciseSet primitive.ObjectID   `bson:"exerciseSet"`
	Exercises   []ExercisePick       `bson:"exercises"`
	Submissions []VariantSubmissions `bson:"submissions"`
}

// Submission is one graded attempt. Files holds the serialized submitted
// file set; Output is the grader output or the failure reason. Immutable
// once created.
type Submission struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Points int                `bson:"points"`
	Files  string             `bson:"submission"`
	Output string             `bson:"output"`
	Date   time.Time          `bson:"date"`
}

// ResultRef identifies one ExerciseResult document.
type ResultRef struct {
	Student     primitive.ObjectID
	Exam        primitive.ObjectID
	ExerciseSet primitive.ObjectID
}
