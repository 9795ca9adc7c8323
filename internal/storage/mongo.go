package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoExamStore implements ExamStore against the exam database.
type MongoExamStore struct {
	db *mongo.Database
}

// NewMongoExamStore creates a new MongoExamStore.
func NewMongoExamStore(db *mongo.Database) *MongoExamStore {
	return &MongoExamStore{db: db}
}

func (s *MongoExamStore) FindStudent(ctx context.Context, studentID string) (*Student, error) {
	var student Student
	err := s.db.Collection("students").FindOne(ctx, bson.M{"studentId": studentID}).Decode(&student)
	if err != nil {
		return nil, mapMongoErr(err, "find student")
	}
	return &student, nil
}

func (s *MongoExamStore) FindExamByCode(ctx context.Context, examCode string) (*Exam, error) {
	var exam Exam
	err := s.db.Collection("exams").FindOne(ctx, bson.M{"examCode": examCode}).Decode(&exam)
	if err != nil {
		return nil, mapMongoErr(err, "find exam")
	}
	return &exam, nil
}

func (s *MongoExamStore) FindFile(ctx context.Context, id primitive.ObjectID) (*File, error) {
	var file File
	err := s.db.Collection("files").FindOne(ctx, bson.M{"_id": id}).Decode(&file)
	if err != nil {
		return nil, mapMongoErr(err, "find file")
	}
	return &file, nil
}

// MongoExerciseStore implements ExerciseStore against the exercise database.
// An optional VariantCache short-circuits variant lookups, which happen on
// every connect and every submission.
type MongoExerciseStore struct {
	db    *mongo.Database
	cache *VariantCache
}

// NewMongoExerciseStore creates a new MongoExerciseStore. cache may be nil.
func NewMongoExerciseStore(db *mongo.Database, cache *VariantCache) *MongoExerciseStore {
	return &MongoExerciseStore{db: db, cache: cache}
}

func (s *MongoExerciseStore) FindExerciseConfig(ctx context.Context, id primitive.ObjectID) (*ExerciseConfig, error) {
	var cfg ExerciseConfig
	err := s.db.Collection("examexerciseconfigs").FindOne(ctx, bson.M{"_id": id}).Decode(&cfg)
	if err != nil {
		return nil, mapMongoErr(err, "find exercise config")
	}
	return &cfg, nil
}

func (s *MongoExerciseStore) FindExercise(ctx context.Context, id primitive.ObjectID) (*Exercise, error) {
	var exercise Exercise
	err := s.db.Collection("exercises").FindOne(ctx, bson.M{"_id": id}).Decode(&exercise)
	if err != nil {
		return nil, mapMongoErr(err, "find exercise")
	}
	return &exercise, nil
}

func (s *MongoExerciseStore) FindVariant(ctx context.Context, id primitive.ObjectID) (*Variant, error) {
	if s.cache != nil {
		if variant, ok := s.cache.Get(ctx, id); ok {
			return variant, nil
		}
	}

	var variant Variant
	err := s.db.Collection("exercisevariants").FindOne(ctx, bson.M{"_id": id}).Decode(&variant)
	if err != nil {
		return nil, mapMongoErr(err, "find variant")
	}

	if s.cache != nil {
		s.cache.Set(ctx, &variant)
	}
	return &variant, nil
}

func (s *MongoExerciseStore) FindSubmission(ctx context.Context, id primitive.ObjectID) (*Submission, error) {
	var sub Submission
	err := s.db.Collection("exercisesubmissions").FindOne(ctx, bson.M{"_id": id}).Decode(&sub)
	if err != nil {
		return nil, mapMongoErr(err, "find submission")
	}
	return &sub, nil
}

func (s *MongoExerciseStore) FindResult(ctx context.Context, ref ResultRef) (*ExerciseResult, error) {
	var result ExerciseResult
	err := s.db.Collection("studentexerciseresults").FindOne(ctx, bson.M{
		"student":     ref.Student,
		"exam":        ref.Exam,
		"exerciseSet": ref.ExerciseSet,
	}).Decode(&result)
	if err != nil {
		return nil, mapMongoErr(err, "find exercise result")
	}
	return &result, nil
}

func (s *MongoExerciseStore) CreateResult(ctx context.Context, result *ExerciseResult) error {
	if result.ID.IsZero() {
		result.ID = primitive.NewObjectID()
	}
	if _, err := s.db.Collection("studentexerciseresults").InsertOne(ctx, result); err != nil {
		return fmt.Errorf("create exercise result: %w", err)
	}
	return nil
}

func (s *MongoExerciseStore) AppendSubmission(ctx context.Context, ref ResultRef, variant primitive.ObjectID, sub *Submission) error {
	if sub.ID.IsZero() {
		sub.ID = primitive.NewObjectID()
	}
	if sub.Date.IsZero() {
		sub.Date = time.Now()
	}

	if _, err := s.db.Collection("exercisesubmissions").InsertOne(ctx, sub); err != nil {
		return fmt.Errorf("create submission: %w", err)
	}

	result, err := s.FindResult(ctx, ref)
	if err != nil {
		return err
	}

	idx := -1
	for i := range result.Submissions {
		if result.Submissions[i].Variant == variant {
			idx = i
			break
		}
	}
	if idx == -1 {
		result.Submissions = append(result.Submissions, VariantSubmissions{Variant: variant})
		idx = len(result.Submissions) - 1
	}
	result.Submissions[idx].Submissions = append(result.Submissions[idx].Submissions, sub.ID)

	_, err = s.db.Collection("studentexerciseresults").UpdateByID(ctx, result.ID, bson.M{
		"$set": bson.M{"submissions": result.Submissions},
	})
	if err != nil {
		return fmt.Errorf("save submissions: %w", err)
	}
	return nil
}

func mapMongoErr(err error, op string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
