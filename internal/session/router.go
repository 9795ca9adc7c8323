package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/koodine/grader-backend/internal/apperr"
	"github.com/koodine/grader-backend/internal/auth"
	"github.com/koodine/grader-backend/internal/grader"
	"github.com/koodine/grader-backend/internal/storage"
)

// Conn is the transport the router reads frames from and writes frames to.
// *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	Close() error
}

// Grader runs one grading pipeline to completion.
type Grader interface {
	Grade(ctx context.Context, req grader.Request) grader.Outcome
}

// variantRef is the session-side value of one ephemeral exercise id.
type variantRef struct {
	id        primitive.ObjectID
	maxPoints int
}

// state is the per-connection session. It is owned exclusively by the
// connection's router and discarded on disconnect; the ephemeral id map is
// rebuilt from scratch on every connect, so ids never survive a reconnect.
type state struct {
	studentID   string
	studentDBID primitive.ObjectID
	examCode    string
	examDBID    primitive.ObjectID
	exerciseSet primitive.ObjectID
	variants    map[string]variantRef
	result      *storage.ExerciseResult
}

// Deps wires a Router.
type Deps struct {
	Conn      Conn
	Verifier  *auth.Verifier
	Exams     storage.ExamStore
	Exercises storage.ExerciseStore
	Grader    Grader
	// GraderRoot is the on-disk root for variant template file paths.
	GraderRoot string
	// Integration allows connecting to inactive exams (integration tests).
	Integration bool
	// OnUnknownError is invoked when an error outside the taxonomy is
	// classified; repeated unknown errors mean the process should recycle.
	OnUnknownError func()
	Log            zerolog.Logger
}

// Router is the per-connection protocol state machine. Messages are handled
// to completion one at a time; the only concurrent writer is the live
// terminal-output stream, serialized by the write mutex.
type Router struct {
	conn           Conn
	verifier       *auth.Verifier
	exams          storage.ExamStore
	exercises      storage.ExerciseStore
	grader         Grader
	graderRoot     string
	integration    bool
	onUnknownError func()
	log            zerolog.Logger

	writeMu sync.Mutex
	sess    state
}

// NewRouter creates a router for one connection.
func NewRouter(deps Deps) *Router {
	return &Router{
		conn:           deps.Conn,
		verifier:       deps.Verifier,
		exams:          deps.Exams,
		exercises:      deps.Exercises,
		grader:         deps.Grader,
		graderRoot:     deps.GraderRoot,
		integration:    deps.Integration,
		onUnknownError: deps.OnUnknownError,
		log:            deps.Log,
	}
}

// Run reads and handles frames until the connection closes.
func (r *Router) Run(ctx context.Context) {
	for {
		_, raw, err := r.conn.ReadMessage()
		if err != nil {
			r.log.Debug().Err(err).Msg("Connection closed")
			return
		}
		r.handleMessage(ctx, raw)
	}
}

// Close closes the underlying connection, unblocking Run.
func (r *Router) Close() error {
	return r.conn.Close()
}

func (r *Router) handleMessage(ctx context.Context, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		wire, _ := apperr.Classify(apperr.Message("Could not parse message"))
		r.write(OutFrame{Error: &wire})
		return
	}

	out := r.dispatch(ctx, frame)
	// A purely informational handler emits nothing.
	if out.Payload != nil || out.Error != nil {
		r.write(out)
	}
}

// dispatch resolves the frame type against the handler table and classifies
// any handler error into the outbound payload.
func (r *Router) dispatch(ctx context.Context, frame Frame) OutFrame {
	out := OutFrame{Type: frame.Type}

	var payload interface{}
	var err error
	switch frame.Type {
	case TypeConnect:
		payload, err = r.handleConnect(ctx, frame.Payload)
	case TypeSubmission:
		payload, err = r.handleSubmit(ctx, frame.Payload)
	case TypeFetch:
		payload, err = r.handleFetch(ctx, frame.Payload)
	case TypeLog:
		payload, err = r.handleLog(frame.Payload)
	default:
		err = apperr.Message(fmt.Sprintf("Invalid message type %s", frame.Type))
	}

	out.Payload = payload
	if err != nil {
		r.log.Error().Err(err).Str("type", string(frame.Type)).Msg("Handler failed")
		wire, known := apperr.Classify(err)
		if !known && r.onUnknownError != nil {
			r.onUnknownError()
		}
		out.Error = &wire
	}
	return out
}

// ─── connect ────────────────────────────────────────────────────────

func (r *Router) handleConnect(ctx context.Context, raw []byte) (interface{}, error) {
	var req ConnectRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Token == "" {
		return nil, apperr.Message("Invalid payload.")
	}

	claims, err := r.verifier.Verify(req.Token)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Str("student", claims.StudentID).Msg("Token verified")

	student, err := r.exams.FindStudent(ctx, claims.StudentID)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, apperr.Internal("No student found.", nil)
		}
		return nil, apperr.Internal("No student found.", err)
	}

	exam, err := r.exams.FindExamByCode(ctx, claims.ExamCode)
	if err != nil {
		return nil, apperr.Internal("Invalid exam.", err)
	}
	if !exam.Active && !r.integration {
		return nil, apperr.Internal("Invalid exam.", nil)
	}

	ref := storage.ResultRef{
		Student:     student.ID,
		Exam:        exam.ID,
		ExerciseSet: exam.ExerciseConfigID,
	}

	result, err := r.exercises.FindResult(ctx, ref)
	if err == storage.ErrNotFound {
		result, err = r.createResult(ctx, exam, ref)
	}
	if err != nil {
		return nil, apperr.Internal("Could not load exercises.", err)
	}

	r.sess = state{
		studentID:   claims.StudentID,
		studentDBID: student.ID,
		examCode:    claims.ExamCode,
		examDBID:    exam.ID,
		exerciseSet: exam.ExerciseConfigID,
		variants:    make(map[string]variantRef, len(result.Exercises)),
		result:      result,
	}

	// One fresh ephemeral id per exercise; the client never sees database ids.
	summaries := make([]ExerciseSummary, 0, len(result.Exercises))
	for _, pick := range result.Exercises {
		exercise, err := r.exercises.FindExercise(ctx, pick.Exercise)
		if err != nil {
			return nil, apperr.Internal("Could not load exercises.", err)
		}

		ephemeralID := uuid.NewString()
		r.sess.variants[ephemeralID] = variantRef{id: pick.Variant, maxPoints: exercise.Points}

		summary, err := r.exerciseSummary(ctx, ephemeralID, pick.Variant, exercise.Points, result.Submissions)
		if err != nil {
			return nil, apperr.Internal("Could not load exercises.", err)
		}
		summaries = append(summaries, summary)
	}

	return ConnectResponse{Exercises: summaries}, nil
}

// createResult builds the student's result document, choosing one variant
// per exercise at random.
func (r *Router) createResult(ctx context.Context, exam *storage.Exam, ref storage.ResultRef) (*storage.ExerciseResult, error) {
	cfg, err := r.exercises.FindExerciseConfig(ctx, exam.ExerciseConfigID)
	if err != nil {
		return nil, err
	}

	picks := make([]storage.ExercisePick, 0, len(cfg.Exercises))
	for _, exerciseID := range cfg.Exercises {
		exercise, err := r.exercises.FindExercise(ctx, exerciseID)
		if err != nil {
			return nil, err
		}
		if len(exercise.Variants) == 0 {
			return nil, fmt.Errorf("exercise %s has no variants", exerciseID.Hex())
		}
		picks = append(picks, storage.ExercisePick{
			Exercise: exerciseID,
			Variant:  exercise.Variants[rand.Intn(len(exercise.Variants))],
		})
	}

	result := &storage.ExerciseResult{
		Student:     ref.Student,
		Exam:        ref.Exam,
		ExerciseSet: ref.ExerciseSet,
		Exercises:   picks,
	}
	if err := r.exercises.CreateResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// exerciseSummary aggregates a variant's submission history: best points
// (uniformly 0 when no submissions exist) and ids ordered newest-first.
func (r *Router) exerciseSummary(ctx context.Context, ephemeralID string, variantID primitive.ObjectID, maxPoints int, history []storage.VariantSubmissions) (ExerciseSummary, error) {
	variant, err := r.exercises.FindVariant(ctx, variantID)
	if err != nil {
		return ExerciseSummary{}, err
	}

	summary := ExerciseSummary{
		Title:       variant.Name,
		ID:          ephemeralID,
		Description: variant.Description,
		MaxPoints:   maxPoints,
		Submissions: []string{},
	}

	for _, vs := range history {
		if vs.Variant != variantID {
			continue
		}
		subs := make([]*storage.Submission, 0, len(vs.Submissions))
		for _, subID := range vs.Submissions {
			sub, err := r.exercises.FindSubmission(ctx, subID)
			if err != nil {
				return ExerciseSummary{}, err
			}
			subs = append(subs, sub)
			if sub.Points > summary.Points {
				summary.Points = sub.Points
			}
		}
		sortSubmissionsNewestFirst(subs)
		for _, sub := range subs {
			summary.Submissions = append(summary.Submissions, sub.ID.Hex())
		}
		break
	}

	return summary, nil
}

func sortSubmissionsNewestFirst(subs []*storage.Submission) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].Date.After(subs[j].Date) })
}

// ─── submit ─────────────────────────────────────────────────────────

func (r *Router) handleSubmit(ctx context.Context, raw []byte) (interface{}, error) {
	var req SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Message("Invalid payload.")
	}
	r.log.Info().Str("exercise", req.ExerciseID).Msg("Received code submission")

	// The failure payload always carries the exercise id so the client can
	// correlate the response even when grading never started.
	ref, ok := r.sess.variants[req.ExerciseID]
	if !ok {
		return SubmitResponse{ExerciseID: req.ExerciseID}, apperr.Message("Invalid exercise.")
	}

	outcome := r.grader.Grade(ctx, grader.Request{
		ExerciseID: req.ExerciseID,
		StudentID:  r.sess.studentID,
		ExamCode:   r.sess.examCode,
		Ref: storage.ResultRef{
			Student:     r.sess.studentDBID,
			Exam:        r.sess.examDBID,
			ExerciseSet: r.sess.exerciseSet,
		},
		VariantID: ref.id,
		Files:     clientToServerFiles(req.Files),
		Emit: func(data string) {
			r.send(TypeTerminalOutput, TerminalOutput{ExerciseID: req.ExerciseID, Data: data})
		},
	})

	if outcome.Err != nil {
		return SubmitResponse{ExerciseID: req.ExerciseID}, outcome.Err
	}
	return SubmitResponse{
		ExerciseID: req.ExerciseID,
		Points:     outcome.Points,
		MaxPoints:  outcome.MaxPoints,
		Output:     outcome.Output,
	}, nil
}

// ─── fetch ──────────────────────────────────────────────────────────

func (r *Router) handleFetch(ctx context.Context, raw []byte) (interface{}, error) {
	var req FetchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Message("Invalid payload.")
	}
	r.log.Debug().Str("submission", req.SubmissionID).Msg("Received submission fetch")

	resp := FetchResponse{
		ExerciseID:   req.ExerciseID,
		SubmissionID: req.SubmissionID,
		Date:         time.Now(),
		Files:        []ClientFile{},
	}

	// DEFAULT returns the variant's template files with zero points.
	if req.SubmissionID == "DEFAULT" {
		ref, ok := r.sess.variants[req.ExerciseID]
		if !ok {
			return nil, apperr.Message("Invalid exercise.")
		}
		variant, err := r.exercises.FindVariant(ctx, ref.id)
		if err != nil {
			return nil, apperr.Internal("Something went wrong. Could not fetch submission.", err)
		}
		files, err := r.variantTemplateFiles(ctx, variant)
		if err != nil {
			return nil, apperr.Internal("Something went wrong. Could not fetch submission.", err)
		}
		resp.Files = files
		return resp, nil
	}

	subID, err := primitive.ObjectIDFromHex(req.SubmissionID)
	if err != nil {
		return nil, apperr.Message("Invalid submission.")
	}
	sub, err := r.exercises.FindSubmission(ctx, subID)
	if err != nil {
		return nil, apperr.Internal("Something went wrong. Could not fetch submission.", err)
	}
	files, err := parseSubmissionFiles(sub.Files)
	if err != nil {
		return nil, apperr.Internal("Something went wrong. Could not fetch submission.", err)
	}

	resp.Points = sub.Points
	resp.Date = sub.Date
	resp.Files = files
	return resp, nil
}

// variantTemplateFiles collects the variant's inline file documents plus its
// on-disk paths read relative to the grader root.
func (r *Router) variantTemplateFiles(ctx context.Context, variant *storage.Variant) ([]ClientFile, error) {
	files := make([]ClientFile, 0, len(variant.Files)+len(variant.Paths))

	for _, fileID := range variant.Files {
		doc, err := r.exams.FindFile(ctx, fileID)
		if err != nil {
			return nil, err
		}
		files = append(files, ClientFile{Filename: doc.Filename, Data: string(doc.Data)})
	}

	for _, p := range variant.Paths {
		data, err := os.ReadFile(filepath.Join(r.graderRoot, variant.Path, p))
		if err != nil {
			return nil, err
		}
		files = append(files, ClientFile{Filename: path.Base(p), Data: string(data)})
	}

	return files, nil
}

// ─── log ────────────────────────────────────────────────────────────

func (r *Router) handleLog(raw []byte) (interface{}, error) {
	var req LogRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, apperr.Message("Invalid payload.")
	}

	event := r.log.Info()
	switch req.Level {
	case "debug":
		event = r.log.Debug()
	case "warn":
		event = r.log.Warn()
	case "error":
		event = r.log.Error()
	}
	event.Str("origin", "client").Msg(req.Message)

	return nil, nil
}

// ─── writes ─────────────────────────────────────────────────────────

func (r *Router) send(t MessageType, payload interface{}) {
	r.write(OutFrame{Type: t, Payload: payload})
}

func (r *Router) write(frame OutFrame) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteJSON(frame); err != nil {
		r.log.Debug().Err(err).Msg("Write failed")
	}
}
