// Package session owns the per-connection protocol: frame parsing, handler
// dispatch, response serialization and the ephemeral session state that maps
// client-visible exercise ids to database ids.
package session

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/koodine/grader-backend/internal/apperr"
)

// ─── Message types (both directions) ────────────────────────────────

type MessageType string

const (
	TypeConnect        MessageType = "server_connect"
	TypeSubmission     MessageType = "code_submission"
	TypeFetch          MessageType = "submission_fetch"
	TypeLog            MessageType = "log_message"
	TypeTerminalOutput MessageType = "terminal_output"
)

// Frame is one inbound protocol frame. Payload decoding is deferred until
// the type is known.
type Frame struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// OutFrame is one outbound protocol frame. A parse failure leaves no type to
// echo, so the frame degrades to a bare error object.
type OutFrame struct {
	Type    MessageType  `json:"type,omitempty"`
	Payload interface{}  `json:"payload,omitempty"`
	Error   *apperr.Wire `json:"error,omitempty"`
}

// ─── Payloads ───────────────────────────────────────────────────────

// ConnectRequest opens a session with a signed exam token.
type ConnectRequest struct {
	Token string `json:"token"`
}

// ExerciseSummary describes one exercise in the connect response. Points is
// the best score across the variant's submissions, 0 if none exist.
type ExerciseSummary struct {
	Title       string   `json:"title"`
	ID          string   `json:"id"`
	Points      int      `json:"points"`
	Description string   `json:"description"`
	MaxPoints   int      `json:"maxPoints"`
	Submissions []string `json:"submissions"`
}

// ConnectResponse lists the session's exercises.
type ConnectResponse struct {
	Exercises []ExerciseSummary `json:"exercises"`
}

// ClientFile is the client-side file representation.
type ClientFile struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// SubmitRequest submits files for grading against an ephemeral exercise id.
type SubmitRequest struct {
	ExerciseID string       `json:"exerciseId"`
	Files      []ClientFile `json:"files"`
}

// SubmitResponse reports a grading outcome. On failure Points and MaxPoints
// are zero and the frame carries an error alongside this payload.
type SubmitResponse struct {
	ExerciseID string `json:"exerciseId"`
	Points     int    `json:"points"`
	MaxPoints  int    `json:"maxPoints"`
	Output     string `json:"output,omitempty"`
}

// FetchRequest asks for a stored submission, or the variant's template files
// when SubmissionID is the literal "DEFAULT".
type FetchRequest struct {
	ExerciseID   string `json:"exerciseId"`
	SubmissionID string `json:"submissionId"`
}

// FetchResponse returns a submission's files and score.
type FetchResponse struct {
	ExerciseID   string       `json:"exerciseId"`
	SubmissionID string       `json:"submissionId"`
	Points       int          `json:"points"`
	Date         time.Time    `json:"date"`
	Files        []ClientFile `json:"files"`
}

// LogRequest forwards a client-side log line into the server log.
type LogRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
}

// TerminalOutput streams one chunk of live grader output.
type TerminalOutput struct {
	ExerciseID string `json:"exerciseId"`
	Data       string `json:"data"`
}

// ─── File conversions ───────────────────────────────────────────────

// clientToServerFiles converts the client file list to the server mapping.
func clientToServerFiles(files []ClientFile) map[string]string {
	out := make(map[string]string, len(files))
	for _, f := range files {
		out[f.Filename] = f.Data
	}
	return out
}

// serverToClientFiles converts the server mapping back to a sorted list.
func serverToClientFiles(files map[string]string) []ClientFile {
	out := make([]ClientFile, 0, len(files))
	for filename, data := range files {
		out = append(out, ClientFile{Filename: filename, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// parseSubmissionFiles decodes a persisted file set. Old submissions were
// saved in the client list format, so both shapes are accepted.
func parseSubmissionFiles(raw string) ([]ClientFile, error) {
	var list []ClientFile
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}

	var mapped map[string]string
	if err := json.Unmarshal([]byte(raw), &mapped); err != nil {
		return nil, err
	}
	return serverToClientFiles(mapped), nil
}
