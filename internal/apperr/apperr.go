// Package apperr defines the grading error taxonomy. Every failure that crosses
// the orchestration boundary is one of these kinds; raw engine or storage errors
// never reach the client.
package apperr

import (
	"errors"
	"fmt"
)

// Kind discriminates the error taxonomy.
type Kind int

const (
	// KindMessage marks a malformed or semantically invalid client request.
	KindMessage Kind = iota
	// KindInternal marks an unexpected server-side failure (storage, engine, config).
	KindInternal
	// KindGrader marks a runtime failure reported by the grading script itself.
	KindGrader
	// KindTimeout marks a grading run that exceeded the external time budget.
	KindTimeout
	// KindToken marks a token-verification failure.
	KindToken
)

// wire names, stable across the protocol
var kindNames = map[Kind]string{
	KindMessage:  "MessageError",
	KindInternal: "InternalError",
	KindGrader:   "GraderError",
	KindTimeout:  "TimeoutError",
	KindToken:    "JsonWebTokenError",
}

// Error is a tagged taxonomy error carrying a client-safe message and an
// optional wrapped cause. The cause is logged server-side only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", kindNames[e.Kind], e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", kindNames[e.Kind], e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Name returns the wire name of the error's kind.
func (e *Error) Name() string { return kindNames[e.Kind] }

// Reason returns the client-safe message.
func (e *Error) Reason() string { return e.Message }

// Message creates a MessageError.
func Message(msg string) *Error { return &Error{Kind: KindMessage, Message: msg} }

// Internal creates an InternalError wrapping cause. cause may be nil.
func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Cause: cause}
}

// Grader creates a GraderError with the grading script's own message.
func Grader(msg string) *Error { return &Error{Kind: KindGrader, Message: msg} }

// Timeout creates a TimeoutError.
func Timeout(msg string) *Error { return &Error{Kind: KindTimeout, Message: msg} }

// Token creates a JsonWebTokenError wrapping cause. cause may be nil.
func Token(cause error) *Error {
	return &Error{Kind: KindToken, Message: "Invalid token.", Cause: cause}
}

// Wire is the serialized error payload sent to the client.
type Wire struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Title   string `json:"title"`
}

// Classify maps err to its outbound payload. The second return value reports
// whether err belonged to the taxonomy; an unknown error is replaced with a
// generic internal-error payload and callers should flag the process as
// unhealthy, since an unclassified error is evidence of systemic trouble.
func Classify(err error) (Wire, bool) {
	var e *Error
	if errors.As(err, &e) {
		return Wire{Name: e.Name(), Message: e.Reason(), Title: e.Name()}, true
	}
	return Wire{
		Name:    "MessageError",
		Message: "Internal server error.",
		Title:   "Internal server error.",
	}, false
}
