package grader

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/koodine/grader-backend/internal/apperr"
	"github.com/koodine/grader-backend/internal/archive"
)

// errorDescriptor is written by the grading script when it fails.
type errorDescriptor struct {
	ErrorType string `json:"error_type"`
	ErrorMsg  string `json:"error_msg"`
}

// Result is a successful grading outcome read from result.json.
type Result struct {
	Points    int    `json:"points"`
	MaxPoints int    `json:"max_points"`
	Output    string `json:"output"`
}

// FetchResult inspects the artifacts a finished run left behind. An error
// descriptor takes precedence over results; its absence means grading
// succeeded and result.json must exist.
func (l *Lifecycle) FetchResult(ctx context.Context, id, variantPath string) (*Result, error) {
	l.log.Debug().Str("variant_path", variantPath).Msg("Fetching grader result")

	if err := l.fetchGraderError(ctx, id); err != nil {
		return nil, err
	}

	resultDir := l.cfg.ResultDir
	if resultDir == "" {
		resultDir = path.Join(graderHome, variantPath, "test")
	}

	var result Result
	if err := l.fetchJSONArtifact(ctx, id, path.Join(resultDir, "result.json"), &result); err != nil {
		return nil, apperr.Internal("Could not read grading results.", err)
	}
	return &result, nil
}

// fetchGraderError checks for the error descriptor. Not-found means the run
// succeeded and returns nil; a present descriptor maps to the taxonomy by its
// error_type; any other fetch failure is an internal error.
func (l *Lifecycle) fetchGraderError(ctx context.Context, id string) error {
	var desc errorDescriptor
	err := l.fetchJSONArtifact(ctx, id, path.Join(l.cfg.ErrorDir, "error.json"), &desc)
	if err != nil {
		if l.engine.IsNotFound(err) {
			return nil
		}
		return apperr.Internal("Could not read grader error.", err)
	}

	switch desc.ErrorType {
	case "RETTYPE":
		return apperr.Grader(desc.ErrorMsg)
	case "TIMEOUT":
		return apperr.Timeout(desc.ErrorMsg)
	default:
		return apperr.Internal(desc.ErrorMsg, nil)
	}
}

// fetchJSONArtifact pulls a single file out of the container and decodes it.
// The engine delivers files as single-entry tar streams keyed by base name.
func (l *Lifecycle) fetchJSONArtifact(ctx context.Context, id, artifactPath string, v interface{}) error {
	stream, err := l.engine.GetArchive(ctx, id, artifactPath)
	if err != nil {
		return err
	}
	defer stream.Close()

	entries, err := archive.Unpack(stream)
	if err != nil {
		return fmt.Errorf("unpack artifact %q: %w", artifactPath, err)
	}

	name := path.Base(artifactPath)
	raw, ok := entries[name]
	if !ok {
		return fmt.Errorf("artifact %q missing from archive", name)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("parse artifact %q: %w", name, err)
	}
	return nil
}
