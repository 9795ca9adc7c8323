package grader

import (
	"context"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/koodine/grader-backend/internal/apperr"
	"github.com/koodine/grader-backend/internal/archive"
)

const (
	provisionImage = "busybox"
	graderHome     = "/home/student/grader/"
)

// Config holds the container parameters of the grading environment.
type Config struct {
	Image string
	// Cmd overrides the grading command; empty derives it from the variant path.
	Cmd []string
	// WorkingDir overrides the working directory and the upload target.
	WorkingDir string
	// ResultDir overrides where result.json is fetched from.
	ResultDir string
	// ErrorDir is where the grader writes error.json.
	ErrorDir string
	// InternalTimeout is passed to the grading script, in seconds.
	InternalTimeout int
	Volumes         []Mount
}

// Lifecycle creates, runs and tears down grading containers.
type Lifecycle struct {
	engine Engine
	cfg    Config
	log    zerolog.Logger
}

// NewLifecycle creates a new Lifecycle.
func NewLifecycle(engine Engine, cfg Config, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		engine: engine,
		cfg:    cfg,
		log:    log.With().Str("component", "lifecycle").Logger(),
	}
}

var studentIDSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// templateMounts substitutes the EXAMCODE and STUDENTID placeholders in the
// configured volume sources. The student id is sanitized so it is always a
// valid volume name component.
func (l *Lifecycle) templateMounts(examCode, studentID string) []Mount {
	safeID := studentIDSanitizer.ReplaceAllString(studentID, "-")

	mounts := make([]Mount, len(l.cfg.Volumes))
	for i, m := range l.cfg.Volumes {
		m.Source = replacePlaceholders(m.Source, examCode, safeID)
		mounts[i] = m
	}
	return mounts
}

func replacePlaceholders(source, examCode, studentID string) string {
	source = strings.Replace(source, "EXAMCODE", examCode, 1)
	return strings.Replace(source, "STUDENTID", studentID, 1)
}

// ProvisionWorkspace seeds the student's private mount by running a throwaway
// container that copies the shared grader template tree into it, waiting for
// it to exit and removing it.
func (l *Lifecycle) ProvisionWorkspace(ctx context.Context, studentID, examCode string) error {
	l.log.Debug().Str("student", studentID).Str("exam", examCode).Msg("Running copy container")

	id, err := l.engine.Create(ctx, ContainerSpec{
		Image:  provisionImage,
		Mounts: l.templateMounts(examCode, studentID),
		Cmd:    []string{"cp", "-r", "/var/grader/", "/home/student/"},
	})
	if err != nil {
		return apperr.Internal("Could not provision workspace.", err)
	}

	if err := l.engine.Start(ctx, id); err != nil {
		return apperr.Internal("Could not provision workspace.", err)
	}
	if err := l.engine.Wait(ctx, id); err != nil {
		return apperr.Internal("Could not provision workspace.", err)
	}
	if err := l.engine.Remove(ctx, id); err != nil {
		return apperr.Internal("Could not provision workspace.", err)
	}
	return nil
}

// CreateGrader creates, but does not start, a grading container for the
// variant. Stdio attach flags and a TTY are set so the run can be streamed.
func (l *Lifecycle) CreateGrader(ctx context.Context, studentID, examCode, variantPath string) (string, error) {
	l.log.Debug().Str("variant_path", variantPath).Msg("Creating grader container")

	cmd := l.cfg.Cmd
	if len(cmd) == 0 {
		cmd = []string{
			"/bin/bash", "/opt/grader/base-grader",
			path.Join(graderHome, variantPath, "test"),
			strconv.Itoa(l.cfg.InternalTimeout),
		}
	}
	workingDir := l.cfg.WorkingDir
	if workingDir == "" {
		workingDir = path.Join(graderHome, variantPath, "test")
	}

	id, err := l.engine.Create(ctx, ContainerSpec{
		Image:       l.cfg.Image,
		Mounts:      l.templateMounts(examCode, studentID),
		Cmd:         cmd,
		WorkingDir:  workingDir,
		Tty:         true,
		AttachStdio: true,
	})
	if err != nil {
		return "", apperr.Internal("Could not create grader.", err)
	}
	return id, nil
}

// PlaceFiles packs the submitted files and uploads them into the variant's
// source directory.
func (l *Lifecycle) PlaceFiles(ctx context.Context, id, variantPath string, files map[string]string) error {
	target := l.cfg.WorkingDir
	if target == "" {
		target = path.Join(graderHome, variantPath, "src")
	}
	l.log.Debug().Str("target", target).Int("files", len(files)).Msg("Placing files in grader container")

	packed, err := archive.PackStrings(files)
	if err != nil {
		return apperr.Internal("Could not pack submission files.", err)
	}
	if err := l.engine.PutArchive(ctx, id, target, packed); err != nil {
		return apperr.Internal("Could not place submission files.", err)
	}
	return nil
}

// Attach connects to the container's combined output stream. Must be called
// before Start so no output is lost.
func (l *Lifecycle) Attach(ctx context.Context, id string) (io.ReadCloser, error) {
	stream, err := l.engine.Attach(ctx, id)
	if err != nil {
		return nil, apperr.Internal("Could not attach to grader.", err)
	}
	return stream, nil
}

// Start starts a created container.
func (l *Lifecycle) Start(ctx context.Context, id string) error {
	if err := l.engine.Start(ctx, id); err != nil {
		return apperr.Internal("Could not start grader.", err)
	}
	return nil
}

// Stop stops a running container. The engine error propagates untouched so
// callers can distinguish a failed stop from the timeout it enforces.
func (l *Lifecycle) Stop(ctx context.Context, id string) error {
	l.log.Debug().Str("container", shortID(id)).Msg("Stopping grader container")
	if err := l.engine.Stop(ctx, id); err != nil {
		return apperr.Internal("Could not stop grader.", err)
	}
	return nil
}

// Remove removes a container. Removing an already-removed container is not
// an error; it is logged and swallowed.
func (l *Lifecycle) Remove(ctx context.Context, id string) error {
	if err := l.engine.Remove(ctx, id); err != nil {
		if l.engine.IsNotFound(err) {
			l.log.Debug().Str("container", shortID(id)).Msg("Container already removed")
			return nil
		}
		return apperr.Internal("Could not remove grader.", err)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
