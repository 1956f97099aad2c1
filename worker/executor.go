// Package worker is the GPU-side agent: a Pool that heartbeats and claims
// jobs from a Coordinator, and an Executor that runs each claimed job
// through a Generator wrapped in middleware.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/middleware"
	"github.com/xraph/renderq/storage"
)

// MaxErrorMessage bounds the failure text reported for a job.
const MaxErrorMessage = 500

// callbackTimeout bounds the status and result calls made after the
// generation, which may run on a cancelled context.
const callbackTimeout = 30 * time.Second

// Result is a finished image.
type Result struct {
	Image       []byte
	ContentType string // defaults to image/png
	Metadata    map[string]any
}

// Generator renders one job.
type Generator interface {
	Generate(ctx context.Context, j *job.Job) (*Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, j *job.Job) (*Result, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, j *job.Job) (*Result, error) { return f(ctx, j) }

// ErrAbandoned reports that the server no longer lets this worker finish a
// job, usually because it was cancelled or timed out.
var ErrAbandoned = errors.New("worker: job abandoned")

// Executor runs one claimed job: acknowledge, generate, then upload the
// image or report the failure.
type Executor struct {
	coord  Coordinator
	gen    Generator
	mw     middleware.Middleware
	logger *slog.Logger
}

// NewExecutor creates an Executor. mws wrap the generator, first outermost.
func NewExecutor(coord Coordinator, gen Generator, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	return &Executor{
		coord:  coord,
		gen:    gen,
		mw:     middleware.Chain(mws...),
		logger: logger,
	}
}

// Execute runs j. It returns ErrAbandoned when a callback is rejected
// with Conflict, the generation error after reporting it, or nil once the
// result is uploaded.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	if _, err := e.coord.ReportStatus(ctx, j.ID, job.StatusRunning, ""); err != nil {
		return e.callbackFailed(j, "acknowledge", err)
	}

	var res *Result
	genErr := e.mw(ctx, j, func(ctx context.Context) error {
		r, err := e.gen.Generate(ctx, j)
		res = r
		return err
	})
	if genErr == nil && (res == nil || len(res.Image) == 0) {
		genErr = errors.New("generator produced no image")
	}

	cbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()

	if genErr != nil {
		if _, err := e.coord.ReportStatus(cbCtx, j.ID, job.StatusFailed, failureMessage(genErr)); err != nil {
			return e.callbackFailed(j, "report failure", err)
		}
		return genErr
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = storage.ContentTypePNG
	}
	if _, err := e.coord.UploadResult(cbCtx, j.ID, bytes.NewReader(res.Image), contentType, res.Metadata); err != nil {
		return e.callbackFailed(j, "upload", err)
	}
	e.logger.Info("result uploaded",
		slog.String("job_id", j.ID.String()),
		slog.Int("bytes", len(res.Image)),
	)
	return nil
}

func (e *Executor) callbackFailed(j *job.Job, step string, err error) error {
	if errors.Is(err, renderq.ErrConflict) || errors.Is(err, renderq.ErrNotFound) {
		e.logger.Warn("job abandoned",
			slog.String("job_id", j.ID.String()),
			slog.String("step", step),
			slog.String("reason", err.Error()),
		)
		return fmt.Errorf("%w: %s: %w", ErrAbandoned, step, err)
	}
	e.logger.Error("job callback failed",
		slog.String("job_id", j.ID.String()),
		slog.String("step", step),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("worker: %s job %s: %w", step, j.ID, err)
}

// failureMessage trims err to MaxErrorMessage runes.
func failureMessage(err error) string {
	msg := err.Error()
	if utf8.RuneCountInString(msg) <= MaxErrorMessage {
		return msg
	}
	return string([]rune(msg)[:MaxErrorMessage])
}
