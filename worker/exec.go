package worker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/storage"
)

// stderrTail bounds the command output quoted in a failure message.
const stderrTail = 400

// ExecGenerator renders by running an external command once per job.
//
// The command receives Args followed by
//
//	--prompt P --output FILE --width W --height H --steps N [--seed S]
//
// and must write a PNG to FILE. --seed is omitted for random seeds. The
// parameters without a flag are passed in the environment as
// RENDERQ_JOB_ID, RENDERQ_NEGATIVE_PROMPT, RENDERQ_SAMPLER and
// RENDERQ_CFG_SCALE.
type ExecGenerator struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Logger  *slog.Logger
}

var _ Generator = (*ExecGenerator)(nil)

// Generate runs the command for j and reads back the image.
func (g *ExecGenerator) Generate(ctx context.Context, j *job.Job) (*Result, error) {
	if g.Command == "" {
		return nil, errors.New("generator command is not configured")
	}
	tmp, err := os.MkdirTemp("", "renderq-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	out := filepath.Join(tmp, j.ID.String()+".png")
	cmd := exec.CommandContext(ctx, g.Command, g.args(j, out)...) //nolint:gosec // operator-configured command
	cmd.Dir = g.Dir
	cmd.Env = append(slices.Concat(os.Environ(), g.Env), g.env(j)...)
	var output tailBuffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("generator stopped: %w", ctx.Err())
		}
		if tail := strings.TrimSpace(output.String()); tail != "" {
			return nil, fmt.Errorf("generator failed: %w: %s", err, tail)
		}
		return nil, fmt.Errorf("generator failed: %w", err)
	}
	elapsed := time.Since(start)

	image, err := os.ReadFile(out)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.New("generator exited without writing an image")
	}
	if err != nil {
		return nil, fmt.Errorf("read generated image: %w", err)
	}

	if g.Logger != nil {
		g.Logger.Debug("generator finished",
			slog.String("job_id", j.ID.String()),
			slog.Duration("elapsed", elapsed),
			slog.Int("bytes", len(image)),
		)
	}
	return &Result{
		Image:       image,
		ContentType: storage.ContentTypePNG,
		Metadata: map[string]any{
			"generator":  filepath.Base(g.Command),
			"elapsed_ms": elapsed.Milliseconds(),
			"width":      j.Width,
			"height":     j.Height,
			"steps":      j.Steps,
			"seed":       j.Seed,
		},
	}, nil
}

func (g *ExecGenerator) args(j *job.Job, out string) []string {
	args := append(slices.Clone(g.Args),
		"--prompt", j.Prompt,
		"--output", out,
		"--width", strconv.Itoa(j.Width),
		"--height", strconv.Itoa(j.Height),
		"--steps", strconv.Itoa(j.Steps),
	)
	if j.Seed != job.RandomSeed {
		args = append(args, "--seed", strconv.FormatInt(j.Seed, 10))
	}
	return args
}

func (g *ExecGenerator) env(j *job.Job) []string {
	env := []string{"RENDERQ_JOB_ID=" + j.ID.String()}
	if j.NegativePrompt != "" {
		env = append(env, "RENDERQ_NEGATIVE_PROMPT="+j.NegativePrompt)
	}
	if j.Sampler != "" {
		env = append(env, "RENDERQ_SAMPLER="+j.Sampler)
	}
	if j.CFGScale != 0 {
		env = append(env, "RENDERQ_CFG_SCALE="+strconv.FormatFloat(j.CFGScale, 'f', -1, 64))
	}
	return env
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTail; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
