package job

import (
	"fmt"
	"unicode/utf8"

	"github.com/xraph/renderq"
)

// Parameter bounds.
const (
	MaxPromptLength         = 2000
	MaxNegativePromptLength = 1000
	MinDimension            = 256
	MaxDimension            = 1024
	MinSteps                = 4
	MaxSteps                = 30

	DefaultDimension = 1024
	DefaultSteps     = 9
	RandomSeed       = -1
)

// Params are the generation parameters. The core validates their bounds but
// never interprets them; Sampler and CFGScale pass through untouched.
type Params struct {
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	Width          int     `json:"width"`
	Height         int     `json:"height"`
	Steps          int     `json:"steps"`
	Seed           int64   `json:"seed"`
	Sampler        string  `json:"sampler,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
}

// WithDefaults fills zero-valued dimensions and steps. A zero seed is kept;
// callers wanting a random seed send -1.
func (p Params) WithDefaults() Params {
	if p.Width == 0 {
		p.Width = DefaultDimension
	}
	if p.Height == 0 {
		p.Height = DefaultDimension
	}
	if p.Steps == 0 {
		p.Steps = DefaultSteps
	}
	return p
}

// Validate checks every bound and returns an error wrapping
// renderq.ErrInvalidArgument for the first violation.
func (p Params) Validate() error {
	n := utf8.RuneCountInString(p.Prompt)
	switch {
	case n == 0:
		return invalid("prompt is required")
	case n > MaxPromptLength:
		return invalid("prompt exceeds %d characters", MaxPromptLength)
	case utf8.RuneCountInString(p.NegativePrompt) > MaxNegativePromptLength:
		return invalid("negative_prompt exceeds %d characters", MaxNegativePromptLength)
	case p.Width < MinDimension || p.Width > MaxDimension:
		return invalid("width must be between %d and %d", MinDimension, MaxDimension)
	case p.Height < MinDimension || p.Height > MaxDimension:
		return invalid("height must be between %d and %d", MinDimension, MaxDimension)
	case p.Steps < MinSteps || p.Steps > MaxSteps:
		return invalid("steps must be between %d and %d", MinSteps, MaxSteps)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", renderq.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
