// Package textgen turns prompts into short pieces of text.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrGeneration wraps every failure to produce text.
var ErrGeneration = errors.New("text generation failed")

// Options bounds a single generation.
type Options struct {
	MaxTokens   int32
	Temperature float32
}

type Generator interface {
	Generate(ctx context.Context, prompt string, opt Options) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt string, opt Options) (string, error)

func (f Func) Generate(ctx context.Context, prompt string, opt Options) (string, error) {
	return f(ctx, prompt, opt)
}

func IsGeneration(err error) bool { return errors.Is(err, ErrGeneration) }

// Disabled fails every call. It stands in when no API key is configured so
// that like-only policies keep working.
type Disabled struct{}

func (Disabled) Generate(context.Context, string, Options) (string, error) {
	return "", fmt.Errorf("%w: generator not configured", ErrGeneration)
}

// Clean trims whitespace and a surrounding pair of quotes that models like to
// add around short replies.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
