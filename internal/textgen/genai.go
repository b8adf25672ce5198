package textgen

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	logx "postscheduler/pkg/logx"
)

// DefaultModels are tried in order; a model that is throttled or missing
// falls through to the next.
var DefaultModels = []string{"gemini-2.5-flash", "gemini-2.5-flash-lite"}

type GenAIConfig struct {
	APIKey string
	Models []string
}

// GenAI generates text with the Gemini API.
type GenAI struct {
	client *genai.Client
	models []string
	log    logx.Logger
}

func NewGenAI(ctx context.Context, cfg GenAIConfig, log logx.Logger) (*GenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("genai: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	models := cfg.Models
	if len(models) == 0 {
		models = DefaultModels
	}
	return &GenAI{client: client, models: models, log: log.With(logx.String("comp", "textgen"))}, nil
}

func (g *GenAI) Generate(ctx context.Context, prompt string, opt Options) (string, error) {
	conf := generateConfig(opt)
	var lastErr error
	for _, model := range g.models {
		res, err := g.client.Models.GenerateContent(ctx, model, genai.Text(prompt), conf)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %w", ErrGeneration, ctx.Err())
			}
			if fallThrough(err) {
				g.log.Debug("model unavailable; trying next", logx.String("model", model), logx.Err(err))
				lastErr = err
				continue
			}
			return "", fmt.Errorf("%w: %s: %w", ErrGeneration, model, err)
		}
		if text := responseText(res); text != "" {
			return text, nil
		}
		lastErr = fmt.Errorf("%s: empty response", model)
	}
	return "", fmt.Errorf("%w: all models failed: %w", ErrGeneration, lastErr)
}

// generateConfig turns thinking off: thought tokens count against
// MaxOutputTokens, and these prompts are far too short to leave room for
// both.
func generateConfig(opt Options) *genai.GenerateContentConfig {
	conf := &genai.GenerateContentConfig{
		ThinkingConfig: &genai.ThinkingConfig{ThinkingBudget: genai.Ptr[int32](0)},
	}
	if opt.MaxTokens > 0 {
		conf.MaxOutputTokens = opt.MaxTokens
	}
	if opt.Temperature > 0 {
		conf.Temperature = genai.Ptr(opt.Temperature)
	}
	return conf
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		if p != nil {
			b.WriteString(p.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

func fallThrough(err error) bool {
	s := strings.ToLower(err.Error())
	for _, m := range []string{"429", "rate limit", "exhausted", "404", "not found"} {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
