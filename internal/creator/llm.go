package creator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/reug-runtime/internal/config"
	"github.com/xkilldash9x/reug-runtime/internal/events"
	"github.com/xkilldash9x/reug-runtime/internal/sandbox"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// contentGenerator is the slice of the genai client the generator uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// LLMArchetype marks candidates written by the language model.
const LLMArchetype = "llm"

const systemInstruction = `You write small, self-contained Go tools that run inside an interpreter.
Reply with a single Go source file and nothing else. The file must:
- declare "package tool";
- import only from this list: %s;
- declare "const Schema" as a raw string holding a JSON Schema of type object that lists every parameter with a type;
- define "func Run(params map[string]interface{}) (map[string]interface{}, error)" and put the answer under the "value" key.
Numbers arrive as float64. Do not start goroutines or define init or main.`

// GeminiGenerator asks a Gemini model to write tools for descriptions the
// templates do not cover.
type GeminiGenerator struct {
	logger      *zap.Logger
	models      contentGenerator
	model       string
	temperature float32
	timeout     time.Duration
	allowed     []string
}

// NewGeminiGenerator creates a client for the configured API key.
func NewGeminiGenerator(ctx context.Context, logger *zap.Logger, cfg config.LLMConfig, allowedImports []string) (*GeminiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGeminiGenerator(logger, client.Models, cfg, allowedImports), nil
}

func newGeminiGenerator(logger *zap.Logger, models contentGenerator, cfg config.LLMConfig, allowedImports []string) *GeminiGenerator {
	if len(allowedImports) == 0 {
		allowedImports = sandbox.DefaultAllowedImports
	}
	return &GeminiGenerator{
		logger:      logger.Named("gemini"),
		models:      models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     cfg.APITimeout,
		allowed:     allowedImports,
	}
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, gap events.AtomGap) (Candidate, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	temperature := g.temperature
	cfg := &genai.GenerateContentConfig{
		Temperature: &temperature,
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: fmt.Sprintf(systemInstruction, strings.Join(g.allowed, ", "))}},
		},
	}
	prompt := fmt.Sprintf("Tool name: %s\nWhat it must do: %s\n", gap.MissingTool, gap.Description)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	start := time.Now()
	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Candidate{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	text := responseText(resp)
	if strings.TrimSpace(text) == "" {
		return Candidate{}, fmt.Errorf("gemini returned no code")
	}
	g.logger.Debug("Model produced candidate",
		zap.String("tool", gap.MissingTool),
		zap.String("model", g.model),
		zap.Duration("duration", time.Since(start)))

	return Candidate{
		Code:        stripFences(text),
		Archetype:   LLMArchetype,
		Description: gap.Description,
		UseCases:    []string{gap.Description},
		Tags:        []string{"generated"},
		Generator:   "gemini:" + g.model,
	}, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" {
				b.WriteString(part.Text)
			}
		}
		// Only the first candidate is used.
		break
	}
	return b.String()
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		return ""
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text) + "\n"
}
