package creator

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/reug-runtime/internal/events"
	"go.uber.org/zap"
)

// Candidate is generated tool source plus the metadata registered with it.
type Candidate struct {
	Code         string
	Archetype    string
	Description  string
	UseCases     []string
	Examples     []string
	Tags         []string
	Dependencies []string
	// Generator names what produced the code, for logs.
	Generator string
}

// Generator writes candidate code for a capability gap.
type Generator interface {
	Generate(ctx context.Context, gap events.AtomGap) (Candidate, error)
}

// TemplateGenerator renders archetype templates. Descriptions that match no
// archetype go to the fallback generator when one is set, and get a stub
// otherwise.
type TemplateGenerator struct {
	logger   *zap.Logger
	fallback Generator
}

// NewTemplateGenerator creates a template generator. fallback may be nil.
func NewTemplateGenerator(logger *zap.Logger, fallback Generator) *TemplateGenerator {
	return &TemplateGenerator{logger: logger.Named("templates"), fallback: fallback}
}

// Generate implements Generator.
func (g *TemplateGenerator) Generate(ctx context.Context, gap events.AtomGap) (Candidate, error) {
	arch, ok := Classify(gap.MissingTool, gap.Description)
	if !ok {
		if g.fallback != nil {
			g.logger.Debug("No archetype matched; delegating", zap.String("tool", gap.MissingTool))
			return g.fallback.Generate(ctx, gap)
		}
		arch = stub
	}

	code, err := Render(arch, gap.MissingTool, gap.Description)
	if err != nil {
		return Candidate{}, err
	}
	if arch.Name == StubArchetype {
		g.logger.Warn("No archetype matched; generating stub", zap.String("tool", gap.MissingTool), zap.String("description", gap.Description))
	}

	return Candidate{
		Code:         code,
		Archetype:    arch.Name,
		Description:  describe(gap, arch),
		UseCases:     append([]string(nil), arch.UseCases...),
		Examples:     []string{arch.Example},
		Tags:         append([]string(nil), arch.Tags...),
		Dependencies: append([]string(nil), arch.Imports...),
		Generator:    "template:" + arch.Name,
	}, nil
}

func describe(gap events.AtomGap, arch Archetype) string {
	if gap.Description != "" {
		return gap.Description
	}
	return fmt.Sprintf("%s tool", arch.Name)
}
