// Package prompt turns a generation request plus the feedback bias of earlier
// rounds into the instructions and user turn sent to every backend.
//
// The produced text is opaque bias input. Nothing downstream parses it back.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/model"
)

// DefaultInstructions ask for bare JSON arrays so the extractor can pick
// palettes out of the stream as soon as each one closes.
const DefaultInstructions = `You are a color palette designer.
Answer with color palettes only. Write each palette as a JSON array of at least
five "#rrggbb" hex colors on its own line, for example:
["#0a1628","#0d3b4a","#1a6b6b","#4a9b8a","#8bcbaa"]
Do not number the palettes and do not explain them.`

// Options configure a Builder.
type Options struct {
	// Instructions override DefaultInstructions.
	Instructions Instruction
}

// Builder renders model requests.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder.
func NewBuilder(optFns ...func(o *Options)) *Builder {
	opts := Options{Instructions: NewInstructionFromText(DefaultInstructions)}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Builder{opts: opts}
}

// Build renders req and bias into a model.Request. req is expected to be
// normalized already.
func (b *Builder) Build(req core.Request, bias core.FeedbackBias) (model.Request, error) {
	instructions, err := b.opts.Instructions.Resolve(req)
	if err != nil {
		return model.Request{}, fmt.Errorf("failed to resolve instructions: %w", err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Create %d distinct color palettes for the theme %q.\n", req.Limit, req.Query)

	if len(req.Examples) > 0 {
		sb.WriteString("\nUse these palettes as inspiration:\n")
		writePalettes(&sb, req.Examples)
	}
	if len(bias.Good) > 0 {
		sb.WriteString("\nThe user liked these palettes. Create more in a similar spirit:\n")
		writePalettes(&sb, bias.Good)
	}
	if len(bias.Bad) > 0 {
		sb.WriteString("\nThe user disliked these palettes. Avoid anything close to them:\n")
		writePalettes(&sb, bias.Bad)
	}

	return model.Request{
		Instructions: instructions,
		Prompt:       strings.TrimRight(sb.String(), "\n"),
		Limit:        req.Limit,
	}, nil
}

func writePalettes(sb *strings.Builder, ps []core.Palette) {
	for _, p := range ps {
		sb.WriteString(`["`)
		sb.WriteString(strings.Join(p, `","`))
		sb.WriteString("\"]\n")
	}
}
