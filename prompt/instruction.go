package prompt

import "github.com/hupe1980/palettemesh/core"

// Provider supplies dynamic instruction text at runtime.
// Implementations can derive instructions from the request, environment, etc.
type Provider interface {
	Instruction(req core.Request) (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func(req core.Request) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(req core.Request) (string, error) { return f(req) }

// Instruction represents either a static instruction string or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a string. The text may be
// a text/template rendered against the request.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(req core.Request) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the instruction text, invoking the provider if needed.
func (i Instruction) Resolve(req core.Request) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(req)
	}
	return renderTemplate(i.text, req)
}
