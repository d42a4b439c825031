// Package sampler builds sampling chains for generation jobs: temperature,
// top-p, top-k, repetition penalty, and an optional grammar or JSON-schema
// constraint. Schema-to-grammar conversion happens once, here, at
// construction time — never per-token inside the scheduler loop.
package sampler

import (
	"errors"
	"fmt"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/grammar"
)

// ErrBothConstraints is returned when a request sets both Grammar and
// JSONSchema; exactly one constraint (or neither) is allowed.
var ErrBothConstraints = errors.New("sampler: grammar and json_schema are mutually exclusive")

// Params is the caller-facing request for a sampler chain, matching the
// knobs exposed through the job submission surface.
type Params struct {
	Temperature   float32
	TopP          float32
	TopK          int
	MinP          float32
	RepeatLastN   int
	RepeatPenalty float32
	Seed          uint32
	Grammar       string // raw GBNF text
	JSONSchema    []byte // alternative to Grammar; compiled to GBNF here
}

// Factory constructs backend samplers for a single decode context.
type Factory struct {
	ctx backend.Context
}

// NewFactory binds a Factory to the context its samplers will run against.
func NewFactory(ctx backend.Context) *Factory {
	return &Factory{ctx: ctx}
}

// Build validates Params and constructs a backend.Sampler. Validation,
// including any JSON-schema parse failure, happens entirely before any
// KV-cache state is touched — a malformed schema must never leave a job
// half-started.
func (f *Factory) Build(p Params) (backend.Sampler, error) {
	if p.Grammar != "" && len(p.JSONSchema) > 0 {
		return nil, ErrBothConstraints
	}

	compiledGrammar := p.Grammar
	if len(p.JSONSchema) > 0 {
		g, err := grammar.FromJSONSchema(p.JSONSchema)
		if err != nil {
			return nil, fmt.Errorf("sampler: compile json_schema: %w", err)
		}
		compiledGrammar = g
	}

	sp := backend.SamplingParams{
		Temp:          p.Temperature,
		TopP:          p.TopP,
		TopK:          p.TopK,
		MinP:          p.MinP,
		RepeatLastN:   p.RepeatLastN,
		RepeatPenalty: p.RepeatPenalty,
		Seed:          p.Seed,
		Grammar:       compiledGrammar,
		Greedy:        p.Temperature <= 0,
	}

	s, err := f.ctx.NewSampler(sp)
	if err != nil {
		return nil, fmt.Errorf("sampler: build chain: %w", err)
	}
	return s, nil
}
