// Package tokenizer wraps a loaded model's vocabulary: tokenize, detokenize,
// and chat-template rendering. Encoding/decoding is delegated straight to
// the backend (the GGUF's own tokenizer data); this package only adds the
// chat-template fallback and exposes the model's BOS discipline
// (ShouldAddBos/TokenBos), which the engine uses to keep a prompt from
// tokenizing to nothing.
package tokenizer

import (
	"strings"
	"text/template"

	"github.com/noxrun/noxrun/internal/backend"
)

// Message is one turn of a chat-style prompt.
type Message struct {
	Role    string
	Content string
}

// Tokenizer encodes/decodes text against one loaded model's vocabulary.
type Tokenizer struct {
	model    backend.Model
	fallback *template.Template
}

// New binds a Tokenizer to a loaded model.
func New(model backend.Model) *Tokenizer {
	return &Tokenizer{model: model, fallback: genericChatTemplate()}
}

// Tokenize converts text to token ids. addSpecial controls whether BOS is
// added; parseSpecial controls whether control-token strings in the text
// (e.g. "<|im_start|>") are parsed as special tokens rather than literal
// text, matching the two independent booleans llama.cpp's own tokenize
// call takes.
func (t *Tokenizer) Tokenize(text string, addSpecial, parseSpecial bool) ([]backend.TokenID, error) {
	return t.model.Tokenize(text, addSpecial, parseSpecial)
}

// Decode renders a full token sequence back to text.
func (t *Tokenizer) Decode(toks []backend.TokenID) string {
	var b strings.Builder
	for _, tok := range toks {
		b.WriteString(t.model.TokenToPiece(tok))
	}
	return b.String()
}

// DecodeOne renders a single token's piece, the same piece the scheduler
// appends to a job's text for each generated token.
func (t *Tokenizer) DecodeOne(tok backend.TokenID) string {
	return t.model.TokenToPiece(tok)
}

// ShouldAddBos reports the model's BOS discipline.
func (t *Tokenizer) ShouldAddBos() bool {
	return t.model.ShouldAddBos()
}

// TokenBos returns the model's beginning-of-sequence token.
func (t *Tokenizer) TokenBos() backend.TokenID {
	return t.model.TokenBos()
}

// ApplyChatTemplate renders a message list into a single prompt string,
// using the model's embedded chat template when the GGUF carries one and
// falling back to a generic ChatML-shaped template otherwise.
func (t *Tokenizer) ApplyChatTemplate(msgs []Message, addGenerationPrompt bool) (string, error) {
	if tmplText, ok := t.model.ChatTemplate(); ok {
		tmpl, err := template.New("chat").Parse(tmplText)
		if err == nil {
			var b strings.Builder
			if err := tmpl.Execute(&b, struct {
				Messages            []Message
				AddGenerationPrompt bool
			}{msgs, addGenerationPrompt}); err == nil {
				return b.String(), nil
			}
		}
		// A chat template that fails to parse/execute under Go's
		// text/template (most are Jinja2) falls through to the
		// generic template below rather than failing the request.
	}

	var b strings.Builder
	err := t.fallback.Execute(&b, struct {
		Messages            []Message
		AddGenerationPrompt bool
	}{msgs, addGenerationPrompt})
	return b.String(), err
}

func genericChatTemplate() *template.Template {
	const src = `{{range .Messages}}<|im_start|>{{.Role}}
{{.Content}}<|im_end|>
{{end}}{{if .AddGenerationPrompt}}<|im_start|>assistant
{{end}}`
	return template.Must(template.New("generic-chatml").Parse(src))
}
