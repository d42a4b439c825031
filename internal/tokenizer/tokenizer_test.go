package tokenizer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/tokenizer"
)

func newTokenizer(t *testing.T) *tokenizer.Tokenizer {
	t.Helper()
	eng := backend.NewFakeEngine("hello", "world")
	m, err := eng.LoadModel("fake.gguf", backend.ModelParams{})
	require.NoError(t, err)
	return tokenizer.New(m)
}

func TestTokenizeDecodeRoundTrip(t *testing.T) {
	tz := newTokenizer(t)
	toks, err := tz.Tokenize("hello world", true, true)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	require.Equal(t, " hello world", tz.Decode(toks))
}

func TestApplyChatTemplateFallsBackToGeneric(t *testing.T) {
	tz := newTokenizer(t)
	prompt, err := tz.ApplyChatTemplate([]tokenizer.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	}, true)
	require.NoError(t, err)
	require.Contains(t, prompt, "<|im_start|>system")
	require.Contains(t, prompt, "be terse")
	require.Contains(t, prompt, "<|im_start|>assistant")
}
