package jobqueue_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/jobqueue"
)

func TestValidateCompletionRejectsEmptyPrompt(t *testing.T) {
	err := jobqueue.ValidateCompletion(jobqueue.CompletionRequest{})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)
}

func TestValidateCompletionRejectsBothConstraints(t *testing.T) {
	err := jobqueue.ValidateCompletion(jobqueue.CompletionRequest{
		Prompt:     "hi",
		Grammar:    `root ::= "a"`,
		JSONSchema: []byte(`{"type":"string"}`),
	})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)
}

func TestValidateCompletionAcceptsMinimalRequest(t *testing.T) {
	err := jobqueue.ValidateCompletion(jobqueue.CompletionRequest{Prompt: "hi", TopP: 0.9})
	require.NoError(t, err)
}

func TestValidateChatRejectsEmptyMessages(t *testing.T) {
	err := jobqueue.ValidateChat(jobqueue.ChatRequest{})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)
}

func TestValidateEmbeddingRejectsEmptyInput(t *testing.T) {
	err := jobqueue.ValidateEmbedding(jobqueue.EmbeddingRequest{})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)
}

func TestValidateEmbeddingRejectsOversizedInput(t *testing.T) {
	huge := make([]byte, jobqueue.MaxEmbeddingInputChars+1)
	for i := range huge {
		huge[i] = 'x'
	}
	err := jobqueue.ValidateEmbedding(jobqueue.EmbeddingRequest{Input: string(huge)})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)
}

func TestValidateCompletionRejectsOutOfRangeTokenBudgets(t *testing.T) {
	err := jobqueue.ValidateCompletion(jobqueue.CompletionRequest{Prompt: "hi", MaxTokens: jobqueue.MaxNewTokensLimit + 1})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)

	err = jobqueue.ValidateCompletion(jobqueue.CompletionRequest{Prompt: "hi", MinTokens: jobqueue.MinLengthLimit + 1})
	require.ErrorIs(t, err, jobqueue.ErrInvalid)
}

func TestNewIDIsUnique(t *testing.T) {
	a := jobqueue.NewID()
	b := jobqueue.NewID()
	require.NotEqual(t, a, b)
}
