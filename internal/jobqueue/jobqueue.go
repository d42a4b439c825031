// Package jobqueue validates inbound job requests and hands out ids before
// a request becomes a scheduler.Job. It is where the external interface's
// request-shape rules live, kept separate from the scheduler so a rejected
// request never touches a slot or the decode context.
package jobqueue

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrInvalid wraps every request-validation failure so callers can
// errors.Is against one sentinel regardless of which field was bad.
var ErrInvalid = errors.New("jobqueue: invalid request")

// MaxNewTokensLimit and MinLengthLimit bound the completion/chat request
// fields of the same name to [0, 4096], per the external interface's
// validation rules.
const (
	MaxNewTokensLimit      = 4096
	MinLengthLimit         = 4096
	MaxEmbeddingInputChars = 100000
)

// CompletionRequest is the external shape of a plain-text completion job.
type CompletionRequest struct {
	SessionID   string
	Prompt      string
	MaxTokens   int
	MinTokens   int
	Temperature float32
	TopP        float32
	TopK        int
	Seed        uint32
	StopStrings []string
	Grammar     string
	JSONSchema  []byte

	// AllowContextShift lets the scheduler left-trim the context window
	// when the job outgrows it, instead of failing with an overflow.
	AllowContextShift bool
	// NDiscard is how many tokens each shift drops; 0 uses half the
	// overflow past the pinned prefix.
	NDiscard int
}

// ChatRequest is the external shape of a chat-completion job.
type ChatRequest struct {
	SessionID   string
	Messages    []ChatMessage
	MaxTokens   int
	MinTokens   int
	Temperature float32
	TopP        float32
	TopK        int
	Seed        uint32
	StopStrings []string
	Grammar     string
	JSONSchema  []byte

	AllowContextShift bool
	NDiscard          int
}

// ChatMessage is one turn of a ChatRequest.
type ChatMessage struct {
	Role    string
	Content string
}

// EmbeddingRequest is the external shape of an embedding job.
type EmbeddingRequest struct {
	Input     string
	Pooled    bool
	Normalize bool
}

// ValidateCompletion checks a CompletionRequest's shape before it is
// tokenized or scheduled.
func ValidateCompletion(r CompletionRequest) error {
	if r.Prompt == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalid)
	}
	if r.MaxTokens < 0 || r.MaxTokens > MaxNewTokensLimit {
		return fmt.Errorf("%w: max_tokens must be within [0,%d]", ErrInvalid, MaxNewTokensLimit)
	}
	if r.MinTokens < 0 || r.MinTokens > MinLengthLimit {
		return fmt.Errorf("%w: min_length must be within [0,%d]", ErrInvalid, MinLengthLimit)
	}
	if r.Temperature < 0 {
		return fmt.Errorf("%w: temperature must be >= 0", ErrInvalid)
	}
	if r.TopP < 0 || r.TopP > 1 {
		return fmt.Errorf("%w: top_p must be within [0,1]", ErrInvalid)
	}
	if r.Grammar != "" && len(r.JSONSchema) > 0 {
		return fmt.Errorf("%w: grammar and json_schema are mutually exclusive", ErrInvalid)
	}
	return nil
}

// ValidateChat checks a ChatRequest's shape before templating/tokenizing.
func ValidateChat(r ChatRequest) error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalid)
	}
	if r.MaxTokens < 0 || r.MaxTokens > MaxNewTokensLimit {
		return fmt.Errorf("%w: max_tokens must be within [0,%d]", ErrInvalid, MaxNewTokensLimit)
	}
	if r.MinTokens < 0 || r.MinTokens > MinLengthLimit {
		return fmt.Errorf("%w: min_length must be within [0,%d]", ErrInvalid, MinLengthLimit)
	}
	if r.Grammar != "" && len(r.JSONSchema) > 0 {
		return fmt.Errorf("%w: grammar and json_schema are mutually exclusive", ErrInvalid)
	}
	return nil
}

// ValidateEmbedding checks an EmbeddingRequest's shape.
func ValidateEmbedding(r EmbeddingRequest) error {
	if r.Input == "" {
		return fmt.Errorf("%w: input must not be empty", ErrInvalid)
	}
	if len(r.Input) > MaxEmbeddingInputChars {
		return fmt.Errorf("%w: input must be at most %d characters", ErrInvalid, MaxEmbeddingInputChars)
	}
	return nil
}

// NewID mints a fresh job id.
func NewID() string {
	return uuid.NewString()
}
