// Package backend defines the narrow surface the scheduler needs from an
// inference engine: batched decode, sequence-scoped KV cache edits, logits
// and embedding extraction. Keeping this surface small lets the scheduler
// stay engine-agnostic; today the only implementation wraps llama.cpp
// through github.com/tcpipuk/llama-go.
package backend

import (
	"context"
	"errors"
)

// ErrKVCacheFull is returned from Decode when the KV cache has no room for
// the batch being processed. Callers are expected to shift or evict and
// retry; it is not a fatal error.
var ErrKVCacheFull = errors.New("backend: kv cache full")

// ErrVocabMismatch names a session blob or prompt decoded against a model
// whose vocabulary does not match the one it was produced with. Neither
// Engine implementation in this package returns it.
var ErrVocabMismatch = errors.New("backend: vocabulary mismatch")

// TokenID is a single vocabulary entry.
type TokenID int32

// SeqID names one of the parallel sequences a Context can track.
type SeqID int32

// ModelParams configures how a GGUF file is mapped into memory.
type ModelParams struct {
	NGpuLayers     int
	MainGpu        int
	UseMmap        bool
	UseMlock       bool
	VocabOnly      bool
	WarmupPrefetch bool
	ProgressFunc   func(float32)
}

// ContextParams configures a decode context created against a loaded model.
type ContextParams struct {
	NCtx          int
	NBatch        int
	NSeqMax       int
	NThreads      int
	NThreadsBatch int
	Embeddings    bool
	FlashAttn     string
}

// SamplingParams mirrors the llama.cpp sampler-chain knobs exposed to
// internal/sampler.
type SamplingParams struct {
	Temp          float32
	TopP          float32
	TopK          int
	MinP          float32
	RepeatLastN   int
	RepeatPenalty float32
	Seed          uint32
	Grammar       string // compiled GBNF text, empty if unconstrained
	Greedy        bool
}

// BatchEntry is one token's worth of input to a decode call.
type BatchEntry struct {
	Token       TokenID
	Pos         int32
	Seq         SeqID
	WantsLogits bool
}

// Batch accumulates BatchEntry values for a single Decode call, mirroring
// llama_batch's shape (parallel token/pos/seq/logits arrays).
type Batch struct {
	entries []BatchEntry
	cap     int
}

// NewBatch allocates a batch that can hold up to capacity tokens.
func NewBatch(capacity int) *Batch {
	return &Batch{entries: make([]BatchEntry, 0, capacity), cap: capacity}
}

// Size returns the batch's maximum token capacity.
func (b *Batch) Size() int { return b.cap }

// Len returns the number of tokens currently staged.
func (b *Batch) Len() int { return len(b.entries) }

// Clear empties the batch for reuse without reallocating.
func (b *Batch) Clear() { b.entries = b.entries[:0] }

// Add stages one token. It returns the index the token will occupy once
// decoded, mirroring the teacher's use of batch.Add's return to track
// iBatch for sampling.
func (b *Batch) Add(tok TokenID, pos int32, seq SeqID, wantsLogits bool) int {
	b.entries = append(b.entries, BatchEntry{Token: tok, Pos: pos, Seq: seq, WantsLogits: wantsLogits})
	return len(b.entries) - 1
}

// Entries exposes the staged entries for an adapter's Decode implementation.
func (b *Batch) Entries() []BatchEntry { return b.entries }

// Model is a loaded GGUF model: vocabulary plus weights.
type Model interface {
	Tokenize(text string, addSpecial, parseSpecial bool) ([]TokenID, error)
	TokenToPiece(tok TokenID) string
	TokenIsEog(tok TokenID) bool
	ChatTemplate() (string, bool)
	NVocab() int

	// NCtxTrain reports the context length the model was trained with;
	// contexts larger than this degrade quality but are not rejected.
	NCtxTrain() int

	// ShouldAddBos reports the model's BOS discipline: whether tokenizing
	// with special tokens enabled prepends a beginning-of-sequence token.
	ShouldAddBos() bool

	// TokenBos returns the model's beginning-of-sequence token id.
	TokenBos() TokenID

	Close() error
}

// Sampler is one constructed sampling chain bound to a single sequence.
type Sampler interface {
	Sample(ctx Context, logitsIndex int) TokenID
	Accept(tok TokenID)
	Reset()

	// Close frees the underlying sampler chain. Callers must release it
	// once, before the slot it was sampling against is released.
	Close() error
}

// Context is a decode context: the thing batched generation runs against.
type Context interface {
	// Decode runs one forward pass over the batch. ErrKVCacheFull signals
	// the caller should shift or evict KV and retry, not a fatal failure.
	Decode(ctx context.Context, batch *Batch) error

	// SeqRemove erases tokens [p0, p1) from a sequence's KV cache. p1 < 0
	// means "to the end".
	SeqRemove(seq SeqID, p0, p1 int32)

	// SeqShift adds delta to the position of every token in [p0, p1) of a
	// sequence's KV cache, relabeling positions after a left-trim.
	SeqShift(seq SeqID, p0, p1 int32, delta int32)

	// SeqCopy duplicates one sequence's KV entries onto another. The
	// scheduler does not call it.
	SeqCopy(src, dst SeqID)

	// ClearAll wipes every sequence's KV cache.
	ClearAll()

	// CanShift reports whether the loaded model/context supports KV shift
	// (false for some recurrent/hybrid architectures).
	CanShift() bool

	// GetLogits returns the vocabulary-sized logits vector for the i'th
	// token that requested logits in the most recent Decode.
	GetLogits(i int) []float32

	// GetEmbeddingsSeq returns the pooled embedding for a sequence when the
	// context was created with Embeddings enabled and pooling is active.
	GetEmbeddingsSeq(seq SeqID) ([]float32, error)

	// GetEmbeddingsIth returns the per-token embedding for token i, used
	// for last-token (non-pooled) extraction.
	GetEmbeddingsIth(i int) ([]float32, error)

	// StateSaveFile serializes the full context state (including KV) for
	// the given token history to path.
	StateSaveFile(path string, tokens []TokenID) error

	// StateLoadFile restores context state previously written by
	// StateSaveFile, returning the token history it was saved with.
	StateLoadFile(path string, maxTokens int) ([]TokenID, error)

	NewSampler(p SamplingParams) (Sampler, error)

	Close() error
}

// Engine loads models and creates decode contexts against them. It is the
// top-level handle internal/engine holds onto.
type Engine interface {
	LoadModel(path string, p ModelParams) (Model, error)
	NewContext(m Model, p ContextParams) (Context, error)
}
