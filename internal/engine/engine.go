// Package engine is the top-level façade wiring the tokenizer, sampler
// factory, session store, slot pool, and scheduler loop behind the
// programmatic surface callers actually use: load a model, submit jobs,
// observe them. It plays the same role LLMEngine does in nano-go-vllm's
// internal/engine/llm_engine.go — a thin coordinator, not where any of the
// real algorithms live.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/jobqueue"
	"github.com/noxrun/noxrun/internal/sampler"
	"github.com/noxrun/noxrun/internal/scheduler"
	"github.com/noxrun/noxrun/internal/session"
	"github.com/noxrun/noxrun/internal/slotpool"
	"github.com/noxrun/noxrun/internal/tokenizer"
)

// HeartbeatInterval controls how often the background heartbeat goroutine
// logs scheduler occupancy. Zero disables the heartbeat.
var HeartbeatInterval = 30 * time.Second

// ErrUnsupportedKind is returned when a generation job is submitted to an
// embedding engine or vice versa; the split lives here, at the submission
// boundary, not inside the scheduler loop.
var ErrUnsupportedKind = errors.New("engine: job kind not supported by this model")

// LoadParams configures the model load and the decode context created
// against it.
type LoadParams struct {
	ModelPath      string
	ContextLength  int
	BatchSize      int
	Parallel       int
	GPULayers      int
	UseMmap        bool
	UseMlock       bool
	Threads        int
	NKeep          int // leading tokens pinned across a context shift; 0 uses half ContextLength
	WarmupPrefetch bool
	Embedding      bool // load for embedding extraction instead of generation
	SessionsDir    string
	OverflowDir    string
}

// EmbeddingResult is what an embedding job produces.
type EmbeddingResult struct {
	Embedding   []float32
	TokensCount int
}

// Engine is the process's single loaded model plus everything scheduled
// against it.
type Engine struct {
	log *slog.Logger
	be  backend.Engine

	mu        sync.Mutex
	model     backend.Model
	ctx       backend.Context
	tokenizer *tokenizer.Tokenizer
	samplers  *sampler.Factory
	slots     *slotpool.Pool
	sessions  *session.Store
	sched     *scheduler.Scheduler
	embedding bool

	// background holds the scheduler's run loop and its heartbeat,
	// coordinated so Close can tear both down and surface the first
	// error either one returns, the same shutdown shape
	// ollama/ollama's runner uses errgroup for around its own
	// long-lived goroutines.
	background *errgroup.Group
	stopBg     context.CancelFunc
}

// New creates an Engine bound to be (the concrete backend — production
// code uses backend.NewLlamaEngine(), tests use backend.NewFakeEngine()).
func New(log *slog.Logger, be backend.Engine) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log, be: be}
}

// LoadModel loads a GGUF file and stands up the scheduler loop for it.
// Only one model may be loaded per Engine; call LoadModel again after a
// fresh Engine to switch models (hot swap within one running engine is out
// of scope).
func (e *Engine) LoadModel(p LoadParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		return fmt.Errorf("engine: a model is already loaded")
	}
	if err := validateLoadParams(p); err != nil {
		return err
	}

	model, err := e.be.LoadModel(p.ModelPath, backend.ModelParams{
		NGpuLayers:     p.GPULayers,
		UseMmap:        p.UseMmap,
		UseMlock:       p.UseMlock,
		WarmupPrefetch: p.WarmupPrefetch,
	})
	if err != nil {
		return fmt.Errorf("engine: load model: %w", err)
	}

	if train := model.NCtxTrain(); train > 0 && p.ContextLength > train {
		e.log.Warn("requested context exceeds the model's training context",
			"requested", p.ContextLength, "trained", train)
	}

	parallel := p.Parallel
	if parallel <= 0 {
		parallel = 1
	}
	ctx, err := e.be.NewContext(model, backend.ContextParams{
		NCtx:       p.ContextLength,
		NBatch:     p.BatchSize,
		NSeqMax:    parallel,
		NThreads:   p.Threads,
		Embeddings: p.Embedding,
	})
	if err != nil {
		_ = model.Close()
		return fmt.Errorf("engine: create context: %w", err)
	}

	sessionsDir := p.SessionsDir
	if sessionsDir == "" {
		sessionsDir = "sessions"
	}
	store, err := session.New(sessionsDir, ctx)
	if err != nil {
		_ = ctx.Close()
		_ = model.Close()
		return fmt.Errorf("engine: open session store: %w", err)
	}

	nKeep := p.NKeep
	if nKeep <= 0 {
		nKeep = p.ContextLength / 2
	}

	slots := slotpool.New(ctx, parallel)
	sched := scheduler.New(e.log, ctx, model, slots, store, scheduler.Config{
		NCtx:        p.ContextLength,
		BatchSize:   p.BatchSize,
		NKeep:       nKeep,
		OverflowDir: p.OverflowDir,
	})

	e.model = model
	e.ctx = ctx
	e.tokenizer = tokenizer.New(model)
	e.samplers = sampler.NewFactory(ctx)
	e.slots = slots
	e.sessions = store
	e.sched = sched
	e.embedding = p.Embedding

	bgCtx, cancel := context.WithCancel(context.Background())
	eg, egCtx := errgroup.WithContext(bgCtx)
	eg.Go(func() error {
		sched.Run()
		return nil
	})
	if HeartbeatInterval > 0 {
		eg.Go(func() error {
			e.heartbeat(egCtx, sched)
			return nil
		})
	}
	e.background = eg
	e.stopBg = cancel
	return nil
}

func validateLoadParams(p LoadParams) error {
	if p.ModelPath == "" {
		return fmt.Errorf("engine: model path is required")
	}
	if !strings.HasSuffix(p.ModelPath, ".gguf") {
		return fmt.Errorf("engine: model file must have a .gguf extension: %s", p.ModelPath)
	}
	if _, err := os.Stat(p.ModelPath); err != nil {
		return fmt.Errorf("engine: model file: %w", err)
	}
	return nil
}

// heartbeat periodically logs scheduler occupancy until ctx is cancelled,
// the orphan-goroutine shape an errgroup-coordinated background worker
// takes when it has nothing to report back except log lines.
func (e *Engine) heartbeat(ctx context.Context, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.log.Debug("scheduler heartbeat", "active_jobs", sched.ActiveCount())
		}
	}
}

// Close tears the engine down: stops the scheduler (failing any live jobs),
// shuts the slot pool, and releases the backend context and model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sched != nil {
		e.sched.Stop()
	}
	if e.slots != nil {
		e.slots.Shutdown()
	}
	if e.stopBg != nil {
		e.stopBg()
	}
	var firstErr error
	if e.background != nil {
		if err := e.background.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.ctx != nil {
		if err := e.ctx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.model != nil {
		if err := e.model.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SubmitCompletion tokenizes req.Prompt, builds a sampler chain, and
// schedules a completion job. Any saved session matching req.SessionID is
// picked up by the scheduler when the job enters its prompt phase.
func (e *Engine) SubmitCompletion(ctx context.Context, req jobqueue.CompletionRequest) (string, error) {
	if err := jobqueue.ValidateCompletion(req); err != nil {
		return "", err
	}
	e.mu.Lock()
	tz, samplers, sched, embedding := e.tokenizer, e.samplers, e.sched, e.embedding
	e.mu.Unlock()
	if sched == nil {
		return "", fmt.Errorf("engine: no model loaded")
	}
	if embedding {
		return "", fmt.Errorf("%w: completion on an embedding model", ErrUnsupportedKind)
	}

	toks, err := e.promptTokens(tz, req.Prompt)
	if err != nil {
		return "", err
	}

	job := scheduler.NewJob(jobqueue.NewID(), scheduler.KindCompletion, toks)
	job.SessionID = req.SessionID
	job.MaxTokens = req.MaxTokens
	job.MinTokens = req.MinTokens
	job.StopStrings = req.StopStrings
	job.AllowShift = req.AllowContextShift
	job.NDiscard = req.NDiscard

	s, err := samplers.Build(sampler.Params{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		Seed:          req.Seed,
		Grammar:       req.Grammar,
		JSONSchema:    req.JSONSchema,
		RepeatLastN:   64,
		RepeatPenalty: 1.1,
	})
	if err != nil {
		return "", err
	}
	job.Sampler = s

	if err := sched.Submit(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// SubmitChatCompletion renders req.Messages through the chat template,
// then follows the same path as SubmitCompletion.
func (e *Engine) SubmitChatCompletion(ctx context.Context, req jobqueue.ChatRequest) (string, error) {
	if err := jobqueue.ValidateChat(req); err != nil {
		return "", err
	}
	e.mu.Lock()
	tz, samplers, sched, embedding := e.tokenizer, e.samplers, e.sched, e.embedding
	e.mu.Unlock()
	if sched == nil {
		return "", fmt.Errorf("engine: no model loaded")
	}
	if embedding {
		return "", fmt.Errorf("%w: chat completion on an embedding model", ErrUnsupportedKind)
	}

	msgs := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = tokenizer.Message{Role: m.Role, Content: m.Content}
	}
	prompt, err := tz.ApplyChatTemplate(msgs, true)
	if err != nil {
		return "", fmt.Errorf("engine: apply chat template: %w", err)
	}

	toks, err := e.promptTokens(tz, prompt)
	if err != nil {
		return "", err
	}

	job := scheduler.NewJob(jobqueue.NewID(), scheduler.KindChatCompletion, toks)
	job.SessionID = req.SessionID
	job.MaxTokens = req.MaxTokens
	job.MinTokens = req.MinTokens
	job.StopStrings = req.StopStrings
	job.AllowShift = req.AllowContextShift
	job.NDiscard = req.NDiscard

	s, err := samplers.Build(sampler.Params{
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		Seed:          req.Seed,
		Grammar:       req.Grammar,
		JSONSchema:    req.JSONSchema,
		RepeatLastN:   64,
		RepeatPenalty: 1.1,
	})
	if err != nil {
		return "", err
	}
	job.Sampler = s

	if err := sched.Submit(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// promptTokens tokenizes a prompt and guarantees the scheduler receives a
// non-empty input: a prompt that tokenizes to nothing (e.g. whitespace on
// some vocabularies) is replaced by a lone BOS token when the model's BOS
// discipline allows it.
func (e *Engine) promptTokens(tz *tokenizer.Tokenizer, prompt string) ([]backend.TokenID, error) {
	toks, err := tz.Tokenize(prompt, true, true)
	if err != nil {
		return nil, fmt.Errorf("engine: tokenize: %w", err)
	}
	if len(toks) == 0 {
		if !tz.ShouldAddBos() {
			return nil, fmt.Errorf("engine: prompt produced no tokens")
		}
		toks = []backend.TokenID{tz.TokenBos()}
	}
	return toks, nil
}

// SubmitEmbedding tokenizes req.Input and schedules an embedding job,
// blocking until the scheduler loop has decoded it and extracted the
// vector. The job rides the same batching loop as completions — several
// concurrent embeddings pack into one decode on distinct slots — but the
// call stays synchronous, since embeddings don't participate in the
// generation loop's observe-later lifecycle.
func (e *Engine) SubmitEmbedding(ctx context.Context, req jobqueue.EmbeddingRequest) (EmbeddingResult, error) {
	if err := jobqueue.ValidateEmbedding(req); err != nil {
		return EmbeddingResult{}, err
	}
	e.mu.Lock()
	tz, sched, embedding := e.tokenizer, e.sched, e.embedding
	e.mu.Unlock()
	if sched == nil {
		return EmbeddingResult{}, fmt.Errorf("engine: no model loaded")
	}
	if !embedding {
		return EmbeddingResult{}, fmt.Errorf("%w: embedding on a generative model", ErrUnsupportedKind)
	}

	toks, err := tz.Tokenize(req.Input, true, true)
	if err != nil {
		return EmbeddingResult{}, fmt.Errorf("engine: tokenize: %w", err)
	}

	job := scheduler.NewJob(jobqueue.NewID(), scheduler.KindEmbedding, toks)
	job.EmbedPooled = req.Pooled
	job.EmbedNormalize = req.Normalize
	if err := sched.Submit(ctx, job); err != nil {
		return EmbeddingResult{}, err
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		job.Cancel()
		<-job.Done()
	}
	snap := job.Snapshot()
	if snap.Err != nil {
		return EmbeddingResult{}, fmt.Errorf("engine: embedding job: %w", snap.Err)
	}
	if snap.State == scheduler.StateCancelled {
		return EmbeddingResult{}, ctx.Err()
	}
	return EmbeddingResult{Embedding: snap.Embedding, TokensCount: len(toks)}, nil
}

// Job returns the job's current snapshot, the basis for Observe-style
// polling by callers; safe to call repeatedly while the job streams.
func (e *Engine) Job(id string) (scheduler.Snapshot, bool) {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return scheduler.Snapshot{}, false
	}
	j, ok := sched.Job(id)
	if !ok {
		return scheduler.Snapshot{}, false
	}
	return j.Snapshot(), true
}

// IsFinished reports whether the job has reached a terminal state. Unknown
// ids report true, so a caller polling a pruned job does not spin.
func (e *Engine) IsFinished(id string) bool {
	snap, ok := e.Job(id)
	if !ok {
		return true
	}
	return snap.State.Terminal()
}

// HasError reports whether the job terminated with an error.
func (e *Engine) HasError(id string) bool {
	snap, ok := e.Job(id)
	return ok && snap.Err != nil
}

// JobError returns the job's error text, or "" when it has none.
func (e *Engine) JobError(id string) string {
	snap, ok := e.Job(id)
	if !ok || snap.Err == nil {
		return ""
	}
	return snap.Err.Error()
}

// Result is an alias for Job kept for symmetry with the observation
// surface: the snapshot already carries text, token counts, TTFT and TPS.
func (e *Engine) Result(id string) (scheduler.Snapshot, bool) {
	return e.Job(id)
}

// Cancel requests cancellation of a running job.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return false
	}
	j, ok := sched.Job(id)
	if !ok {
		return false
	}
	j.Cancel()
	return true
}

// Wait blocks until the job reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (scheduler.Snapshot, error) {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched == nil {
		return scheduler.Snapshot{}, fmt.Errorf("engine: no model loaded")
	}
	j, ok := sched.Job(id)
	if !ok {
		return scheduler.Snapshot{}, fmt.Errorf("engine: unknown job %q", id)
	}
	select {
	case <-j.Done():
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// SaveSession persists the given logical session id's decoded KV state
// under the engine's session store, e.g. after a job completes.
func (e *Engine) SaveSession(id string, tokens []backend.TokenID) error {
	e.mu.Lock()
	sessions := e.sessions
	e.mu.Unlock()
	if sessions == nil {
		return fmt.Errorf("engine: no model loaded")
	}
	return sessions.Save(id, tokens)
}
