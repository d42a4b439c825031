package engine_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/engine"
	"github.com/noxrun/noxrun/internal/jobqueue"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func fakeModelFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nox.gguf")
	require.NoError(t, os.WriteFile(path, []byte("gguf"), 0o644))
	return path
}

func newTestEngine(t *testing.T, opts ...func(*engine.LoadParams)) *engine.Engine {
	t.Helper()
	engine.HeartbeatInterval = 10 * time.Millisecond
	log := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	e := engine.New(log, backend.NewFakeEngine("the", "quick", "brown", "fox"))
	p := engine.LoadParams{
		ModelPath:     fakeModelFile(t),
		ContextLength: 256,
		BatchSize:     64,
		Parallel:      2,
		SessionsDir:   t.TempDir(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	require.NoError(t, e.LoadModel(p))
	t.Cleanup(func() { require.NoError(t, e.Close()) })
	return e
}

func TestSubmitCompletionRunsToCompletion(t *testing.T) {
	e := newTestEngine(t)

	jobID, err := e.SubmitCompletion(context.Background(), jobqueue.CompletionRequest{
		Prompt:      "the quick",
		MaxTokens:   3,
		Temperature: 0.7,
		TopP:        1,
		TopK:        0,
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	snap, err := e.Wait(context.Background(), jobID)
	require.NoError(t, err)
	require.True(t, snap.State.Terminal())
	require.NoError(t, snap.Err)
	require.True(t, e.IsFinished(jobID))
	require.False(t, e.HasError(jobID))
	require.Empty(t, e.JobError(jobID))

	res, ok := e.Result(jobID)
	require.True(t, ok)
	require.Positive(t, res.PromptTokens)
}

func TestSubmitCompletionWithZeroBudgetGeneratesNothing(t *testing.T) {
	e := newTestEngine(t)

	jobID, err := e.SubmitCompletion(context.Background(), jobqueue.CompletionRequest{
		Prompt:    "the quick brown",
		MaxTokens: 0,
	})
	require.NoError(t, err)

	snap, err := e.Wait(context.Background(), jobID)
	require.NoError(t, err)
	require.NoError(t, snap.Err)
	require.Zero(t, snap.GeneratedTokens)
}

func TestSubmitCompletionRejectsInvalidRequest(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.SubmitCompletion(context.Background(), jobqueue.CompletionRequest{Prompt: ""})
	require.Error(t, err)
}

func TestLoadModelValidatesPath(t *testing.T) {
	log := slog.New(slog.NewTextHandler(nopWriter{}, nil))

	e := engine.New(log, backend.NewFakeEngine())
	err := e.LoadModel(engine.LoadParams{ModelPath: "/does/not/exist.gguf", ContextLength: 256})
	require.Error(t, err)

	e = engine.New(log, backend.NewFakeEngine())
	notGguf := filepath.Join(t.TempDir(), "model.bin")
	require.NoError(t, os.WriteFile(notGguf, []byte("x"), 0o644))
	err = e.LoadModel(engine.LoadParams{ModelPath: notGguf, ContextLength: 256})
	require.ErrorContains(t, err, ".gguf")
}

func TestLoadModelTwiceFails(t *testing.T) {
	e := newTestEngine(t)

	err := e.LoadModel(engine.LoadParams{ModelPath: fakeModelFile(t), ContextLength: 256, Parallel: 1})
	require.Error(t, err)
}

func TestEmbeddingSplitAtSubmissionBoundary(t *testing.T) {
	gen := newTestEngine(t)
	_, err := gen.SubmitEmbedding(context.Background(), jobqueue.EmbeddingRequest{Input: "the quick"})
	require.ErrorIs(t, err, engine.ErrUnsupportedKind)

	emb := newTestEngine(t, func(p *engine.LoadParams) { p.Embedding = true })
	_, err = emb.SubmitCompletion(context.Background(), jobqueue.CompletionRequest{Prompt: "hi", MaxTokens: 1})
	require.ErrorIs(t, err, engine.ErrUnsupportedKind)

	res, err := emb.SubmitEmbedding(context.Background(), jobqueue.EmbeddingRequest{
		Input:     "the quick brown",
		Pooled:    true,
		Normalize: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Embedding)
	require.Equal(t, 3, res.TokensCount)
}

func TestConcurrentEmbeddingSubmissions(t *testing.T) {
	emb := newTestEngine(t, func(p *engine.LoadParams) { p.Embedding = true })

	inputs := []string{"the quick", "brown fox the"}
	results := make([]engine.EmbeddingResult, len(inputs))
	errs := make([]error, len(inputs))

	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in string) {
			defer wg.Done()
			results[i], errs[i] = emb.SubmitEmbedding(context.Background(), jobqueue.EmbeddingRequest{
				Input:  in,
				Pooled: true,
			})
		}(i, in)
	}
	wg.Wait()

	for i := range inputs {
		require.NoError(t, errs[i])
		require.NotEmpty(t, results[i].Embedding)
		require.Positive(t, results[i].TokensCount)
	}
}

func TestCancelUnknownJobReturnsFalse(t *testing.T) {
	e := newTestEngine(t)
	require.False(t, e.Cancel("no-such-job"))
}

func TestJobUnknownReturnsNotOK(t *testing.T) {
	e := newTestEngine(t)
	_, ok := e.Job("no-such-job")
	require.False(t, ok)
}

// TestCloseStopsBackgroundGoroutines exercises the errgroup-coordinated
// shutdown path: the heartbeat goroutine must observe cancellation and
// return before Close returns, not leak past it.
func TestCloseStopsBackgroundGoroutines(t *testing.T) {
	log := slog.New(slog.NewTextHandler(nopWriter{}, nil))
	e := engine.New(log, backend.NewFakeEngine("a", "b"))
	engine.HeartbeatInterval = 5 * time.Millisecond
	require.NoError(t, e.LoadModel(engine.LoadParams{
		ModelPath:     fakeModelFile(t),
		ContextLength: 128,
		BatchSize:     32,
		Parallel:      1,
		SessionsDir:   t.TempDir(),
	}))
	time.Sleep(20 * time.Millisecond) // let the heartbeat tick at least once
	require.NoError(t, e.Close())
}
