package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	llamago "github.com/tcpipuk/llama-go"
)

// llamaEngine adapts github.com/tcpipuk/llama-go to the Engine interface.
// llama-go is a CGo binding over llama.cpp; its Model/Context types expose
// the same decode/KV-cache primitives llama.cpp's C API does, which is the
// same shape ollama's llama package (the teacher's dependency) exposed.
type llamaEngine struct{}

// NewLlamaEngine returns the production Engine backed by llama.cpp.
func NewLlamaEngine() Engine { return &llamaEngine{} }

func (e *llamaEngine) LoadModel(path string, p ModelParams) (Model, error) {
	opts := []llamago.ModelOption{
		llamago.WithGPULayers(p.NGpuLayers),
	}
	if p.ProgressFunc != nil {
		opts = append(opts, llamago.WithProgressCallback(p.ProgressFunc))
	}
	if p.UseMmap {
		opts = append(opts, llamago.WithMmap(true))
	}
	if p.UseMlock {
		opts = append(opts, llamago.WithMlock(true))
	}
	if p.WarmupPrefetch {
		// read the file once, sequentially, so its pages are already in the
		// OS page cache when llama.cpp maps it.
		if f, err := os.Open(path); err == nil {
			_, _ = io.Copy(io.Discard, f)
			_ = f.Close()
		}
	}
	m, err := llamago.LoadModel(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("backend: load model: %w", err)
	}
	return &llamaModel{m: m}, nil
}

func (e *llamaEngine) NewContext(m Model, p ContextParams) (Context, error) {
	lm, ok := m.(*llamaModel)
	if !ok {
		return nil, errors.New("backend: model not created by llamaEngine")
	}
	var opts []llamago.ContextOption
	if p.NCtx > 0 {
		opts = append(opts, llamago.WithContext(p.NCtx))
	}
	if p.NBatch > 0 {
		opts = append(opts, llamago.WithBatchSize(p.NBatch))
	}
	if p.NSeqMax > 0 {
		opts = append(opts, llamago.WithParallel(p.NSeqMax))
	}
	if p.NThreads > 0 {
		opts = append(opts, llamago.WithThreads(p.NThreads))
	}
	if p.Embeddings {
		opts = append(opts, llamago.WithEmbeddings(true))
	}
	lc, err := lm.m.NewContext(opts...)
	if err != nil {
		return nil, fmt.Errorf("backend: create context: %w", err)
	}
	return &llamaContext{ctx: lc, model: lm}, nil
}

type llamaModel struct {
	m *llamago.Model
}

func (m *llamaModel) Tokenize(text string, addSpecial, parseSpecial bool) ([]TokenID, error) {
	toks, err := m.m.Tokenize(text, addSpecial, parseSpecial)
	if err != nil {
		return nil, fmt.Errorf("backend: tokenize: %w", err)
	}
	out := make([]TokenID, len(toks))
	for i, t := range toks {
		out[i] = TokenID(t)
	}
	return out, nil
}

func (m *llamaModel) TokenToPiece(tok TokenID) string {
	return m.m.TokenToPiece(int32(tok))
}

func (m *llamaModel) TokenIsEog(tok TokenID) bool {
	return m.m.TokenIsEog(int32(tok))
}

func (m *llamaModel) ChatTemplate() (string, bool) {
	tmpl := m.m.ChatTemplate()
	return tmpl, tmpl != ""
}

func (m *llamaModel) NVocab() int {
	return m.m.NVocab()
}

func (m *llamaModel) NCtxTrain() int {
	return m.m.NCtxTrain()
}

func (m *llamaModel) ShouldAddBos() bool {
	return m.m.AddBosToken()
}

func (m *llamaModel) TokenBos() TokenID {
	return TokenID(m.m.TokenBos())
}

func (m *llamaModel) Close() error {
	return m.m.Close()
}

type llamaContext struct {
	ctx   *llamago.Context
	model *llamaModel
}

func (c *llamaContext) Decode(ctx context.Context, batch *Batch) error {
	lb := llamago.NewBatch(batch.Size())
	defer lb.Free()
	for _, e := range batch.Entries() {
		lb.Add(int32(e.Token), e.Pos, int32(e.Seq), e.WantsLogits)
	}
	if err := c.ctx.Decode(lb); err != nil {
		if errors.Is(err, llamago.ErrKvCacheFull) {
			return ErrKVCacheFull
		}
		return fmt.Errorf("backend: decode: %w", err)
	}
	return nil
}

func (c *llamaContext) SeqRemove(seq SeqID, p0, p1 int32) {
	c.ctx.KvCacheSeqRm(int32(seq), p0, p1)
}

func (c *llamaContext) SeqShift(seq SeqID, p0, p1 int32, delta int32) {
	c.ctx.KvCacheSeqAdd(int32(seq), p0, p1, delta)
}

func (c *llamaContext) SeqCopy(src, dst SeqID) {
	c.ctx.KvCacheSeqCp(int32(src), int32(dst), 0, -1)
}

func (c *llamaContext) ClearAll() {
	c.ctx.KvCacheClear()
}

func (c *llamaContext) CanShift() bool {
	return c.ctx.KvCacheCanShift()
}

func (c *llamaContext) GetLogits(i int) []float32 {
	return c.ctx.GetLogitsIth(i)
}

func (c *llamaContext) GetEmbeddingsSeq(seq SeqID) ([]float32, error) {
	v := c.ctx.GetEmbeddingsSeq(int32(seq))
	if v == nil {
		return nil, errors.New("backend: no pooled embeddings for sequence")
	}
	return v, nil
}

func (c *llamaContext) GetEmbeddingsIth(i int) ([]float32, error) {
	v := c.ctx.GetEmbeddingsIth(i)
	if v == nil {
		return nil, fmt.Errorf("backend: no embeddings for token %d", i)
	}
	return v, nil
}

func (c *llamaContext) StateSaveFile(path string, tokens []TokenID) error {
	toks := make([]int32, len(tokens))
	for i, t := range tokens {
		toks[i] = int32(t)
	}
	return c.ctx.StateSaveFile(path, toks)
}

func (c *llamaContext) StateLoadFile(path string, maxTokens int) ([]TokenID, error) {
	toks, err := c.ctx.StateLoadFile(path, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("backend: state load: %w", err)
	}
	out := make([]TokenID, len(toks))
	for i, t := range toks {
		out[i] = TokenID(t)
	}
	return out, nil
}

func (c *llamaContext) NewSampler(p SamplingParams) (Sampler, error) {
	chain := llamago.NewSamplerChain()
	// the grammar constraint applies in every mode, greedy included; it
	// must filter the distribution before any selection sampler runs.
	if p.Grammar != "" {
		chain.AddGrammar(c.model.m, p.Grammar, "root")
	}
	if p.Greedy {
		chain.AddGreedy()
		return &llamaSampler{chain: chain}, nil
	}
	if p.RepeatPenalty != 0 && p.RepeatPenalty != 1.0 {
		chain.AddPenalties(p.RepeatLastN, p.RepeatPenalty, 0, 0)
	}
	if p.TopK > 0 {
		chain.AddTopK(p.TopK)
	}
	if p.TopP > 0 && p.TopP < 1 {
		chain.AddTopP(p.TopP, 1)
	}
	if p.MinP > 0 {
		chain.AddMinP(p.MinP, 1)
	}
	chain.AddTemp(p.Temp)
	chain.AddDist(p.Seed)
	return &llamaSampler{chain: chain}, nil
}

func (c *llamaContext) Close() error {
	return c.ctx.Close()
}

type llamaSampler struct {
	chain *llamago.SamplerChain
}

func (s *llamaSampler) Sample(ctx Context, logitsIndex int) TokenID {
	lc := ctx.(*llamaContext)
	return TokenID(s.chain.Sample(lc.ctx, logitsIndex))
}

func (s *llamaSampler) Accept(tok TokenID) {
	s.chain.Accept(int32(tok))
}

func (s *llamaSampler) Reset() {
	s.chain.Reset()
}

func (s *llamaSampler) Close() error {
	s.chain.Free()
	return nil
}
