package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
)

// FakeEngine is a pure-Go stand-in for the llama.cpp-backed Engine, used by
// scheduler and session tests so they don't depend on a real GGUF file or
// cgo. It tokenizes by whitespace-splitting and "decodes" deterministically:
// every position that requests logits favours the vocabulary entry right
// after the token decoded there.
type FakeEngine struct {
	Vocab []string
}

// NewFakeEngine builds a FakeEngine starting from the given vocabulary:
// index 0 is reserved as EOG, and Tokenize appends any word it has not seen
// before.
func NewFakeEngine(vocab ...string) *FakeEngine {
	return &FakeEngine{Vocab: append([]string{"<eog>"}, vocab...)}
}

func (e *FakeEngine) LoadModel(path string, p ModelParams) (Model, error) {
	return &fakeModel{engine: e}, nil
}

func (e *FakeEngine) NewContext(m Model, p ContextParams) (Context, error) {
	fm, ok := m.(*fakeModel)
	if !ok {
		return nil, fmt.Errorf("backend: model not created by FakeEngine")
	}
	return &fakeContext{
		model: fm,
		embed: p.Embeddings,
		kv:    make(map[SeqID][]TokenID),
		pos:   make(map[SeqID]int32),
	}, nil
}

type fakeModel struct {
	engine *FakeEngine
}

func (m *fakeModel) Tokenize(text string, addSpecial, parseSpecial bool) ([]TokenID, error) {
	fields := strings.Fields(text)
	out := make([]TokenID, 0, len(fields))
	for _, f := range fields {
		out = append(out, m.tokenFor(f))
	}
	return out, nil
}

func (m *fakeModel) tokenFor(word string) TokenID {
	for i, v := range m.engine.Vocab {
		if v == word {
			return TokenID(i)
		}
	}
	m.engine.Vocab = append(m.engine.Vocab, word)
	return TokenID(len(m.engine.Vocab) - 1)
}

func (m *fakeModel) TokenToPiece(tok TokenID) string {
	if int(tok) < 0 || int(tok) >= len(m.engine.Vocab) {
		return ""
	}
	return " " + m.engine.Vocab[tok]
}

func (m *fakeModel) TokenIsEog(tok TokenID) bool { return tok == 0 }

func (m *fakeModel) ChatTemplate() (string, bool) { return "", false }

func (m *fakeModel) NVocab() int { return len(m.engine.Vocab) }

func (m *fakeModel) NCtxTrain() int { return 8192 }

func (m *fakeModel) ShouldAddBos() bool { return true }

func (m *fakeModel) TokenBos() TokenID { return 0 }

func (m *fakeModel) Close() error { return nil }

// fakeContext tracks, per sequence, the token history decoded so far so
// SeqRemove/SeqShift can be exercised by scheduler tests exactly like a
// real KV cache would be.
type fakeContext struct {
	model       *fakeModel
	embed       bool
	kv          map[SeqID][]TokenID
	pos         map[SeqID]int32
	logitsByIdx map[int][]float32
	decodeErr   error
	decodeCalls int
}

// DecodeCalls reports how many Decode calls have run, letting tests assert
// that concurrent jobs were packed into a single batch.
func (c *fakeContext) DecodeCalls() int {
	return c.decodeCalls
}

// FailNextDecode arms a one-shot decode failure, letting scheduler tests
// exercise the decode-error fan-out path. Tests reach it through an
// interface assertion since the context type itself is unexported.
func (c *fakeContext) FailNextDecode(err error) {
	c.decodeErr = err
}

func (c *fakeContext) Decode(ctx context.Context, batch *Batch) error {
	if c.decodeErr != nil {
		err := c.decodeErr
		c.decodeErr = nil
		return err
	}
	c.decodeCalls++
	if c.logitsByIdx == nil {
		c.logitsByIdx = make(map[int][]float32)
	}
	for i, e := range batch.Entries() {
		c.kv[e.Seq] = append(c.kv[e.Seq], e.Token)
		c.pos[e.Seq] = e.Pos + 1
		if e.WantsLogits {
			v := make([]float32, c.model.NVocab())
			// deterministic pseudo-logit: favour the token after e.Token,
			// wrapping to EOG at the end of the vocabulary.
			next := (int(e.Token) + 1) % len(v)
			v[next] = 10
			c.logitsByIdx[i] = v
		}
	}
	return nil
}

func (c *fakeContext) SeqRemove(seq SeqID, p0, p1 int32) {
	toks := c.kv[seq]
	end := p1
	if end < 0 || int(end) > len(toks) {
		end = int32(len(toks))
	}
	if int(p0) > len(toks) {
		return
	}
	c.kv[seq] = append(append([]TokenID{}, toks[:p0]...), toks[end:]...)
}

func (c *fakeContext) SeqShift(seq SeqID, p0, p1 int32, delta int32) {
	// the fake cache stores tokens, not positions, so shifting is a no-op
	// beyond what SeqRemove already did; real positions are tracked by pos.
	c.pos[seq] += delta
}

func (c *fakeContext) SeqCopy(src, dst SeqID) {
	c.kv[dst] = append([]TokenID{}, c.kv[src]...)
	c.pos[dst] = c.pos[src]
}

func (c *fakeContext) ClearAll() {
	c.kv = make(map[SeqID][]TokenID)
	c.pos = make(map[SeqID]int32)
}

func (c *fakeContext) CanShift() bool { return true }

func (c *fakeContext) GetLogits(i int) []float32 { return c.logitsByIdx[i] }

func (c *fakeContext) GetEmbeddingsSeq(seq SeqID) ([]float32, error) {
	toks := c.kv[seq]
	return pooledEmbedding(toks, c.model.NVocab()), nil
}

func (c *fakeContext) GetEmbeddingsIth(i int) ([]float32, error) {
	v := make([]float32, c.model.NVocab())
	return v, nil
}

func pooledEmbedding(toks []TokenID, dim int) []float32 {
	v := make([]float32, dim)
	for _, t := range toks {
		v[int(t)%dim]++
	}
	return v
}

const fakeStateMagic = 0x4e4f5853 // "NOXS"

// StateSaveFile writes a real file so the session store's existence and
// corruption handling behave the same against the fake as against the
// llama.cpp backend: a magic header, a token count, and the raw ids.
func (c *fakeContext) StateSaveFile(path string, tokens []TokenID) error {
	buf := make([]byte, 8+4*len(tokens))
	binary.LittleEndian.PutUint32(buf[0:4], fakeStateMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(tokens)))
	for i, t := range tokens {
		binary.LittleEndian.PutUint32(buf[8+4*i:], uint32(t))
	}
	return os.WriteFile(path, buf, 0o644)
}

func (c *fakeContext) StateLoadFile(path string, maxTokens int) ([]TokenID, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) < 8 || binary.LittleEndian.Uint32(b[0:4]) != fakeStateMagic {
		return nil, fmt.Errorf("backend: corrupt state file %s", path)
	}
	n := int(binary.LittleEndian.Uint32(b[4:8]))
	if len(b) < 8+4*n {
		return nil, fmt.Errorf("backend: truncated state file %s", path)
	}
	if maxTokens > 0 && n > maxTokens {
		n = maxTokens
	}
	out := make([]TokenID, n)
	for i := range out {
		out[i] = TokenID(binary.LittleEndian.Uint32(b[8+4*i:]))
	}
	return out, nil
}

func (c *fakeContext) NewSampler(p SamplingParams) (Sampler, error) {
	return &fakeSampler{}, nil
}

func (c *fakeContext) Close() error { return nil }

type fakeSampler struct {
	closed bool
}

func (s *fakeSampler) Sample(ctx Context, logitsIndex int) TokenID {
	fc := ctx.(*fakeContext)
	logits := fc.logitsByIdx[logitsIndex]
	best := TokenID(0)
	var bestVal float32
	for i, v := range logits {
		if v > bestVal {
			bestVal = v
			best = TokenID(i)
		}
	}
	return best
}

func (s *fakeSampler) Accept(tok TokenID) {}

func (s *fakeSampler) Reset() {}

func (s *fakeSampler) Close() error {
	if s.closed {
		panic("fakeSampler: closed twice")
	}
	s.closed = true
	return nil
}
