package sampler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/sampler"
)

func newFactory(t *testing.T) *sampler.Factory {
	t.Helper()
	eng := backend.NewFakeEngine("hello", "world")
	m, err := eng.LoadModel("fake.gguf", backend.ModelParams{})
	require.NoError(t, err)
	ctx, err := eng.NewContext(m, backend.ContextParams{NCtx: 128})
	require.NoError(t, err)
	return sampler.NewFactory(ctx)
}

func TestBuildRejectsBothConstraints(t *testing.T) {
	f := newFactory(t)
	_, err := f.Build(sampler.Params{
		Temperature: 0.7,
		Grammar:     `root ::= "a"`,
		JSONSchema:  []byte(`{"type":"string"}`),
	})
	require.ErrorIs(t, err, sampler.ErrBothConstraints)
}

func TestBuildRejectsInvalidSchemaBeforeTouchingState(t *testing.T) {
	f := newFactory(t)
	_, err := f.Build(sampler.Params{
		Temperature: 0.7,
		JSONSchema:  []byte(`not json`),
	})
	require.Error(t, err)
}

func TestBuildPlainChain(t *testing.T) {
	f := newFactory(t)
	s, err := f.Build(sampler.Params{Temperature: 0.7, TopP: 0.9, TopK: 40})
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestBuildWithSchemaCompilesGrammar(t *testing.T) {
	f := newFactory(t)
	s, err := f.Build(sampler.Params{
		Temperature: 0.5,
		JSONSchema:  []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	})
	require.NoError(t, err)
	require.NotNil(t, s)
}
