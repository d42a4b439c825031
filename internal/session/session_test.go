package session_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/session"
)

func toks(vals ...int) []backend.TokenID {
	out := make([]backend.TokenID, len(vals))
	for i, v := range vals {
		out[i] = backend.TokenID(v)
	}
	return out
}

func TestMatchPrefixExtendedPrompt(t *testing.T) {
	old := toks(1, 2, 3)
	next := toks(1, 2, 3, 4, 5)
	require.Equal(t, 3, session.MatchPrefix(old, next, 2))
}

func TestMatchPrefixUnrelatedShorterPromptReusesNothing(t *testing.T) {
	old := toks(1, 2, 3, 4)
	next := toks(9)
	got := session.MatchPrefix(old, next, 2)
	require.Less(t, got, 1, "unrelated, shorter prompt should reuse nothing")
}

func TestMatchPrefixShiftedSuffix(t *testing.T) {
	// old kept a 2-token preserved prefix (nKeep=2) and then shifted its
	// window, dropping one token from the middle before continuing: the
	// new prompt is one token longer than old, so gap = 1.
	old := toks(1, 2, 4, 5, 6)
	next := toks(1, 2, 3, 4, 5, 6)
	got := session.MatchPrefix(old, next, 2)
	require.Equal(t, len(old), got, "shifted suffix beyond the preserved prefix should reuse the whole old session")
}

func TestMatchPrefixShiftedSuffixMismatchFallsBack(t *testing.T) {
	old := toks(1, 2, 4, 5, 6)
	next := toks(1, 2, 9, 9, 9, 9)
	got := session.MatchPrefix(old, next, 2)
	require.Equal(t, 2, got, "a non-matching suffix should fall back to the common prefix")
}

func TestMatchPrefixDecrementGuardOnLongerOldSession(t *testing.T) {
	old := toks(1, 2, 3, 4, 5, 6)
	next := toks(1, 2, 3)
	got := session.MatchPrefix(old, next, 2)
	require.Equal(t, 2, got)
}

func TestMatchPrefixShortOldSessionFallsBackToCommonPrefix(t *testing.T) {
	old := toks(1, 2)
	next := toks(1, 2, 3, 4)
	got := session.MatchPrefix(old, next, 8)
	require.Equal(t, 2, got)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fake := newFakeCtx(t)
	store, err := session.New(dir, fake)
	require.NoError(t, err)

	tokens := toks(1, 2, 3)
	require.NoError(t, store.Save("sess-a", tokens))

	rec, ok, err := store.Load("sess-a", 1024)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, tokens, rec.Tokens)
	require.Equal(t, filepath.Join(dir, "sess-a.state"), rec.Path)
}

func TestLoadCorruptSessionIsDeletedAndTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, err := session.New(dir, newFakeCtx(t))
	require.NoError(t, err)

	path := filepath.Join(dir, "bad.state")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a state blob"), 0o644))

	rec, ok, err := store.Load("bad", 1024)
	require.NoError(t, err, "corruption must never surface as an error")
	require.False(t, ok)
	require.Nil(t, rec)

	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr), "corrupt file should have been removed")
}

func TestLoadMissingSessionReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := session.New(dir, newFakeCtx(t))
	require.NoError(t, err)

	rec, ok, err := store.Load("missing", 1024)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, rec)
}

func newFakeCtx(t *testing.T) backend.Context {
	t.Helper()
	eng := backend.NewFakeEngine()
	m, err := eng.LoadModel("fake.gguf", backend.ModelParams{})
	require.NoError(t, err)
	ctx, err := eng.NewContext(m, backend.ContextParams{})
	require.NoError(t, err)
	return ctx
}
