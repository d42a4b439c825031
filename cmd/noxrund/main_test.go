package main

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noxrun/noxrun/internal/config"
)

func TestReadPromptNewlineDelimited(t *testing.T) {
	r := &repl{}
	reader := bufio.NewReader(strings.NewReader("hello world\nsecond line\n"))

	p1, err := r.readPrompt(reader)
	require.NoError(t, err)
	require.Equal(t, "hello world\n", p1)

	p2, err := r.readPrompt(reader)
	require.NoError(t, err)
	require.Equal(t, "second line\n", p2)

	_, err = r.readPrompt(reader)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadPromptRecordSeparatorDelimited(t *testing.T) {
	r := &repl{serveRS: true}
	reader := bufio.NewReader(strings.NewReader("first\x1esecond\x1e"))

	p1, err := r.readPrompt(reader)
	require.NoError(t, err)
	require.Equal(t, "first", p1)

	p2, err := r.readPrompt(reader)
	require.NoError(t, err)
	require.Equal(t, "second", p2)

	_, err = r.readPrompt(reader)
	require.ErrorIs(t, err, io.EOF)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Model.Path = "from-config.gguf"
	return cfg
}

func TestApplyFlagOverridesLeavesUnsetValuesAlone(t *testing.T) {
	cfg := testConfig()
	empty, zero, level := "", 0, ""
	applyFlagOverrides(&cfg, &empty, &zero, &zero, &zero, &level)
	require.Equal(t, "from-config.gguf", cfg.Model.Path)
	require.Equal(t, 4096, cfg.Model.ContextLength)
}

func TestApplyFlagOverridesWins(t *testing.T) {
	cfg := testConfig()
	modelPath, ctxLen, level := "override.gguf", 8192, "debug"
	batch, parallel := 0, 0
	applyFlagOverrides(&cfg, &modelPath, &ctxLen, &batch, &parallel, &level)
	require.Equal(t, "override.gguf", cfg.Model.Path)
	require.Equal(t, 8192, cfg.Model.ContextLength)
	require.Equal(t, "debug", cfg.Logging.Level)
}
