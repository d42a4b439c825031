// Command noxrund loads a GGUF model and serves prompts from stdin, one per
// line, streaming generated text to stdout. It is a stand-in for the
// out-of-scope HTTP front end: real deployments put an HTTP/gRPC server in
// front of internal/engine, but the scheduler core behaves identically
// either way, so this CLI exercises the exact same engine surface a server
// handler would call. The stdin/stdout idiom, the record-separator framing,
// and the flag names continue the teacher's own `-serve`/`-serve-rs` CLI.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/config"
	"github.com/noxrun/noxrun/internal/engine"
	"github.com/noxrun/noxrun/internal/jobqueue"
)

const endMarker = "\n<<<NOX_END>>>\n"
const recordSeparator = byte(0x1e)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file")
		modelPath   = flag.String("model", "", "Path to the GGUF model (overrides config)")
		ctxLength   = flag.Int("ctx", 0, "Context length (overrides config)")
		batchSize   = flag.Int("batch", 0, "Batch size (overrides config)")
		parallel    = flag.Int("parallel", 0, "Max concurrent sequence slots (overrides config)")
		gpuLayers   = flag.Int("gpu-layers", 0, "Number of layers to offload to GPU")
		useMmap     = flag.Bool("mmap", true, "Memory-map the model file")
		useMlock    = flag.Bool("mlock", false, "Lock the model file's pages in RAM")
		prefetch    = flag.Bool("prefetch", false, "Warm the OS page cache by sequentially reading the model file before loading")
		maxTokens   = flag.Int("max-tokens", 256, "Default max_new_tokens per prompt")
		minTokens   = flag.Int("min-tokens", 0, "Default min_length per prompt (suppresses early stop until reached)")
		temp        = flag.Float64("temp", 0.7, "Sampling temperature")
		topP        = flag.Float64("top-p", 0.9, "Sampling top-p")
		topK        = flag.Int("top-k", 40, "Sampling top-k")
		seed        = flag.Int("seed", -1, "Sampling seed (-1 = random each prompt)")
		sessionID   = flag.String("session", "", "Logical session id to reuse KV across prompts")
		grammarPath = flag.String("grammar-file", "", "Path to a GBNF grammar file constraining output")
		schemaPath  = flag.String("json-schema-file", "", "Path to a JSON Schema file constraining output as JSON")
		embedMode   = flag.Bool("embed", false, "Load the model for embedding extraction; each stdin line becomes an embedding job")
		allowShift  = flag.Bool("allow-shift", true, "Left-trim the context window when a job outgrows it instead of failing")
		nDiscard    = flag.Int("n-discard", 0, "Tokens dropped per context shift (0 = half the overflow)")
		chatMode    = flag.Bool("chat", false, "Treat each stdin line as a chat user turn")
		systemMsg   = flag.String("system", "", "System prompt for -chat")
		serveRS     = flag.Bool("serve-rs", false, "Use ASCII record separator (0x1e) instead of newlines to delimit prompts")
		rawOut      = flag.Bool("raw", false, "Emit only generated text, no end-marker framing")
		logLevel    = flag.String("log-level", "", "Log level: debug|info|warn|error (overrides config)")
		logJSON     = flag.Bool("log-json", false, "Emit logs as JSON")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "noxrund: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(&cfg, modelPath, ctxLength, batchSize, parallel, logLevel)

	log := newLogger(cfg.Logging, *logJSON)
	slog.SetDefault(log)

	if cfg.Model.Path == "" {
		log.Error("no model path given (set -model, config.model.path, or NOX_MODEL_PATH)")
		os.Exit(1)
	}

	grammarText, err := readFileIfSet(*grammarPath)
	if err != nil {
		log.Error("reading grammar file", "err", err)
		os.Exit(1)
	}
	schemaBytes, err := readFileIfSet(*schemaPath)
	if err != nil {
		log.Error("reading json schema file", "err", err)
		os.Exit(1)
	}

	eng := engine.New(log, backend.NewLlamaEngine())
	log.Info("loading model", "path", cfg.Model.Path, "ctx", cfg.Model.ContextLength, "parallel", cfg.Model.Parallel)
	if err := eng.LoadModel(engine.LoadParams{
		ModelPath:      cfg.Model.Path,
		ContextLength:  cfg.Model.ContextLength,
		BatchSize:      cfg.Model.BatchSize,
		Parallel:       cfg.Model.Parallel,
		GPULayers:      *gpuLayers,
		UseMmap:        *useMmap,
		UseMlock:       *useMlock,
		Threads:        cfg.Model.Threads,
		NKeep:          cfg.Model.NKeep,
		WarmupPrefetch: *prefetch,
		Embedding:      cfg.Model.Embedding || *embedMode,
		SessionsDir:    cfg.Sessions.Dir,
		OverflowDir:    cfg.Sessions.OverflowDumpDir,
	}); err != nil {
		log.Error("load model", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Warn("engine close", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := &repl{
		eng:         eng,
		log:         log,
		out:         bufio.NewWriter(os.Stdout),
		maxTokens:   *maxTokens,
		minTokens:   *minTokens,
		temperature: float32(*temp),
		topP:        float32(*topP),
		topK:        *topK,
		seed:        *seed,
		sessionID:   *sessionID,
		embedMode:   cfg.Model.Embedding || *embedMode,
		allowShift:  *allowShift,
		nDiscard:    *nDiscard,
		chatMode:    *chatMode,
		systemMsg:   *systemMsg,
		grammar:     grammarText,
		jsonSchema:  schemaBytes,
		serveRS:     *serveRS,
		rawOut:      *rawOut,
	}
	if err := r.run(ctx, os.Stdin); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("serve loop", "err", err)
		os.Exit(1)
	}
}

func applyFlagOverrides(cfg *config.Config, modelPath *string, ctxLength, batchSize, parallel *int, logLevel *string) {
	if *modelPath != "" {
		cfg.Model.Path = *modelPath
	}
	if *ctxLength > 0 {
		cfg.Model.ContextLength = *ctxLength
	}
	if *batchSize > 0 {
		cfg.Model.BatchSize = *batchSize
	}
	if *parallel > 0 {
		cfg.Model.Parallel = *parallel
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
}

func newLogger(cfg config.LoggingConfig, forceJSON bool) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if forceJSON || cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func readFileIfSet(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return b, nil
}

// repl drives engine against successive prompts read from an input stream,
// mirroring the teacher's serveLoop: read a delimited chunk, run it, stream
// the result, write an end marker, repeat until EOF or shutdown.
type repl struct {
	eng *engine.Engine
	log *slog.Logger
	out *bufio.Writer

	maxTokens   int
	minTokens   int
	temperature float32
	topP        float32
	topK        int
	seed        int
	sessionID   string
	embedMode   bool
	allowShift  bool
	nDiscard    int
	chatMode    bool
	systemMsg   string
	grammar     []byte
	jsonSchema  []byte
	serveRS     bool
	rawOut      bool

	turns []jobqueue.ChatMessage // accumulated chat history when chatMode is set
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	reader := bufio.NewReader(in)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prompt, err := r.readPrompt(reader)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read prompt: %w", err)
		}
		prompt = strings.TrimSpace(prompt)
		if prompt == "" {
			continue
		}
		if prompt == "exit" || prompt == "quit" {
			return nil
		}

		if err := r.runOne(ctx, prompt); err != nil {
			r.log.Error("prompt failed", "err", err)
		}
		fmt.Fprint(r.out, endMarker)
		r.out.Flush()
	}
}

func (r *repl) readPrompt(reader *bufio.Reader) (string, error) {
	if r.serveRS {
		data, err := reader.ReadBytes(recordSeparator)
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if len(data) == 0 && errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if len(data) > 0 && data[len(data)-1] == recordSeparator {
			data = data[:len(data)-1]
		}
		return string(data), nil
	}
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if len(line) == 0 && errors.Is(err, io.EOF) {
		return "", io.EOF
	}
	return line, nil
}

func (r *repl) runOne(ctx context.Context, prompt string) error {
	var jobID string
	var err error

	if r.embedMode {
		return r.runEmbedding(ctx, prompt)
	}

	seed := r.seed
	if seed < 0 {
		seed = int(time.Now().UnixNano() & 0x7fffffff)
	}

	if r.chatMode {
		r.turns = append(r.turns, jobqueue.ChatMessage{Role: "user", Content: prompt})
		msgs := make([]jobqueue.ChatMessage, 0, len(r.turns)+1)
		if r.systemMsg != "" {
			msgs = append(msgs, jobqueue.ChatMessage{Role: "system", Content: r.systemMsg})
		}
		msgs = append(msgs, r.turns...)
		jobID, err = r.eng.SubmitChatCompletion(ctx, jobqueue.ChatRequest{
			SessionID:         r.sessionID,
			Messages:          msgs,
			MaxTokens:         r.maxTokens,
			MinTokens:         r.minTokens,
			Temperature:       r.temperature,
			TopP:              r.topP,
			TopK:              r.topK,
			Seed:              uint32(seed),
			Grammar:           string(r.grammar),
			JSONSchema:        r.jsonSchema,
			AllowContextShift: r.allowShift,
			NDiscard:          r.nDiscard,
		})
	} else {
		jobID, err = r.eng.SubmitCompletion(ctx, jobqueue.CompletionRequest{
			SessionID:         r.sessionID,
			Prompt:            prompt,
			MaxTokens:         r.maxTokens,
			MinTokens:         r.minTokens,
			Temperature:       r.temperature,
			TopP:              r.topP,
			TopK:              r.topK,
			Seed:              uint32(seed),
			Grammar:           string(r.grammar),
			JSONSchema:        r.jsonSchema,
			AllowContextShift: r.allowShift,
			NDiscard:          r.nDiscard,
		})
	}
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	res, err := r.stream(ctx, jobID)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return fmt.Errorf("job %s: %w", jobID, res.Err)
	}
	if r.chatMode {
		r.turns = append(r.turns, jobqueue.ChatMessage{Role: "assistant", Content: res.Text})
	}
	if !r.rawOut {
		r.log.Debug("job finished", "job", jobID, "ttft", res.TimeToFirstToken, "tps", res.TokensPerSecond)
	}
	return nil
}

// runEmbedding runs one embedding job and prints the vector as a
// space-separated float list, one vector per input line.
func (r *repl) runEmbedding(ctx context.Context, input string) error {
	res, err := r.eng.SubmitEmbedding(ctx, jobqueue.EmbeddingRequest{
		Input:     input,
		Pooled:    true,
		Normalize: true,
	})
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	for i, v := range res.Embedding {
		if i > 0 {
			fmt.Fprint(r.out, " ")
		}
		fmt.Fprintf(r.out, "%g", v)
	}
	fmt.Fprintln(r.out)
	r.out.Flush()
	r.log.Debug("embedding finished", "tokens", res.TokensCount, "dims", len(res.Embedding))
	return nil
}

// stream polls the job's snapshot and writes newly produced text as it
// arrives, giving a token-by-token feel to callers even though the engine
// surface is poll-based rather than a push channel.
func (r *repl) stream(ctx context.Context, jobID string) (streamResult, error) {
	written := 0
	ticker := time.NewTicker(15 * time.Millisecond)
	defer ticker.Stop()
	for {
		snap, ok := r.eng.Job(jobID)
		if !ok {
			return streamResult{}, fmt.Errorf("unknown job %s", jobID)
		}
		if len(snap.Text) > written {
			fmt.Fprint(r.out, snap.Text[written:])
			r.out.Flush()
			written = len(snap.Text)
		}
		if snap.State.Terminal() {
			return streamResult{
				Text:             snap.Text,
				Err:              snap.Err,
				TimeToFirstToken: snap.TimeToFirstToken,
				TokensPerSecond:  snap.TokensPerSecond,
			}, nil
		}
		select {
		case <-ctx.Done():
			r.eng.Cancel(jobID)
			return streamResult{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type streamResult struct {
	Text             string
	Err              error
	TimeToFirstToken time.Duration
	TokensPerSecond  float64
}
