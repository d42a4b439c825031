// Package scheduler runs the cooperative batching loop: on every tick it
// packs prompt-prefill and one-token-generation entries from every active
// job into a single shared batch and issues one decode call, the same
// continuous-batching shape ollama's runner/llamarunner processBatch uses.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/session"
	"github.com/noxrun/noxrun/internal/slotpool"
)

// ErrQueueClosed is returned by Submit after Stop has run.
var ErrQueueClosed = errors.New("scheduler: queue closed")

// ErrShuttingDown is the terminal error every still-live job receives when
// the scheduler stops with work in flight.
var ErrShuttingDown = errors.New("scheduler: service shutting down")

// ErrContextOverflow is the terminal job error when a prompt cannot be
// prefilled even after a context shift (it alone exceeds the context
// window, or shifting is disallowed or unsupported).
var ErrContextOverflow = errors.New("scheduler: context window overflow")

// Config controls the scheduler's batching and context-shift behaviour.
type Config struct {
	NCtx        int
	BatchSize   int
	NKeep       int // leading tokens kept on a context shift; 0 uses half n_ctx
	OverflowDir string
}

// Scheduler owns one decode context and every job currently scheduled
// against it.
type Scheduler struct {
	log      *slog.Logger
	ctx      backend.Context
	model    backend.Model
	slots    *slotpool.Pool
	sessions *session.Store
	cfg      Config

	mu     sync.Mutex
	cond   *sync.Cond
	active []*Job
	jobs   map[string]*Job
	closed bool

	batch *backend.Batch

	stopWg sync.WaitGroup
}

// New builds a Scheduler. slots must be sized to cfg's expected
// concurrency; the scheduler does not allocate slots itself beyond what
// Submit requests. sessions may be nil, in which case jobs with a
// SessionID are never persisted (session reuse across turns then becomes
// a caller responsibility).
func New(log *slog.Logger, ctx backend.Context, model backend.Model, slots *slotpool.Pool, sessions *session.Store, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 512
	}
	s := &Scheduler{
		log:      log,
		ctx:      ctx,
		model:    model,
		slots:    slots,
		sessions: sessions,
		cfg:      cfg,
		jobs:     map[string]*Job{},
		batch:    backend.NewBatch(cfg.BatchSize),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Run executes the tick loop until Stop is called. Run is meant to be the
// single goroutine that ever touches the backend context; callers submit
// work from other goroutines through Submit/Cancel.
func (s *Scheduler) Run() {
	s.stopWg.Add(1)
	defer s.stopWg.Done()
	for {
		s.mu.Lock()
		for len(s.active) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			live := s.active
			s.active = nil
			s.mu.Unlock()
			for _, j := range live {
				s.finish(j, StateFailed, ErrShuttingDown)
			}
			return
		}
		s.mu.Unlock()

		s.tick()
	}
}

// Stop rejects further Submits, fails every still-live job with
// ErrShuttingDown, and blocks until the run loop has exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	s.stopWg.Wait()
}

// Submit allocates a slot and schedules job for the next tick.
func (s *Scheduler) Submit(ctx context.Context, job *Job) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrQueueClosed
	}
	s.mu.Unlock()

	slot, err := s.slots.Allocate(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: submit %s: %w", job.ID, err)
	}
	job.slot = slot
	job.slotID = slot.ID
	job.startedAt = time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		slot.Release()
		return ErrQueueClosed
	}
	s.jobs[job.ID] = job
	s.active = append(s.active, job)
	s.cond.Signal()
	s.mu.Unlock()
	return nil
}

// Job looks up a previously submitted job by id.
func (s *Scheduler) Job(id string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// ActiveCount reports how many jobs are currently live (queued, prefilling,
// or generating), the figure a heartbeat log line reports.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// staged records one job's participation in the current tick's batch, with
// enough state to roll the job back if the decode has to be retried after a
// KV-cache-full shift.
type staged struct {
	job            *Job
	iBatch         int // logits index when this job samples this tick, else -1
	gen            bool
	prevPos        int32
	prevPending    []backend.TokenID
	prevSessionLen int
}

// tick runs one full batch cycle: terminal checks, context-capacity check,
// prefill/generation packing, one decode, then sampling for every job whose
// last token this tick requested logits.
func (s *Scheduler) tick() {
	s.mu.Lock()
	consumed := len(s.active)
	active := append([]*Job{}, s.active[:consumed]...)
	s.mu.Unlock()

	// step 1: terminal checks — cancellation and already-exhausted budgets.
	var runnable []*Job
	for _, j := range active {
		if j.cancelled.Load() {
			s.saveSession(j)
			s.finish(j, StateCancelled, nil)
			continue
		}
		if len(j.pendingIn) == 0 && len(j.generated) >= j.MaxTokens {
			s.saveSession(j)
			s.finish(j, StateCompleted, nil)
			continue
		}
		runnable = append(runnable, j)
	}

	// step 2: context-capacity check, shifting or failing per job.
	var batchable []*Job
	for _, j := range runnable {
		need := 1
		if n := len(j.pendingIn); n > 0 {
			need = n
			if need > s.cfg.BatchSize {
				need = s.cfg.BatchSize
			}
		}
		if int(j.pos)+need > s.cfg.NCtx {
			if err := s.shift(j); err != nil {
				s.failOverflow(j, err)
				continue
			}
		}
		batchable = append(batchable, j)
	}
	if len(batchable) == 0 {
		s.requeue(nil, consumed)
		return
	}

	// steps 3-4: pack prefill chunks and single generation tokens into the
	// shared batch, in submission order. At most one logits request per job
	// per tick: the last prompt token or the previously sampled token.
	s.batch.Clear()
	var stagedList []staged
	for _, j := range batchable {
		if len(j.pendingIn) > 0 {
			s.beginPrompt(j)
			free := s.cfg.BatchSize - s.batch.Len()
			chunk := len(j.pendingIn)
			if chunk > free {
				chunk = free
			}
			if chunk == 0 {
				continue
			}
			st := staged{
				job:            j,
				iBatch:         -1,
				prevPos:        j.pos,
				prevPending:    j.pendingIn,
				prevSessionLen: len(j.sessionTokens),
			}
			cursor := len(j.Prompt) - len(j.pendingIn)
			for i := 0; i < chunk; i++ {
				tok := j.pendingIn[i]
				last := i == chunk-1 && chunk == len(j.pendingIn)
				idx := s.batch.Add(tok, j.pos, j.slotID, last)
				// advance the grammar/penalty state over the prompt, but
				// never twice for the same position when a KV-full retry
				// re-stages a chunk. Embedding jobs carry no sampler.
				if j.Sampler != nil && cursor+i >= j.acceptedPrompt {
					j.Sampler.Accept(tok)
					j.acceptedPrompt = cursor + i + 1
				}
				if j.SessionID != "" {
					j.sessionTokens = append(j.sessionTokens, tok)
				}
				j.pos++
				if last {
					st.iBatch = idx
				}
			}
			j.pendingIn = j.pendingIn[chunk:]
			stagedList = append(stagedList, st)
			if j.Snapshot().State == StateQueued {
				j.publish(func(sn *Snapshot) { sn.State = StatePrefilling })
			}
		} else {
			if s.batch.Len() >= s.cfg.BatchSize {
				continue
			}
			prev := j.generated[len(j.generated)-1]
			st := staged{
				job:            j,
				gen:            true,
				prevPos:        j.pos,
				prevSessionLen: len(j.sessionTokens),
			}
			st.iBatch = s.batch.Add(prev, j.pos, j.slotID, true)
			if j.SessionID != "" {
				j.sessionTokens = append(j.sessionTokens, prev)
			}
			j.pos++
			stagedList = append(stagedList, st)
			if j.Snapshot().State != StateGenerating {
				j.publish(func(sn *Snapshot) { sn.State = StateGenerating })
			}
		}
	}

	if s.batch.Len() == 0 {
		s.requeueLive(batchable, consumed)
		return
	}

	// step 5: one decode call for the whole batch.
	if err := s.ctx.Decode(context.Background(), s.batch); err != nil {
		if errors.Is(err, backend.ErrKVCacheFull) {
			// nothing from this batch landed in KV; roll every participant
			// back to its pre-staging state, shift whoever can, and retry
			// next tick.
			shifted := 0
			var lastShiftErr error
			for _, st := range stagedList {
				j := st.job
				j.pos = st.prevPos
				if !st.gen {
					j.pendingIn = st.prevPending
				}
				if j.SessionID != "" {
					j.sessionTokens = j.sessionTokens[:st.prevSessionLen]
				}
				s.ctx.SeqRemove(j.slotID, j.pos, -1)
				if shiftErr := s.shift(j); shiftErr != nil {
					lastShiftErr = shiftErr
				} else {
					shifted++
				}
			}
			if shifted == 0 {
				// no participant freed any cache, so retrying would hit the
				// same wall forever.
				for _, st := range stagedList {
					s.failOverflow(st.job, lastShiftErr)
				}
			}
			s.requeueLive(batchable, consumed)
			return
		}
		// a hard decode failure fans out to every job whose tokens were in
		// this batch; jobs that were skipped this tick survive.
		for _, st := range stagedList {
			s.finish(st.job, StateFailed, fmt.Errorf("scheduler: decode: %w", err))
		}
		s.requeueLive(batchable, consumed)
		return
	}

	// step 6: sample one token for every job whose entry requested logits.
	for _, st := range stagedList {
		if st.iBatch < 0 {
			continue
		}
		j := st.job
		if j.Kind == KindEmbedding {
			// degenerate path: the whole input is decoded, so the embedding
			// is ready; no sampling, no generation phase.
			s.finishEmbedding(j, st.iBatch)
			continue
		}
		if j.MaxTokens-len(j.generated) <= 0 {
			// the prompt is fully decoded and the generation budget is
			// zero: terminate without sampling.
			s.saveSession(j)
			s.finish(j, StateCompleted, nil)
			continue
		}

		tok := j.Sampler.Sample(s.ctx, st.iBatch)
		j.Sampler.Accept(tok)
		if j.Debug {
			s.logTopMargin(j, st.iBatch)
		}

		if j.firstTokenAt.IsZero() {
			j.firstTokenAt = time.Now()
		}
		j.generated = append(j.generated, tok)
		j.genText += s.model.TokenToPiece(tok)

		// an end-of-generation token is only honoured once the job's
		// min_length floor has been met; until then the model keeps
		// generating past what would otherwise be a natural stop.
		done := s.model.TokenIsEog(tok) && len(j.generated) >= j.MinTokens
		if !done {
			if stop, trimmed := matchStop(j.genText, j.StopStrings); stop {
				j.genText = trimmed
				done = true
			}
		}

		j.publish(func(sn *Snapshot) {
			sn.Text = j.genText
			sn.GeneratedTokens = len(j.generated)
			sn.PromptTokens = len(j.Prompt)
			sn.TimeToFirstToken = j.firstTokenAt.Sub(j.startedAt)
			elapsed := time.Since(j.firstTokenAt).Seconds()
			if elapsed > 0 {
				sn.TokensPerSecond = float64(len(j.generated)) / elapsed
			}
		})

		if done || len(j.generated) >= j.MaxTokens {
			s.saveSession(j)
			s.finish(j, StateCompleted, nil)
		}
	}

	s.requeueLive(batchable, consumed)
}

// beginPrompt runs once per job at the start of its prompt phase: if a
// session id is configured, load the saved session, decide how much of its
// decoded prefix the new prompt can reuse, and drop the divergent KV
// suffix. Runs on the scheduler goroutine so nothing else ever mutates the
// decode context.
func (s *Scheduler) beginPrompt(j *Job) {
	if j.sessionChecked {
		return
	}
	j.sessionChecked = true
	if j.Kind == KindEmbedding {
		// an embedding always starts from a clean sequence; wipe
		// defensively even though the pool cleared the slot on its last
		// release.
		s.ctx.SeqRemove(j.slotID, 0, -1)
		return
	}
	if j.SessionID == "" || s.sessions == nil {
		return
	}
	rec, ok, err := s.sessions.Load(j.SessionID, len(j.Prompt)+s.cfg.NCtx)
	if err != nil || !ok {
		return
	}
	matched := session.MatchPrefix(rec.Tokens, j.Prompt, s.nKeep())
	if matched >= len(j.Prompt) {
		// always leave at least one prompt token to decode, so this tick
		// has fresh logits to sample from.
		matched = len(j.Prompt) - 1
	}
	// everything the old session had decoded past the reusable prefix is
	// stale for this prompt.
	s.ctx.SeqRemove(j.slotID, int32(matched), -1)
	if matched <= 0 {
		return
	}
	j.pos = int32(matched)
	j.pendingIn = j.Prompt[matched:]
	j.sessionTokens = append(j.sessionTokens[:0], rec.Tokens[:matched]...)
	j.acceptedPrompt = matched
	s.log.Debug("session resume", "job", j.ID, "session", j.SessionID, "reused_tokens", matched)
}

func (s *Scheduler) nKeep() int {
	if s.cfg.NKeep > 0 {
		return s.cfg.NKeep
	}
	return s.cfg.NCtx / 2
}

func matchStop(text string, stops []string) (bool, string) {
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(text, stop); idx >= 0 {
			return true, text[:idx]
		}
	}
	return false, text
}

// shift performs the left-trim context-window shift: discard n_discard
// tokens after the pinned nKeep prefix, then relabel the remaining KV
// positions, mirroring the teacher's shiftKvCache (KvCacheSeqRm +
// KvCacheSeqAdd).
func (s *Scheduler) shift(j *Job) error {
	if !j.AllowShift {
		return errors.New("context shifting disallowed for this job")
	}
	if !s.ctx.CanShift() {
		return errors.New("model does not support context shifting")
	}
	keep := s.nKeep()
	if int(j.pos) <= keep+1 {
		return errors.New("prompt alone exceeds the context window")
	}
	discard := j.NDiscard
	if discard <= 0 {
		discard = (int(j.pos) - keep) / 2
	}
	if discard < 1 {
		discard = 1
	}
	if keep+discard >= int(j.pos) {
		discard = int(j.pos) - keep - 1
	}
	s.ctx.SeqRemove(j.slotID, int32(keep), int32(keep+discard))
	s.ctx.SeqShift(j.slotID, int32(keep+discard), j.pos, int32(-discard))
	j.pos -= int32(discard)
	if j.SessionID != "" && len(j.sessionTokens) >= keep+discard {
		j.sessionTokens = append(j.sessionTokens[:keep:keep], j.sessionTokens[keep+discard:]...)
	}
	s.log.Debug("context shift", "job", j.ID, "keep", keep, "discard", discard, "pos", j.pos)
	return nil
}

// failOverflow terminates a job that cannot fit its context, dumping the
// decoded text to disk first so the offending prompt survives the failure.
func (s *Scheduler) failOverflow(j *Job, cause error) {
	path := s.dumpOverflow(j)
	err := fmt.Errorf("%w: %v", ErrContextOverflow, cause)
	if path != "" {
		err = fmt.Errorf("%w: %v (context dumped to %s)", ErrContextOverflow, cause, path)
	}
	s.finish(j, StateFailed, err)
}

// dumpOverflow writes the job's full decoded context to disk before it is
// abandoned, returning the file's path ("" when no dump was written).
func (s *Scheduler) dumpOverflow(j *Job) string {
	if s.cfg.OverflowDir == "" {
		return ""
	}
	if err := os.MkdirAll(s.cfg.OverflowDir, 0o755); err != nil {
		s.log.Warn("overflow dump: mkdir failed", "err", err)
		return ""
	}
	all := append(append([]backend.TokenID{}, j.Prompt...), j.generated...)
	name := fmt.Sprintf("context_%s_%d_%dtokens.txt", j.ID, time.Now().Unix(), len(all))
	path := filepath.Join(s.cfg.OverflowDir, name)

	var b strings.Builder
	for _, t := range all {
		b.WriteString(s.model.TokenToPiece(t))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		s.log.Warn("overflow dump: write failed", "err", err)
		return ""
	}
	return path
}

// saveSession persists the token history a job's slot currently has
// decoded, if the job was given a logical session id to save under. It is
// called on every normal termination path (cancelled, budget-exhausted,
// naturally finished) but never on overflow or decode failure, where the
// slot's KV no longer has a clean correspondence to a token list.
func (s *Scheduler) saveSession(j *Job) {
	if j.SessionID == "" || s.sessions == nil || len(j.sessionTokens) == 0 {
		return
	}
	if err := s.sessions.Save(j.SessionID, j.sessionTokens); err != nil {
		s.log.Warn("session save failed", "job", j.ID, "session", j.SessionID, "err", err)
	}
}

// logTopMargin logs the gap between the two strongest logits at the
// position a job just sampled from, the per-token confidence metric the
// Debug flag turns on.
func (s *Scheduler) logTopMargin(j *Job, iBatch int) {
	logits := s.ctx.GetLogits(iBatch)
	if len(logits) < 2 {
		return
	}
	var top, second float32
	if logits[0] >= logits[1] {
		top, second = logits[0], logits[1]
	} else {
		top, second = logits[1], logits[0]
	}
	for _, v := range logits[2:] {
		if v > top {
			second = top
			top = v
		} else if v > second {
			second = v
		}
	}
	s.log.Debug("logit margin", "job", j.ID, "top", top, "margin", top-second)
}

func (s *Scheduler) finish(j *Job, state State, err error) {
	j.publish(func(sn *Snapshot) {
		sn.State = state
		sn.Err = err
	})
	// the sampler chain holds its own native resources and must be freed
	// before the slot backing it is released.
	if j.Sampler != nil {
		if cerr := j.Sampler.Close(); cerr != nil {
			s.log.Warn("sampler close failed", "job", j.ID, "err", cerr)
		}
		j.Sampler = nil
	}
	if j.slot != nil {
		j.slot.Release()
		j.slot = nil
	}
}

// requeue installs next as the active list, keeping any jobs submitted
// while this tick ran (they sit past the first consumed entries).
func (s *Scheduler) requeue(next []*Job, consumed int) {
	s.mu.Lock()
	s.active = append(next, s.active[consumed:]...)
	s.mu.Unlock()
}

// requeueLive keeps, in submission order, every candidate job that has not
// reached a terminal state this tick.
func (s *Scheduler) requeueLive(candidates []*Job, consumed int) {
	var next []*Job
	for _, j := range candidates {
		if !j.Snapshot().State.Terminal() {
			next = append(next, j)
		}
	}
	s.requeue(next, consumed)
}
