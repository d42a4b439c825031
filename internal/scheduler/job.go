package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/noxrun/noxrun/internal/backend"
	"github.com/noxrun/noxrun/internal/slotpool"
)

// State is a Job's position in its lifecycle.
type State int

const (
	StateQueued State = iota
	StatePrefilling
	StateGenerating
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StatePrefilling:
		return "prefilling"
	case StateGenerating:
		return "generating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Kind distinguishes what a Job produces.
type Kind int

const (
	KindCompletion Kind = iota
	KindChatCompletion
	KindEmbedding
)

// Snapshot is an immutable view of a Job's progress, handed to observers.
// The scheduler is the sole writer of the live Job; Snapshot is how readers
// get a consistent view without taking a per-job lock.
type Snapshot struct {
	State     State
	Text      string
	Embedding []float32
	Err       error

	PromptTokens     int
	GeneratedTokens  int
	TimeToFirstToken time.Duration
	TokensPerSecond  float64
}

// Job is one submitted generation or embedding request.
type Job struct {
	ID   string
	Kind Kind

	SessionID string
	Prompt    []backend.TokenID
	Sampler   backend.Sampler

	MaxTokens   int
	MinTokens   int
	StopStrings []string
	AllowShift  bool
	NDiscard    int // tokens dropped per context shift; 0 uses half the overflow
	Debug       bool

	// embedding-job knobs; ignored for completion kinds.
	EmbedPooled    bool
	EmbedNormalize bool

	// scheduler-owned fields below; only the scheduler goroutine mutates
	// them, readers only ever see them via snap.
	slot           *slotpool.Slot
	slotID         backend.SeqID
	pos            int32
	pendingIn      []backend.TokenID // remaining prompt tokens still to prefill
	acceptedPrompt int               // prompt positions already accepted into the sampler
	sessionChecked bool
	sessionTokens  []backend.TokenID // token history mirrored by the slot's KV [0, pos)
	generated      []backend.TokenID
	genText        string
	startedAt      time.Time
	firstTokenAt   time.Time
	done           chan struct{}
	cancelled      atomic.Bool

	snap atomic.Pointer[Snapshot]
}

// NewJob constructs a Job ready for Scheduler.Submit. Callers still need to
// set Sampler, MaxTokens, and any stop strings before submitting.
func NewJob(id string, kind Kind, prompt []backend.TokenID) *Job {
	j := &Job{
		ID:        id,
		Kind:      kind,
		Prompt:    prompt,
		pendingIn: append([]backend.TokenID{}, prompt...),
		done:      make(chan struct{}),
	}
	j.snap.Store(&Snapshot{State: StateQueued, PromptTokens: len(prompt)})
	return j
}

// Snapshot returns the job's current, consistent progress view.
func (j *Job) Snapshot() Snapshot {
	return *j.snap.Load()
}

// Cancel requests cancellation; the scheduler observes this on its next
// tick and tears the job down with StateCancelled. Setting it is
// non-blocking and idempotent.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
}

// Done returns a channel closed once the job reaches a terminal state, the
// single-writer/many-reader mailbox a caller's Wait blocks on.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) publish(mutate func(s *Snapshot)) {
	cur := *j.snap.Load()
	mutate(&cur)
	j.snap.Store(&cur)
	if cur.State.Terminal() {
		select {
		case <-j.done:
		default:
			close(j.done)
		}
	}
}
