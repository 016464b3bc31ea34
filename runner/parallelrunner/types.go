// Package parallelrunner implements C2-C5 and C7 of the inference engine:
// the stop matcher, batch buffer, slot state machine, the scheduler loop
// itself, and the task/response protocol the scheduler speaks. It is
// grounded on runner/llamarunner in the teacher (7blacky7-ollama-reverse),
// generalized from ollama's single-model continuous-batching runner to the
// richer completion-reason taxonomy and single-flight model cache described
// in SPEC_FULL.md.
package parallelrunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SamplingParams are the caller-supplied sampling knobs for one task,
// carried straight through to engine.SamplerParams at slot-start time.
type SamplingParams struct {
	Temperature      float32
	TopK             int
	TopP             float32
	FrequencyPenalty float32
	PresencePenalty  float32
	Seed             uint32
}

// Task is the immutable request envelope (C7). It is created by the HTTP
// layer (out of scope here) and destroyed once the scheduler has delivered
// either an error or a terminal completion record.
type Task struct {
	ID         string
	Prompt     string
	Params     SamplingParams
	Stop       []string
	MaxTokens  int
	Stream     bool
	ResponseCh chan TaskResponse

	// Ctx governs cancellation (spec.md §5 "caller drops the receiver"):
	// the scheduler treats Ctx.Done() firing as the caller having gone
	// away, retiring the slot within its next step. Submit defaults this
	// to context.Background() if left nil.
	Ctx context.Context

	box *mailbox
}

// NewTask builds a Task, generating an id via uuid.NewString if the caller
// did not supply one. stream gates incremental Token delivery (spec.md §4.5
// step 6): a false task still receives its full generated text, but only as
// a single fragment immediately before the terminal record.
func NewTask(ctx context.Context, id, prompt string, params SamplingParams, stop []string, maxTokens int, stream bool) *Task {
	if id == "" {
		id = uuid.NewString()
	}
	box := newMailbox()
	t := &Task{
		ID:         id,
		Prompt:     prompt,
		Params:     params,
		Stop:       stop,
		MaxTokens:  maxTokens,
		Stream:     stream,
		ResponseCh: make(chan TaskResponse, 16),
		Ctx:        ctx,
		box:        box,
	}
	go box.run()
	return t
}

// mailbox decouples the scheduler goroutine from one task's consumer: a
// push never blocks, so a slow or absent consumer stalls only this
// mailbox's own delivery goroutine, never the processor's step loop or any
// other task's slot (spec.md §8 property 8). A single goroutine drains
// pushed closures in FIFO order, preserving each task's per-task ordering
// guarantee (spec.md §4.5 "Ordering guarantees") even though the scheduler
// enqueues from a goroutine that keeps running ahead.
type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// push enqueues fn for delivery. A no-op once the mailbox has been closed.
func (m *mailbox) push(fn func()) {
	m.mu.Lock()
	if !m.closed {
		m.items = append(m.items, fn)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

// closeAfterPending marks the mailbox closed: run drains any already-queued
// closures, then exits, rather than accepting further pushes.
func (m *mailbox) closeAfterPending() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.items) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.items) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.items[0]
		m.items = m.items[1:]
		m.mu.Unlock()
		fn()
	}
}

// CompletionReasonKind classifies how a task's generation ended, per
// spec.md §5 step 5 and the taxonomy in §7/§8 property 5.
type CompletionReasonKind int

const (
	EndOfGeneration CompletionReasonKind = iota
	StopSequence
	MaxTokens
	ModelError
	Cancelled
)

func (k CompletionReasonKind) String() string {
	switch k {
	case EndOfGeneration:
		return "end_of_generation"
	case StopSequence:
		return "stop_sequence"
	case MaxTokens:
		return "max_tokens"
	case ModelError:
		return "error"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CompletionReason is the terminal classification of a task, carrying the
// extra data each kind needs (matched stop-sequence length, whether a
// max-tokens termination coincided with an unresolved partial stop).
type CompletionReason struct {
	Kind CompletionReasonKind

	// StopLen's meaning depends on MatchedByToken: the count of matched
	// stop tokens when true, or the byte index in the slot's cumulative
	// decoded text where a string-pattern match starts when false. For
	// MaxTokens with PartialStop set, it is the byte index where the
	// unresolved partial match begins.
	StopLen        int
	MatchedByToken bool
	PartialStop    bool // for MaxTokens: true iff the tail held a non-empty prefix of a stop pattern
	Err            error
}

func (r CompletionReason) String() string {
	switch r.Kind {
	case StopSequence:
		return fmt.Sprintf("stop_sequence(%d)", r.StopLen)
	case MaxTokens:
		return fmt.Sprintf("max_tokens(partial_stop=%v)", r.PartialStop)
	case ModelError:
		return fmt.Sprintf("error(%v)", r.Err)
	default:
		return r.Kind.String()
	}
}

// TaskResponse is the sum type streamed back on Task.ResponseCh (C7):
// either a text fragment or the single terminal record.
type TaskResponse struct {
	// Token, when Done is false, is the next emitted text fragment.
	Token string

	// Done marks the terminal record; Reason, PromptTokens and
	// CompletionTokens are only meaningful when Done is true.
	Done             bool
	Reason           CompletionReason
	PromptTokens     int
	CompletionTokens int
}

// ProcessorConfig is the resolved, effective configuration for one
// ParallelProcessor (after C6's per-model-override-over-manager-default
// resolution has already run).
type ProcessorConfig struct {
	NumParallel   int
	NumCtx        int
	NumBatch      int
	NumUBatch     int
	StopSequences []string // model-config stop sequences, merged with each task's own Stop
}
