package parallelrunner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kilnrun/llmrunner/engine"
)

// Processor is the parallel processor (C5): the single-threaded cooperative
// scheduler owning n_parallel slots, the batch buffer, and the model's
// decoding context. Grounded on runner/llamarunner's Server/run/processBatch
// in the teacher, generalized to the richer termination taxonomy and
// single-flight model manager of SPEC_FULL.md. One Processor exists per
// loaded model for the lifetime of the process (spec.md §3 Ownership).
type Processor struct {
	model     engine.Model
	decodeCtx engine.Context
	cfg       ProcessorConfig

	slots []*Slot
	batch *BatchBuilder
	sem   *semaphore.Weighted // bounds concurrently-admitted tasks to n_parallel; FIFO-fair, grounded on llamarunner's seqsSem

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*Task // permit-holding tasks awaiting tokenization and slot assignment, handled only on the scheduler goroutine
}

// NewProcessor builds a processor for an already-loaded model with already
// fully-resolved parameters (C6 has already applied per-model overrides
// over manager defaults by the time this is called).
func NewProcessor(model engine.Model, cfg ProcessorConfig) (*Processor, error) {
	if cfg.NumParallel <= 0 {
		return nil, fmt.Errorf("parallelrunner: NumParallel must be positive, got %d", cfg.NumParallel)
	}
	if cfg.NumBatch <= 0 {
		return nil, fmt.Errorf("parallelrunner: NumBatch must be positive, got %d", cfg.NumBatch)
	}

	decodeCtx, err := model.NewContext(engine.ContextParams{
		NumCtx:      cfg.NumCtx,
		NumBatch:    cfg.NumBatch,
		NumUBatch:   cfg.NumUBatch,
		NumParallel: cfg.NumParallel,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelLoad, err)
	}

	slots := make([]*Slot, cfg.NumParallel)
	for i := range slots {
		slots[i] = NewSlot(int32(i))
	}

	p := &Processor{
		model:     model,
		decodeCtx: decodeCtx,
		cfg:       cfg,
		slots:     slots,
		batch:     NewBatchBuilder(cfg.NumBatch),
		sem:       semaphore.NewWeighted(int64(cfg.NumParallel)),
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// Start spawns the processor's dedicated scheduling goroutine. Per
// SPEC_FULL.md §5.1 this goroutine runs for the lifetime of the process.
func (p *Processor) Start() {
	go p.run()
}

// Config returns the effective, already-resolved configuration this
// processor was built with.
func (p *Processor) Config() ProcessorConfig { return p.cfg }

func (p *Processor) run() {
	for {
		p.runStep()
	}
}

// Submit admits task into the processor (C5 admission). It blocks,
// FIFO-fair, until a permit is free, then enqueues the task for the
// scheduler goroutine to tokenize and assign to a slot. Tokenization and
// vocab access happen exclusively on that goroutine (spec.md §4.5/§5: the
// Tokenizer/Detokenizer scratch belongs to "the only correctness-critical
// thread for that model"), so a tokenization or sampler-init failure is
// reported as a terminal TaskResponse on task.ResponseCh rather than as a
// Submit return value (spec.md §4.5 "Failure semantics").
func (p *Processor) Submit(task *Task) error {
	if task.Ctx == nil {
		task.Ctx = context.Background()
	}

	if err := p.sem.Acquire(task.Ctx, 1); err != nil {
		return err
	}

	p.mu.Lock()
	p.pending = append(p.pending, task)
	p.cond.Signal()
	p.mu.Unlock()
	return nil
}

func (p *Processor) allIdle() bool {
	for _, s := range p.slots {
		if !s.IsIdle() {
			return false
		}
	}
	return true
}

// admitPending runs on the scheduler goroutine with p.mu held. It tokenizes
// and assigns as many pending tasks as there are idle slots, in FIFO order,
// clearing each target slot's KV-cache rows first (spec.md §4.5 "Scoped
// KV-cache ownership"). Tasks that cannot yet be admitted (no idle slot)
// stay pending; tasks whose context is already cancelled, or that fail
// tokenization or sampler construction, release their permit and are
// reported immediately (delivery is mailbox-queued, so this never blocks
// the scheduler).
func (p *Processor) admitPending() {
	var remaining []*Task

	for _, task := range p.pending {
		if task.Ctx.Err() != nil {
			p.sem.Release(1)
			p.cancelDelivery(task)
			continue
		}

		var target *Slot
		for _, slot := range p.slots {
			if slot.IsIdle() {
				target = slot
				break
			}
		}
		if target == nil {
			remaining = append(remaining, task)
			continue
		}

		promptTokens, err := p.decodeCtx.Vocab().Tokenize(task.Prompt)
		if err == nil && len(promptTokens) == 0 {
			err = fmt.Errorf("prompt tokenized to zero tokens")
		}
		if err != nil {
			p.sem.Release(1)
			reason := CompletionReason{Kind: ModelError, Err: fmt.Errorf("%w: %v", ErrTokenization, err)}
			p.deliverFinal(task, TaskResponse{Done: true, Reason: reason})
			continue
		}

		p.decodeCtx.ClearSequence(target.ID)
		stringStops := make([]string, 0, len(p.cfg.StopSequences)+len(task.Stop))
		stringStops = append(stringStops, p.cfg.StopSequences...)
		stringStops = append(stringStops, task.Stop...)

		if err := target.StartTask(p.decodeCtx, task, promptTokens, nil, stringStops); err != nil {
			p.sem.Release(1)
			reason := CompletionReason{Kind: ModelError, Err: err}
			p.deliverFinal(task, TaskResponse{Done: true, Reason: reason})
			continue
		}
	}

	p.pending = remaining
}

// retireSlot clears the slot's KV-cache rows, drops its ActiveSequence, and
// releases its admission permit. Must be called with p.mu held.
func (p *Processor) retireSlot(slot *Slot) {
	p.decodeCtx.ClearSequence(slot.ID)
	slot.StopTask()
	p.sem.Release(1)
}

// send queues resp for delivery to task, treating a cancelled task context
// as the caller having gone away (spec.md §5 Cancellation). Delivery runs
// on task's own mailbox goroutine, so send itself never blocks: a slow or
// absent consumer stalls only that goroutine, never the scheduler or any
// other task (spec.md §8 property 8).
func (p *Processor) send(task *Task, resp TaskResponse) {
	task.box.push(func() {
		select {
		case task.ResponseCh <- resp:
		case <-task.Ctx.Done():
		}
	})
}

// deliverFinal queues resp as task's terminal response and closes
// task.ResponseCh immediately after it is delivered (or the task's context
// is cancelled first).
func (p *Processor) deliverFinal(task *Task, resp TaskResponse) {
	task.box.push(func() {
		select {
		case task.ResponseCh <- resp:
		case <-task.Ctx.Done():
		}
		close(task.ResponseCh)
	})
	task.box.closeAfterPending()
}

// cancelDelivery closes task.ResponseCh without a preceding response, for a
// task whose context was already cancelled before it could be admitted.
func (p *Processor) cancelDelivery(task *Task) {
	task.box.push(func() { close(task.ResponseCh) })
	task.box.closeAfterPending()
}

type contribution struct {
	slot      *Slot
	logitsIdx int
}

// runStep is one iteration of the step loop (spec.md §4.5). It holds p.mu
// for the whole step: every delivery below is a non-blocking mailbox push,
// so holding the lock across them never risks blocking on a slow consumer.
func (p *Processor) runStep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.allIdle() && len(p.pending) == 0 {
		p.cond.Wait()
	}

	p.admitPending()

	// Proactive cancellation sweep (SPEC_FULL.md §4.5.1): a caller that
	// cancelled its task's context is retired before it can consume any
	// more batch budget, satisfying scenario S5's "idle within two steps".
	for _, slot := range p.slots {
		if slot.IsIdle() {
			continue
		}
		if task := slot.Task(); task != nil && task.Ctx.Err() != nil {
			p.retireSlot(slot)
			p.cancelDelivery(task)
		}
	}

	p.batch.Reset()

	var contributions []contribution
	var contributing []*Slot

	for _, slot := range p.slots {
		if slot.IsIdle() {
			continue
		}
		budget := p.cfg.NumBatch - p.batch.Len()
		if budget <= 0 {
			break
		}
		tokens, position, ok := slot.NextBatchTokens(budget)
		if !ok || len(tokens) == 0 {
			continue
		}

		isLastContribution := slot.IsPrefillComplete()
		logitsIdx := -1
		for j, tok := range tokens {
			pos := position + int32(j)
			last := isLastContribution && j == len(tokens)-1
			var flag int8
			if last {
				flag = 1
			}
			idx := p.batch.Len()
			p.batch.AddToken(tok, pos, slot.ID, flag)
			if last {
				logitsIdx = idx
			}
		}

		contributing = append(contributing, slot)
		if isLastContribution {
			contributions = append(contributions, contribution{slot: slot, logitsIdx: logitsIdx})
		}
	}

	if p.batch.Len() == 0 {
		return
	}

	descriptor := p.batch.Descriptor()
	if err := p.decodeCtx.Decode(context.Background(), descriptor); err != nil {
		for _, slot := range contributing {
			task := slot.Task()
			promptTokens := slot.PromptTokenCount()
			completionTokens := slot.GeneratedTokenCount()
			p.retireSlot(slot)
			if task != nil {
				reason := CompletionReason{Kind: ModelError, Err: fmt.Errorf("%w: %v", ErrModelStep, err)}
				tr := TaskResponse{Done: true, Reason: reason, PromptTokens: promptTokens, CompletionTokens: completionTokens}
				p.deliverFinal(task, tr)
			}
		}
		return
	}

	for _, c := range contributions {
		slot := c.slot
		token, serr := slot.Sampler().Sample(p.decodeCtx, c.logitsIdx)
		if serr != nil {
			task := slot.Task()
			promptTokens := slot.PromptTokenCount()
			completionTokens := slot.GeneratedTokenCount()
			p.retireSlot(slot)
			if task != nil {
				reason := CompletionReason{Kind: ModelError, Err: fmt.Errorf("%w: %v", ErrModelStep, serr)}
				tr := TaskResponse{Done: true, Reason: reason, PromptTokens: promptTokens, CompletionTokens: completionTokens}
				p.deliverFinal(task, tr)
			}
			continue
		}
		slot.Sampler().Accept(token)

		piece, perr := p.decodeCtx.Vocab().TokenToPiece(token)
		if perr != nil {
			// DetokenizationError: recovered locally per spec.md §7, never
			// surfaced to the task.
			slog.Debug("detokenization failed, substituting replacement character", "error", fmt.Errorf("%w: %v", ErrDetokenization, perr), "token", token)
			piece = "�"
		}
		isEOG := p.decodeCtx.Vocab().IsEndOfGeneration(token)
		slot.AppendSampledToken(token, piece)

		if reason, done := slot.EvaluateTermination(isEOG); done {
			text, completionTokens := slot.Finalize(reason)
			task := slot.Task()
			promptTokens := slot.PromptTokenCount()
			p.retireSlot(slot)
			if task != nil {
				tr := TaskResponse{Done: true, Reason: reason, PromptTokens: promptTokens, CompletionTokens: completionTokens}
				if text != "" {
					p.send(task, TaskResponse{Token: text})
				}
				p.deliverFinal(task, tr)
			}
			continue
		}

		if task := slot.Task(); task != nil && task.Stream {
			if frag, ok := slot.FlushStreamable(); ok {
				p.send(task, TaskResponse{Token: frag})
			}
		}
	}
}
