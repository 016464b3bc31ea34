package parallelrunner

import (
	"fmt"

	"github.com/kilnrun/llmrunner/engine"
)

// activeSequence is a running slot's working state (spec.md §3
// ActiveSequence). text/pieceLens/emittedUpTo implement the "rolling
// decoder" of spec.md §4.5 step 6: text is the cumulative detokenization of
// every generated token, pieceLens the byte length each token contributed,
// and emittedUpTo the byte offset already flushed to the caller.
type activeSequence struct {
	task             *Task
	nPast            int
	cacheTokens      []int32 // remaining prompt tokens, then self-fed decode tokens
	generatedTokens  []int32
	pieceLens        []int
	text             string
	emittedUpTo      int
	promptTokenCount int
	stopMatcher      *StopMatcher
	sampler          engine.SamplerChain
}

// Slot is one of the n_parallel pre-allocated sequence slots (C4). ID
// doubles as the KV-cache sequence_id and is stable for the slot's
// lifetime.
type Slot struct {
	ID  int32
	seq *activeSequence
}

// NewSlot allocates an idle slot with the given sequence_id.
func NewSlot(id int32) *Slot {
	return &Slot{ID: id}
}

// IsIdle reports whether the slot has no active sequence.
func (s *Slot) IsIdle() bool { return s.seq == nil }

// StartTask transitions the slot Idle -> Running(prefilling). tokenStops and
// stringStops are merged into a fresh StopMatcher; promptTokens seed the
// cache-token FIFO. Returns ErrSamplerInit if the model cannot build any
// usable sampler stage for task.Params.
func (s *Slot) StartTask(ctx engine.Context, task *Task, promptTokens []int32, tokenStops [][]int32, stringStops []string) error {
	sampler, err := ctx.NewSamplerChain(engine.SamplerParams{
		Temperature:      task.Params.Temperature,
		TopK:             task.Params.TopK,
		TopP:             task.Params.TopP,
		FrequencyPenalty: task.Params.FrequencyPenalty,
		PresencePenalty:  task.Params.PresencePenalty,
		Seed:             task.Params.Seed,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSamplerInit, err)
	}

	cacheTokens := make([]int32, len(promptTokens))
	copy(cacheTokens, promptTokens)

	s.seq = &activeSequence{
		task:             task,
		cacheTokens:      cacheTokens,
		promptTokenCount: len(promptTokens),
		stopMatcher:      NewStopMatcher(tokenStops, stringStops),
		sampler:          sampler,
	}
	for _, t := range promptTokens {
		sampler.Accept(t)
	}
	return nil
}

// StopTask returns the slot to Idle and drops the ActiveSequence.
func (s *Slot) StopTask() { s.seq = nil }

// Task returns the slot's current task, or nil if idle.
func (s *Slot) Task() *Task {
	if s.seq == nil {
		return nil
	}
	return s.seq.task
}

// Sampler returns the slot's sampler chain for the current task.
func (s *Slot) Sampler() engine.SamplerChain { return s.seq.sampler }

// PromptTokenCount returns the number of prompt tokens tokenized for the
// current task.
func (s *Slot) PromptTokenCount() int { return s.seq.promptTokenCount }

// NPast returns the number of KV-cache positions consumed so far.
func (s *Slot) NPast() int { return s.seq.nPast }

// GeneratedTokenCount returns how many tokens have been sampled so far for
// the current task.
func (s *Slot) GeneratedTokenCount() int { return len(s.seq.generatedTokens) }

// NextBatchTokens drains up to maxTokens tokens from the cache-token FIFO
// (prompt tokens while prefilling, or the single self-fed token while
// decoding) and advances n_past by the drained count. ok is false only when
// the slot is idle; an empty result with ok true means the FIFO is empty.
// While decoding, the FIFO holds exactly the one token sampled in the prior
// step (AppendSampledToken pushes it), so a decode step goes through this
// same path and contributes that token at position n_past (spec.md §4.4).
func (s *Slot) NextBatchTokens(maxTokens int) (tokens []int32, position int32, ok bool) {
	if s.seq == nil {
		return nil, 0, false
	}
	position = int32(s.seq.nPast)
	if len(s.seq.cacheTokens) == 0 {
		return nil, position, true
	}
	take := len(s.seq.cacheTokens)
	if take > maxTokens {
		take = maxTokens
	}
	tokens = append([]int32(nil), s.seq.cacheTokens[:take]...)
	s.seq.cacheTokens = s.seq.cacheTokens[take:]
	s.seq.nPast += take
	return tokens, position, true
}

// IsPrefillComplete reports whether the cache-token FIFO has been fully
// drained, i.e. whether the next contribution (if any) is a decode step.
func (s *Slot) IsPrefillComplete() bool { return len(s.seq.cacheTokens) == 0 }

// AppendSampledToken records a newly sampled token: appends it to
// generated_tokens, extends the rolling decoded text, and schedules the
// token as the slot's next-step contribution per spec.md §4.5 step 4.
func (s *Slot) AppendSampledToken(token int32, piece string) {
	seq := s.seq
	seq.generatedTokens = append(seq.generatedTokens, token)
	seq.pieceLens = append(seq.pieceLens, len(piece))
	seq.text += piece
	seq.cacheTokens = append(seq.cacheTokens, token)
}

// EvaluateTermination implements the ordered termination check of spec.md
// §4.5 step 5 (a-d). ok is false if the slot should keep running.
func (s *Slot) EvaluateTermination(isEOG bool) (CompletionReason, bool) {
	seq := s.seq

	if isEOG {
		return CompletionReason{Kind: EndOfGeneration}, true
	}

	if stopLen, matched := seq.stopMatcher.CheckTokenStop(seq.generatedTokens); matched {
		return CompletionReason{Kind: StopSequence, StopLen: stopLen, MatchedByToken: true}, true
	}

	if seq.task.MaxTokens > 0 && len(seq.generatedTokens) >= seq.task.MaxTokens {
		idx, partial := earliestPartialStopIndex(seq.stopMatcher, seq.text)
		reason := CompletionReason{Kind: MaxTokens, PartialStop: partial}
		if partial {
			reason.StopLen = idx
		}
		return reason, true
	}

	if idx, pattern, matched := seq.stopMatcher.FindFullStop(seq.text); matched {
		_ = pattern
		return CompletionReason{Kind: StopSequence, StopLen: idx}, true
	}

	return CompletionReason{}, false
}

// FlushStreamable returns any newly flushable text fragment for a
// non-terminating slot (spec.md §4.5 step 6): text not yet emitted is held
// back from the byte where the rolling decoded tail starts to match a
// non-empty prefix of a registered stop pattern.
func (s *Slot) FlushStreamable() (string, bool) {
	seq := s.seq
	limit := len(seq.text)
	if idx, ok := earliestPartialStopIndex(seq.stopMatcher, seq.text); ok {
		limit = idx
	}
	if limit <= seq.emittedUpTo {
		return "", false
	}
	chunk := seq.text[seq.emittedUpTo:limit]
	seq.emittedUpTo = limit
	return chunk, chunk != ""
}

// Finalize computes the final emitted text fragment and completion-token
// count for a terminating slot, per the exclude-from-text /
// include-in-count choice spec.md §9 records for token-sequence stops, and
// the "kept tokens" accounting spec.md §8 scenario S2 specifies for string
// stops.
func (s *Slot) Finalize(reason CompletionReason) (text string, completionTokens int) {
	seq := s.seq

	cutIdx := len(seq.text)
	completionTokens = len(seq.generatedTokens)

	switch reason.Kind {
	case StopSequence:
		if reason.MatchedByToken {
			cutIdx = len(seq.text) - sumLastN(seq.pieceLens, reason.StopLen)
		} else {
			cutIdx = reason.StopLen
			completionTokens = tokensBeforeByte(seq.pieceLens, cutIdx)
		}
	case MaxTokens:
		if reason.PartialStop {
			cutIdx = reason.StopLen
			completionTokens = tokensBeforeByte(seq.pieceLens, cutIdx)
		}
	}

	if cutIdx < seq.emittedUpTo {
		cutIdx = seq.emittedUpTo
	}
	text = seq.text[seq.emittedUpTo:cutIdx]
	seq.emittedUpTo = cutIdx
	return text, completionTokens
}

func earliestPartialStopIndex(m *StopMatcher, text string) (int, bool) {
	best := -1
	found := false
	for _, p := range m.StringPatterns() {
		if idx, ok := FindPartialStop(text, p); ok && (!found || idx < best) {
			best, found = idx, true
		}
	}
	return best, found
}

func sumLastN(pieceLens []int, n int) int {
	if n > len(pieceLens) {
		n = len(pieceLens)
	}
	sum := 0
	for _, l := range pieceLens[len(pieceLens)-n:] {
		sum += l
	}
	return sum
}

func tokensBeforeByte(pieceLens []int, byteIdx int) int {
	sum, count := 0, 0
	for _, l := range pieceLens {
		if sum+l > byteIdx {
			break
		}
		sum += l
		count++
	}
	return count
}
