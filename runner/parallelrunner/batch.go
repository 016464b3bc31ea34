package parallelrunner

import "github.com/kilnrun/llmrunner/engine"

// BatchBuilder assembles one step's mixed-sequence forward-pass descriptor
// (C3). It is reused across steps: Reset clears the parallel arrays,
// AddToken appends a contribution, Descriptor materializes the view. The
// native llama.cpp batch call this was originally grounded on
// (original_source/parallel/batch_buffer.rs) additionally threads a table
// of raw pointers into per-token single-element sequence-id vectors; there
// is no cgo layer here, so each entry instead just carries its SeqID
// directly (see SPEC_FULL.md §3.1).
type BatchBuilder struct {
	tokens     []int32
	positions  []int32
	logitsFlag []int8
	seqIDs     []int32
}

// NewBatchBuilder preallocates storage for capacity tokens.
func NewBatchBuilder(capacity int) *BatchBuilder {
	return &BatchBuilder{
		tokens:     make([]int32, 0, capacity),
		positions:  make([]int32, 0, capacity),
		logitsFlag: make([]int8, 0, capacity),
		seqIDs:     make([]int32, 0, capacity),
	}
}

// Reset clears the builder for the next step without releasing capacity.
func (b *BatchBuilder) Reset() {
	b.tokens = b.tokens[:0]
	b.positions = b.positions[:0]
	b.logitsFlag = b.logitsFlag[:0]
	b.seqIDs = b.seqIDs[:0]
}

// Len reports how many tokens have been added since the last Reset.
func (b *BatchBuilder) Len() int { return len(b.tokens) }

// AddToken appends one contribution. logitsFlag must be 1 exactly at the
// position the caller wants sampled, 0 otherwise.
func (b *BatchBuilder) AddToken(token, position, seqID int32, logitsFlag int8) {
	b.tokens = append(b.tokens, token)
	b.positions = append(b.positions, position)
	b.logitsFlag = append(b.logitsFlag, logitsFlag)
	b.seqIDs = append(b.seqIDs, seqID)
}

// Descriptor materializes the current parallel-array view. The returned
// descriptor aliases the builder's backing slices and is only valid until
// the next Reset.
func (b *BatchBuilder) Descriptor() engine.BatchDescriptor {
	return engine.BatchDescriptor{
		Tokens:     b.tokens,
		Positions:  b.positions,
		LogitsFlag: b.logitsFlag,
		SeqIDs:     b.seqIDs,
	}
}
