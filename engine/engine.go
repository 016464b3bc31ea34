// Package engine defines the boundary between the scheduler (C1-C5) and the
// native model runtime. Tokenizer/vocab/model-loader bindings are an
// external collaborator (spec out of scope); production code wires these
// interfaces to whatever cgo/llama.cpp binding is available. Tests and the
// deterministic scenarios drive the engine through the fake implementation
// in fake.go instead.
package engine

import "context"

// Vocab tokenizes and detokenizes text for one loaded model (C1).
type Vocab interface {
	// Tokenize encodes text into a token-id sequence. Implementations must
	// fail rather than silently truncate when their working buffer is too
	// small for the result.
	Tokenize(text string) ([]int32, error)
	// TokenToPiece decodes a single token into its UTF-8 text fragment.
	// Invalid UTF-8 bytes are replaced with the Unicode replacement
	// character rather than surfaced as an error.
	TokenToPiece(token int32) (string, error)
	// IsEndOfGeneration reports whether token is one of the model's
	// end-of-generation tokens.
	IsEndOfGeneration(token int32) bool
}

// ContextParams configures one decoding context for a model.
type ContextParams struct {
	NumCtx      int
	NumBatch    int
	NumUBatch   int
	NumParallel int
}

// SamplerParams are the per-task sampling parameters used to build a
// sampler chain (C4's sampler chain).
type SamplerParams struct {
	Temperature      float32
	TopK             int
	TopP             float32
	FrequencyPenalty float32
	PresencePenalty  float32
	Seed             uint32
}

// BatchDescriptor is the ephemeral per-step forward-pass descriptor (C3).
// All four slices share the same length; LogitsFlag is 1 exactly at the
// positions the caller wants sampled. The Go port carries a plain SeqID per
// token rather than the pointer-into-backing-vector indirection the native
// batch call expects, since there is no cgo layer here (see SPEC_FULL.md
// §3.1).
type BatchDescriptor struct {
	Tokens     []int32
	Positions  []int32
	LogitsFlag []int8
	SeqIDs     []int32
}

// Len reports the number of token entries in the descriptor.
func (b BatchDescriptor) Len() int { return len(b.Tokens) }

// SamplerChain is the per-slot sampling pipeline (penalties -> temperature
// -> top-k -> top-p -> distribution). Implementations may skip any stage
// whose native construction yields a null handle; the public contract is
// construct-reset-sample, per spec.md §9.
type SamplerChain interface {
	// Accept feeds a token (prompt or generated) into any stateful stages
	// (e.g. the repeat-penalty window) without sampling.
	Accept(token int32)
	// Sample draws the next token from the logits at logitsIndex.
	Sample(ctx Context, logitsIndex int) (int32, error)
	// Reset clears any stage state. The processor does not call it: each
	// admitted task gets a freshly built chain from Context.NewSamplerChain,
	// so chains are never carried over between tasks.
	Reset()
}

// Context is one decoding context (KV-cache + compute graph) bound to a
// loaded model, shared across all slots of one processor.
type Context interface {
	// Decode runs one forward pass over batch, computing logits at every
	// position flagged in batch.LogitsFlag.
	Decode(ctx context.Context, batch BatchDescriptor) error
	// NewSamplerChain builds a fresh sampler chain for params. Returns an
	// error if construction yields no usable stages at all; the caller
	// (parallelrunner's Slot.StartTask) wraps it as ErrSamplerInit.
	NewSamplerChain(params SamplerParams) (SamplerChain, error)
	// ClearSequence drops all KV-cache rows owned by seqID. Called on both
	// slot admission and slot retirement.
	ClearSequence(seqID int32)
	// Vocab returns the tokenizer/detokenizer bound to this context's model.
	Vocab() Vocab
}

// Model is a loaded set of weights capable of producing decoding contexts.
type Model interface {
	// TrainContextLength is the context length the model was trained with;
	// used to resolve the n_ctx == 0 "use training length" sentinel.
	TrainContextLength() int
	NewContext(cfg ContextParams) (Context, error)
	Vocab() Vocab
}

// Loader loads a model from a file path, optionally offloading gpuLayers
// layers to an accelerator. gpuLayers <= 0 means CPU-only.
type Loader interface {
	Load(path string, gpuLayers int) (Model, error)
}
