package engine

import (
	"context"
	"fmt"
)

// EOGToken is the sentinel end-of-generation token id produced by FakeVocab.
// It is outside the byte range so it never collides with real text bytes.
const EOGToken int32 = 256

// FakeVocab is a byte-level tokenizer: each byte of UTF-8 text is one token.
// It exists purely so the scheduler (C1-C5) can be exercised deterministically
// without a native model binding.
type FakeVocab struct {
	// FailTokenize, if set, makes the next Tokenize call fail; used to
	// exercise ErrTokenization paths.
	FailTokenize bool
}

func (v *FakeVocab) Tokenize(text string) ([]int32, error) {
	if v.FailTokenize {
		v.FailTokenize = false
		return nil, fmt.Errorf("fake tokenizer: injected failure")
	}
	if text == "" {
		return nil, nil
	}
	tokens := make([]int32, len(text))
	for i := 0; i < len(text); i++ {
		tokens[i] = int32(text[i])
	}
	return tokens, nil
}

func (v *FakeVocab) TokenToPiece(token int32) (string, error) {
	if token == EOGToken {
		return "", nil
	}
	if token < 0 || token > 255 {
		return "", fmt.Errorf("fake tokenizer: token %d out of range", token)
	}
	return string([]byte{byte(token)}), nil
}

func (v *FakeVocab) IsEndOfGeneration(token int32) bool {
	return token == EOGToken
}

// Script decides the next sampled token for seqID at its step'th sampling
// call (0-indexed). Tests configure one Script per scenario so generation is
// fully deterministic.
type Script func(seqID int32, step int) int32

// FakeModel is a deterministic engine.Model double driven by a Script.
type FakeModel struct {
	trainCtx int
	script   Script
	vocab    *FakeVocab
}

// NewFakeModel builds a fake model whose training context length is
// trainCtx and whose generated tokens are decided by script.
func NewFakeModel(trainCtx int, script Script) *FakeModel {
	return &FakeModel{trainCtx: trainCtx, script: script, vocab: &FakeVocab{}}
}

func (m *FakeModel) TrainContextLength() int { return m.trainCtx }
func (m *FakeModel) Vocab() Vocab            { return m.vocab }

func (m *FakeModel) NewContext(cfg ContextParams) (Context, error) {
	return &fakeContext{model: m, steps: map[int32]int{}}, nil
}

// FakeLoader implements Loader by handing back a pre-built FakeModel,
// regardless of path, so tests can drive ModelManager.GetOrLoad without a
// filesystem.
type FakeLoader struct {
	Model      *FakeModel
	LoadCalls  int
	FailLoad   bool
	LoadCalled chan struct{} // optionally signalled once per Load call
}

func (l *FakeLoader) Load(path string, gpuLayers int) (Model, error) {
	l.LoadCalls++
	if l.LoadCalled != nil {
		l.LoadCalled <- struct{}{}
	}
	if l.FailLoad {
		return nil, fmt.Errorf("fake loader: injected load failure for %s", path)
	}
	return l.Model, nil
}

type fakeContext struct {
	model     *FakeModel
	lastBatch BatchDescriptor
	steps     map[int32]int
}

func (c *fakeContext) Decode(_ context.Context, batch BatchDescriptor) error {
	c.lastBatch = batch
	return nil
}

func (c *fakeContext) Vocab() Vocab { return c.model.Vocab() }

func (c *fakeContext) ClearSequence(seqID int32) {
	delete(c.steps, seqID)
}

func (c *fakeContext) NewSamplerChain(params SamplerParams) (SamplerChain, error) {
	return &fakeChain{ctx: c}, nil
}

// fakeChain samples from the owning fakeContext's script, keyed by the
// seq-id found at the requested logits index in the last decoded batch.
type fakeChain struct {
	ctx *fakeContext
}

func (f *fakeChain) Accept(int32) {}
func (f *fakeChain) Reset()       {}

func (f *fakeChain) Sample(genCtx Context, logitsIndex int) (int32, error) {
	fc, ok := genCtx.(*fakeContext)
	if !ok {
		return 0, fmt.Errorf("fake sampler: context type mismatch")
	}
	if logitsIndex < 0 || logitsIndex >= len(fc.lastBatch.SeqIDs) {
		return 0, fmt.Errorf("fake sampler: logits index %d out of range", logitsIndex)
	}
	seqID := fc.lastBatch.SeqIDs[logitsIndex]
	step := fc.steps[seqID]
	fc.steps[seqID] = step + 1
	return fc.model.script(seqID, step), nil
}
