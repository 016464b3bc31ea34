package modelmgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/kilnrun/llmrunner/engine"
	"github.com/kilnrun/llmrunner/runner/parallelrunner"
)

func touchModelFile(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("fake weights"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// Property 1 / S6: N concurrent GetOrLoad calls for the same model name
// perform exactly one load and all observe the same processor.
func TestModelManagerSingleFlightUnderRace(t *testing.T) {
	dir := t.TempDir()
	touchModelFile(t, dir, "m.gguf")

	loader := &engine.FakeLoader{
		Model: engine.NewFakeModel(2048, func(int32, int) int32 { return engine.EOGToken }),
	}
	mgr := NewModelManager(loader, ManagerConfig{
		ModelDirectory: dir,
		NumParallel:    2,
		NumCtx:         2048,
		NumBatch:       64,
		NumUBatch:      64,
	})

	const n = 50
	results := make([]*parallelrunner.Processor, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			proc, err := mgr.GetOrLoad(context.Background(), "m.gguf")
			if err != nil {
				return err
			}
			results[i] = proc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}

	if loader.LoadCalls != 1 {
		t.Fatalf("expected exactly 1 load, got %d", loader.LoadCalls)
	}
	for i, proc := range results {
		if proc != results[0] {
			t.Fatalf("result %d diverges from result 0", i)
		}
	}
}

func TestModelManagerNotFound(t *testing.T) {
	dir := t.TempDir()
	loader := &engine.FakeLoader{Model: engine.NewFakeModel(2048, nil)}
	mgr := NewModelManager(loader, ManagerConfig{ModelDirectory: dir, NumParallel: 1, NumCtx: 2048, NumBatch: 64, NumUBatch: 64})

	_, err := mgr.GetOrLoad(context.Background(), "missing.gguf")
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestModelManagerAppliesOverridesAndTrainContextLength(t *testing.T) {
	dir := t.TempDir()
	touchModelFile(t, dir, "m.gguf")
	if err := os.WriteFile(filepath.Join(dir, "models.toml"), []byte(`
[models."m.gguf"]
n_ctx = 0
n_parallel = 1
`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	loader := &engine.FakeLoader{Model: engine.NewFakeModel(8192, func(int32, int) int32 { return engine.EOGToken })}
	mgr := NewModelManager(loader, ManagerConfig{ModelDirectory: dir, NumParallel: 4, NumCtx: 2048, NumBatch: 64, NumUBatch: 64})

	proc, err := mgr.GetOrLoad(context.Background(), "m.gguf")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if got := proc.Config().NumCtx; got != 8192 {
		t.Fatalf("expected n_ctx=0 override to resolve to training context length 8192, got %d", got)
	}
	if got := proc.Config().NumParallel; got != 1 {
		t.Fatalf("expected n_parallel override 1, got %d", got)
	}

	task := parallelrunner.NewTask(context.Background(), "", "Hi", parallelrunner.SamplingParams{}, nil, 1, false)
	if err := proc.Submit(task); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for range task.ResponseCh {
	}
}

// TestModelManagerDefaultNumCtxUsesTrainContextLength covers the n_ctx==0
// sentinel when the manager default itself is 0 and models.toml has no
// override at all for the model, not just when an override is explicitly 0.
func TestModelManagerDefaultNumCtxUsesTrainContextLength(t *testing.T) {
	dir := t.TempDir()
	touchModelFile(t, dir, "m.gguf")

	loader := &engine.FakeLoader{Model: engine.NewFakeModel(4096, func(int32, int) int32 { return engine.EOGToken })}
	mgr := NewModelManager(loader, ManagerConfig{ModelDirectory: dir, NumParallel: 1, NumCtx: 0, NumBatch: 64, NumUBatch: 64})

	proc, err := mgr.GetOrLoad(context.Background(), "m.gguf")
	if err != nil {
		t.Fatalf("GetOrLoad: %v", err)
	}
	if got := proc.Config().NumCtx; got != 4096 {
		t.Fatalf("expected manager default n_ctx=0 to resolve to training context length 4096, got %d", got)
	}
}
