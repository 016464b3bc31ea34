// Package modelmgr implements C6 (the model manager: single-flight load
// cache plus per-model configuration resolution) and C8 (the models.toml
// config loader, in config.go). Grounded on zetxqx-llm-d-kv-cache-manager's CachedHFTokenizer,
// whose getTokenizer method is the cache.Get-miss/group.Do/cache.Add
// single-flight shape this manager follows.
package modelmgr

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kilnrun/llmrunner/engine"
	"github.com/kilnrun/llmrunner/runner/parallelrunner"
)

// ErrModelNotFound is returned when a requested model name does not exist
// under the manager's model directory.
var ErrModelNotFound = parallelrunner.ErrModelNotFound

// ManagerConfig carries the global defaults every model falls back to when
// models.toml does not override them (spec.md §4.8).
type ManagerConfig struct {
	ModelDirectory string
	NumParallel    int
	NumCtx         int
	NumBatch       int
	NumUBatch      int
	NumGPULayers   int
}

// ModelManager is C6: a single-flight cache mapping model name to a running
// Processor, backed by an engine.Loader and C8's models.toml.
type ModelManager struct {
	loader engine.Loader
	cfg    ManagerConfig
	models *ModelsConfig

	mu    sync.RWMutex
	procs map[string]*parallelrunner.Processor

	group singleflight.Group
}

// NewModelManager builds a manager rooted at cfg.ModelDirectory, loading
// models.toml from that directory if present.
func NewModelManager(loader engine.Loader, cfg ManagerConfig) *ModelManager {
	path := filepath.Join(cfg.ModelDirectory, "models.toml")
	return &ModelManager{
		loader: loader,
		cfg:    cfg,
		models: loadModelsConfigOrDefault(path),
		procs:  make(map[string]*parallelrunner.Processor),
	}
}

// GetOrLoad returns the running Processor for modelName, loading and
// starting it on first use. Concurrent callers requesting the same
// not-yet-loaded model share a single load (spec.md §4.6 property 1).
func (m *ModelManager) GetOrLoad(ctx context.Context, modelName string) (*parallelrunner.Processor, error) {
	m.mu.RLock()
	if proc, ok := m.procs[modelName]; ok {
		m.mu.RUnlock()
		return proc, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.group.Do(modelName, func() (interface{}, error) {
		m.mu.RLock()
		if proc, ok := m.procs[modelName]; ok {
			m.mu.RUnlock()
			return proc, nil
		}
		m.mu.RUnlock()

		proc, err := m.load(modelName)
		if err != nil {
			return nil, err
		}

		m.mu.Lock()
		m.procs[modelName] = proc
		m.mu.Unlock()
		return proc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*parallelrunner.Processor), nil
}

func (m *ModelManager) load(modelName string) (*parallelrunner.Processor, error) {
	modelPath := filepath.Join(m.cfg.ModelDirectory, modelName)
	if _, err := os.Stat(modelPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelName)
		}
		return nil, fmt.Errorf("stat %s: %w", modelPath, err)
	}

	overrides := m.modelOverrides(modelName)
	gpuLayers := m.cfg.NumGPULayers
	if overrides.NumGPULayers != nil {
		gpuLayers = *overrides.NumGPULayers
	}

	model, err := m.loader.Load(modelPath, gpuLayers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", parallelrunner.ErrModelLoad, err)
	}

	numCtx := resolveInt(overrides.NumCtx, m.cfg.NumCtx)
	if numCtx == 0 {
		numCtx = model.TrainContextLength()
	}

	procCfg := parallelrunner.ProcessorConfig{
		NumParallel:   resolveInt(overrides.NumParallel, m.cfg.NumParallel),
		NumCtx:        numCtx,
		NumBatch:      resolveInt(overrides.NumBatch, m.cfg.NumBatch),
		NumUBatch:     resolveInt(overrides.NumUBatch, m.cfg.NumUBatch),
		StopSequences: overrides.StopSequences,
	}

	proc, err := parallelrunner.NewProcessor(model, procCfg)
	if err != nil {
		return nil, err
	}
	proc.Start()
	return proc, nil
}

// resolveInt returns *override when non-nil, otherwise def. The n_ctx==0
// "use training length" sentinel is handled separately by the caller, since
// it needs the loaded model to resolve.
func resolveInt(override *int, def int) int {
	if override != nil {
		return *override
	}
	return def
}

func (m *ModelManager) modelOverrides(modelName string) ModelConfig {
	if m.models == nil {
		return ModelConfig{}
	}
	return m.models.Models[modelName]
}

// GetModelConfig returns modelName's configured overrides (prompt format,
// stop sequences, etc.), or the zero value if models.toml has no entry for
// it. Used by the HTTP layer to render chat prompts (spec.md §6).
func (m *ModelManager) GetModelConfig(modelName string) ModelConfig {
	return m.modelOverrides(modelName)
}
