// C8: configuration loader. Reads the optional <model_directory>/models.toml
// file of per-model overrides; grounded on original_source/config.rs
// (ModelConfig/ModelsConfig) and implemented with pelletier/go-toml/v2,
// already an indirect dependency of the teacher's go.mod.
package modelmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// PromptFormat carries the chat-template fragments the HTTP layer uses to
// render a prompt for a model (spec.md §6 names GetModelConfig as the
// source of this data but does not give field names; these come verbatim
// from original_source/config.rs's PromptFormat).
type PromptFormat struct {
	UserPrefix          string `toml:"user_prefix"`
	UserSuffix          string `toml:"user_suffix"`
	AssistantPrefix     string `toml:"assistant_prefix"`
	AssistantSuffix     string `toml:"assistant_suffix"`
	SystemPrefix        string `toml:"system_prefix"`
	SystemSuffix        string `toml:"system_suffix"`
	AddGenerationPrompt string `toml:"add_generation_prompt"`
}

// ModelConfig is one model's overrides over the manager defaults. Pointer
// fields distinguish "absent, use manager default" (nil) from "explicitly
// set to zero" (non-nil pointing at 0), which matters for NumCtx: zero is
// the sentinel meaning "use the model's training context length".
type ModelConfig struct {
	NumCtx        *int         `toml:"n_ctx"`
	NumParallel   *int         `toml:"n_parallel"`
	NumBatch      *int         `toml:"n_batch"`
	NumUBatch     *int         `toml:"n_ubatch"`
	NumGPULayers  *int         `toml:"n_gpu_layers"`
	StopSequences []string     `toml:"stop_sequences"`
	PromptFormat  PromptFormat `toml:"prompt_format"`
}

// ModelsConfig is the parsed contents of models.toml.
type ModelsConfig struct {
	Models map[string]ModelConfig `toml:"models"`
}

// LoadModelsConfig reads and parses path. A missing file is not an error: it
// returns (nil, nil) and callers fall back to manager defaults for every
// model, per spec.md §4.8 ("Absent file ⇒ all models use manager
// defaults"). A parse failure is returned to the caller, who is expected to
// log it and ignore it (see NewModelManager) rather than fail startup.
func LoadModelsConfig(path string) (*ModelsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var cfg ModelsConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// loadModelsConfigOrDefault wraps LoadModelsConfig with the "log and ignore"
// policy spec.md §4.8 mandates for parse failures.
func loadModelsConfigOrDefault(path string) *ModelsConfig {
	cfg, err := LoadModelsConfig(path)
	if err != nil {
		slog.Warn("ignoring unparseable models.toml, using manager defaults", "path", path, "error", err)
		return &ModelsConfig{}
	}
	if cfg == nil {
		slog.Info("no models.toml found, using manager defaults for all models", "path", path)
		return &ModelsConfig{}
	}
	return cfg
}
