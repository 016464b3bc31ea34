package modelmgr

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadModelsConfigAbsentFile(t *testing.T) {
	cfg, err := LoadModelsConfig(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("expected no error for absent file, got %v", err)
	}
	if cfg != nil {
		t.Fatalf("expected nil config for absent file, got %+v", cfg)
	}
}

func TestLoadModelsConfigParsesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.toml")
	contents := `
[models.llama3]
n_ctx = 0
n_parallel = 8
stop_sequences = ["</s>", "<|eot_id|>"]

[models.llama3.prompt_format]
user_prefix = "<|user|>"
user_suffix = "<|end|>"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadModelsConfig(path)
	if err != nil {
		t.Fatalf("LoadModelsConfig: %v", err)
	}
	model, ok := cfg.Models["llama3"]
	if !ok {
		t.Fatal("expected llama3 entry")
	}
	if model.NumCtx == nil || *model.NumCtx != 0 {
		t.Fatalf("expected n_ctx explicitly 0, got %v", model.NumCtx)
	}
	if model.NumParallel == nil || *model.NumParallel != 8 {
		t.Fatalf("expected n_parallel=8, got %v", model.NumParallel)
	}
	if len(model.StopSequences) != 2 || model.StopSequences[0] != "</s>" {
		t.Fatalf("unexpected stop sequences: %v", model.StopSequences)
	}
	if model.PromptFormat.UserPrefix != "<|user|>" {
		t.Fatalf("unexpected user_prefix: %q", model.PromptFormat.UserPrefix)
	}

	other, ok := cfg.Models["not-configured"]
	_ = other
	if ok {
		t.Fatal("expected no entry for an unconfigured model")
	}
}

func TestLoadModelsConfigParseFailureIsReturned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.toml")
	if err := os.WriteFile(path, []byte("not valid toml [[["), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := LoadModelsConfig(path); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestLoadModelsConfigOrDefaultIgnoresParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.toml")
	if err := os.WriteFile(path, []byte("not valid toml [[["), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := loadModelsConfigOrDefault(path)
	if cfg == nil || len(cfg.Models) != 0 {
		t.Fatalf("expected empty fallback config, got %+v", cfg)
	}
}
