// Command llmrunner serves the parallel inference engine over HTTP. The
// surface here is deliberately thin: one streaming completion endpoint that
// accepts an already-rendered prompt. Chat-template rendering and the rest
// of a real chat API are out of scope (SPEC_FULL.md §6); grounded on
// runner/llamarunner's cmd/runner/main.go for flag/logger wiring.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/kilnrun/llmrunner/engine"
	"github.com/kilnrun/llmrunner/envconfig"
	"github.com/kilnrun/llmrunner/logutil"
	"github.com/kilnrun/llmrunner/modelmgr"
	"github.com/kilnrun/llmrunner/runner/parallelrunner"
)

// unconfiguredLoader is the seam a real cgo/llama.cpp binding plugs into.
// This binary ships without one; Load always fails so the failure mode is
// explicit rather than the server silently accepting requests it cannot serve.
type unconfiguredLoader struct{}

func (unconfiguredLoader) Load(path string, gpuLayers int) (engine.Model, error) {
	return nil, fmt.Errorf("no native model backend configured (requested %s)", path)
}

func main() {
	addr := flag.String("addr", "", "listen address, overrides LLMRUNNER_HOST")
	modelDir := flag.String("models", "", "model directory, overrides LLMRUNNER_MODELS")
	flag.Parse()

	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))

	dir := envconfig.ModelDirectory()
	if *modelDir != "" {
		dir = *modelDir
	}

	mgr := modelmgr.NewModelManager(unconfiguredLoader{}, modelmgr.ManagerConfig{
		ModelDirectory: dir,
		NumParallel:    envconfig.Parallel(),
		NumCtx:         envconfig.ContextLength(),
		NumBatch:       envconfig.BatchSize(),
		NumUBatch:      envconfig.UBatchSize(),
	})

	host := envconfig.Host()
	listenAddr := host.Host
	if *addr != "" {
		listenAddr = *addr
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", newCompletionHandler(mgr))

	slog.Info("listening", "addr", listenAddr, "models", dir)
	if err := http.ListenAndServe(listenAddr, mux); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

type completionRequest struct {
	Model            string   `json:"model"`
	Prompt           string   `json:"prompt"`
	MaxTokens        int      `json:"max_tokens"`
	Temperature      float32  `json:"temperature"`
	TopK             int      `json:"top_k"`
	TopP             float32  `json:"top_p"`
	FrequencyPenalty float32  `json:"frequency_penalty"`
	PresencePenalty  float32  `json:"presence_penalty"`
	Seed             uint32   `json:"seed"`
	Stop             []string `json:"stop"`
	Stream           bool     `json:"stream"`
}

type completionChunk struct {
	Token            string `json:"token,omitempty"`
	Done             bool   `json:"done"`
	Reason           string `json:"reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Error            string `json:"error,omitempty"`
}

// newCompletionHandler submits one Task per request and streams its
// TaskResponse values back as newline-delimited JSON, closing the response
// body when the task finishes or the client disconnects.
func newCompletionHandler(mgr *modelmgr.ModelManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		proc, err := mgr.GetOrLoad(r.Context(), req.Model)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, modelmgr.ErrModelNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}

		task := parallelrunner.NewTask(r.Context(), "", req.Prompt, parallelrunner.SamplingParams{
			Temperature:      req.Temperature,
			TopK:             req.TopK,
			TopP:             req.TopP,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
			Seed:             req.Seed,
		}, req.Stop, req.MaxTokens, req.Stream)

		if err := proc.Submit(task); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)

		for resp := range task.ResponseCh {
			chunk := completionChunk{Token: resp.Token, Done: resp.Done}
			if resp.Done {
				chunk.Reason = resp.Reason.Kind.String()
				chunk.PromptTokens = resp.PromptTokens
				chunk.CompletionTokens = resp.CompletionTokens
				if resp.Reason.Err != nil {
					chunk.Error = resp.Reason.Err.Error()
				}
			}
			if err := enc.Encode(chunk); err != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
