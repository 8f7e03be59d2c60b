package engine

import (
	"context"
	"fmt"

	"document-formatter/internal/config"
)

// New selects the backend named by cfg.EngineBackend and applies the
// concurrency limit.
func New(ctx context.Context, cfg config.Config) (Engine, error) {
	var (
		e   Engine
		err error
	)
	switch cfg.EngineBackend {
	case "basic", "":
		e = NewBasic()
	case "gemini":
		var c *GeminiCompleter
		if c, err = NewGeminiCompleter(ctx, cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel); err == nil {
			e, err = NewLLM("gemini", cfg.GeminiModel, c)
		}
	case "openai":
		var c *OpenAICompleter
		if c, err = NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel); err == nil {
			e, err = NewLLM("openai", cfg.OpenAIModel, c)
		}
	case "remote":
		e, err = NewRemote(cfg.EngineRemoteURL, cfg.EngineTimeout)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.EngineBackend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s engine: %w", cfg.EngineBackend, err)
	}
	return Limit(e, cfg.EngineConcurrency), nil
}
