package core

import (
	"fmt"

	"github.com/quzhigang/wg-agent-sub001/config"
	openai_provider "github.com/quzhigang/wg-agent-sub001/provider/openai"
)

// Providers bundles the LLM clients for each task the agent routes to a
// model: classification, plan synthesis and response generation.
type Providers struct {
	Classification LLMProvider
	Synthesis      LLMProvider
	Response       LLMProvider
}

// NewProviders builds the per-task LLM clients from configuration. A task
// without an explicit route falls back to llm.routing.fallback.
func NewProviders(cfg config.LLMConfig) (*Providers, error) {
	build := func(name string) (LLMProvider, error) {
		if name == "" {
			name = cfg.Routing.Fallback
		}
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm provider not configured: %q", name)
		}
		switch pc.Type {
		case "", "openai", "openai-compatible":
			return openai_provider.NewClient(pc.APIKey, pc.BaseURL, pc.Model, pc.EmbeddingModel,
				pc.Temperature, pc.MaxTokens, pc.Timeout), nil
		default:
			return nil, fmt.Errorf("unsupported llm provider type: %q", pc.Type)
		}
	}

	classification, err := build(cfg.Routing.Classification)
	if err != nil {
		return nil, err
	}
	synthesis, err := build(cfg.Routing.Synthesis)
	if err != nil {
		return nil, err
	}
	response, err := build(cfg.Routing.Response)
	if err != nil {
		return nil, err
	}
	return &Providers{Classification: classification, Synthesis: synthesis, Response: response}, nil
}
