package main

import (
	"context"
	"fmt"
	"os"

	"github.com/swedishembedded/sven/internal/agent"
	"github.com/swedishembedded/sven/internal/agent/providers"
	"github.com/swedishembedded/sven/internal/config"
	"github.com/swedishembedded/sven/internal/control"
	"github.com/swedishembedded/sven/internal/sessions"
)

// runtime.go wires a config.Config into the running pieces the node
// and tui commands both need: an LLM provider chosen by
// config.LLMConfig, a session store, and the Control Service that owns
// the Turn Engine (spec.md §4.1-§4.2). Kept separate from the command
// builders so neither "node start" nor "tui" duplicates it.

// buildProvider resolves config.LLMConfig.DefaultProvider into a
// concrete agent.LLMProvider, falling back to the provider's usual
// environment variable when no API key is configured.
func buildProvider(cfg *config.Config) (agent.LLMProvider, error) {
	name := cfg.LLM.DefaultProvider
	if name == "" {
		name = "anthropic"
	}
	pc := cfg.LLM.Providers[name]

	switch name {
	case "anthropic":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       apiKey,
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		})
	case "openai":
		apiKey := firstNonEmpty(pc.APIKey, os.Getenv("OPENAI_API_KEY"))
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
		}), nil
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:       cfg.LLM.Bedrock.Region,
			DefaultModel: pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// newRuntimeService builds the Turn Engine and Control Service for
// cfg, starts the service's select loop in a goroutine, and returns a
// stop function that cancels it.
func newRuntimeService(cfg *config.Config) (*control.Service, func(), error) {
	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, nil, err
	}

	store := sessions.NewMemoryStore()
	runtime := agent.NewAgenticRuntime(provider, store, agent.DefaultLoopConfig())
	checker := agent.NewApprovalChecker(agent.DefaultApprovalPolicy())
	checker.SetStore(agent.NewMemoryApprovalStore())

	svc := control.NewService(runtime, checker, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	return svc, cancel, nil
}
