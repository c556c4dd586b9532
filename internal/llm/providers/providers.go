// Package providers builds the model client from configuration: one
// rate-limited invoker per provider account, routed by model name prefix.
package providers

import (
	"log/slog"

	"github.com/joseph-ayodele/assignment-grader/internal/common"
	"github.com/joseph-ayodele/assignment-grader/internal/llm"
	"github.com/joseph-ayodele/assignment-grader/internal/llm/gemini"
	"github.com/joseph-ayodele/assignment-grader/internal/llm/openai"
)

var (
	GeminiPrefixes   = []string{"gemini"}
	OpenAIPrefixes   = []string{"gpt-", "o1", "o3", "o4"}
	DeepSeekPrefixes = []string{"deepseek"}
)

// NewClient registers every provider that has an API key. Extra invoker
// options are applied after the configured ones.
func NewClient(cfg common.LLMConfig, logger *slog.Logger, opts ...llm.InvokerOption) *llm.Client {
	if logger == nil {
		logger = slog.Default()
	}
	client := llm.NewClient(logger)
	invoker := func(name string) *llm.Invoker {
		base := []llm.InvokerOption{
			llm.WithMinInterval(cfg.MinInterval),
			llm.WithCallTimeout(cfg.CallTimeout),
			llm.WithRetryPolicy(llm.PolicyFromConfig(cfg)),
			llm.WithInvokerLogger(logger),
		}
		return llm.NewInvoker(name, append(base, opts...)...)
	}

	if cfg.GeminiKey != "" {
		g := gemini.NewClient(gemini.Config{APIKey: cfg.GeminiKey, BaseURL: cfg.GeminiBaseURL}, logger)
		client.Register(g, invoker("gemini"), GeminiPrefixes...)
	}
	if cfg.OpenAIKey != "" {
		o := openai.NewClient(openai.Config{Name: "openai", APIKey: cfg.OpenAIKey, BaseURL: cfg.OpenAIBaseURL}, logger)
		client.Register(o, invoker("openai"), OpenAIPrefixes...)
	}
	if cfg.DeepSeekKey != "" {
		d := openai.NewClient(openai.Config{Name: "deepseek", APIKey: cfg.DeepSeekKey, BaseURL: cfg.DeepSeekBaseURL}, logger)
		client.Register(d, invoker("deepseek"), DeepSeekPrefixes...)
	}

	for _, m := range append([]string{cfg.ExtractionModel}, cfg.DefaultModels...) {
		if !client.Supports(m) {
			logger.Warn("no provider configured for model", "model", m)
		}
	}
	return client
}
