package studio

import (
	"context"
	"fmt"

	"github.com/incrementventures/adt-studio-sub000/internal/cache"
	"github.com/incrementventures/adt-studio-sub000/internal/config"
	"github.com/incrementventures/adt-studio-sub000/internal/llm"
	"github.com/incrementventures/adt-studio-sub000/internal/llm/ollama"
	"github.com/incrementventures/adt-studio-sub000/internal/llm/openrouter"
)

// NewProvider builds the model provider named by cfg.LLM.Provider.
func NewProvider(cfg config.Config) (llm.Provider, error) {
	if err := cfg.RequireLLM(); err != nil {
		return nil, err
	}
	switch cfg.LLM.Provider {
	case config.ProviderOllama:
		return ollama.New(cfg.LLM.BaseURL), nil
	case config.ProviderOpenRouter:
		timeout, err := cfg.LLMTimeout()
		if err != nil {
			return nil, err
		}
		opts := []openrouter.Option{openrouter.WithRateLimit(cfg.LLM.RequestsPerSecond)}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openrouter.WithBaseURL(cfg.LLM.BaseURL))
		}
		if timeout > 0 {
			opts = append(opts, openrouter.WithTimeout(timeout))
		}
		return openrouter.NewClient(cfg.LLM.APIKey, opts...), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
}

// NewCacheStore returns the Redis store when cache.redis_addr is set and
// the file store under the data dir otherwise.
func NewCacheStore(ctx context.Context, cfg config.Config) (cache.Store, error) {
	if cfg.Cache.RedisAddr != "" {
		return cache.NewRedisStore(ctx, cache.RedisConfig{Addr: cfg.Cache.RedisAddr})
	}
	return cache.NewFileStore(cfg.CacheDir())
}
