package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/domain/session"
	"github.com/arthur-zhang/conduit/internal/port/cache"
)

// modelCatalog maps known model names to their context window sizes.
// Resolution order is observed > catalog > provider default.
var modelCatalog = map[string]int64{
	"claude-sonnet-4-5": 200_000,
	"claude-opus-4-1":   200_000,
	"claude-haiku-4-5":  200_000,
	"gpt-5-codex":       272_000,
	"gpt-5":             272_000,
	"gemini-2.5-pro":    1_048_576,
	"gemini-2.5-flash":  1_048_576,
}

const windowCacheTTL = time.Hour

// ContextWindows resolves the context window size for a session's model,
// preferring sizes observed from provider usage reports over the static
// catalog and provider defaults.
type ContextWindows struct {
	mu       sync.Mutex
	observed map[string]int64

	cfg   *config.Config
	cache cache.Cache
}

// NewContextWindows creates a resolver. c may be nil to skip the shared
// cache layer.
func NewContextWindows(cfg *config.Config, c cache.Cache) *ContextWindows {
	return &ContextWindows{
		observed: make(map[string]int64),
		cfg:      cfg,
		cache:    c,
	}
}

// Observe records a context window size reported by the provider itself.
func (w *ContextWindows) Observe(ctx context.Context, model string, window int64) {
	if model == "" || window <= 0 {
		return
	}
	w.mu.Lock()
	w.observed[model] = window
	w.mu.Unlock()

	if w.cache != nil {
		_ = w.cache.Set(ctx, "ctxwin:"+model, []byte(strconv.FormatInt(window, 10)), windowCacheTTL)
	}
}

// Resolve returns the context window for the given provider/model.
func (w *ContextWindows) Resolve(ctx context.Context, provider session.Provider, model string) int64 {
	w.mu.Lock()
	observed, ok := w.observed[model]
	w.mu.Unlock()
	if ok {
		return observed
	}

	if w.cache != nil && model != "" {
		if data, hit, err := w.cache.Get(ctx, "ctxwin:"+model); err == nil && hit {
			if n, err := strconv.ParseInt(string(data), 10, 64); err == nil && n > 0 {
				return n
			}
		}
	}

	if n, ok := modelCatalog[model]; ok {
		return n
	}
	if agent, ok := w.cfg.Agents.ForProvider(string(provider)); ok {
		return agent.ContextWindow
	}
	return 0
}
