package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/arthur-zhang/conduit/internal/config"
	"github.com/arthur-zhang/conduit/internal/domain/session"
)

// mapCache is an in-memory cache.Cache for resolver tests. TTLs are ignored.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// TestContextWindows_CatalogHit resolves a known model from the static
// catalog.
func TestContextWindows_CatalogHit(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	w := NewContextWindows(&cfg, nil)

	if got := w.Resolve(context.Background(), session.ProviderCodex, "gpt-5-codex"); got != 272_000 {
		t.Errorf("Resolve = %d, want 272000", got)
	}
}

// TestContextWindows_ObservedBeatsCatalog verifies a provider-reported window
// overrides the catalog value.
func TestContextWindows_ObservedBeatsCatalog(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	w := NewContextWindows(&cfg, nil)
	ctx := context.Background()

	w.Observe(ctx, "gpt-5-codex", 400_000)
	if got := w.Resolve(ctx, session.ProviderCodex, "gpt-5-codex"); got != 400_000 {
		t.Errorf("Resolve = %d, want observed 400000", got)
	}
}

// TestContextWindows_ObserveIgnoresGarbage verifies empty models and
// non-positive windows are never recorded.
func TestContextWindows_ObserveIgnoresGarbage(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	w := NewContextWindows(&cfg, nil)
	ctx := context.Background()

	w.Observe(ctx, "", 123)
	w.Observe(ctx, "gpt-5-codex", 0)
	w.Observe(ctx, "gpt-5-codex", -1)

	if got := w.Resolve(ctx, session.ProviderCodex, "gpt-5-codex"); got != 272_000 {
		t.Errorf("Resolve = %d, want catalog 272000 (garbage observations recorded?)", got)
	}
}

// TestContextWindows_CacheSharedAcrossResolvers verifies an observation made
// by one resolver is visible to another through the shared cache, mimicking
// a restart.
func TestContextWindows_CacheSharedAcrossResolvers(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	shared := newMapCache()
	ctx := context.Background()

	first := NewContextWindows(&cfg, shared)
	first.Observe(ctx, "some-preview-model", 555_000)

	second := NewContextWindows(&cfg, shared)
	if got := second.Resolve(ctx, session.ProviderCodex, "some-preview-model"); got != 555_000 {
		t.Errorf("Resolve through shared cache = %d, want 555000", got)
	}
}

// TestContextWindows_ProviderDefaultFallback verifies an unknown model falls
// back to the provider's configured window.
func TestContextWindows_ProviderDefaultFallback(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	w := NewContextWindows(&cfg, nil)

	if got := w.Resolve(context.Background(), session.ProviderGemini, "gemini-someday"); got != 1_048_576 {
		t.Errorf("Resolve = %d, want gemini provider default 1048576", got)
	}
}

// TestContextWindows_UnknownProviderResolvesZero verifies a completely
// unknown provider/model pair resolves to zero rather than guessing.
func TestContextWindows_UnknownProviderResolvesZero(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	w := NewContextWindows(&cfg, nil)

	if got := w.Resolve(context.Background(), session.Provider("mystery"), "whoknows"); got != 0 {
		t.Errorf("Resolve = %d, want 0", got)
	}
}
