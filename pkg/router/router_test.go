package router

import (
	"errors"
	"testing"
	"time"

	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/models"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{
		{Name: "openai", URL: "https://api.openai.com", APIKey: "sk-1", Timeout: 30 * time.Second},
		{Name: "anthropic", Type: config.ProviderAnthropic, URL: "https://api.anthropic.com"},
	}
	cfg.Models = []models.ProviderModel{
		{ID: "gpt-4o-mini", Provider: "openai", ContextWindow: 128000, MaxOutputTokens: 16384},
		{ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutputTokens: 8192},
	}
	return cfg
}

func newRouter(t *testing.T, cfg *config.Config) *Router {
	t.Helper()
	r, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestResolveCatalogModel(t *testing.T) {
	r := newRouter(t, testConfig())
	target, err := r.Resolve("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if target.Adapter.Name() != "openai" || target.Model.ContextWindow != 128000 {
		t.Errorf("unexpected target %+v", target)
	}
	if target.Timeout != 30*time.Second {
		t.Errorf("expected provider timeout, got %v", target.Timeout)
	}
}

func TestResolveMissingCredentials(t *testing.T) {
	r := newRouter(t, testConfig())
	_, err := r.Resolve("claude-haiku-4-5")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestResolveUnknownModel(t *testing.T) {
	r := newRouter(t, testConfig())
	_, err := r.Resolve("llama-3")
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("expected ErrUnknownModel, got %v", err)
	}
}

func TestResolveByPrefix(t *testing.T) {
	r := newRouter(t, testConfig())
	target, err := r.Resolve("gpt-4.1")
	if err != nil {
		t.Fatal(err)
	}
	if target.Model.ID != "gpt-4.1" || target.Model.Provider != "openai" {
		t.Errorf("unexpected model %+v", target.Model)
	}
	if target.Model.ContextWindow != DefaultContextWindow {
		t.Errorf("expected default context window, got %d", target.Model.ContextWindow)
	}

	if _, err := r.Resolve("claude-opus"); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("prefix of unconfigured provider should be unavailable, got %v", err)
	}
}

func TestResolveAliasSkipsUnconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Router.Routes = []config.RouteConfig{
		{
			Model: "fast",
			Targets: []config.RouteTarget{
				{Provider: "anthropic", Model: "claude-haiku-4-5"},
				{Provider: "openai", Model: "gpt-4o-mini"},
			},
		},
		{
			Model:   "smart",
			Targets: []config.RouteTarget{{Provider: "anthropic", Model: "claude-haiku-4-5"}},
		},
	}
	r := newRouter(t, cfg)

	target, err := r.Resolve("fast")
	if err != nil {
		t.Fatal(err)
	}
	if target.Model.ID != "gpt-4o-mini" || target.Model.MaxOutputTokens != 16384 {
		t.Errorf("expected the openai fallback with catalog data, got %+v", target.Model)
	}

	if _, err := r.Resolve("smart"); !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	r := newRouter(t, testConfig())
	avail := r.Available()
	if len(avail) != 1 || avail[0].ID != "gpt-4o-mini" {
		t.Errorf("expected only openai models, got %+v", avail)
	}
	if p := r.Providers(); len(p) != 1 || p[0] != "openai" {
		t.Errorf("unexpected providers %v", p)
	}
}
