// Package router maps requested model names to a configured provider
// adapter and the model's static descriptor.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/provider"
)

var (
	// ErrUnknownModel is returned when no catalog entry, alias or prefix
	// matches the requested model.
	ErrUnknownModel = errors.New("unknown model")
	// ErrProviderUnavailable is returned when the model's provider has
	// no credentials configured.
	ErrProviderUnavailable = errors.New("provider unavailable")
)

// DefaultContextWindow applies to models resolved by prefix only.
const DefaultContextWindow = 8192

// DefaultTimeout bounds a provider call when the provider sets none.
const DefaultTimeout = 2 * time.Minute

// Target is a resolved provider call destination.
type Target struct {
	Adapter provider.Adapter
	Model   models.ProviderModel
	Timeout time.Duration
}

// Router resolves model names against the catalog, alias routes and
// id prefixes, in that order.
type Router struct {
	adapters map[string]provider.Adapter
	timeouts map[string]time.Duration
	catalog  map[string]models.ProviderModel
	models   []models.ProviderModel
	prefixes map[string]string
	routes   []config.RouteConfig
}

// New builds adapters for every provider with credentials. Providers
// without an API key are left out and their models report unavailable.
func New(cfg *config.Config, client *http.Client, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Router{
		adapters: make(map[string]provider.Adapter, len(cfg.Providers)),
		timeouts: make(map[string]time.Duration, len(cfg.Providers)),
		catalog:  make(map[string]models.ProviderModel, len(cfg.Models)),
		models:   cfg.Models,
		prefixes: cfg.Router.Prefixes,
		routes:   cfg.Router.Routes,
	}
	for _, p := range cfg.Providers {
		if p.APIKey == "" {
			logger.Info("provider has no credentials, not registering", "provider", p.Name)
			continue
		}
		a, err := provider.New(p, client)
		if err != nil {
			return nil, err
		}
		r.adapters[p.Name] = a
		r.timeouts[p.Name] = p.Timeout
	}
	for _, m := range cfg.Models {
		r.catalog[m.ID] = m
	}
	return r, nil
}

// Register adds or replaces an adapter. It is used to plug in adapters
// that are not built from configuration.
func (r *Router) Register(a provider.Adapter, timeout time.Duration) {
	r.adapters[a.Name()] = a
	r.timeouts[a.Name()] = timeout
}

// Resolve returns the target for a requested model.
func (r *Router) Resolve(requested string) (Target, error) {
	if m, ok := r.catalog[requested]; ok {
		return r.target(m)
	}

	for _, route := range r.routes {
		if route.Model != requested {
			continue
		}
		for _, t := range route.Targets {
			if _, ok := r.adapters[t.Provider]; !ok {
				continue
			}
			id := t.Model
			if id == "" {
				id = requested
			}
			return r.target(r.describe(id, t.Provider))
		}
		return Target{}, fmt.Errorf("%w: no configured provider for route %q", ErrProviderUnavailable, requested)
	}

	if name, ok := r.matchPrefix(requested); ok {
		return r.target(r.describe(requested, name))
	}
	return Target{}, fmt.Errorf("%w: %q", ErrUnknownModel, requested)
}

// describe returns the catalog descriptor for id under providerName or
// a minimal one when the model is not listed.
func (r *Router) describe(id, providerName string) models.ProviderModel {
	if m, ok := r.catalog[id]; ok && m.Provider == providerName {
		return m
	}
	return models.ProviderModel{ID: id, Provider: providerName, ContextWindow: DefaultContextWindow}
}

func (r *Router) target(m models.ProviderModel) (Target, error) {
	a, ok := r.adapters[m.Provider]
	if !ok {
		return Target{}, fmt.Errorf("%w: %s (model %s)", ErrProviderUnavailable, m.Provider, m.ID)
	}
	timeout := r.timeouts[m.Provider]
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Target{Adapter: a, Model: m, Timeout: timeout}, nil
}

// matchPrefix returns the provider of the longest configured prefix of id.
func (r *Router) matchPrefix(id string) (string, bool) {
	best, name := -1, ""
	for prefix, p := range r.prefixes {
		if strings.HasPrefix(id, prefix) && len(prefix) > best {
			best, name = len(prefix), p
		}
	}
	return name, best >= 0
}

// Available returns catalog models whose provider is configured.
func (r *Router) Available() []models.ProviderModel {
	out := make([]models.ProviderModel, 0, len(r.models))
	for _, m := range r.models {
		if _, ok := r.adapters[m.Provider]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Providers returns the names of registered providers, sorted.
func (r *Router) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
