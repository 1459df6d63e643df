// Package mcp exposes Parley's operational data as MCP tools over stdio.
package mcp

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"

	"github.com/pario-ai/parley/pkg/audit"
	"github.com/pario-ai/parley/pkg/budget"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/tracker"
)

// CacheStatter provides cache statistics without coupling to a concrete cache implementation.
type CacheStatter interface {
	Stats(ctx context.Context) (models.CacheStats, error)
}

// ModelLister lists the models callers can use.
type ModelLister interface {
	Available() []models.ProviderModel
}

// Deps are the data sources behind the tools. Only Tracker is
// required; tools whose source is nil report that it is not configured.
type Deps struct {
	Tracker tracker.Tracker
	Cache   CacheStatter
	Budget  *budget.Enforcer
	Audit   *audit.Logger
	Models  ModelLister
}

// Server is an MCP server backed by Parley's stores.
type Server struct {
	tracker  tracker.Tracker
	cache    CacheStatter
	enforcer *budget.Enforcer
	auditor  *audit.Logger
	models   ModelLister
	mcp      *server.MCPServer
}

// New creates a new MCP Server and registers its tools.
func New(deps Deps, version string) *Server {
	s := &Server{
		tracker:  deps.Tracker,
		cache:    deps.Cache,
		enforcer: deps.Budget,
		auditor:  deps.Audit,
		models:   deps.Models,
		mcp:      server.NewMCPServer("parley", version, server.WithToolCapabilities(false)),
	}
	s.registerTools()
	return s
}

// Run serves MCP requests read from r and writes responses to w. It
// blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	return server.NewStdioServer(s.mcp).Listen(ctx, r, w)
}
