// Package mcpserver exposes the audit engine as an MCP (Model Context
// Protocol) tool over stdio JSON-RPC. The single gansauditor_codex tool
// accepts one thought per call and answers synchronously with the review.
package mcpserver

import (
	"context"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/joestump/gan-auditor/internal/config"
	"github.com/joestump/gan-auditor/internal/engine"
)

// Server binds the MCP transport to the engine.
type Server struct {
	engine *engine.Engine
}

// NewServer creates the transport wrapper around an engine.
func NewServer(eng *engine.Engine) *Server {
	return &Server{engine: eng}
}

// Run starts the MCP stdio server. It blocks until the context is cancelled
// or stdin is closed.
func (s *Server) Run(ctx context.Context) error {
	mcpServer := server.NewMCPServer(
		"gan-auditor",
		config.Version,
		server.WithToolCapabilities(true),
	)

	mcpServer.AddTools(server.ServerTool{
		Tool:    auditTool(),
		Handler: s.handleThought,
	})

	stdio := server.NewStdioServer(mcpServer)
	stdio.SetErrorLogger(log.New(os.Stderr, "[mcp] ", log.LstdFlags))

	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}
