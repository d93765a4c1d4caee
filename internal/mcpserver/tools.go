package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/joestump/gan-auditor/internal/gan"
)

// --- Tool Definition ---

func auditTool() mcp.Tool {
	return mcp.NewToolWithRawSchema(
		"gansauditor_codex",
		"Submit one thought in an iterative adversarial code-audit loop. Thoughts containing code or diffs are audited synchronously by the external judge; the response carries the review, completion status, and loop guidance.",
		json.RawMessage(`{
			"type": "object",
			"properties": {
				"thought": {
					"type": "string",
					"description": "The thought text. Code goes in fenced blocks; an optional fenced gan-config JSON block tunes the session."
				},
				"thoughtNumber": {
					"type": "integer",
					"description": "1-based position of this thought in the sequence"
				},
				"totalThoughts": {
					"type": "integer",
					"description": "Caller's current estimate of total thoughts"
				},
				"nextThoughtNeeded": {
					"type": "boolean",
					"description": "Whether the caller expects to continue"
				},
				"isRevision": {
					"type": "boolean",
					"description": "Marks this thought as a revision of an earlier one"
				},
				"revisesThought": {
					"type": "integer",
					"description": "Thought number being revised (required when isRevision is true)"
				},
				"branchFromThought": {
					"type": "integer",
					"description": "Thought number this branch forks from"
				},
				"branchId": {
					"type": "string",
					"description": "Session key. Calls sharing a branchId share audit state."
				},
				"loopId": {
					"type": "string",
					"description": "Iterative loop identifier; binds the session to a persistent judge context window"
				},
				"needsMoreThoughts": {
					"type": "boolean",
					"description": "Hint that the caller expects to exceed totalThoughts"
				}
			},
			"required": ["thought", "thoughtNumber", "totalThoughts", "nextThoughtNeeded"]
		}`),
	)
}

// --- Tool Handler ---

func (s *Server) handleThought(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var t gan.Thought
	if err := req.BindArguments(&t); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	resp, err := s.engine.HandleThought(ctx, t)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return resultJSON(resp)
}

// resultJSON marshals v into a text tool result.
func resultJSON(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
