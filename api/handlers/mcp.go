package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/quarrylabs/quarry/agent/pkg/memory"
	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/metrics"
)

// MCP server handler (initialized once).
var mcpHandler http.Handler

// InitMCP initializes the MCP server and returns the HTTP handler.
// This should be called once during startup.
func InitMCP() http.Handler {
	if mcpHandler != nil {
		return mcpHandler
	}
	mcpHandler = mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return createMCPServer()
	}, nil)
	return mcpHandler
}

func createMCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "quarry",
		Version: "1.0.0",
	}, &mcp.ServerOptions{
		Instructions: "query_database answers natural-language questions about the warehouse; only read-only SQL is ever executed. Use get_schema to see the available tables and get_history to inspect a session's previous turns.",
	})

	registerQueryDatabaseTool(server)
	registerGetSchemaTool(server)
	registerGetHistoryTool(server)
	return server
}

// QueryDatabaseInput is the input for the query_database tool.
type QueryDatabaseInput struct {
	Query     string `json:"query" jsonschema:"The natural-language question to answer from the warehouse"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session ID for follow-up questions; omit to start a new session"`
}

// QueryDatabaseOutput is the output from the query_database tool.
type QueryDatabaseOutput struct {
	SessionID    string `json:"session_id"`
	Answer       string `json:"answer"`
	GeneratedSQL string `json:"generated_sql,omitempty"`
	Succeeded    bool   `json:"succeeded"`
	Outcome      string `json:"outcome"`
}

func registerQueryDatabaseTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "query_database",
		Title:       "Query Database",
		Description: "Answer a natural-language question about the data warehouse. The question is translated to read-only SQL, executed, and the result is returned as a plain-language answer. Pass the returned session_id on follow-up questions to keep conversation context.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input QueryDatabaseInput) (*mcp.CallToolResult, QueryDatabaseOutput, error) {
		query := strings.TrimSpace(input.Query)
		if query == "" {
			return nil, QueryDatabaseOutput{}, errors.New("query is required")
		}

		result, err := agent.Run(ctx, query, input.SessionID)
		if err != nil {
			return nil, QueryDatabaseOutput{}, fmt.Errorf("failed to resolve question: %w", err)
		}
		metrics.RecordTurn(string(result.Outcome))

		return nil, QueryDatabaseOutput{
			SessionID:    result.SessionID,
			Answer:       result.Answer,
			GeneratedSQL: result.GeneratedSQL,
			Succeeded:    result.Succeeded,
			Outcome:      string(result.Outcome),
		}, nil
	})
}

// GetSchemaInput is the input for the get_schema tool.
type GetSchemaInput struct {
	Refresh bool `json:"refresh,omitempty" jsonschema:"Force a fresh fetch instead of the cached schema"`
}

// GetSchemaOutput is the output from the get_schema tool.
type GetSchemaOutput struct {
	Database string `json:"database"`
	Schema   string `json:"schema"`
}

func registerGetSchemaTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_schema",
		Title:       "Get Schema",
		Description: "Get the warehouse schema: all tables and columns with their types.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input GetSchemaInput) (*mcp.CallToolResult, GetSchemaOutput, error) {
		var snap *workflow.SchemaSnapshot
		var err error
		if input.Refresh {
			snap, err = schemaCache.Refresh(ctx)
		} else {
			snap, err = schemaCache.Get(ctx)
		}
		if err != nil {
			return nil, GetSchemaOutput{}, fmt.Errorf("failed to fetch schema: %w", err)
		}
		return nil, GetSchemaOutput{Database: snap.Database, Schema: snap.Format()}, nil
	})
}

// GetHistoryInput is the input for the get_history tool.
type GetHistoryInput struct {
	SessionID string `json:"session_id" jsonschema:"The session whose history to return"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum records to return (default 50)"`
}

// GetHistoryOutput is the output from the get_history tool.
type GetHistoryOutput struct {
	SessionID string `json:"session_id"`
	History   string `json:"history"`
	Count     int    `json:"count"`
}

func registerGetHistoryTool(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_history",
		Title:       "Get History",
		Description: "Get the conversation history for a session: previous questions, the SQL generated for them, and result summaries.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, req *mcp.CallToolRequest, input GetHistoryInput) (*mcp.CallToolResult, GetHistoryOutput, error) {
		sessionID := strings.TrimSpace(input.SessionID)
		if sessionID == "" {
			return nil, GetHistoryOutput{}, errors.New("session_id is required")
		}
		limit := input.Limit
		if limit <= 0 {
			limit = defaultHistoryLimit
		}
		records, err := mem.Recent(ctx, sessionID, limit)
		if err != nil {
			return nil, GetHistoryOutput{}, fmt.Errorf("failed to load history: %w", err)
		}
		return nil, GetHistoryOutput{
			SessionID: sessionID,
			History:   memory.FormatHistory(records),
			Count:     len(records),
		}, nil
	})
}
