package medicare

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "medicare"
	serverVersion = "1.0.0"
)

// Server is the bundled Medicare MCP backend: a streamable-HTTP MCP server
// plus a plain /health endpoint for the gateway's monitor.
type Server struct {
	docs      *DocumentStore
	logger    *slog.Logger
	startTime time.Time
}

// NewServer builds the backend over a document directory.
func NewServer(docs *DocumentStore, logger *slog.Logger) *Server {
	return &Server{docs: docs, logger: logger, startTime: time.Now()}
}

// Handler returns the full HTTP surface: the MCP endpoint on /mcp and the
// health probe on /health.
func (s *Server) Handler() http.Handler {
	mcpServer := server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
	)
	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","server":%q}`, serverName)
	})
	return mux
}

func (s *Server) registerTools(m *server.MCPServer) {
	m.AddTool(
		mcp.NewTool("health",
			mcp.WithDescription("Check the health of the Medicare server."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("Medicare server is running and healthy."), nil
		},
	)

	m.AddTool(
		mcp.NewTool("list_medicare_documents",
			mcp.WithDescription("List all Medicare documents available."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			names, err := s.docs.List()
			if err != nil {
				s.logger.Error("list documents failed", "error", err)
				return mcp.NewToolResultError(err.Error()), nil
			}
			if names == nil {
				names = []string{}
			}
			return jsonToolResult(names)
		},
	)

	m.AddTool(
		mcp.NewTool("get_medicare_document",
			mcp.WithDescription("Return the contents of a Medicare document by filename."),
			mcp.WithString("filename",
				mcp.Required(),
				mcp.Description("Document filename as returned by list_medicare_documents"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if err := validateArgs(documentArgsSchema, req.GetArguments()); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			filename := req.GetString("filename", "")
			content, err := s.docs.Read(filename)
			if err != nil {
				s.logger.Warn("document read failed", "filename", filename, "error", err)
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(content), nil
		},
	)

	m.AddTool(
		mcp.NewTool("list_medicare_datasets",
			mcp.WithDescription("List all available Medicare datasets."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			catalog := make(map[string]string, len(datasets))
			for name, info := range datasets {
				catalog[name] = info.Description
			}
			return jsonToolResult(catalog)
		},
	)

	m.AddTool(
		mcp.NewTool("get_medicare_dataset_columns",
			mcp.WithDescription("Return the column names for a Medicare dataset."),
			mcp.WithString("dataset_name",
				mcp.Required(),
				mcp.Description("Dataset name as returned by list_medicare_datasets"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			name := req.GetString("dataset_name", "")
			info, ok := datasets[name]
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("unknown dataset %q", name)), nil
			}
			return jsonToolResult(info.Columns)
		},
	)

	m.AddTool(
		mcp.NewTool("get_medicare_dataset_rows",
			mcp.WithDescription("Return rows from a Medicare dataset, with optional limit and offset."),
			mcp.WithString("dataset_name",
				mcp.Required(),
				mcp.Description("Dataset name as returned by list_medicare_datasets"),
			),
			mcp.WithNumber("limit", mcp.DefaultNumber(10), mcp.Description("Maximum rows to return")),
			mcp.WithNumber("offset", mcp.DefaultNumber(0), mcp.Description("Rows to skip")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if err := validateArgs(datasetRowsArgsSchema, req.GetArguments()); err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			name := req.GetString("dataset_name", "")
			info, ok := datasets[name]
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("unknown dataset %q", name)), nil
			}
			limit := req.GetInt("limit", 10)
			offset := req.GetInt("offset", 0)

			rows := info.Rows
			if offset >= len(rows) {
				rows = nil
			} else {
				rows = rows[offset:]
			}
			if len(rows) > limit {
				rows = rows[:limit]
			}
			if rows == nil {
				rows = []map[string]any{}
			}
			return jsonToolResult(rows)
		},
	)
}

func (s *Server) registerResources(m *server.MCPServer) {
	m.AddResource(
		mcp.NewResource("data://app-status", "ApplicationStatus",
			mcp.WithResourceDescription("Provides the current status of the application."),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			status, err := json.Marshal(map[string]any{
				"status":      "ok",
				"uptime":      time.Since(s.startTime).Round(time.Second).String(),
				"version":     serverVersion,
				"server_name": serverName,
			})
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(status),
			}}, nil
		},
	)

	m.AddResourceTemplate(
		mcp.NewResourceTemplate("documents://{filename}", "MedicareDocumentResource",
			mcp.WithTemplateDescription("Access Medicare documents as resources."),
			mcp.WithTemplateMIMEType("text/plain"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			filename := req.Params.URI[len("documents://"):]
			content, err := s.docs.Read(filename)
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/plain",
				Text:     content,
			}}, nil
		},
	)
}

// jsonToolResult marshals v and wraps it as a text result, matching how the
// tools' consumers expect structured payloads.
func jsonToolResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
