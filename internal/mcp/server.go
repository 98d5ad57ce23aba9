package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lh/yiana/internal/async"
	"github.com/lh/yiana/internal/service"
	"github.com/lh/yiana/internal/store"
	"github.com/lh/yiana/pkg/version"
)

// ServerName is reported to clients during initialization.
const ServerName = "Yiana"

// Backend is the part of *service.Service the MCP tools use.
type Backend interface {
	Search(ctx context.Context, query string, limit int) ([]store.Result, error)
	IsDocumentIndexed(ctx context.Context, id string) (bool, error)
	Status(ctx context.Context) (service.Status, error)
	RequestIndex()
	IndexAll(ctx context.Context) (async.RunStats, error)
	ResetIndex(ctx context.Context) (async.RunStats, error)
}

// Server is the MCP server for Yiana.
// It bridges AI clients with the document search index.
type Server struct {
	mcp     *mcp.Server
	backend Backend
	logger  *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

var tools = []ToolInfo{
	{
		Name:        ToolSearchDocuments,
		Description: "Search scanned documents by title and recognized text. Title matches rank first. Returns document ids, snippets and container paths.",
	},
	{
		Name:        ToolDocumentIndexed,
		Description: "Check whether a document id has been indexed. Documents waiting for cloud download or OCR may not be searchable yet.",
	},
	{
		Name:        ToolIndexStatus,
		Description: "Report the number of indexed documents, the state of the background indexer and documents deferred for cloud download.",
	},
	{
		Name:        ToolReindex,
		Description: "Schedule an index run over the repository. With reset=true the index is dropped and rebuilt; the call waits for the rebuild.",
	},
}

// NewServer creates a new MCP server over backend.
func NewServer(backend Backend, logger *slog.Logger) (*Server, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		backend: backend,
		logger:  logger,
	}
	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    ServerName,
			Version: version.Version,
		},
		nil,
	)

	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(tools))
	copy(out, tools)
	return out
}

// CallTool invokes a tool by name with already-decoded arguments.
// It serves the same handlers as the protocol path.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolSearchDocuments:
		in := SearchInput{}
		in.Query, _ = args["query"].(string)
		if l, ok := args["limit"].(float64); ok {
			in.Limit = int(l)
		}
		_, out, err := s.handleSearch(ctx, nil, in)
		return out, err
	case ToolDocumentIndexed:
		in := DocumentIndexedInput{}
		in.DocumentID, _ = args["document_id"].(string)
		_, out, err := s.handleDocumentIndexed(ctx, nil, in)
		return out, err
	case ToolIndexStatus:
		_, out, err := s.handleIndexStatus(ctx, nil, IndexStatusInput{})
		return out, err
	case ToolReindex:
		in := ReindexInput{}
		in.Reset, _ = args["reset"].(bool)
		in.Wait, _ = args["wait"].(bool)
		_, out, err := s.handleReindex(ctx, nil, in)
		return out, err
	default:
		return nil, NewMethodNotFoundError(name)
	}
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolSearchDocuments, Description: tools[0].Description}, s.handleSearch)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolDocumentIndexed, Description: tools[1].Description}, s.handleDocumentIndexed)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolIndexStatus, Description: tools[2].Description}, s.handleIndexStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{Name: ToolReindex, Description: tools[3].Description}, s.handleReindex)
	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, NewInvalidParamsError("query cannot be empty or whitespace only")
	}
	if input.Limit < 0 {
		return nil, SearchOutput{}, NewInvalidParamsError("limit must not be negative")
	}

	start := time.Now()
	requestID := generateRequestID()

	results, err := s.backend.Search(ctx, input.Query, input.Limit)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("mcp_search_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()))
		return nil, SearchOutput{}, MapError(err)
	}

	s.logger.Info("mcp_search_completed",
		slog.String("request_id", requestID),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(results)))

	output := SearchOutput{
		Query:   input.Query,
		Count:   len(results),
		Results: make([]DocumentHit, 0, len(results)),
	}
	for _, r := range results {
		output.Results = append(output.Results, toDocumentHit(r))
	}

	indexing := false
	if st, err := s.backend.Status(ctx); err == nil {
		indexing = st.State == async.StateIndexing
	}
	text := FormatSearchResults(input.Query, results, indexing)
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, output, nil
}

func (s *Server) handleDocumentIndexed(ctx context.Context, _ *mcp.CallToolRequest, input DocumentIndexedInput) (
	*mcp.CallToolResult,
	DocumentIndexedOutput,
	error,
) {
	indexed, err := s.backend.IsDocumentIndexed(ctx, input.DocumentID)
	if err != nil {
		return nil, DocumentIndexedOutput{}, MapError(err)
	}
	return nil, DocumentIndexedOutput{DocumentID: input.DocumentID, Indexed: indexed}, nil
}

func (s *Server) handleIndexStatus(ctx context.Context, _ *mcp.CallToolRequest, _ IndexStatusInput) (
	*mcp.CallToolResult,
	*IndexStatusOutput,
	error,
) {
	st, err := s.backend.Status(ctx)
	if err != nil {
		return nil, nil, MapError(err)
	}
	return nil, toIndexStatusOutput(st), nil
}

func (s *Server) handleReindex(ctx context.Context, _ *mcp.CallToolRequest, input ReindexInput) (
	*mcp.CallToolResult,
	ReindexOutput,
	error,
) {
	requestID := generateRequestID()
	s.logger.Info("mcp_reindex_requested",
		slog.String("request_id", requestID),
		slog.Bool("reset", input.Reset),
		slog.Bool("wait", input.Wait))

	var (
		stats  async.RunStats
		err    error
		status string
	)
	switch {
	case input.Reset:
		stats, err = s.backend.ResetIndex(ctx)
		status = "rebuilt"
	case input.Wait:
		stats, err = s.backend.IndexAll(ctx)
		status = "completed"
	default:
		s.backend.RequestIndex()
		return nil, ReindexOutput{Status: "scheduled"}, nil
	}
	if err != nil {
		return nil, ReindexOutput{}, MapError(err)
	}
	return nil, ReindexOutput{
		Status:  status,
		Indexed: stats.Indexed,
		Removed: stats.Removed,
		Failed:  stats.Failed,
	}, nil
}

// Serve runs the server on the given transport until ctx ends.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio":
		err := s.mcp.Run(ctx, &mcp.StdioTransport{})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
			return err
		}
		s.logger.Info("mcp_server_stopped")
		return nil
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
